// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/hacienda-console/internal/store"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	PrimaryAPIURL  string
	TelcoxAPIURL   string
	HTTPTimeout    time.Duration
	DeviceIdleTTL  time.Duration
	AllowedOrigins []string
	Store          StoreConfig
}

// StoreConfig selects and configures the durable session storage.
type StoreConfig struct {
	Backend       string // "sqlite" (default), "redis" or "memory"
	DBPath        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		PrimaryAPIURL:  getEnv("PRIMARY_API_URL", "http://localhost:8000/api"),
		TelcoxAPIURL:   getEnv("TELCOX_API_URL", "http://localhost:8000"),
		HTTPTimeout:    getEnvDuration("HTTP_TIMEOUT", 30*time.Second),
		DeviceIdleTTL:  getEnvDuration("DEVICE_IDLE_TTL", 60*time.Minute),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:5173")),
		Store: StoreConfig{
			Backend:       strings.ToLower(getEnv("STORE_BACKEND", string(store.BackendSQLite))),
			DBPath:        getEnv("DB_PATH", defaultDBPath()),
			RedisAddr:     getEnv("REDIS_ADDR", ""),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			RedisPrefix:   getEnv("REDIS_PREFIX", "console:"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	for name, raw := range map[string]string{
		"PRIMARY_API_URL": c.PrimaryAPIURL,
		"TELCOX_API_URL":  c.TelcoxAPIURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be > 0")
	}
	if c.DeviceIdleTTL <= 0 {
		return fmt.Errorf("DEVICE_IDLE_TTL must be > 0")
	}
	switch store.Backend(c.Store.Backend) {
	case store.BackendSQLite:
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case store.BackendRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR cannot be empty when STORE_BACKEND=redis")
		}
	case store.BackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}
	return nil
}

// StoreOptions converts the storage section into store.Options.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend:       store.Backend(c.Store.Backend),
		SQLitePath:    c.Store.DBPath,
		RedisAddr:     c.Store.RedisAddr,
		RedisPassword: c.Store.RedisPassword,
		RedisDB:       c.Store.RedisDB,
		RedisPrefix:   c.Store.RedisPrefix,
	}
}

// IsDevelopment returns true when every backend is local.
func (c *Config) IsDevelopment() bool {
	for _, u := range []string{c.PrimaryAPIURL, c.TelcoxAPIURL} {
		if !strings.Contains(u, "localhost") && !strings.Contains(u, "127.0.0.1") {
			return false
		}
	}
	return true
}

// defaultDBPath keeps the database on the mounted volume inside a container.
func defaultDBPath() string {
	if IsContainer() {
		return "/data/console.db"
	}
	return "./data/console.db"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if getEnvBool("CONTAINER", false) {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
