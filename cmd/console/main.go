// Hacienda Console - session-aware front server for the primary and telecom backends
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/hacienda-console/internal/api"
	"github.com/ashureev/hacienda-console/internal/config"
	"github.com/ashureev/hacienda-console/internal/domain"
	"github.com/ashureev/hacienda-console/internal/identity"
	"github.com/ashureev/hacienda-console/internal/middleware"
	"github.com/ashureev/hacienda-console/internal/realm"
	"github.com/ashureev/hacienda-console/internal/store"
	"github.com/ashureev/hacienda-console/internal/transport"
	"github.com/ashureev/hacienda-console/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// pageRoutes lists the guarded page routes of each realm.
var pageRoutes = map[domain.Realm][]string{
	domain.RealmPrimary: {"/", "/dashboard", "/perfil", "/admin/users"},
	domain.RealmTelecom: {"/consumo", "/facturas-pagadas"},
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	flags := pflag.NewFlagSet("console", pflag.ContinueOnError)
	flags.StringVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	flags.StringVar(&cfg.Store.Backend, "store", cfg.Store.Backend, "session storage backend: sqlite, redis or memory")
	flags.StringVar(&cfg.Store.DBPath, "db-path", cfg.Store.DBPath, "SQLite database path")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting console", "port", cfg.Port, "store", cfg.Store.Backend, "dev", cfg.IsDevelopment())

	// Initialize session storage.
	kv, err := store.Open(cfg.StoreOptions())
	if err != nil {
		slog.Error("Failed to open session storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := kv.Close(); closeErr != nil {
			slog.Error("Failed to close session storage", "error", closeErr)
		}
	}()

	if err := kv.Ping(context.Background()); err != nil {
		slog.Error("Session storage health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Session storage connected")

	// Initialize realms; each browser device gets its own pair.
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	registry := realm.NewRegistry(kv, logger,
		realm.Backend{
			Domain:    domain.PrimaryDomain(),
			Transport: transport.Config{BaseURL: cfg.PrimaryAPIURL, HTTPClient: httpClient},
		},
		realm.Backend{
			Domain:    domain.TelecomDomain(),
			Transport: transport.Config{BaseURL: cfg.TelcoxAPIURL, HTTPClient: httpClient},
		},
	)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	api.NewHealthHandler(kv).RegisterHealth(r)
	api.NewHandler(registry, logger).RegisterRoutes(r, web.SPAHandler(), pageRoutes)

	// Static assets; every other path lands on the telecom login.
	r.Handle("/*", web.StaticHandler(http.RedirectHandler(domain.TelecomDomain().LoginRoute, http.StatusSeeOther)))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.HTTPTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry.StartEvictionWorker(ctx, cfg.DeviceIdleTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
