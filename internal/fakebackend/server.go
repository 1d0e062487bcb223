// Package fakebackend serves in-process stand-ins for the primary and
// telecom REST backends. It is used by tests and by the mock-backend
// binary for local development.
package fakebackend

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const tokenTTL = time.Hour

var (
	// ErrDuplicateUser is returned when seeding an identifier twice.
	ErrDuplicateUser = errors.New("fakebackend: user already exists")
	errTokenRevoked  = errors.New("token revoked")
)

// Account is one user known to a fake backend.
type Account struct {
	ID         string
	Identifier string // username (primary) or email (telecom)
	Name       string
	Role       string // primary role or telecom plan
	Tenant     string // primary hacienda
	hash       []byte
}

type claims struct {
	Epoch uint64 `json:"epoch"`
	jwt.RegisteredClaims
}

// Server holds the state of both fake backends.
type Server struct {
	secret []byte
	logger *slog.Logger

	mu            sync.Mutex
	accounts      map[string]map[string]*Account // audience -> identifier -> account
	epoch         uint64
	forceFailures int
}

// New returns an empty Server with a random signing key.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic(fmt.Sprintf("fakebackend: read random key: %v", err))
	}
	return &Server{
		secret: secret,
		logger: logger.With("component", "fakebackend"),
		accounts: map[string]map[string]*Account{
			audiencePrimary: {},
			audienceTelecom: {},
		},
	}
}

// NewSeeded returns a Server with one demo account per realm.
func NewSeeded(logger *slog.Logger) (*Server, error) {
	s := New(logger)
	if _, err := s.AddPrimaryUser("admin", "Administrador General", "Administrador", "Hacienda La Esperanza", "admin123"); err != nil {
		return nil, err
	}
	if _, err := s.AddTelecomUser("cliente@telcox.co", "Cliente Demo", "Plan Ilimitado", "telcox123"); err != nil {
		return nil, err
	}
	return s, nil
}

// AddPrimaryUser registers an account on the primary backend.
func (s *Server) AddPrimaryUser(username, fullName, role, hacienda, password string) (*Account, error) {
	return s.add(audiencePrimary, &Account{Identifier: username, Name: fullName, Role: role, Tenant: hacienda}, password)
}

// AddTelecomUser registers an account on the telecom backend.
func (s *Server) AddTelecomUser(email, nombre, plan, password string) (*Account, error) {
	return s.add(audienceTelecom, &Account{Identifier: strings.ToLower(email), Name: nombre, Role: plan}, password)
}

func (s *Server) add(audience string, acct *Account, password string) (*Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	acct.ID = uuid.NewString()
	acct.hash = hash

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[audience][acct.Identifier]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateUser, acct.Identifier)
	}
	s.accounts[audience][acct.Identifier] = acct
	return acct, nil
}

// RevokeAll invalidates every token issued so far.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	s.epoch++
	s.mu.Unlock()
	s.logger.Info("All tokens revoked")
}

// ForceUnauthorized makes the next n authenticated requests answer 401
// regardless of the token presented.
func (s *Server) ForceUnauthorized(n int) {
	s.mu.Lock()
	s.forceFailures = n
	s.mu.Unlock()
}

// Handler mounts the primary backend under /api and the telecom backend at
// the root, matching the console's default base URLs.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Mount("/api", s.PrimaryHandler())
	r.Mount("/", s.TelecomHandler())
	return r
}

func (s *Server) authenticate(audience, identifier, password string) (*Account, bool) {
	s.mu.Lock()
	acct, ok := s.accounts[audience][identifier]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	if err := bcrypt.CompareHashAndPassword(acct.hash, []byte(password)); err != nil {
		return nil, false
	}
	return acct, true
}

func (s *Server) issue(audience string, acct *Account) (string, error) {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Epoch: epoch,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   acct.Identifier,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	})
	return token.SignedString(s.secret)
}

func (s *Server) verify(audience, raw string) (*Account, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithAudience(audience), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Epoch != s.epoch {
		return nil, errTokenRevoked
	}
	acct, ok := s.accounts[audience][c.Subject]
	if !ok {
		return nil, errors.New("unknown subject")
	}
	return acct, nil
}

type acctCtxKey struct{}

// requireToken rejects requests without a valid bearer token for audience.
func (s *Server) requireToken(audience string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.mu.Lock()
			forced := s.forceFailures > 0
			if forced {
				s.forceFailures--
			}
			s.mu.Unlock()
			if forced {
				writeError(w, http.StatusUnauthorized, "Token expirado")
				return
			}

			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				writeError(w, http.StatusUnauthorized, "No autenticado")
				return
			}
			acct, err := s.verify(audience, raw)
			if err != nil {
				s.logger.Debug("Rejected token", "audience", audience, "error", err)
				writeError(w, http.StatusUnauthorized, "Token inválido")
				return
			}
			next.ServeHTTP(w, r.WithContext(withAccount(r.Context(), acct)))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
