// Package session holds the authoritative login state of one realm and keeps
// it mirrored in durable storage.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ashureev/hacienda-console/internal/domain"
	"github.com/ashureev/hacienda-console/internal/store"
)

// ErrMissingFields is the cause of a LoginError raised before any network
// call because the identifier or password was blank.
var ErrMissingFields = errors.New("identifier and password are required")

// Authenticator exchanges credentials for a login result.
type Authenticator interface {
	Authenticate(ctx context.Context, creds domain.Credentials) (*domain.LoginResult, error)
}

// detailer is implemented by errors that carry a human-readable message
// from the backend.
type detailer interface {
	Detail() string
}

// LoginError is returned by Login. Message is always suitable for display.
type LoginError struct {
	Realm   domain.Realm
	Message string
	Err     error
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("%s login failed: %s", e.Realm, e.Message)
}

func (e *LoginError) Unwrap() error { return e.Err }

// Store owns the Session of one realm. All methods are safe for concurrent
// use; mutations are applied in call order and persisted so that an older
// mutation never overwrites a newer one in durable storage.
type Store struct {
	domain domain.Domain
	kv     store.KV
	auth   Authenticator
	logger *slog.Logger

	mu      sync.RWMutex
	state   domain.Session
	lastErr string
	gen     uint64

	writeMu sync.Mutex
	written uint64

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a Store and starts rehydrating it from kv in the background.
// It never blocks; Ready reports when rehydration has finished. Until then
// the session is empty.
func New(d domain.Domain, kv store.KV, auth Authenticator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		domain: d,
		kv:     kv,
		auth:   auth,
		logger: logger.With("realm", string(d.Realm)),
		ready:  make(chan struct{}),
	}
	go func() {
		s.Rehydrate(context.Background())
		s.readyOnce.Do(func() { close(s.ready) })
	}()
	return s
}

// Domain returns the descriptor the store was built for.
func (s *Store) Domain() domain.Domain {
	return s.domain
}

// Ready is closed once the startup rehydration has completed.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// WaitReady blocks until rehydration completes or ctx is done.
func (s *Store) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the current session.
func (s *Store) Snapshot() domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.state
	if s.state.User != nil {
		out.User = append([]byte(nil), s.state.User...)
	}
	return out
}

// IsAuthenticated reports the in-memory authentication flag.
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.IsAuthenticated
}

// LastError returns the message of the most recent failed login, if any.
func (s *Store) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// ClearError forgets the last login error.
func (s *Store) ClearError() {
	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()
}

// Rehydrate loads the durable entry into memory. A missing, unreadable or
// malformed entry leaves the session empty. Rehydrate never fails; if the
// session is mutated while the read is in flight the mutation wins.
func (s *Store) Rehydrate(ctx context.Context) {
	s.mu.RLock()
	startGen := s.gen
	s.mu.RUnlock()

	loaded := s.load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != startGen {
		s.logger.Debug("Rehydration superseded by a newer mutation")
		return
	}
	s.state = loaded
}

func (s *Store) load(ctx context.Context) domain.Session {
	data, err := s.kv.Get(ctx, s.domain.StorageKey)
	if err != nil {
		s.logger.Warn("Session storage unreadable, starting logged out", "error", err)
		return domain.Session{}
	}
	if data == nil {
		return domain.Session{}
	}
	sess, err := domain.DecodeEntry(s.domain, data)
	if err != nil {
		s.logger.Warn("Ignoring malformed session entry", "error", err)
		return domain.Session{}
	}
	return sess
}

// Login authenticates with creds. On success user, token and the
// authenticated flag are set together and persisted. On failure the session
// is left unauthenticated and a *LoginError is returned; Login never panics
// on backend or storage failures.
func (s *Store) Login(ctx context.Context, creds domain.Credentials) error {
	if strings.TrimSpace(creds.Identifier) == "" || strings.TrimSpace(creds.Password) == "" {
		return s.fail(ctx, "Por favor, completa ambos campos.", ErrMissingFields)
	}

	result, err := s.auth.Authenticate(ctx, creds)
	if err != nil {
		return s.fail(ctx, s.messageFor(err), err)
	}
	if result == nil || result.Token == "" || len(result.User) == 0 || string(result.User) == "null" {
		return s.fail(ctx, s.domain.FallbackLoginError, errors.New("login response lacks token or user"))
	}

	next, gen := s.mutate(func(cur domain.Session) domain.Session {
		n := domain.NewAuthenticated(result.User, result.Token)
		n.LastProtectedPath = cur.LastProtectedPath
		return n
	})
	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()

	if err := s.persist(ctx, next, gen); err != nil {
		s.logger.Error("Failed to persist session after login", "error", err)
	}
	s.logger.Info("Login succeeded", "expires_in", result.ExpiresIn)
	return nil
}

func (s *Store) messageFor(err error) string {
	var d detailer
	if errors.As(err, &d) {
		if msg := strings.TrimSpace(d.Detail()); msg != "" {
			return msg
		}
	}
	return s.domain.FallbackLoginError
}

func (s *Store) fail(ctx context.Context, message string, cause error) error {
	next, gen := s.mutate(func(cur domain.Session) domain.Session {
		return cur.WithoutAuth()
	})
	s.mu.Lock()
	s.lastErr = message
	s.mu.Unlock()

	if err := s.persist(ctx, next, gen); err != nil {
		s.logger.Error("Failed to persist session after failed login", "error", err)
	}
	s.logger.Info("Login failed", "message", message, "error", cause)
	return &LoginError{Realm: s.domain.Realm, Message: message, Err: cause}
}

// Logout clears user, token, the authenticated flag and the remembered path,
// and persists the empty session. Calling it repeatedly is harmless.
func (s *Store) Logout(ctx context.Context) {
	next, gen := s.mutate(func(domain.Session) domain.Session {
		return domain.Session{}
	})
	if err := s.persist(ctx, next, gen); err != nil {
		s.logger.Error("Failed to persist logout", "error", err)
	}
}

// SetLastProtectedPath remembers path for post-login restoration. Setting
// the current value again does not touch storage.
func (s *Store) SetLastProtectedPath(ctx context.Context, path string) {
	s.mu.Lock()
	if s.state.LastProtectedPath == path {
		s.mu.Unlock()
		return
	}
	s.state.LastProtectedPath = path
	s.gen++
	next, gen := s.state, s.gen
	s.mu.Unlock()

	if err := s.persist(ctx, next, gen); err != nil {
		s.logger.Warn("Failed to persist last protected path", "path", path, "error", err)
	}
}

// ConsumeLastProtectedPath returns the remembered path and clears it.
func (s *Store) ConsumeLastProtectedPath(ctx context.Context) string {
	s.mu.Lock()
	path := s.state.LastProtectedPath
	if path == "" {
		s.mu.Unlock()
		return ""
	}
	s.state.LastProtectedPath = ""
	s.gen++
	next, gen := s.state, s.gen
	s.mu.Unlock()

	if err := s.persist(ctx, next, gen); err != nil {
		s.logger.Warn("Failed to persist cleared protected path", "error", err)
	}
	return path
}

// ResolveToken reads the bearer token from durable storage rather than from
// memory, so a session written by another process is honoured. It returns
// "" when no token is stored.
func (s *Store) ResolveToken(ctx context.Context) (string, error) {
	data, err := s.kv.Get(ctx, s.domain.StorageKey)
	if err != nil {
		return "", fmt.Errorf("resolve %s token: %w", s.domain.Realm, err)
	}
	if data == nil {
		return "", nil
	}
	return domain.TokenFromEntry(s.domain, data), nil
}

// Teardown deletes the durable entry and clears the in-memory session. It
// is the destructive step of the unauthorized-response policy.
func (s *Store) Teardown(ctx context.Context) error {
	_, gen := s.mutate(func(domain.Session) domain.Session {
		return domain.Session{}
	})

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if gen < s.written {
		return nil
	}
	if err := s.kv.Delete(ctx, s.domain.StorageKey); err != nil {
		return fmt.Errorf("teardown %s session: %w", s.domain.Realm, err)
	}
	s.written = gen
	s.logger.Warn("Session torn down")
	return nil
}

// mutate applies fn under the lock and returns the new state together with
// its generation.
func (s *Store) mutate(fn func(domain.Session) domain.Session) (domain.Session, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = fn(s.state)
	s.gen++
	return s.state, s.gen
}

func (s *Store) persist(ctx context.Context, next domain.Session, gen uint64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if gen < s.written {
		return nil
	}
	data, err := domain.EncodeEntry(s.domain, next)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, s.domain.StorageKey, data); err != nil {
		return fmt.Errorf("persist %s session: %w", s.domain.Realm, err)
	}
	s.written = gen
	return nil
}
