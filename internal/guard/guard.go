// Package guard gates protected routes on the state of a realm's session
// and decides where a successful login should land.
package guard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ashureev/hacienda-console/internal/domain"
)

// State is the outcome of evaluating a protected route.
type State int

const (
	// StatePending means session validity is not known yet.
	StatePending State = iota
	// StateAuthorized means the protected content may be rendered.
	StateAuthorized
	// StateUnauthorized means the user must go to the login route.
	StateUnauthorized
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAuthorized:
		return "authorized"
	case StateUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Decision is the result of one guard evaluation.
type Decision struct {
	State State
	// Path is the protected path that was evaluated.
	Path string
	// RedirectTo is set for StateUnauthorized: the login route carrying
	// Path as the "from" query parameter.
	RedirectTo string
	// From mirrors Path on unauthorized decisions.
	From string
}

// Sessions is the view of a session store the guard needs.
type Sessions interface {
	Domain() domain.Domain
	Ready() <-chan struct{}
	Snapshot() domain.Session
	ResolveToken(ctx context.Context) (string, error)
	SetLastProtectedPath(ctx context.Context, path string)
	ConsumeLastProtectedPath(ctx context.Context) string
}

// Guard evaluates protected routes for one realm.
type Guard struct {
	sessions Sessions
	domain   domain.Domain
	logger   *slog.Logger
}

// New creates a Guard over sessions.
func New(sessions Sessions, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	d := sessions.Domain()
	return &Guard{
		sessions: sessions,
		domain:   d,
		logger:   logger.With("realm", string(d.Realm), "component", "guard"),
	}
}

// Evaluate decides whether path may be rendered right now. Realms with an
// in-memory guard never return StatePending; realms with an asynchronous
// guard stay pending until the session store has finished rehydrating and
// then read validity from durable storage.
func (g *Guard) Evaluate(ctx context.Context, path string) Decision {
	return g.evaluate(ctx, path, g.domain.TracksLastPath)
}

func (g *Guard) evaluate(ctx context.Context, path string, track bool) Decision {
	if !g.domain.AsyncGuard {
		return g.evaluateMemory(ctx, path, track)
	}
	select {
	case <-g.sessions.Ready():
	default:
		return Decision{State: StatePending, Path: path}
	}
	return g.evaluateStorage(ctx, path, track)
}

// Await blocks until the decision is no longer pending or ctx is done, in
// which case the pending decision is returned.
func (g *Guard) Await(ctx context.Context, path string) Decision {
	if g.domain.AsyncGuard {
		select {
		case <-g.sessions.Ready():
		case <-ctx.Done():
			return Decision{State: StatePending, Path: path}
		}
	}
	return g.Evaluate(ctx, path)
}

func (g *Guard) evaluateMemory(ctx context.Context, path string, track bool) Decision {
	snap := g.sessions.Snapshot()
	if !snap.IsAuthenticated || !snap.Valid() {
		return g.unauthorized(path)
	}
	if track {
		g.sessions.SetLastProtectedPath(ctx, path)
	}
	return Decision{State: StateAuthorized, Path: path}
}

func (g *Guard) evaluateStorage(ctx context.Context, path string, track bool) Decision {
	token, err := g.sessions.ResolveToken(ctx)
	if err != nil {
		g.logger.Warn("Could not read session from storage", "path", path, "error", err)
		return g.unauthorized(path)
	}
	if token == "" {
		return g.unauthorized(path)
	}
	if track {
		g.sessions.SetLastProtectedPath(ctx, path)
	}
	return Decision{State: StateAuthorized, Path: path}
}

func (g *Guard) unauthorized(path string) Decision {
	return Decision{
		State:      StateUnauthorized,
		Path:       path,
		RedirectTo: LoginURL(g.domain, path),
		From:       path,
	}
}

// LoginURL returns the realm's login route carrying from as the return
// location. An empty from yields the bare login route.
func LoginURL(d domain.Domain, from string) string {
	if from == "" {
		return d.LoginRoute
	}
	return d.LoginRoute + "?" + url.Values{"from": {from}}.Encode()
}

// Landing resolves where a successful login navigates to: from when it is a
// usable local path, otherwise the remembered protected path, otherwise the
// realm's default landing. The remembered path is always cleared.
func (g *Guard) Landing(ctx context.Context, from string) string {
	stored := g.sessions.ConsumeLastProtectedPath(ctx)
	if g.usable(from) {
		return from
	}
	if g.usable(stored) {
		return stored
	}
	return g.domain.DefaultLanding
}

func (g *Guard) usable(path string) bool {
	if path == "" || !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") {
		return false
	}
	if strings.ContainsAny(path, "\\\r\n") {
		return false
	}
	p := path
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return p != g.domain.LoginRoute && p != g.domain.LogoutRoute
}

type sessionCtxKey struct{}

// SessionFromContext returns the session snapshot the guard middleware
// attached to an authorized request.
func SessionFromContext(ctx context.Context) (domain.Session, bool) {
	s, ok := ctx.Value(sessionCtxKey{}).(domain.Session)
	return s, ok
}

const pendingPage = `<!doctype html><html><head><meta charset="utf-8">` +
	`<meta http-equiv="refresh" content="1"><title>Cargando</title></head>` +
	`<body><p>Cargando...</p></body></html>`

// Middleware gates next. Pending requests get a placeholder asking the
// client to retry, unauthorized requests are sent to the login route, and
// authorized requests proceed with the session snapshot in their context.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		decision := g.Evaluate(r.Context(), path)

		switch decision.State {
		case StateAuthorized:
			ctx := context.WithValue(r.Context(), sessionCtxKey{}, g.sessions.Snapshot())
			next.ServeHTTP(w, r.WithContext(ctx))

		case StatePending:
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Cache-Control", "no-store")
			if wantsJSON(r) {
				writeJSON(w, http.StatusAccepted, map[string]string{"state": decision.State.String()})
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(pendingPage))

		default:
			g.logger.Debug("Redirecting to login", "path", path)
			if wantsJSON(r) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{
					"error":    "authentication required",
					"redirect": decision.RedirectTo,
				})
				return
			}
			http.Redirect(w, r, decision.RedirectTo, http.StatusSeeOther)
		}
	})
}

// APIMiddleware gates JSON endpoints. It waits out a pending session
// instead of rendering a placeholder, never records the request path as
// the last protected path, and reports unauthorized requests as 401 JSON.
func (g *Guard) APIMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.domain.AsyncGuard {
			select {
			case <-g.sessions.Ready():
			case <-r.Context().Done():
				return
			}
		}
		decision := g.evaluate(r.Context(), r.URL.Path, false)
		if decision.State != StateAuthorized {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":    "authentication required",
				"redirect": g.domain.LoginRoute,
			})
			return
		}
		ctx := context.WithValue(r.Context(), sessionCtxKey{}, g.sessions.Snapshot())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
