package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ashureev/hacienda-console/internal/domain"
	"github.com/ashureev/hacienda-console/internal/guard"
	"github.com/ashureev/hacienda-console/internal/policy"
	"github.com/ashureev/hacienda-console/internal/realm"
	"github.com/ashureev/hacienda-console/internal/session"
	"github.com/ashureev/hacienda-console/internal/transport"
	"github.com/go-chi/chi/v5"
)

const (
	maxRequestBytes = 1 << 20

	// OperationRetryHeader carries the caller's retry counter for the
	// logical operation a proxied request belongs to.
	OperationRetryHeader = "X-Operation-Retry"
	// SurfaceHeader carries the route the browser is currently showing.
	SurfaceHeader = "X-Surface"
)

type authHandler struct {
	*Handler
	domain domain.Domain
	logger *slog.Logger
}

type realmKey struct{}

func (h *authHandler) register(r chi.Router, pages http.Handler) {
	d := h.domain
	r.Method(http.MethodGet, d.LoginRoute, pages)
	r.Post(d.LoginRoute, h.withRealm(h.Login))
	r.Post(d.LogoutRoute, h.withRealm(h.Logout))

	r.Route("/api/"+string(d.Realm), func(r chi.Router) {
		r.Get("/session", h.withRealm(h.Session))
		r.Handle("/proxy/*", h.guard(true, http.HandlerFunc(h.Proxy)))
	})
}

// withRealm resolves the device's realm before calling next.
func (h *authHandler) withRealm(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rl, ok := h.realmFor(w, r, h.domain)
		if !ok {
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), realmKey{}, rl)))
	}
}

// guard wraps next in the device's route guard.
func (h *authHandler) guard(api bool, next http.Handler) http.Handler {
	return h.withRealm(func(w http.ResponseWriter, r *http.Request) {
		g := realmFrom(r).Guard
		if api {
			g.APIMiddleware(next).ServeHTTP(w, r)
			return
		}
		g.Middleware(next).ServeHTTP(w, r)
	})
}

func realmFrom(r *http.Request) *realm.Realm {
	rl, _ := r.Context().Value(realmKey{}).(*realm.Realm)
	return rl
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	From       string `json:"from"`
}

// Login authenticates against the realm backend and answers with the
// restoration target.
func (h *authHandler) Login(w http.ResponseWriter, r *http.Request) {
	rl := realmFrom(r)
	d := h.domain
	req, isForm, err := h.decodeLogin(w, r)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid login request")
		return
	}
	if req.From == "" {
		req.From = r.URL.Query().Get("from")
	}

	creds := domain.Credentials{Identifier: req.Identifier, Password: req.Password}
	if err := rl.Session.Login(r.Context(), creds); err != nil {
		message := d.FallbackLoginError
		var le *session.LoginError
		if errors.As(err, &le) {
			message = le.Message
		}
		if isForm {
			q := url.Values{"error": {message}}
			if req.From != "" {
				q.Set("from", req.From)
			}
			http.Redirect(w, r, d.LoginRoute+"?"+q.Encode(), http.StatusSeeOther)
			return
		}
		status := http.StatusUnauthorized
		if errors.Is(err, session.ErrMissingFields) {
			status = http.StatusBadRequest
		}
		Error(w, status, message)
		return
	}

	target := rl.Guard.Landing(r.Context(), req.From)
	h.logger.Info("Login succeeded, restoring navigation", "target", target)
	if isForm {
		http.Redirect(w, r, target, http.StatusSeeOther)
		return
	}
	snap := rl.Session.Snapshot()
	JSON(w, http.StatusOK, map[string]any{
		"user":            domain.PublicUser(d, snap.User),
		"isAuthenticated": snap.IsAuthenticated,
		"redirect":        target,
	})
}

func (h *authHandler) decodeLogin(w http.ResponseWriter, r *http.Request) (loginRequest, bool, error) {
	var req loginRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
		if err := r.ParseForm(); err != nil {
			return req, true, err
		}
		req.Identifier = firstNonEmpty(r.PostForm.Get("identifier"), r.PostForm.Get(h.domain.IdentifierField))
		req.Password = r.PostForm.Get("password")
		req.From = r.PostForm.Get("from")
		return req, true, nil
	}

	var raw map[string]string
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&raw); err != nil {
		return req, false, err
	}
	req.Identifier = firstNonEmpty(raw["identifier"], raw[h.domain.IdentifierField])
	req.Password = raw["password"]
	req.From = raw["from"]
	return req, false, nil
}

// Logout clears the realm session and points the caller at the login route.
func (h *authHandler) Logout(w http.ResponseWriter, r *http.Request) {
	realmFrom(r).Session.Logout(r.Context())
	login := h.domain.LoginRoute
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		JSON(w, http.StatusOK, map[string]string{"redirect": login})
		return
	}
	http.Redirect(w, r, login, http.StatusSeeOther)
}

// Session reports the current login state. The token is never exposed.
func (h *authHandler) Session(w http.ResponseWriter, r *http.Request) {
	rl := realmFrom(r)
	if err := rl.Session.WaitReady(r.Context()); err != nil {
		Error(w, http.StatusServiceUnavailable, "session unavailable")
		return
	}
	snap := rl.Session.Snapshot()
	resp := map[string]any{
		"realm":           h.domain.Realm,
		"isAuthenticated": snap.IsAuthenticated,
		"user":            domain.PublicUser(h.domain, snap.User),
	}
	if snap.IsAuthenticated {
		resp["principal"] = domain.PrincipalOf(snap.User)
	}
	if msg := rl.Session.LastError(); msg != "" {
		resp["error"] = msg
	}
	JSON(w, http.StatusOK, resp)
}

// Proxy forwards the request to the realm backend through the transport
// client, so the bearer token and unauthorized policy apply.
func (h *authHandler) Proxy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	retries, _ := strconv.Atoi(r.Header.Get(OperationRetryHeader))
	op := policy.ResumeOperation(retries)
	ctx := transport.WithOperation(r.Context(), op)
	if surface := r.Header.Get(SurfaceHeader); surface != "" {
		ctx = transport.WithSurface(ctx, surface)
	}

	path := "/" + chi.URLParam(r, "*")
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	var body io.Reader
	if r.ContentLength != 0 {
		body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	}

	resp, err := realmFrom(r).Client.Forward(ctx, r.Method, path, body)
	if err != nil {
		h.writeProxyError(w, err)
		return
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func (h *authHandler) writeProxyError(w http.ResponseWriter, err error) {
	var ue *transport.UnauthorizedError
	var apiErr *transport.APIError
	switch {
	case errors.As(err, &ue):
		if !ue.Suppressed {
			w.Header().Set(OperationRetryHeader, strconv.Itoa(ue.RetryCount+1))
		}
		resp := map[string]any{"error": "unauthorized", "retryCount": ue.RetryCount}
		if ue.Redirect {
			resp["redirect"] = guard.LoginURL(h.domain, "")
		}
		JSON(w, http.StatusUnauthorized, resp)
	case errors.As(err, &apiErr):
		contentType := apiErr.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(apiErr.Status)
		_, _ = w.Write(apiErr.Body)
	case errors.Is(err, transport.ErrInvalidPath):
		Error(w, http.StatusBadRequest, "invalid path")
	case errors.Is(err, transport.ErrNetwork):
		h.logger.Warn("Proxy call failed", "error", err)
		Error(w, http.StatusBadGateway, "backend unreachable")
	default:
		h.logger.Error("Proxy call failed", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
