package fakebackend

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	audiencePrimary = "primary"
	audienceTelecom = "telecom"
)

func withAccount(ctx context.Context, acct *Account) context.Context {
	return context.WithValue(ctx, acctCtxKey{}, acct)
}

func accountFrom(ctx context.Context) *Account {
	acct, _ := ctx.Value(acctCtxKey{}).(*Account)
	return acct
}

// PrimaryHandler serves the primary backend rooted at its base URL.
func (s *Server) PrimaryHandler() http.Handler {
	r := chi.NewRouter()
	r.Post("/auth/login", s.primaryLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken(audiencePrimary))
		r.Get("/auth/Profile", func(w http.ResponseWriter, r *http.Request) {
			acct := accountFrom(r.Context())
			writeJSON(w, http.StatusOK, map[string]any{
				"userName":  acct.Identifier,
				"firstName": acct.Name,
				"hacienda":  acct.Tenant,
			})
		})
		r.Get("/auth/users", s.listAccounts(audiencePrimary))
		for _, name := range []string{"plaga", "insumo", "equipo", "lote"} {
			c := newCollection()
			r.Get("/"+name, c.list)
			r.Post("/"+name, c.create)
			r.Put("/"+name, c.update)
			r.Delete("/"+name+"/{id}", c.remove)
		}
	})
	return r
}

func (s *Server) primaryLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Solicitud inválida")
		return
	}
	acct, ok := s.authenticate(audiencePrimary, req.Username, req.Password)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Usuario o contraseña incorrectos")
		return
	}
	token, err := s.issue(audiencePrimary, acct)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "No se pudo emitir el token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"auth": map[string]string{
			"access_Token":  token,
			"refresh_Token": acct.ID,
		},
		"username":   acct.Identifier,
		"fullName":   acct.Name,
		"role":       acct.Role,
		"expiracion": time.Now().Add(tokenTTL).UTC().Format(time.RFC3339),
		"env":        "development",
		"hacienda":   acct.Tenant,
	})
}

// TelecomHandler serves the telecom backend rooted at its base URL.
func (s *Server) TelecomHandler() http.Handler {
	r := chi.NewRouter()
	r.Post("/auth/login", s.telecomLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken(audienceTelecom))
		r.Get("/user/saldo", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"saldo_actual":         45000,
				"saldo_disponible":     42000,
				"saldo_reservado":      3000,
				"moneda":               "COP",
				"ultima_actualizacion": time.Now().UTC().Format(time.RFC3339),
			})
		})
		r.Get("/admin/users", s.listAccounts(audienceTelecom))
		c := newCollection()
		r.Get("/consumos", c.list)
		r.Post("/consumos", c.create)
		r.Get("/facturas", newCollection().list)
	})
	return r
}

func (s *Server) telecomLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Solicitud inválida")
		return
	}
	acct, ok := s.authenticate(audienceTelecom, strings.ToLower(req.Email), req.Password)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Email o contraseña incorrectos")
		return
	}
	token, err := s.issue(audienceTelecom, acct)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "No se pudo emitir el token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int(tokenTTL.Seconds()),
		"user":         telecomUser(acct),
	})
}

func telecomUser(acct *Account) map[string]any {
	return map[string]any{
		"id":            acct.ID,
		"nombre":        acct.Name,
		"email":         acct.Identifier,
		"plan_actual":   acct.Role,
		"estado_cuenta": "activo",
	}
}

func (s *Server) listAccounts(audience string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		items := make([]map[string]any, 0, len(s.accounts[audience]))
		for _, acct := range s.accounts[audience] {
			if audience == audienceTelecom {
				items = append(items, telecomUser(acct))
				continue
			}
			items = append(items, map[string]any{
				"id":       acct.ID,
				"userName": acct.Identifier,
				"fullName": acct.Name,
				"role":     acct.Role,
			})
		}
		s.mu.Unlock()

		if audience == audienceTelecom {
			writeJSON(w, http.StatusOK, map[string]any{
				"items": items, "total": len(items), "page": 1, "size": len(items), "pages": 1,
			})
			return
		}
		writeJSON(w, http.StatusOK, items)
	}
}

// collection is a tiny in-memory CRUD resource keyed by integer id.
type collection struct {
	mu     sync.Mutex
	nextID int
	items  map[int]map[string]any
}

func newCollection() *collection {
	return &collection{nextID: 1, items: map[int]map[string]any{}}
}

func (c *collection) list(w http.ResponseWriter, _ *http.Request) {
	c.mu.Lock()
	out := make([]map[string]any, 0, len(c.items))
	for id := 1; id < c.nextID; id++ {
		if item, ok := c.items[id]; ok {
			out = append(out, item)
		}
	}
	c.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (c *collection) create(w http.ResponseWriter, r *http.Request) {
	var item map[string]any
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil || item == nil {
		writeError(w, http.StatusBadRequest, "Solicitud inválida")
		return
	}
	c.mu.Lock()
	item["id"] = c.nextID
	c.items[c.nextID] = item
	c.nextID++
	c.mu.Unlock()
	writeJSON(w, http.StatusCreated, item)
}

func (c *collection) update(w http.ResponseWriter, r *http.Request) {
	var item map[string]any
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil || item == nil {
		writeError(w, http.StatusBadRequest, "Solicitud inválida")
		return
	}
	id, ok := item["id"].(float64)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[int(id)]; !ok || !exists {
		writeError(w, http.StatusNotFound, "No encontrado")
		return
	}
	item["id"] = int(id)
	c.items[int(id)] = item
	writeJSON(w, http.StatusOK, item)
}

func (c *collection) remove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "id inválido")
		return
	}
	c.mu.Lock()
	_, exists := c.items[id]
	delete(c.items, id)
	c.mu.Unlock()
	if !exists {
		writeError(w, http.StatusNotFound, "No encontrado")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
