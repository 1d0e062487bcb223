//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/ashureev/hacienda-console/internal/domain"
	"github.com/ashureev/hacienda-console/internal/fakebackend"
	"github.com/ashureev/hacienda-console/internal/identity"
	"github.com/ashureev/hacienda-console/internal/realm"
	"github.com/ashureev/hacienda-console/internal/store"
	"github.com/ashureev/hacienda-console/internal/transport"
	"github.com/go-chi/chi/v5"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

type console struct {
	backend *fakebackend.Server
	router  chi.Router
	primary *realm.Realm
	telecom  *realm.Realm
	registry *realm.Registry
}

func newConsole(t *testing.T) *console {
	t.Helper()
	backend, err := fakebackend.NewSeeded(nil)
	if err != nil {
		t.Fatalf("NewSeeded: %v", err)
	}
	srv := httptest.NewServer(backend.Handler())
	t.Cleanup(srv.Close)

	kv := store.NewMemory()
	reg := realm.NewRegistry(kv, nil,
		realm.Backend{Domain: domain.PrimaryDomain(), Transport: transport.Config{BaseURL: srv.URL + "/api"}},
		realm.Backend{Domain: domain.TelecomDomain(), Transport: transport.Config{BaseURL: srv.URL}},
	)
	dev, err := reg.Device(context.Background(), identity.DefaultDeviceID)
	if err != nil {
		t.Fatal(err)
	}
	primary, telecom := dev.Realm(domain.RealmPrimary), dev.Realm(domain.RealmTelecom)
	if err := telecom.Session.WaitReady(context.Background()); err != nil {
		t.Fatal(err)
	}

	pages := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("page:" + r.URL.Path))
	})
	r := chi.NewRouter()
	NewHandler(reg, nil).RegisterRoutes(r, pages, map[domain.Realm][]string{
		domain.RealmPrimary: {"/dashboard", "/perfil"},
		domain.RealmTelecom: {"/consumo"},
	})
	return &console{backend: backend, router: r, primary: primary, telecom: telecom, registry: reg}
}

func (c *console) do(method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, req)
	return rec
}

var jsonHeaders = map[string]string{"Content-Type": "application/json", "Accept": "application/json"}

func TestLoginRestoresFromLocation(t *testing.T) {
	c := newConsole(t)

	rec := c.do(http.MethodGet, "/dashboard", "", nil)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/login?from=%2Fdashboard" {
		t.Fatalf("anonymous page: %d %q", rec.Code, rec.Header().Get("Location"))
	}

	rec = c.do(http.MethodPost, "/login?from=%2Fperfil", `{"username":"admin","password":"admin123"}`, jsonHeaders)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body)
	}
	var body map[string]any
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["redirect"] != "/perfil" {
		t.Errorf("redirect = %v, want /perfil", body["redirect"])
	}
	if strings.Contains(rec.Body.String(), "access_Token") {
		t.Error("login response leaked the token")
	}

	rec = c.do(http.MethodGet, "/dashboard", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorized page: %d", rec.Code)
	}
	if got := c.primary.Session.Snapshot().LastProtectedPath; got != "/dashboard" {
		t.Errorf("LastProtectedPath = %q", got)
	}
}

func TestFormLoginFallsBackToLastPathThenDefault(t *testing.T) {
	c := newConsole(t)
	ctx := context.Background()
	c.primary.Session.SetLastProtectedPath(ctx, "/perfil")

	form := url.Values{"identifier": {"admin"}, "password": {"admin123"}}.Encode()
	rec := c.do(http.MethodPost, "/login", form, map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/perfil" {
		t.Fatalf("form login: %d %q", rec.Code, rec.Header().Get("Location"))
	}

	c.do(http.MethodPost, "/logout", "", nil)
	rec = c.do(http.MethodPost, "/login", form, map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	if rec.Header().Get("Location") != "/dashboard" {
		t.Fatalf("second login landed on %q, want /dashboard", rec.Header().Get("Location"))
	}
}

func TestLoginFailure(t *testing.T) {
	c := newConsole(t)

	rec := c.do(http.MethodPost, "/telcox/login", `{"email":"cliente@telcox.co","password":"bad"}`, jsonHeaders)
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "Email o contraseña incorrectos") {
		t.Fatalf("bad password: %d %s", rec.Code, rec.Body)
	}

	rec = c.do(http.MethodPost, "/telcox/login", `{"email":"","password":""}`, jsonHeaders)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "Por favor, completa ambos campos.") {
		t.Fatalf("blank fields: %d %s", rec.Code, rec.Body)
	}

	form := url.Values{"email": {"cliente@telcox.co"}, "password": {"bad"}, "from": {"/consumo"}}.Encode()
	rec = c.do(http.MethodPost, "/telcox/login", form, map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	loc := rec.Header().Get("Location")
	if rec.Code != http.StatusSeeOther || !strings.HasPrefix(loc, "/telcox/login?") || !strings.Contains(loc, "from=%2Fconsumo") {
		t.Fatalf("form failure: %d %q", rec.Code, loc)
	}
}

func TestSessionEndpointHidesToken(t *testing.T) {
	c := newConsole(t)
	c.do(http.MethodPost, "/login", `{"username":"admin","password":"admin123"}`, jsonHeaders)

	rec := c.do(http.MethodGet, "/api/primary/session", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		IsAuthenticated bool             `json:"isAuthenticated"`
		Principal       domain.Principal `json:"principal"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.IsAuthenticated || body.Principal.Identifier != "admin" {
		t.Errorf("body = %s", rec.Body)
	}
	if strings.Contains(rec.Body.String(), "access_Token") {
		t.Error("session endpoint leaked the token")
	}

	rec = c.do(http.MethodGet, "/api/telecom/session", "", nil)
	if strings.Contains(rec.Body.String(), `"isAuthenticated":true`) {
		t.Error("realms must not share sessions")
	}
}

func TestProxyEscalation(t *testing.T) {
	c := newConsole(t)
	c.do(http.MethodPost, "/telcox/login", `{"email":"cliente@telcox.co","password":"telcox123"}`, jsonHeaders)

	rec := c.do(http.MethodGet, "/api/telecom/proxy/user/saldo", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "saldo_actual") {
		t.Fatalf("proxy GET: %d %s", rec.Code, rec.Body)
	}

	c.backend.ForceUnauthorized(3)
	retry := "0"
	for attempt := 0; attempt < 3; attempt++ {
		rec = c.do(http.MethodGet, "/api/telecom/proxy/user/saldo", "", map[string]string{OperationRetryHeader: retry})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status %d", attempt, rec.Code)
		}
		var body map[string]any
		_ = json.NewDecoder(rec.Body).Decode(&body)
		_, redirect := body["redirect"]
		if redirect != (attempt == 2) {
			t.Fatalf("attempt %d: redirect present = %v", attempt, redirect)
		}
		retry = rec.Header().Get(OperationRetryHeader)
		if retry != strconv.Itoa(attempt+1) {
			t.Fatalf("attempt %d: next retry header = %q", attempt, retry)
		}
	}

	if c.telecom.Session.IsAuthenticated() {
		t.Fatal("session must be torn down")
	}
	rec = c.do(http.MethodGet, "/consumo", "", nil)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/telcox/login?from=%2Fconsumo" {
		t.Fatalf("guard after teardown: %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestProxyLoginSurfaceNeverTearsDown(t *testing.T) {
	c := newConsole(t)
	c.do(http.MethodPost, "/login", `{"username":"admin","password":"admin123"}`, jsonHeaders)

	c.backend.ForceUnauthorized(1)
	rec := c.do(http.MethodGet, "/api/primary/proxy/plaga", "", map[string]string{
		OperationRetryHeader: "5",
		SurfaceHeader:        "/login",
	})
	if rec.Code != http.StatusUnauthorized || strings.Contains(rec.Body.String(), "redirect") {
		t.Fatalf("login surface: %d %s", rec.Code, rec.Body)
	}
	if !c.primary.Session.IsAuthenticated() {
		t.Fatal("session must survive a 401 on the login surface")
	}
	if got := rec.Header().Get(OperationRetryHeader); got != "" {
		t.Fatalf("retry header = %q, the counter must not move on the login surface", got)
	}
}

func TestProxyRejectsPathsOutsideRealm(t *testing.T) {
	c := newConsole(t)
	c.do(http.MethodPost, "/login", `{"username":"admin","password":"admin123"}`, jsonHeaders)

	for _, target := range []string{
		"/api/primary/proxy/../user/saldo",
		"/api/primary/proxy/%2e%2e/user/saldo",
		"/api/primary/proxy/plaga/../../user/saldo",
	} {
		rec := c.do(http.MethodGet, target, "", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: %d %s", target, rec.Code, rec.Body)
		}
		if strings.Contains(rec.Body.String(), "saldo_actual") {
			t.Errorf("%s: telecom data reached with the primary token", target)
		}
	}
	if !c.primary.Session.IsAuthenticated() {
		t.Fatal("a refused path must not affect the session")
	}
}

func TestWriteProxyErrorKeepsBackendContentType(t *testing.T) {
	h := &authHandler{Handler: NewHandler(nil, nil), domain: domain.PrimaryDomain(), logger: slog.Default()}

	rec := httptest.NewRecorder()
	h.writeProxyError(rec, &transport.APIError{Status: http.StatusBadGateway, ContentType: "text/html", Body: []byte("<p>down</p>")})
	if rec.Code != http.StatusBadGateway || rec.Header().Get("Content-Type") != "text/html" || rec.Body.String() != "<p>down</p>" {
		t.Fatalf("got %d %q %q", rec.Code, rec.Header().Get("Content-Type"), rec.Body)
	}

	rec = httptest.NewRecorder()
	h.writeProxyError(rec, &transport.APIError{Status: http.StatusConflict, Body: []byte(`{"detail":"dup"}`)})
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("missing content type must default to JSON, got %q", rec.Header().Get("Content-Type"))
	}
}

func TestProxyRequiresSession(t *testing.T) {
	c := newConsole(t)
	rec := c.do(http.MethodGet, "/api/primary/proxy/plaga", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if c.primary.Session.Snapshot().LastProtectedPath != "" {
		t.Error("API paths must not be remembered")
	}
}

func TestProxyPassesThroughBackendErrors(t *testing.T) {
	c := newConsole(t)
	c.do(http.MethodPost, "/login", `{"username":"admin","password":"admin123"}`, jsonHeaders)

	rec := c.do(http.MethodPost, "/api/primary/proxy/plaga", `{"nombre":"Broca","descripcion":"Escarabajo"}`, jsonHeaders)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	rec = c.do(http.MethodDelete, "/api/primary/proxy/plaga/99", "", nil)
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "No encontrado") {
		t.Fatalf("delete missing: %d %s", rec.Code, rec.Body)
	}
}

func TestHealth(t *testing.T) {
	kv := store.NewMemory()
	r := chi.NewRouter()
	NewHealthHandler(kv).RegisterHealth(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	_ = kv.Close()
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status after close = %d", rec.Code)
	}
}

func TestDevicesGetSeparateSessions(t *testing.T) {
	c := newConsole(t)
	h := identity.Middleware(true)(c.router)

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"admin","password":"admin123"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body)
	}
	cookies := rec.Result().Cookies()

	req = httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("same device: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("other device: %d, want redirect", rec.Code)
	}
	if c.primary.Session.IsAuthenticated() {
		t.Fatal("the default device must stay logged out")
	}
	if n := c.registry.Len(); n != 2 {
		t.Fatalf("registry holds %d devices, want the default one and the returning one", n)
	}
}
