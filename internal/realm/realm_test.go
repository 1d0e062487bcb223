package realm

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/hacienda-console/internal/domain"
	"github.com/ashureev/hacienda-console/internal/fakebackend"
	"github.com/ashureev/hacienda-console/internal/guard"
	"github.com/ashureev/hacienda-console/internal/policy"
	"github.com/ashureev/hacienda-console/internal/store"
	"github.com/ashureev/hacienda-console/internal/transport"
)

func setup(t *testing.T) (*fakebackend.Server, *httptest.Server) {
	t.Helper()
	backend, err := fakebackend.NewSeeded(nil)
	if err != nil {
		t.Fatalf("NewSeeded: %v", err)
	}
	srv := httptest.NewServer(backend.Handler())
	t.Cleanup(srv.Close)
	return backend, srv
}

func TestRealm_PersistentUnauthorizedTearsDown(t *testing.T) {
	tests := []struct {
		name    string
		domain  domain.Domain
		baseURL func(string) string
		creds   domain.Credentials
		path    string
	}{
		{
			name:    "primary",
			domain:  domain.PrimaryDomain(),
			baseURL: func(u string) string { return u + "/api" },
			creds:   domain.Credentials{Identifier: "admin", Password: "admin123"},
			path:    "/plaga",
		},
		{
			name:    "telecom",
			domain:  domain.TelecomDomain(),
			baseURL: func(u string) string { return u },
			creds:   domain.Credentials{Identifier: "cliente@telcox.co", Password: "telcox123"},
			path:    "/user/saldo",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, srv := setup(t)
			kv := store.NewMemory()
			r, err := New(tt.domain, kv, transport.Config{BaseURL: tt.baseURL(srv.URL)}, nil)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			ctx := context.Background()
			if err := r.Session.WaitReady(ctx); err != nil {
				t.Fatal(err)
			}
			if err := r.Session.Login(ctx, tt.creds); err != nil {
				t.Fatalf("Login: %v", err)
			}
			if err := r.Client.Get(ctx, tt.path, nil); err != nil {
				t.Fatalf("authenticated call failed: %v", err)
			}
			if d := r.Guard.Evaluate(ctx, "/protected"); d.State != guard.StateAuthorized {
				t.Fatalf("guard before failures = %v", d.State)
			}

			backend.ForceUnauthorized(3)
			opCtx := transport.WithOperation(ctx, policy.NewOperation())
			for attempt := 0; attempt < 3; attempt++ {
				err := r.Client.Get(opCtx, tt.path, nil)
				redirect := errors.Is(err, transport.ErrLoginRequired)
				if redirect != (attempt == 2) {
					t.Fatalf("attempt %d: redirect = %v (err %v)", attempt, redirect, err)
				}
				if attempt < 2 && !r.Session.IsAuthenticated() {
					t.Fatalf("session cleared early at attempt %d", attempt)
				}
			}

			if r.Session.IsAuthenticated() {
				t.Fatal("session must be cleared after the third unauthorized response")
			}
			if data, _ := kv.Get(ctx, tt.domain.StorageKey); data != nil {
				t.Fatalf("durable entry survived teardown: %s", data)
			}
			d := r.Guard.Evaluate(ctx, "/protected")
			if d.State != guard.StateUnauthorized || d.RedirectTo != guard.LoginURL(tt.domain, "/protected") {
				t.Fatalf("guard after teardown = %+v", d)
			}
		})
	}
}

func TestRealm_FailedLoginSurfacesBackendDetail(t *testing.T) {
	_, srv := setup(t)
	r, err := New(domain.TelecomDomain(), store.NewMemory(), transport.Config{BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = r.Session.Login(context.Background(), domain.Credentials{Identifier: "cliente@telcox.co", Password: "nope"})
	if err == nil {
		t.Fatal("expected login failure")
	}
	if got := r.Session.LastError(); got != "Email o contraseña incorrectos" {
		t.Fatalf("LastError = %q", got)
	}
}

func TestRealm_UnreachableBackendUsesFallback(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	r, err := New(domain.PrimaryDomain(), store.NewMemory(), transport.Config{BaseURL: url + "/api"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Session.Login(context.Background(), domain.Credentials{Identifier: "admin", Password: "admin123"}); err == nil {
		t.Fatal("expected login failure")
	}
	if got := r.Session.LastError(); got != "Error de conexión" {
		t.Fatalf("LastError = %q", got)
	}
}

func TestRegistry_DevicesAreIsolatedAndSurviveEviction(t *testing.T) {
	_, srv := setup(t)
	kv := store.NewMemory()
	reg := NewRegistry(kv, nil,
		Backend{Domain: domain.PrimaryDomain(), Transport: transport.Config{BaseURL: srv.URL + "/api"}},
		Backend{Domain: domain.TelecomDomain(), Transport: transport.Config{BaseURL: srv.URL}},
	)
	ctx := context.Background()

	a, err := reg.Device(ctx, "dev_a")
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	b, err := reg.Device(ctx, "dev_b")
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if err := a.Realm(domain.RealmPrimary).Session.Login(ctx, domain.Credentials{Identifier: "admin", Password: "admin123"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if b.Realm(domain.RealmPrimary).Session.IsAuthenticated() {
		t.Fatal("devices must not share sessions")
	}
	if again, _ := reg.Device(ctx, "dev_a"); again != a {
		t.Fatal("Device must return the cached bundle")
	}

	if n := reg.Evict(-time.Second); n != 2 || reg.Len() != 0 {
		t.Fatalf("Evict = %d, Len = %d", n, reg.Len())
	}
	back, err := reg.Device(ctx, "dev_a")
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if back == a {
		t.Fatal("expected a fresh bundle after eviction")
	}
	if !back.Realm(domain.RealmPrimary).Session.IsAuthenticated() {
		t.Fatal("durable session must rehydrate after eviction")
	}
	if len(reg.Domains()) != 2 {
		t.Fatalf("Domains = %v", reg.Domains())
	}
}

func TestRegistry_TransientDevicesAreNotRetained(t *testing.T) {
	_, srv := setup(t)
	kv := store.NewMemory()
	reg := NewRegistry(kv, nil,
		Backend{Domain: domain.PrimaryDomain(), Transport: transport.Config{BaseURL: srv.URL + "/api"}},
		Backend{Domain: domain.TelecomDomain(), Transport: transport.Config{BaseURL: srv.URL}},
	)
	ctx := context.Background()

	tmp, err := reg.Transient(ctx, "dev_new")
	if err != nil {
		t.Fatalf("Transient: %v", err)
	}
	if err := tmp.Realm(domain.RealmPrimary).Session.Login(ctx, domain.Credentials{Identifier: "admin", Password: "admin123"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("Len = %d, transient devices must not be registered", reg.Len())
	}

	dev, err := reg.Device(ctx, "dev_new")
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if !dev.Realm(domain.RealmPrimary).Session.IsAuthenticated() {
		t.Fatal("login on a transient device must be rehydrated once the device returns")
	}
	if again, _ := reg.Transient(ctx, "dev_new"); again != dev {
		t.Fatal("Transient must reuse a registered device")
	}
	if reg.Len() != 1 {
		t.Fatalf("Len = %d", reg.Len())
	}
}
