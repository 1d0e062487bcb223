package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSPAHandler_ServesIndexForAnyPath(t *testing.T) {
	for _, path := range []string{"/", "/dashboard", "/telcox/login"} {
		rec := httptest.NewRecorder()
		SPAHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "<html") {
			t.Fatalf("%s: body is not the index page", path)
		}
	}
}

func TestStaticHandler(t *testing.T) {
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := StaticHandler(fallback)

	tests := []struct {
		path string
		want int
	}{
		{"/assets/app.js", http.StatusOK},
		{"/assets/app.css", http.StatusOK},
		{"/assets", http.StatusTeapot},
		{"/index.html", http.StatusTeapot},
		{"/nope", http.StatusTeapot},
		{"/", http.StatusTeapot},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}
}
