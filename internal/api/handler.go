// Package api provides the console's HTTP handlers.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/hacienda-console/internal/domain"
	"github.com/ashureev/hacienda-console/internal/identity"
	"github.com/ashureev/hacienda-console/internal/realm"
	"github.com/go-chi/chi/v5"
)

// Handler serves the login, session and proxy endpoints of every realm.
// Realms are resolved per request from the caller's device.
type Handler struct {
	registry *realm.Registry
	logger   *slog.Logger
}

// NewHandler creates a Handler over registry.
func NewHandler(registry *realm.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{registry: registry, logger: logger}
}

// RegisterRoutes registers the per-realm endpoints. pages serves the
// embedded frontend for login surfaces and guarded page routes.
func (h *Handler) RegisterRoutes(r chi.Router, pages http.Handler, pageRoutes map[domain.Realm][]string) {
	for _, d := range h.registry.Domains() {
		ah := &authHandler{
			Handler: h,
			domain:  d,
			logger:  h.logger.With("realm", string(d.Realm)),
		}
		ah.register(r, pages)

		guarded := ah.guard(false, pages)
		for _, route := range pageRoutes[d.Realm] {
			r.Method(http.MethodGet, route, guarded)
		}
	}
}

// realmFor resolves the realm named d for the requesting device. On
// failure it has already written the response.
func (h *Handler) realmFor(w http.ResponseWriter, r *http.Request, d domain.Domain) (*realm.Realm, bool) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	load := h.registry.Device
	if identity.IsNewDevice(r.Context()) {
		// Only devices whose cookie came back are kept in memory.
		load = h.registry.Transient
	}
	dev, err := load(r.Context(), deviceID)
	if err != nil {
		h.logger.Error("Failed to load device session", "device_id", deviceID, "error", err)
		Error(w, http.StatusServiceUnavailable, "session unavailable")
		return nil, false
	}
	rl := dev.Realm(d.Realm)
	if rl == nil {
		Error(w, http.StatusNotFound, "unknown realm")
		return nil, false
	}
	return rl, true
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
