package realm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/hacienda-console/internal/domain"
	"github.com/ashureev/hacienda-console/internal/store"
	"github.com/ashureev/hacienda-console/internal/transport"
)

const evictionInterval = 5 * time.Minute

// Backend pairs a domain with the transport settings of its backend.
type Backend struct {
	Domain    domain.Domain
	Transport transport.Config
}

// Device holds the realms of one browser.
type Device struct {
	ID     string
	realms map[domain.Realm]*Realm
	seen   atomic.Int64
}

// Realm returns the device's realm named name, or nil.
func (d *Device) Realm(name domain.Realm) *Realm {
	return d.realms[name]
}

func (d *Device) touch() { d.seen.Store(time.Now().UnixNano()) }

// Registry lazily wires every backend per device. Each device's sessions are
// persisted under their own key namespace of the shared KV.
type Registry struct {
	kv       store.KV
	backends []Backend
	logger   *slog.Logger

	mu      sync.Mutex
	devices map[string]*Device
}

// NewRegistry creates a Registry over kv.
func NewRegistry(kv store.KV, logger *slog.Logger, backends ...Backend) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		kv:       kv,
		backends: backends,
		logger:   logger,
		devices:  make(map[string]*Device),
	}
}

// Domains returns the domains the registry wires, in registration order.
func (r *Registry) Domains() []domain.Domain {
	out := make([]domain.Domain, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b.Domain)
	}
	return out
}

// Device returns the realms of device id, creating them on first use. For
// realms guarded from memory it waits until the session has rehydrated, so
// a returning browser is not sent to login by an empty in-memory session.
func (r *Registry) Device(ctx context.Context, id string) (*Device, error) {
	r.mu.Lock()
	dev, ok := r.devices[id]
	if !ok {
		var err error
		dev, err = r.newDevice(id)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.devices[id] = dev
		r.logger.Debug("Device registered", "device_id", id)
	}
	dev.touch()
	r.mu.Unlock()

	if err := waitReady(ctx, dev); err != nil {
		return nil, err
	}
	return dev, nil
}

// Transient builds the realms of device id without keeping them in the
// registry. Their writes still land in the device's namespace, so a later
// Device call for the same id rehydrates them. A device already held in
// memory is returned as is.
func (r *Registry) Transient(ctx context.Context, id string) (*Device, error) {
	r.mu.Lock()
	dev, ok := r.devices[id]
	r.mu.Unlock()
	if ok {
		return r.Device(ctx, id)
	}

	dev, err := r.newDevice(id)
	if err != nil {
		return nil, err
	}
	if err := waitReady(ctx, dev); err != nil {
		return nil, err
	}
	return dev, nil
}

func waitReady(ctx context.Context, dev *Device) error {
	for _, rl := range dev.realms {
		if rl.Domain.AsyncGuard {
			continue
		}
		if err := rl.Session.WaitReady(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) newDevice(id string) (*Device, error) {
	kv := store.Namespaced(r.kv, "device:"+id+":")
	logger := r.logger.With("device_id", id)
	dev := &Device{ID: id, realms: make(map[domain.Realm]*Realm, len(r.backends))}
	for _, b := range r.backends {
		rl, err := New(b.Domain, kv, b.Transport, logger)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", id, err)
		}
		dev.realms[b.Domain.Realm] = rl
	}
	return dev, nil
}

// Len returns the number of devices held in memory.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// Evict drops devices idle for longer than idle from memory. Their durable
// sessions are kept and rehydrated on the next request.
func (r *Registry) Evict(idle time.Duration) int {
	cutoff := time.Now().Add(-idle).UnixNano()
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, dev := range r.devices {
		if dev.seen.Load() < cutoff {
			delete(r.devices, id)
			evicted++
		}
	}
	return evicted
}

// StartEvictionWorker runs a background goroutine that periodically evicts
// idle devices until ctx is done.
func (r *Registry) StartEvictionWorker(ctx context.Context, idle time.Duration) {
	ticker := time.NewTicker(evictionInterval)
	go func() {
		defer ticker.Stop()
		r.logger.Info("Eviction worker started", "interval", evictionInterval, "idle", idle)

		for {
			select {
			case <-ticker.C:
				if n := r.Evict(idle); n > 0 {
					r.logger.Info("Evicted idle devices", "count", n, "remaining", r.Len())
				}
			case <-ctx.Done():
				r.logger.Info("Eviction worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
