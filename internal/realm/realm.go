// Package realm assembles the session store, transport, policy and guard of
// one identity realm.
package realm

import (
	"fmt"
	"log/slog"

	"github.com/ashureev/hacienda-console/internal/domain"
	"github.com/ashureev/hacienda-console/internal/guard"
	"github.com/ashureev/hacienda-console/internal/policy"
	"github.com/ashureev/hacienda-console/internal/session"
	"github.com/ashureev/hacienda-console/internal/store"
	"github.com/ashureev/hacienda-console/internal/transport"
)

// Realm is one fully wired identity realm.
type Realm struct {
	Domain  domain.Domain
	Session *session.Store
	Policy  *policy.Policy
	Client  *transport.Client
	Guard   *guard.Guard
}

// New wires d over kv, talking to the backend described by cfg.
func New(d domain.Domain, kv store.KV, cfg transport.Config, logger *slog.Logger) (*Realm, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger
	}

	auth, err := transport.NewAuthenticator(d, cfg)
	if err != nil {
		return nil, fmt.Errorf("realm %s: %w", d.Realm, err)
	}
	sessions := session.New(d, kv, auth, logger)
	pol := policy.New(d, sessions, logger)
	client, err := transport.New(d, cfg, sessions, pol)
	if err != nil {
		return nil, fmt.Errorf("realm %s: %w", d.Realm, err)
	}

	return &Realm{
		Domain:  d,
		Session: sessions,
		Policy:  pol,
		Client:  client,
		Guard:   guard.New(sessions, logger),
	}, nil
}
