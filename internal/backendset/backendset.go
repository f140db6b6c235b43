// Copyright 2025 James Ross
package backendset

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/foncier-quebec/extractor-workers/internal/artifact"
	"github.com/foncier-quebec/extractor-workers/internal/config"
	"github.com/foncier-quebec/extractor-workers/internal/jobs"
)

// Client is the typed handle BackendSet hands back for one configured
// backend: a Postgres connection pool and an S3-compatible artifact store
// pointed at that backend's Supabase Storage endpoint.
type Client struct {
	Name     config.BackendName
	DB       *sql.DB
	Artifact *artifact.Store
	Config   config.BackendConfig
}

// Set is process-wide state with init-on-first-use and no teardown beyond
// process exit, per the BackendSet design: backends are configured once at
// startup and never reconfigured.
type Set struct {
	clients map[config.BackendName]*Client
	order   []config.BackendName
}

// New constructs one *sql.DB and one artifact.Store per configured backend.
// A *sql.DB is a pool, not a connection: opening it here does not dial the
// database, so construction never fails on a backend that is merely
// unreachable at startup.
func New(cfg *config.Config) (*Set, error) {
	s := &Set{clients: map[config.BackendName]*Client{}}
	for _, name := range cfg.AvailableBackends() {
		bc := cfg.Backends[name]
		db, err := sql.Open("postgres", bc.URL)
		if err != nil {
			return nil, fmt.Errorf("open backend %s: %w", name, err)
		}
		store, err := artifact.NewStore(bc.URL, bc.ServiceKey)
		if err != nil {
			return nil, fmt.Errorf("artifact store for backend %s: %w", name, err)
		}
		s.clients[name] = &Client{Name: name, DB: db, Artifact: store, Config: bc}
		s.order = append(s.order, name)
	}
	return s, nil
}

// AvailableBackends returns the configured backends in the fixed priority
// order [prod, staging, dev].
func (s *Set) AvailableBackends() []config.BackendName {
	out := make([]config.BackendName, len(s.order))
	copy(out, s.order)
	return out
}

// ClientFor returns the typed handle for name, or UnknownBackendError if
// name was never configured or is not in the available set.
func (s *Set) ClientFor(name config.BackendName) (*Client, error) {
	c, ok := s.clients[name]
	if !ok {
		return nil, &jobs.UnknownBackendError{Backend: string(name)}
	}
	return c, nil
}

// ClaimStore builds a jobs.PostgresClaimStore spanning every configured
// backend's *sql.DB, the single instance every dispatcher/sweeper/registrar
// task shares.
func (s *Set) ClaimStore() jobs.ClaimStore {
	dbs := make(map[jobs.Backend]*sql.DB, len(s.clients))
	for name, c := range s.clients {
		dbs[name] = c.DB
	}
	return jobs.NewPostgresClaimStore(dbs)
}
