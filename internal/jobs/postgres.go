// Copyright 2025 James Ross
package jobs

import (
	"database/sql"
)

// PostgresClaimStore is the sole owner of SQL for the three job tables and
// worker_status, one *sql.DB per configured backend. Every claim/release is
// a single parameterized UPDATE ... WHERE ... RETURNING statement; Postgres
// row-level atomicity under contention is the concurrency primitive, not
// any client-side lock.
type PostgresClaimStore struct {
	dbs map[Backend]*sql.DB
}

// NewPostgresClaimStore wraps one *sql.DB per backend. Each *sql.DB is a
// pool, not a live connection, so handing in a *sql.DB that has never
// round-tripped is fine — the pool opens connections lazily on first query.
func NewPostgresClaimStore(dbs map[Backend]*sql.DB) *PostgresClaimStore {
	return &PostgresClaimStore{dbs: dbs}
}

func (s *PostgresClaimStore) dbFor(backend Backend) (*sql.DB, error) {
	db, ok := s.dbs[backend]
	if !ok {
		return nil, &UnknownBackendError{Backend: string(backend)}
	}
	return db, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
