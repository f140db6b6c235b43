// Copyright 2025 James Ross
package jobs

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const (
	registryStatusPendingCompany  = "pending_company_selection"
	registryStatusScrapingCompany = "scraping_company_data"
	registryStatusPendingName     = "pending_name_selection"
	registryStatusFailed          = "failed"
)

const registryScrapeColumns = `id, status, completed, company_name, worker_id, processing_started_at,
	attempts, max_attempts, error_message, created_at`

func scanRegistryScrape(row interface{ Scan(...any) error }) (*RegistryScrapeJob, error) {
	var j RegistryScrapeJob
	err := row.Scan(&j.ID, &j.Status, &j.Completed, &j.CompanyName, &j.WorkerID, &j.ProcessingStartedAt,
		&j.Attempts, &j.MaxAttempts, &j.ErrorMessage, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// NextPendingRegistryScrape returns the oldest row awaiting company
// selection that has not already been completed.
func (s *PostgresClaimStore) NextPendingRegistryScrape(ctx context.Context, backend Backend) (*RegistryScrapeJob, error) {
	db, err := s.dbFor(backend)
	if err != nil {
		return nil, err
	}
	var job *RegistryScrapeJob
	err = withRetry(ctx, func() error {
		query := `SELECT ` + registryScrapeColumns + ` FROM registry_scrape_queue
			WHERE status = $1 AND completed = false ORDER BY created_at ASC LIMIT 1`
		row := db.QueryRowContext(ctx, query, registryStatusPendingCompany)
		j, scanErr := scanRegistryScrape(row)
		if scanErr == sql.ErrNoRows {
			job = nil
			return nil
		}
		if scanErr != nil {
			return classifyPQError(string(backend), "NextPendingRegistryScrape", scanErr)
		}
		job = j
		return nil
	})
	return job, err
}

// ClaimRegistryScrape attempts the pending -> scraping transition, requiring
// completed=false in the predicate per the family's additional contention
// guard.
func (s *PostgresClaimStore) ClaimRegistryScrape(ctx context.Context, backend Backend, id uuid.UUID, workerID string) (*RegistryScrapeJob, error) {
	db, err := s.dbFor(backend)
	if err != nil {
		return nil, err
	}
	var job *RegistryScrapeJob
	err = withRetry(ctx, func() error {
		query := `UPDATE registry_scrape_queue
			SET status = $1, worker_id = $2, processing_started_at = NOW()
			WHERE id = $3 AND status = $4 AND completed = false
			RETURNING ` + registryScrapeColumns
		row := db.QueryRowContext(ctx, query, registryStatusScrapingCompany, workerID, id, registryStatusPendingCompany)
		j, scanErr := scanRegistryScrape(row)
		if scanErr == sql.ErrNoRows {
			job = nil
			return nil
		}
		if scanErr != nil {
			return classifyPQError(string(backend), "ClaimRegistryScrape", scanErr)
		}
		job = j
		return nil
	})
	return job, err
}

// MarkRegistryScrapeTerminal unconditionally writes the chosen terminal
// status. RegistryScrape has no retry path: a failure on first attempt is
// terminal by design, mirroring the third-party registry's semantics.
func (s *PostgresClaimStore) MarkRegistryScrapeTerminal(ctx context.Context, backend Backend, id uuid.UUID, status string, fields RegistryScrapeTerminalFields) error {
	db, err := s.dbFor(backend)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		query := `UPDATE registry_scrape_queue
			SET status = $1, completed = $2, error_message = COALESCE($3, error_message),
			    worker_id = NULL, processing_started_at = NULL
			WHERE id = $4`
		_, execErr := db.ExecContext(ctx, query, status, fields.Completed, fields.ErrorMessage, id)
		if execErr != nil {
			return classifyPQError(string(backend), "MarkRegistryScrapeTerminal", execErr)
		}
		return nil
	})
}

// ResetStuckRegistryScrape recovers rows stuck in scraping_company_data.
func (s *PostgresClaimStore) ResetStuckRegistryScrape(ctx context.Context, backend Backend, olderThan time.Time) ([]uuid.UUID, error) {
	db, err := s.dbFor(backend)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	err = withRetry(ctx, func() error {
		query := `UPDATE registry_scrape_queue
			SET status = $1, worker_id = NULL, processing_started_at = NULL
			WHERE status = $2 AND processing_started_at < $3
			RETURNING id`
		rows, queryErr := db.QueryContext(ctx, query, registryStatusPendingCompany, registryStatusScrapingCompany, olderThan)
		if queryErr != nil {
			return classifyPQError(string(backend), "ResetStuckRegistryScrape", queryErr)
		}
		defer rows.Close()
		ids = nil
		for rows.Next() {
			var id uuid.UUID
			if scanErr := rows.Scan(&id); scanErr != nil {
				return classifyPQError(string(backend), "ResetStuckRegistryScrape", scanErr)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}
