// Copyright 2025 James Ross
package jobs

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const (
	personalRightsStatusPending    = "pending"
	personalRightsStatusInProgress = "in_progress"
	personalRightsStatusCompleted  = "completed"
	personalRightsStatusFailed     = "failed"
	personalRightsStatusNotFound   = "not_found"
)

const personalRightsColumns = `id, search_session_id, search_name, status, worker_id,
	processing_started_at, attempts, max_attempts, error_message, storage_path, created_at`

func scanPersonalRights(row interface{ Scan(...any) error }) (*PersonalRightsJob, error) {
	var j PersonalRightsJob
	err := row.Scan(&j.ID, &j.SearchSessionID, &j.SearchName, &j.Status, &j.WorkerID,
		&j.ProcessingStartedAt, &j.Attempts, &j.MaxAttempts, &j.ErrorMessage, &j.StoragePath, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// NextPendingPersonalRights returns the oldest pending rdprm_searches row.
func (s *PostgresClaimStore) NextPendingPersonalRights(ctx context.Context, backend Backend) (*PersonalRightsJob, error) {
	db, err := s.dbFor(backend)
	if err != nil {
		return nil, err
	}
	var job *PersonalRightsJob
	err = withRetry(ctx, func() error {
		query := `SELECT ` + personalRightsColumns + ` FROM rdprm_searches
			WHERE status = $1 ORDER BY created_at ASC LIMIT 1`
		row := db.QueryRowContext(ctx, query, personalRightsStatusPending)
		j, scanErr := scanPersonalRights(row)
		if scanErr == sql.ErrNoRows {
			job = nil
			return nil
		}
		if scanErr != nil {
			return classifyPQError(string(backend), "NextPendingPersonalRights", scanErr)
		}
		job = j
		return nil
	})
	return job, err
}

// ClaimPersonalRights attempts the pending -> in_progress transition.
func (s *PostgresClaimStore) ClaimPersonalRights(ctx context.Context, backend Backend, id uuid.UUID, workerID string) (*PersonalRightsJob, error) {
	db, err := s.dbFor(backend)
	if err != nil {
		return nil, err
	}
	var job *PersonalRightsJob
	err = withRetry(ctx, func() error {
		query := `UPDATE rdprm_searches
			SET status = $1, worker_id = $2, processing_started_at = NOW()
			WHERE id = $3 AND status = $4
			RETURNING ` + personalRightsColumns
		row := db.QueryRowContext(ctx, query, personalRightsStatusInProgress, workerID, id, personalRightsStatusPending)
		j, scanErr := scanPersonalRights(row)
		if scanErr == sql.ErrNoRows {
			job = nil
			return nil
		}
		if scanErr != nil {
			return classifyPQError(string(backend), "ClaimPersonalRights", scanErr)
		}
		job = j
		return nil
	})
	return job, err
}

// MarkPersonalRightsTerminal unconditionally writes the chosen terminal
// status (completed, failed, or not_found).
func (s *PostgresClaimStore) MarkPersonalRightsTerminal(ctx context.Context, backend Backend, id uuid.UUID, status string, fields PersonalRightsTerminalFields) error {
	db, err := s.dbFor(backend)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		query := `UPDATE rdprm_searches
			SET status = $1, storage_path = COALESCE($2, storage_path), error_message = COALESCE($3, error_message),
			    completed_at = NOW(), worker_id = NULL, processing_started_at = NULL
			WHERE id = $4`
		_, execErr := db.ExecContext(ctx, query, status, fields.StoragePath, fields.ErrorMessage, id)
		if execErr != nil {
			return classifyPQError(string(backend), "MarkPersonalRightsTerminal", execErr)
		}
		return nil
	})
}

// ResetStuckPersonalRights recovers rows stuck in_progress.
func (s *PostgresClaimStore) ResetStuckPersonalRights(ctx context.Context, backend Backend, olderThan time.Time) ([]uuid.UUID, error) {
	db, err := s.dbFor(backend)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	err = withRetry(ctx, func() error {
		query := `UPDATE rdprm_searches
			SET status = $1, worker_id = NULL, processing_started_at = NULL
			WHERE status = $2 AND processing_started_at < $3
			RETURNING id`
		rows, queryErr := db.QueryContext(ctx, query, personalRightsStatusPending, personalRightsStatusInProgress, olderThan)
		if queryErr != nil {
			return classifyPQError(string(backend), "ResetStuckPersonalRights", queryErr)
		}
		defer rows.Close()
		ids = nil
		for rows.Next() {
			var id uuid.UUID
			if scanErr := rows.Scan(&id); scanErr != nil {
				return classifyPQError(string(backend), "ResetStuckPersonalRights", scanErr)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

// SessionCompletionCheck locks the parent search_sessions row and, if every
// sibling rdprm_searches row has reached a terminal status, flips the
// parent to completed. Runs in its own transaction so the lock and the
// conditional update happen together; a session with pending siblings is
// left untouched and simply returns.
func (s *PostgresClaimStore) SessionCompletionCheck(ctx context.Context, backend Backend, sessionID uuid.UUID) error {
	db, err := s.dbFor(backend)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		tx, txErr := db.BeginTx(ctx, nil)
		if txErr != nil {
			return classifyPQError(string(backend), "SessionCompletionCheck", txErr)
		}
		defer tx.Rollback()

		var sessionStatus string
		lockQuery := `SELECT status FROM search_sessions WHERE id = $1 FOR UPDATE`
		if scanErr := tx.QueryRowContext(ctx, lockQuery, sessionID).Scan(&sessionStatus); scanErr != nil {
			if scanErr == sql.ErrNoRows {
				return nil
			}
			return classifyPQError(string(backend), "SessionCompletionCheck", scanErr)
		}
		if sessionStatus == "completed" {
			return nil
		}

		var pending int
		pendingQuery := `SELECT COUNT(*) FROM rdprm_searches
			WHERE search_session_id = $1 AND status NOT IN ($2, $3, $4)`
		if scanErr := tx.QueryRowContext(ctx, pendingQuery, sessionID,
			personalRightsStatusCompleted, personalRightsStatusFailed, personalRightsStatusNotFound).Scan(&pending); scanErr != nil {
			return classifyPQError(string(backend), "SessionCompletionCheck", scanErr)
		}
		if pending > 0 {
			return nil
		}

		updateQuery := `UPDATE search_sessions
			SET status = 'completed', req_completed = true, completed_at = NOW(), updated_at = NOW()
			WHERE id = $1`
		if _, execErr := tx.ExecContext(ctx, updateQuery, sessionID); execErr != nil {
			return classifyPQError(string(backend), "SessionCompletionCheck", execErr)
		}
		return classifyPQError(string(backend), "SessionCompletionCheck", tx.Commit())
	})
}
