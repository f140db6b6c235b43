// Copyright 2025 James Ross
package jobs

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const extractionColumns = `id, status_id, document_source, document_number, circonscription_fonciere,
	cadastre, designation_secondaire, worker_id, processing_started_at, attempts, max_attempts,
	error_message, supabase_path, file_content, boosted_file_content, ocr_worker_id, ocr_started_at,
	ocr_completed_at, ocr_attempts, ocr_max_attempts, ocr_error, ocr_last_error_at, created_at`

func scanExtraction(row interface{ Scan(...any) error }) (*ExtractionJob, error) {
	var j ExtractionJob
	err := row.Scan(
		&j.ID, &j.StatusID, &j.DocumentSource, &j.DocumentNumber, &j.CirconscriptionFonciere,
		&j.Cadastre, &j.DesignationSecondaire, &j.WorkerID, &j.ProcessingStartedAt, &j.Attempts, &j.MaxAttempts,
		&j.ErrorMessage, &j.SupabasePath, &j.FileContent, &j.BoostedFileContent, &j.OcrWorkerID, &j.OcrStartedAt,
		&j.OcrCompletedAt, &j.OcrAttempts, &j.OcrMaxAttempts, &j.OcrError, &j.OcrLastErrorAt, &j.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// NextPendingExtraction returns the oldest pending extraction row. Read-only;
// the result is only a candidate — Claim re-checks the predicate.
func (s *PostgresClaimStore) NextPendingExtraction(ctx context.Context, backend Backend) (*ExtractionJob, error) {
	db, err := s.dbFor(backend)
	if err != nil {
		return nil, err
	}
	var job *ExtractionJob
	err = withRetry(ctx, func() error {
		query := `SELECT ` + extractionColumns + ` FROM extraction_queue
			WHERE status_id = $1 ORDER BY created_at ASC LIMIT 1`
		row := db.QueryRowContext(ctx, query, StatusPending)
		j, scanErr := scanExtraction(row)
		if scanErr == sql.ErrNoRows {
			job = nil
			return nil
		}
		if scanErr != nil {
			return classifyPQError(string(backend), "NextPendingExtraction", scanErr)
		}
		job = j
		return nil
	})
	return job, err
}

// ClaimExtraction attempts the pending -> processing transition. A nil,nil
// result means another worker won the race; that is not an error.
func (s *PostgresClaimStore) ClaimExtraction(ctx context.Context, backend Backend, id uuid.UUID, workerID string) (*ExtractionJob, error) {
	db, err := s.dbFor(backend)
	if err != nil {
		return nil, err
	}
	var job *ExtractionJob
	err = withRetry(ctx, func() error {
		query := `UPDATE extraction_queue
			SET status_id = $1, worker_id = $2, processing_started_at = NOW()
			WHERE id = $3 AND status_id = $4
			RETURNING ` + extractionColumns
		row := db.QueryRowContext(ctx, query, StatusProcessing, workerID, id, StatusPending)
		j, scanErr := scanExtraction(row)
		if scanErr == sql.ErrNoRows {
			job = nil
			return nil
		}
		if scanErr != nil {
			return classifyPQError(string(backend), "ClaimExtraction", scanErr)
		}
		job = j
		return nil
	})
	return job, err
}

// MarkExtractionTerminal unconditionally sets the row's primary lifecycle to
// a terminal value. Idempotent: a repeated call with the same statusID is a
// no-op on state.
func (s *PostgresClaimStore) MarkExtractionTerminal(ctx context.Context, backend Backend, id uuid.UUID, statusID int, fields ExtractionTerminalFields) error {
	db, err := s.dbFor(backend)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		query := `UPDATE extraction_queue
			SET status_id = $1, supabase_path = COALESCE($2, supabase_path),
			    error_message = COALESCE($3, error_message),
			    file_content = COALESCE($4, file_content),
			    boosted_file_content = COALESCE($5, boosted_file_content)
			WHERE id = $6`
		_, execErr := db.ExecContext(ctx, query, statusID, fields.SupabasePath, fields.ErrorMessage,
			fields.FileContent, fields.BoostedFileContent, id)
		if execErr != nil {
			return classifyPQError(string(backend), "MarkExtractionTerminal", execErr)
		}
		return nil
	})
}

// ReleaseExtraction returns a claimed row to pending, or escalates to
// terminal-failure once the incremented attempts reaches max_attempts. A single atomic
// UPDATE handles both branches so the attempts read and the transition
// happen together.
func (s *PostgresClaimStore) ReleaseExtraction(ctx context.Context, backend Backend, id uuid.UUID, errMsg string) error {
	db, err := s.dbFor(backend)
	if err != nil {
		return err
	}
	msg := truncate(errMsg, 1024)
	return withRetry(ctx, func() error {
		query := `UPDATE extraction_queue
			SET
			    status_id = CASE WHEN attempts + 1 >= max_attempts THEN $1 ELSE $2 END,
			    attempts = attempts + 1,
			    error_message = CASE WHEN attempts + 1 >= max_attempts THEN $3 ELSE error_message END,
			    worker_id = NULL,
			    processing_started_at = NULL
			WHERE id = $4 AND status_id = $5`
		_, execErr := db.ExecContext(ctx, query, StatusError, StatusPending, strPtr(msg), id, StatusProcessing)
		if execErr != nil {
			return classifyPQError(string(backend), "ReleaseExtraction", execErr)
		}
		return nil
	})
}

// ResetStuckExtraction recovers rows whose processing_started_at predates
// olderThan, returning them to pending. Attempts is left untouched: the
// sweeper does not count a crash-recovery as a failed attempt.
func (s *PostgresClaimStore) ResetStuckExtraction(ctx context.Context, backend Backend, olderThan time.Time) ([]uuid.UUID, error) {
	db, err := s.dbFor(backend)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	err = withRetry(ctx, func() error {
		query := `UPDATE extraction_queue
			SET status_id = $1, worker_id = NULL, processing_started_at = NULL
			WHERE status_id = $2 AND processing_started_at < $3
			RETURNING id`
		rows, queryErr := db.QueryContext(ctx, query, StatusPending, StatusProcessing, olderThan)
		if queryErr != nil {
			return classifyPQError(string(backend), "ResetStuckExtraction", queryErr)
		}
		defer rows.Close()
		ids = nil
		for rows.Next() {
			var id uuid.UUID
			if scanErr := rows.Scan(&id); scanErr != nil {
				return classifyPQError(string(backend), "ResetStuckExtraction", scanErr)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

// NextPendingOcr returns the oldest COMPLETE row matching mode with OCR
// attempts remaining. Read-only; the result is only a candidate — ClaimOcr
// re-checks the predicate.
func (s *PostgresClaimStore) NextPendingOcr(ctx context.Context, backend Backend, mode OcrMode) (*ExtractionJob, error) {
	db, err := s.dbFor(backend)
	if err != nil {
		return nil, err
	}
	var job *ExtractionJob
	err = withRetry(ctx, func() error {
		query := `SELECT ` + extractionColumns + ` FROM extraction_queue
			WHERE status_id = $1 AND document_source = $2 AND ocr_attempts < ocr_max_attempts
			ORDER BY created_at ASC LIMIT 1`
		row := db.QueryRowContext(ctx, query, StatusComplete, string(mode))
		j, scanErr := scanExtraction(row)
		if scanErr == sql.ErrNoRows {
			job = nil
			return nil
		}
		if scanErr != nil {
			return classifyPQError(string(backend), "NextPendingOcr", scanErr)
		}
		job = j
		return nil
	})
	return job, err
}

// ClaimOcr attempts the COMPLETE -> OCR_PROCESSING transition for a row
// matching the worker's mode.
func (s *PostgresClaimStore) ClaimOcr(ctx context.Context, backend Backend, id uuid.UUID, workerID string, mode OcrMode) (*ExtractionJob, error) {
	db, err := s.dbFor(backend)
	if err != nil {
		return nil, err
	}
	var job *ExtractionJob
	err = withRetry(ctx, func() error {
		query := `UPDATE extraction_queue
			SET status_id = $1, ocr_worker_id = $2, ocr_started_at = NOW()
			WHERE id = $3 AND status_id = $4 AND document_source = $5
			RETURNING ` + extractionColumns
		row := db.QueryRowContext(ctx, query, StatusOcrProcessing, workerID, id, StatusComplete, string(mode))
		j, scanErr := scanExtraction(row)
		if scanErr == sql.ErrNoRows {
			job = nil
			return nil
		}
		if scanErr != nil {
			return classifyPQError(string(backend), "ClaimOcr", scanErr)
		}
		job = j
		return nil
	})
	return job, err
}

// ReleaseOcr returns a row to COMPLETE so another OCR worker may retry, or
// escalates to ERROR once ocr_attempts exhausts ocr_max_attempts.
func (s *PostgresClaimStore) ReleaseOcr(ctx context.Context, backend Backend, id uuid.UUID, errMsg string) error {
	db, err := s.dbFor(backend)
	if err != nil {
		return err
	}
	msg := truncate(errMsg, 1024)
	return withRetry(ctx, func() error {
		query := `UPDATE extraction_queue
			SET
			    status_id = CASE WHEN ocr_attempts + 1 >= ocr_max_attempts THEN $1 ELSE $2 END,
			    ocr_attempts = ocr_attempts + 1,
			    ocr_error = $3,
			    ocr_last_error_at = NOW(),
			    ocr_worker_id = NULL,
			    ocr_started_at = NULL
			WHERE id = $4 AND status_id = $5`
		_, execErr := db.ExecContext(ctx, query, StatusError, StatusComplete, strPtr(msg), id, StatusOcrProcessing)
		if execErr != nil {
			return classifyPQError(string(backend), "ReleaseOcr", execErr)
		}
		return nil
	})
}

// MarkOcrTerminal completes the OCR sub-lifecycle, writing the recognized
// and boosted text and advancing the primary status to EXTRACTION_COMPLETE.
func (s *PostgresClaimStore) MarkOcrTerminal(ctx context.Context, backend Backend, id uuid.UUID, fields ExtractionTerminalFields) error {
	db, err := s.dbFor(backend)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		query := `UPDATE extraction_queue
			SET status_id = $1, file_content = $2, boosted_file_content = $3, ocr_completed_at = NOW()
			WHERE id = $4`
		_, execErr := db.ExecContext(ctx, query, StatusExtractionComplete, fields.FileContent, fields.BoostedFileContent, id)
		if execErr != nil {
			return classifyPQError(string(backend), "MarkOcrTerminal", execErr)
		}
		return nil
	})
}

// ResetStuckExtractionOcr is the OCR-sublifecycle analogue of
// ResetStuckExtraction, operating on ocr_started_at instead of
// processing_started_at.
func (s *PostgresClaimStore) ResetStuckExtractionOcr(ctx context.Context, backend Backend, olderThan time.Time) ([]uuid.UUID, error) {
	db, err := s.dbFor(backend)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	err = withRetry(ctx, func() error {
		query := `UPDATE extraction_queue
			SET status_id = $1, ocr_worker_id = NULL, ocr_started_at = NULL
			WHERE status_id = $2 AND ocr_started_at < $3
			RETURNING id`
		rows, queryErr := db.QueryContext(ctx, query, StatusComplete, StatusOcrProcessing, olderThan)
		if queryErr != nil {
			return classifyPQError(string(backend), "ResetStuckExtractionOcr", queryErr)
		}
		defer rows.Close()
		ids = nil
		for rows.Next() {
			var id uuid.UUID
			if scanErr := rows.Scan(&id); scanErr != nil {
				return classifyPQError(string(backend), "ResetStuckExtractionOcr", scanErr)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

// OcrBacklog counts pending-OCR rows for a mode: COMPLETE status, matching
// document_source, attempts remaining. OcrPoolManager uses this to compute
// rebalance targets.
func (s *PostgresClaimStore) OcrBacklog(ctx context.Context, backend Backend, mode OcrMode) (int, error) {
	db, err := s.dbFor(backend)
	if err != nil {
		return 0, err
	}
	var count int
	err = withRetry(ctx, func() error {
		query := `SELECT COUNT(*) FROM extraction_queue
			WHERE status_id = $1 AND document_source = $2 AND ocr_attempts < ocr_max_attempts`
		scanErr := db.QueryRowContext(ctx, query, StatusComplete, string(mode)).Scan(&count)
		if scanErr != nil {
			return classifyPQError(string(backend), "OcrBacklog", scanErr)
		}
		return nil
	})
	return count, err
}
