// Copyright 2025 James Ross
package jobs

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Heartbeat upserts the worker's status row. The row key is (worker_id);
// the creating worker is the sole writer, so a plain upsert is race-free.
func (s *PostgresClaimStore) Heartbeat(ctx context.Context, backend Backend, workerID, status string, currentJobID *uuid.UUID, counts HeartbeatCounts) error {
	db, err := s.dbFor(backend)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		query := `INSERT INTO worker_status (worker_id, status, current_job_id, last_heartbeat, jobs_completed, jobs_failed, started_at)
			VALUES ($1, $2, $3, NOW(), 0, 0, NOW())
			ON CONFLICT (worker_id) DO UPDATE SET
			    status = EXCLUDED.status,
			    current_job_id = EXCLUDED.current_job_id,
			    last_heartbeat = NOW(),
			    jobs_completed = worker_status.jobs_completed + $4,
			    jobs_failed = worker_status.jobs_failed + $5`
		inc := func(b bool) int {
			if b {
				return 1
			}
			return 0
		}
		_, execErr := db.ExecContext(ctx, query, workerID, status, currentJobID,
			inc(counts.IncrementCompleted), inc(counts.IncrementFailed))
		if execErr != nil {
			return classifyPQError(string(backend), "Heartbeat", execErr)
		}
		return nil
	})
}

// RefreshHeartbeat bumps last_heartbeat only, leaving status and
// current_job_id untouched. This is the periodic-tick write: status/job-id
// transitions belong solely to Heartbeat's Busy/Idle callers, which bracket
// an Execute call, not the fixed-interval ticker that keeps running through
// it.
func (s *PostgresClaimStore) RefreshHeartbeat(ctx context.Context, backend Backend, workerID string) error {
	db, err := s.dbFor(backend)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		query := `UPDATE worker_status SET last_heartbeat = NOW() WHERE worker_id = $1`
		_, execErr := db.ExecContext(ctx, query, workerID)
		if execErr != nil {
			return classifyPQError(string(backend), "RefreshHeartbeat", execErr)
		}
		return nil
	})
}

// MarkDeadWorkers flips stale worker_status rows offline and releases any
// jobs those workers held, equivalent to a Release per job: a dead worker
// will never report success or failure for the job it was holding, so the
// orphan itself counts as the failed attempt for extraction and its OCR
// sub-lifecycle, exactly as ReleaseExtraction/ReleaseOcr count an executor
// error.
func (s *PostgresClaimStore) MarkDeadWorkers(ctx context.Context, backend Backend, olderThan time.Time) ([]string, error) {
	db, err := s.dbFor(backend)
	if err != nil {
		return nil, err
	}
	var deadIDs []string
	err = withRetry(ctx, func() error {
		query := `UPDATE worker_status SET status = $1
			WHERE last_heartbeat < $2 AND status != $1
			RETURNING worker_id`
		rows, queryErr := db.QueryContext(ctx, query, WorkerOffline, olderThan)
		if queryErr != nil {
			return classifyPQError(string(backend), "MarkDeadWorkers", queryErr)
		}
		defer rows.Close()
		deadIDs = nil
		for rows.Next() {
			var id string
			if scanErr := rows.Scan(&id); scanErr != nil {
				return classifyPQError(string(backend), "MarkDeadWorkers", scanErr)
			}
			deadIDs = append(deadIDs, id)
		}
		if rowsErr := rows.Err(); rowsErr != nil {
			return classifyPQError(string(backend), "MarkDeadWorkers", rowsErr)
		}
		if len(deadIDs) == 0 {
			return nil
		}
		return s.releaseOrphanedJobs(ctx, db, backend, deadIDs)
	})
	return deadIDs, err
}

// orphanErrorMessage is the error_message/ocr_error recorded on a job
// released because its worker died, distinct from any executor-reported
// message.
const orphanErrorMessage = "worker heartbeat went stale; job released as orphaned"

// releaseOrphanedJobs resolves jobs owned by now-offline workers.
// Extraction and its OCR sub-lifecycle have a real Release concept —
// attempts increment and the row escalates to ERROR once max_attempts is
// exhausted — so an orphan is folded into that same single atomic UPDATE,
// counting as the failed attempt. RegistryScrape and PersonalRights have no
// such concept: every executor-observed failure in those families goes
// straight to a terminal status with no retry, so there is no
// attempts-driven escalation to mirror, and an orphaned row is simply
// returned to pending exactly as their own ResetStuck does.
func (s *PostgresClaimStore) releaseOrphanedJobs(ctx context.Context, db *sql.DB, backend Backend, deadIDs []string) error {
	ids := pq.Array(deadIDs)

	if _, execErr := db.ExecContext(ctx, `UPDATE extraction_queue
		SET
		    status_id = CASE WHEN attempts + 1 >= max_attempts THEN $1 ELSE $2 END,
		    attempts = attempts + 1,
		    error_message = CASE WHEN attempts + 1 >= max_attempts THEN $3 ELSE error_message END,
		    worker_id = NULL,
		    processing_started_at = NULL
		WHERE status_id = $4 AND worker_id = ANY($5)`,
		StatusError, StatusPending, orphanErrorMessage, StatusProcessing, ids); execErr != nil {
		return classifyPQError(string(backend), "releaseOrphanedJobs:extraction", execErr)
	}

	if _, execErr := db.ExecContext(ctx, `UPDATE extraction_queue
		SET
		    status_id = CASE WHEN ocr_attempts + 1 >= ocr_max_attempts THEN $1 ELSE $2 END,
		    ocr_attempts = ocr_attempts + 1,
		    ocr_error = $3,
		    ocr_last_error_at = NOW(),
		    ocr_worker_id = NULL,
		    ocr_started_at = NULL
		WHERE status_id = $4 AND ocr_worker_id = ANY($5)`,
		StatusError, StatusComplete, orphanErrorMessage, StatusOcrProcessing, ids); execErr != nil {
		return classifyPQError(string(backend), "releaseOrphanedJobs:extraction_ocr", execErr)
	}

	if _, execErr := db.ExecContext(ctx, `UPDATE registry_scrape_queue
		SET status = $1, worker_id = NULL, processing_started_at = NULL
		WHERE status = $2 AND worker_id = ANY($3)`,
		registryStatusPendingCompany, registryStatusScrapingCompany, ids); execErr != nil {
		return classifyPQError(string(backend), "releaseOrphanedJobs:registry_scrape", execErr)
	}

	if _, execErr := db.ExecContext(ctx, `UPDATE rdprm_searches
		SET status = $1, worker_id = NULL, processing_started_at = NULL
		WHERE status = $2 AND worker_id = ANY($3)`,
		personalRightsStatusPending, personalRightsStatusInProgress, ids); execErr != nil {
		return classifyPQError(string(backend), "releaseOrphanedJobs:personal_rights", execErr)
	}

	return nil
}
