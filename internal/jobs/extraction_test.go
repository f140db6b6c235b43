// Copyright 2025 James Ross
package jobs

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/foncier-quebec/extractor-workers/internal/config"
)

func newMockStore(t *testing.T) (*PostgresClaimStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := NewPostgresClaimStore(map[Backend]*sql.DB{config.Prod: db})
	return store, mock
}

func extractionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "status_id", "document_source", "document_number", "circonscription_fonciere",
		"cadastre", "designation_secondaire", "worker_id", "processing_started_at", "attempts", "max_attempts",
		"error_message", "supabase_path", "file_content", "boosted_file_content", "ocr_worker_id", "ocr_started_at",
		"ocr_completed_at", "ocr_attempts", "ocr_max_attempts", "ocr_error", "ocr_last_error_at", "created_at",
	})
}

func TestClaimExtractionSuccess(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	workerID := "host-1-123-456-789"

	rows := extractionRows().AddRow(
		id, StatusProcessing, "index", "2784195", "Montreal",
		"Cadastre du Quebec", nil, workerID, time.Now(), 0, 3,
		nil, nil, nil, nil, nil, nil,
		nil, 0, 3, nil, nil, time.Now(),
	)
	mock.ExpectQuery(`UPDATE extraction_queue`).
		WithArgs(StatusProcessing, workerID, id, StatusPending).
		WillReturnRows(rows)

	job, err := store.ClaimExtraction(context.Background(), config.Prod, id, workerID)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, StatusProcessing, job.StatusID)
	require.Equal(t, "2784195", job.DocumentNumber)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimExtractionLostRace(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(`UPDATE extraction_queue`).
		WithArgs(StatusProcessing, "worker-a", id, StatusPending).
		WillReturnRows(extractionRows())

	job, err := store.ClaimExtraction(context.Background(), config.Prod, id, "worker-a")
	require.NoError(t, err)
	require.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseExtractionEscalatesOnExhaustion(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE extraction_queue`).
		WithArgs(StatusError, StatusPending, sqlmock.AnyArg(), id, StatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.ReleaseExtraction(context.Background(), config.Prod, id, "fatal scraper error")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// A release only ever targets a row this worker currently holds, which is
// StatusProcessing, never StatusPending — a regression where the
// current-state predicate is bound to the same placeholder as the
// pending-destination value ($2) would make every release a silent no-op,
// since database/sql reports a zero-rows-affected UPDATE as success rather
// than an error. Matching the WHERE clause's exact placeholder shape (a
// fifth, distinct param) catches that even though a bare arg-match wouldn't.
func TestReleaseExtractionWhereClauseGuardsOnItsOwnPlaceholder(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE extraction_queue\s+SET[\s\S]*WHERE id = \$4 AND status_id = \$5`).
		WithArgs(StatusError, StatusPending, sqlmock.AnyArg(), id, StatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.ReleaseExtraction(context.Background(), config.Prod, id, "transient timeout")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetStuckExtractionDoesNotTouchAttempts(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	olderThan := time.Now().Add(-4 * time.Minute)

	mock.ExpectQuery(`UPDATE extraction_queue`).
		WithArgs(StatusPending, StatusProcessing, olderThan).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id))

	ids, err := store.ResetStuckExtraction(context.Background(), config.Prod, olderThan)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{id}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimOcrRequiresMatchingMode(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(`UPDATE extraction_queue`).
		WithArgs(StatusOcrProcessing, "ocr-worker-1", id, StatusComplete, string(ModeIndex)).
		WillReturnRows(extractionRows())

	job, err := store.ClaimOcr(context.Background(), config.Prod, id, "ocr-worker-1", ModeIndex)
	require.NoError(t, err)
	require.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUnknownBackendReturnsTypedError(t *testing.T) {
	store, _ := newMockStore(t)
	_, err := store.NextPendingExtraction(context.Background(), config.Staging)
	require.Error(t, err)
	var unknown *UnknownBackendError
	require.ErrorAs(t, err, &unknown)
}
