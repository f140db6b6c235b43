// Copyright 2025 James Ross
package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/foncier-quebec/extractor-workers/internal/config"
)

func TestHeartbeatUpsert(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO worker_status`).
		WithArgs("worker-1", WorkerBusy, sqlmock.AnyArg(), 0, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Heartbeat(context.Background(), config.Prod, "worker-1", WorkerBusy, nil, HeartbeatCounts{})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshHeartbeatTouchesOnlyLastHeartbeat(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE worker_status SET last_heartbeat = NOW\(\) WHERE worker_id = \$1`).
		WithArgs("worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.RefreshHeartbeat(context.Background(), config.Prod, "worker-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDeadWorkersReleasesOrphanedJobs(t *testing.T) {
	store, mock := newMockStore(t)
	olderThan := time.Now().Add(-3 * time.Minute)

	mock.ExpectQuery(`UPDATE worker_status`).
		WithArgs(WorkerOffline, olderThan).
		WillReturnRows(sqlmock.NewRows([]string{"worker_id"}).AddRow("ghost-1"))
	mock.ExpectExec(`UPDATE extraction_queue`).
		WithArgs(StatusError, StatusPending, orphanErrorMessage, StatusProcessing, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE extraction_queue`).
		WithArgs(StatusError, StatusComplete, orphanErrorMessage, StatusOcrProcessing, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE registry_scrape_queue`).
		WithArgs(registryStatusPendingCompany, registryStatusScrapingCompany, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE rdprm_searches`).
		WithArgs(personalRightsStatusPending, personalRightsStatusInProgress, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ids, err := store.MarkDeadWorkers(context.Background(), config.Prod, olderThan)
	require.NoError(t, err)
	require.Equal(t, []string{"ghost-1"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}
