// Copyright 2025 James Ross
package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/foncier-quebec/extractor-workers/internal/config"
)

func registryScrapeRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "status", "completed", "company_name", "worker_id", "processing_started_at",
		"attempts", "max_attempts", "error_message", "created_at",
	})
}

func TestNextPendingRegistryScrapeReturnsOldestPendingCompanySelection(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT .* FROM registry_scrape_queue`).
		WithArgs(registryStatusPendingCompany).
		WillReturnRows(registryScrapeRows().AddRow(id, registryStatusPendingCompany, false, "Acme Inc", nil, nil, 0, 3, nil, time.Now()))

	job, err := store.NextPendingRegistryScrape(context.Background(), config.Prod)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextPendingRegistryScrapeReturnsNilWhenEmpty(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM registry_scrape_queue`).
		WithArgs(registryStatusPendingCompany).
		WillReturnRows(registryScrapeRows())

	job, err := store.NextPendingRegistryScrape(context.Background(), config.Prod)
	require.NoError(t, err)
	require.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimRegistryScrapeLosesRaceWhenAlreadyClaimed(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(`UPDATE registry_scrape_queue`).
		WithArgs(registryStatusScrapingCompany, "worker-1", id, registryStatusPendingCompany).
		WillReturnRows(registryScrapeRows())

	job, err := store.ClaimRegistryScrape(context.Background(), config.Prod, id, "worker-1")
	require.NoError(t, err)
	require.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRegistryScrapeTerminalAdvancesToNameSelection(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE registry_scrape_queue`).
		WithArgs(registryStatusPendingName, true, nil, id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.MarkRegistryScrapeTerminal(context.Background(), config.Prod, id, registryStatusPendingName, RegistryScrapeTerminalFields{Completed: true})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRegistryScrapeTerminalRecordsFailureMessage(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	msg := "scrape timed out"

	mock.ExpectExec(`UPDATE registry_scrape_queue`).
		WithArgs(registryStatusFailed, false, msg, id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.MarkRegistryScrapeTerminal(context.Background(), config.Prod, id, registryStatusFailed, RegistryScrapeTerminalFields{ErrorMessage: &msg})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetStuckRegistryScrapeReturnsRecoveredIDs(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	cutoff := time.Now().Add(-5 * time.Minute)

	mock.ExpectQuery(`UPDATE registry_scrape_queue`).
		WithArgs(registryStatusPendingCompany, registryStatusScrapingCompany, cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id))

	ids, err := store.ResetStuckRegistryScrape(context.Background(), config.Prod, cutoff)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{id}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}
