// Copyright 2025 James Ross
package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ExtractionTerminalFields carries the family-specific fields written by a
// terminal extraction transition.
type ExtractionTerminalFields struct {
	SupabasePath       *string
	ErrorMessage       *string
	FileContent        *string
	BoostedFileContent *string
}

// RegistryScrapeTerminalFields carries the fields written on a terminal
// registry-scrape transition.
type RegistryScrapeTerminalFields struct {
	Completed    bool
	ErrorMessage *string
}

// PersonalRightsTerminalFields carries the fields written on a terminal
// personal-rights transition.
type PersonalRightsTerminalFields struct {
	StoragePath  *string
	ErrorMessage *string
}

// HeartbeatCounts carries the optional counter increments a Heartbeat call
// may apply.
type HeartbeatCounts struct {
	IncrementCompleted bool
	IncrementFailed    bool
}

// ClaimStore is the sole owner of persistence against one backend's job
// tables and worker-status table. One method per family, per the tagged
// variant dispatch called for by the unified job model: a generic method
// would blur each family's distinct SQL predicate and terminal-state set.
type ClaimStore interface {
	// Extraction primary lifecycle.
	NextPendingExtraction(ctx context.Context, backend Backend) (*ExtractionJob, error)
	ClaimExtraction(ctx context.Context, backend Backend, id uuid.UUID, workerID string) (*ExtractionJob, error)
	MarkExtractionTerminal(ctx context.Context, backend Backend, id uuid.UUID, statusID int, fields ExtractionTerminalFields) error
	ReleaseExtraction(ctx context.Context, backend Backend, id uuid.UUID, errMsg string) error
	ResetStuckExtraction(ctx context.Context, backend Backend, olderThan time.Time) ([]uuid.UUID, error)

	// Extraction OCR sub-lifecycle.
	NextPendingOcr(ctx context.Context, backend Backend, mode OcrMode) (*ExtractionJob, error)
	ClaimOcr(ctx context.Context, backend Backend, id uuid.UUID, workerID string, mode OcrMode) (*ExtractionJob, error)
	ReleaseOcr(ctx context.Context, backend Backend, id uuid.UUID, errMsg string) error
	MarkOcrTerminal(ctx context.Context, backend Backend, id uuid.UUID, fields ExtractionTerminalFields) error
	ResetStuckExtractionOcr(ctx context.Context, backend Backend, olderThan time.Time) ([]uuid.UUID, error)
	OcrBacklog(ctx context.Context, backend Backend, mode OcrMode) (int, error)

	// RegistryScrape.
	NextPendingRegistryScrape(ctx context.Context, backend Backend) (*RegistryScrapeJob, error)
	ClaimRegistryScrape(ctx context.Context, backend Backend, id uuid.UUID, workerID string) (*RegistryScrapeJob, error)
	MarkRegistryScrapeTerminal(ctx context.Context, backend Backend, id uuid.UUID, status string, fields RegistryScrapeTerminalFields) error
	ResetStuckRegistryScrape(ctx context.Context, backend Backend, olderThan time.Time) ([]uuid.UUID, error)

	// PersonalRights.
	NextPendingPersonalRights(ctx context.Context, backend Backend) (*PersonalRightsJob, error)
	ClaimPersonalRights(ctx context.Context, backend Backend, id uuid.UUID, workerID string) (*PersonalRightsJob, error)
	MarkPersonalRightsTerminal(ctx context.Context, backend Backend, id uuid.UUID, status string, fields PersonalRightsTerminalFields) error
	ResetStuckPersonalRights(ctx context.Context, backend Backend, olderThan time.Time) ([]uuid.UUID, error)
	SessionCompletionCheck(ctx context.Context, backend Backend, sessionID uuid.UUID) error

	// Worker status.
	Heartbeat(ctx context.Context, backend Backend, workerID, status string, currentJobID *uuid.UUID, counts HeartbeatCounts) error
	RefreshHeartbeat(ctx context.Context, backend Backend, workerID string) error
	MarkDeadWorkers(ctx context.Context, backend Backend, olderThan time.Time) ([]string, error)
}
