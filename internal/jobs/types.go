// Copyright 2025 James Ross
package jobs

import (
	"time"

	"github.com/google/uuid"

	"github.com/foncier-quebec/extractor-workers/internal/config"
)

// Family identifies one of the three job tables a dispatcher polls, in
// priority order.
type Family string

const (
	FamilyExtraction     Family = "extraction"
	FamilyRegistryScrape Family = "registry_scrape"
	FamilyPersonalRights Family = "personal_rights"
)

// Priority is the fixed dispatch order every loop scan must follow.
var Priority = []Family{FamilyExtraction, FamilyRegistryScrape, FamilyPersonalRights}

// Extraction status ids, per the extraction_queue.status_id column.
const (
	StatusPending            = 1
	StatusProcessing         = 2
	StatusComplete           = 3
	StatusError              = 4
	StatusExtractionComplete = 5
	StatusOcrProcessing      = 6
)

// OcrMode is the document_source filter an OCR worker is permanently typed with.
type OcrMode string

const (
	ModeIndex OcrMode = "index"
	ModeActe  OcrMode = "acte"
)

// Bucket names are deterministic functions of job family / document source.
const (
	BucketIndex           = "index"
	BucketActes           = "actes"
	BucketPlansCadastraux = "plans-cadastraux"
	BucketRdprmDocuments  = "rdprm-documents"
)

// BucketForDocumentSource maps an extraction document_source to its artifact bucket.
func BucketForDocumentSource(documentSource string) string {
	switch documentSource {
	case "index":
		return BucketIndex
	case "acte":
		return BucketActes
	case "plan_cadastraux":
		return BucketPlansCadastraux
	default:
		return ""
	}
}

// ArtifactReference addresses a binary object in a backend's artifact store.
type ArtifactReference struct {
	Bucket string
	Path   string
}

// ExtractionJob mirrors a row of extraction_queue.
type ExtractionJob struct {
	ID                     uuid.UUID
	StatusID               int
	DocumentSource         string
	DocumentNumber         string
	CirconscriptionFonciere string
	Cadastre               string
	DesignationSecondaire  string
	WorkerID               *string
	ProcessingStartedAt    *time.Time
	Attempts               int
	MaxAttempts            int
	ErrorMessage           *string
	SupabasePath           *string
	FileContent            *string
	BoostedFileContent     *string
	OcrWorkerID            *string
	OcrStartedAt           *time.Time
	OcrCompletedAt         *time.Time
	OcrAttempts            int
	OcrMaxAttempts         int
	OcrError               *string
	OcrLastErrorAt         *time.Time
	CreatedAt              time.Time
}

// RegistryScrapeJob mirrors a row of the registry-scrape job table.
type RegistryScrapeJob struct {
	ID                  uuid.UUID
	Status              string
	Completed           bool
	CompanyName         string
	WorkerID            *string
	ProcessingStartedAt *time.Time
	Attempts            int
	MaxAttempts         int
	ErrorMessage        *string
	CreatedAt           time.Time
}

// PersonalRightsJob mirrors a row of rdprm_searches.
type PersonalRightsJob struct {
	ID                  uuid.UUID
	SearchSessionID     uuid.UUID
	SearchName          string
	Status              string
	WorkerID            *string
	ProcessingStartedAt *time.Time
	Attempts            int
	MaxAttempts         int
	ErrorMessage        *string
	StoragePath         *string
	CreatedAt           time.Time
}

// WorkerStatus mirrors a row of worker_status.
type WorkerStatus struct {
	WorkerID      string
	Status        string
	CurrentJobID  *uuid.UUID
	LastHeartbeat time.Time
	JobsCompleted int
	JobsFailed    int
	StartedAt     time.Time
}

const (
	WorkerIdle    = "idle"
	WorkerBusy    = "busy"
	WorkerOffline = "offline"
	WorkerStopped = "stopped"
)

// Backend is an alias so ClaimStore callers don't need to import config
// directly for this one type.
type Backend = config.BackendName
