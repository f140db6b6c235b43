// Copyright 2025 James Ross
package engine

import (
	"context"
	"fmt"

	"github.com/foncier-quebec/extractor-workers/internal/jobs"
)

// ExtractionPayload is the read-only data an ExtractionEngine needs to
// perform one browser-automation run against the land-registry index.
type ExtractionPayload struct {
	DocumentSource          string
	DocumentNumber          string
	CirconscriptionFonciere string
	Cadastre                string
	DesignationSecondaire   string
}

// ExtractionResult is what a successful ExtractionEngine.Run produces.
type ExtractionResult struct {
	Artifact     jobs.ArtifactReference
	SupabasePath string
}

// NotFoundError means the requested document does not exist at the
// registry. Terminal: the dispatcher marks the job ERROR, never retries.
type NotFoundError struct{ Message string }

func (e *NotFoundError) Error() string { return e.Message }

// TimeoutError means the engine's own deadline elapsed internally (distinct
// from the dispatcher's context deadline). Retry-eligible.
type TimeoutError struct{ Err error }

func (e *TimeoutError) Error() string { return fmt.Sprintf("engine timeout: %v", e.Err) }
func (e *TimeoutError) Unwrap() error  { return e.Err }

// TransientError means a recoverable network/site failure. Retry-eligible.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return fmt.Sprintf("engine transient error: %v", e.Err) }
func (e *TransientError) Unwrap() error  { return e.Err }

// FatalError means the engine hit an error it cannot classify more
// specifically. Retry-eligible until attempts exhaust, same as Transient.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return fmt.Sprintf("engine fatal error: %v", e.Err) }
func (e *FatalError) Unwrap() error  { return e.Err }

// CompanyNotFoundError is the PersonalRightsScraper-specific terminal
// not-found variant (distinct from NotFoundError so Execute can route it to
// the not_found status rather than failed).
type CompanyNotFoundError struct{ Message string }

func (e *CompanyNotFoundError) Error() string { return e.Message }

// NoCredentialsAvailableError means the vault has no lease to hand out.
type NoCredentialsAvailableError struct{}

func (e *NoCredentialsAvailableError) Error() string { return "no credentials available" }

// ExtractionEngine drives one browser-automation run against the
// land-registry index. Opaque by design — the scraping logic itself is out
// of scope.
type ExtractionEngine interface {
	Run(ctx context.Context, payload ExtractionPayload) (ExtractionResult, error)
}

// RegistryScraper drives one browser-automation run against the
// registry-scrape site's company search flow.
type RegistryScraper interface {
	Run(ctx context.Context, companyName string) error
}

// PersonalRightsScraper drives one browser-automation run against the
// RDPRM personal-rights search.
type PersonalRightsScraper interface {
	Run(ctx context.Context, searchName string) (ExtractionResult, error)
}

// OcrEngine extracts raw and "boosted" (post-processed) text from a PDF
// already uploaded to the artifact store.
type OcrEngine interface {
	Run(ctx context.Context, supabasePath, documentSource string) (rawText, boostedText string, err error)
}

// Lease is a scraping-credential lease acquired from a CredentialVault.
// Releasing it on success or failure is the dispatcher's responsibility.
type Lease interface {
	Release(ctx context.Context) error
}

// CredentialVault hands out scraping-account leases for the families that
// need authenticated access (RegistryScrape, PersonalRights).
type CredentialVault interface {
	Acquire(ctx context.Context) (Lease, error)
}
