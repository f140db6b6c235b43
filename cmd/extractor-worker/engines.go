// Copyright 2025 James Ross
package main

import (
	"context"
	"errors"

	"github.com/foncier-quebec/extractor-workers/internal/engine"
)

// The browser-automation engines, the OCR engine, and the credential vault
// are deliberately out of scope: this process only plugs narrow contracts
// together, it does not drive a browser or call out to an OCR service
// itself. Until a real implementation of one of these is wired in at build
// time, each engine stub reports a FatalError (and the vault stub a
// NoCredentialsAvailableError) so the dispatcher/OCR pool's normal
// failure/retry/escalation path handles it rather than the process crashing.

var errEngineNotConfigured = errors.New("no browser-automation engine configured for this deployment")

type unconfiguredExtractionEngine struct{}

func (unconfiguredExtractionEngine) Run(ctx context.Context, payload engine.ExtractionPayload) (engine.ExtractionResult, error) {
	return engine.ExtractionResult{}, &engine.FatalError{Err: errEngineNotConfigured}
}

type unconfiguredRegistryScraper struct{}

func (unconfiguredRegistryScraper) Run(ctx context.Context, companyName string) error {
	return &engine.FatalError{Err: errEngineNotConfigured}
}

type unconfiguredPersonalRightsScraper struct{}

func (unconfiguredPersonalRightsScraper) Run(ctx context.Context, searchName string) (engine.ExtractionResult, error) {
	return engine.ExtractionResult{}, &engine.FatalError{Err: errEngineNotConfigured}
}

type unconfiguredOcrEngine struct{}

func (unconfiguredOcrEngine) Run(ctx context.Context, supabasePath, documentSource string) (string, string, error) {
	return "", "", &engine.FatalError{Err: errEngineNotConfigured}
}

type unconfiguredCredentialVault struct{}

func (unconfiguredCredentialVault) Acquire(ctx context.Context) (engine.Lease, error) {
	return nil, &engine.NoCredentialsAvailableError{}
}
