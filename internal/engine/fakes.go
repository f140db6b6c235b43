// Copyright 2025 James Ross
package engine

import (
	"context"
	"sync"
)

// FakeExtractionEngine is a deterministic, in-process stand-in for
// ExtractionEngine. Never wired into cmd/extractor-worker — used only by
// package tests that need a collaborator without a real browser.
type FakeExtractionEngine struct {
	mu     sync.Mutex
	Result ExtractionResult
	Err    error
	Calls  []ExtractionPayload
}

func (f *FakeExtractionEngine) Run(ctx context.Context, payload ExtractionPayload) (ExtractionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, payload)
	if f.Err != nil {
		return ExtractionResult{}, f.Err
	}
	return f.Result, nil
}

func (f *FakeExtractionEngine) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

// FakeRegistryScraper is a deterministic stand-in for RegistryScraper.
type FakeRegistryScraper struct {
	mu    sync.Mutex
	Err   error
	Calls []string
}

func (f *FakeRegistryScraper) Run(ctx context.Context, companyName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, companyName)
	return f.Err
}

// FakePersonalRightsScraper is a deterministic stand-in for
// PersonalRightsScraper.
type FakePersonalRightsScraper struct {
	mu     sync.Mutex
	Result ExtractionResult
	Err    error
	Calls  []string
}

func (f *FakePersonalRightsScraper) Run(ctx context.Context, searchName string) (ExtractionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, searchName)
	if f.Err != nil {
		return ExtractionResult{}, f.Err
	}
	return f.Result, nil
}

// FakeOcrEngine is a deterministic stand-in for OcrEngine.
type FakeOcrEngine struct {
	mu          sync.Mutex
	RawText     string
	BoostedText string
	Err         error
	Calls       []struct{ Path, DocumentSource string }
}

func (f *FakeOcrEngine) Run(ctx context.Context, supabasePath, documentSource string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, struct{ Path, DocumentSource string }{supabasePath, documentSource})
	if f.Err != nil {
		return "", "", f.Err
	}
	return f.RawText, f.BoostedText, nil
}

// fakeLease is the Lease a FakeCredentialVault hands out.
type fakeLease struct{ onRelease func() }

func (l *fakeLease) Release(ctx context.Context) error {
	if l.onRelease != nil {
		l.onRelease()
	}
	return nil
}

// FakeCredentialVault is a deterministic stand-in for CredentialVault.
type FakeCredentialVault struct {
	mu       sync.Mutex
	Err      error
	Acquired int
	Released int
}

func (f *FakeCredentialVault) Acquire(ctx context.Context) (Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.Acquired++
	return &fakeLease{onRelease: func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.Released++
	}}, nil
}
