// Copyright 2025 James Ross
package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var errSchemaFake = errors.New("fake schema error")

// FakeClaimStore is a deterministic, in-process ClaimStore used by package
// tests elsewhere in the module that need a collaborator without a real
// Postgres backend. Never wired into cmd/extractor-worker.
type FakeClaimStore struct {
	mu sync.Mutex

	extraction     map[Backend]map[uuid.UUID]*ExtractionJob
	registryScrape map[Backend]map[uuid.UUID]*RegistryScrapeJob
	personalRights map[Backend]map[uuid.UUID]*PersonalRightsJob
	workers        map[Backend]map[string]*WorkerStatus

	// SchemaErrOn, keyed "operation", makes that operation return a
	// *SchemaError for every backend, every call.
	SchemaErrOn map[string]bool

	// schemaErrBackends marks individual backends whose ocr_* columns are
	// absent, so NextPendingOcr/OcrBacklog fail with a *SchemaError for that
	// backend only, mirroring a real deployment where only some backends
	// have run the OCR migration.
	schemaErrBackends map[Backend]bool
}

func NewFakeClaimStore() *FakeClaimStore {
	return &FakeClaimStore{
		extraction:        map[Backend]map[uuid.UUID]*ExtractionJob{},
		registryScrape:    map[Backend]map[uuid.UUID]*RegistryScrapeJob{},
		personalRights:    map[Backend]map[uuid.UUID]*PersonalRightsJob{},
		workers:           map[Backend]map[string]*WorkerStatus{},
		SchemaErrOn:       map[string]bool{},
		schemaErrBackends: map[Backend]bool{},
	}
}

func (f *FakeClaimStore) schemaErr(op string) error {
	if f.SchemaErrOn[op] {
		return &SchemaError{Backend: "fake", Operation: op, Err: errSchemaFake}
	}
	return nil
}

// FailOcrSchemaFor makes NextPendingOcr and OcrBacklog against backend
// behave as if its ocr_* columns don't exist yet; the other OCR operations
// are unaffected.
func (f *FakeClaimStore) FailOcrSchemaFor(backend Backend) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemaErrBackends[backend] = true
}

func (f *FakeClaimStore) ocrSchemaErr(backend Backend, op string) error {
	if f.schemaErrBackends[backend] {
		return &SchemaError{Backend: string(backend), Operation: op, Err: errSchemaFake}
	}
	return nil
}

// SeedExtraction inserts a row directly, bypassing any lifecycle checks.
// Assigns a fresh ID when job.ID is the zero value, and returns it.
func (f *FakeClaimStore) SeedExtraction(backend Backend, job *ExtractionJob) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.StatusID == 0 {
		job.StatusID = StatusPending
	}
	if f.extraction[backend] == nil {
		f.extraction[backend] = map[uuid.UUID]*ExtractionJob{}
	}
	cp := *job
	f.extraction[backend][job.ID] = &cp
	return job.ID
}

func (f *FakeClaimStore) SeedRegistryScrape(backend Backend, job *RegistryScrapeJob) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if f.registryScrape[backend] == nil {
		f.registryScrape[backend] = map[uuid.UUID]*RegistryScrapeJob{}
	}
	cp := *job
	f.registryScrape[backend][job.ID] = &cp
	return job.ID
}

func (f *FakeClaimStore) SeedPersonalRights(backend Backend, job *PersonalRightsJob) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if f.personalRights[backend] == nil {
		f.personalRights[backend] = map[uuid.UUID]*PersonalRightsJob{}
	}
	cp := *job
	f.personalRights[backend][job.ID] = &cp
	return job.ID
}

func (f *FakeClaimStore) NextPendingExtraction(ctx context.Context, backend Backend) (*ExtractionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.schemaErr("NextPendingExtraction"); err != nil {
		return nil, err
	}
	return oldestExtraction(f.extraction[backend], func(j *ExtractionJob) bool { return j.StatusID == StatusPending })
}

func (f *FakeClaimStore) ClaimExtraction(ctx context.Context, backend Backend, id uuid.UUID, workerID string) (*ExtractionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.extraction[backend][id]
	if !ok || j.StatusID != StatusPending {
		return nil, nil
	}
	j.StatusID = StatusProcessing
	j.WorkerID = &workerID
	now := time.Now()
	j.ProcessingStartedAt = &now
	cp := *j
	return &cp, nil
}

func (f *FakeClaimStore) MarkExtractionTerminal(ctx context.Context, backend Backend, id uuid.UUID, statusID int, fields ExtractionTerminalFields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.extraction[backend][id]
	if !ok {
		return nil
	}
	j.StatusID = statusID
	if fields.SupabasePath != nil {
		j.SupabasePath = fields.SupabasePath
	}
	if fields.ErrorMessage != nil {
		j.ErrorMessage = fields.ErrorMessage
	}
	if fields.FileContent != nil {
		j.FileContent = fields.FileContent
	}
	if fields.BoostedFileContent != nil {
		j.BoostedFileContent = fields.BoostedFileContent
	}
	return nil
}

func (f *FakeClaimStore) ReleaseExtraction(ctx context.Context, backend Backend, id uuid.UUID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.extraction[backend][id]
	if !ok || j.StatusID != StatusProcessing {
		return nil
	}
	j.Attempts++
	j.WorkerID = nil
	j.ProcessingStartedAt = nil
	if j.Attempts >= j.MaxAttempts {
		j.StatusID = StatusError
		msg := errMsg
		j.ErrorMessage = &msg
	} else {
		j.StatusID = StatusPending
	}
	return nil
}

func (f *FakeClaimStore) ResetStuckExtraction(ctx context.Context, backend Backend, olderThan time.Time) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.schemaErr("ResetStuckExtraction"); err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for _, j := range f.extraction[backend] {
		if j.StatusID == StatusProcessing && j.ProcessingStartedAt != nil && j.ProcessingStartedAt.Before(olderThan) {
			j.StatusID = StatusPending
			j.WorkerID = nil
			j.ProcessingStartedAt = nil
			ids = append(ids, j.ID)
		}
	}
	return ids, nil
}

func (f *FakeClaimStore) NextPendingOcr(ctx context.Context, backend Backend, mode OcrMode) (*ExtractionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ocrSchemaErr(backend, "NextPendingOcr"); err != nil {
		return nil, err
	}
	return oldestExtraction(f.extraction[backend], func(j *ExtractionJob) bool {
		return j.StatusID == StatusComplete && j.DocumentSource == string(mode) && j.OcrAttempts < j.OcrMaxAttempts
	})
}

func (f *FakeClaimStore) ClaimOcr(ctx context.Context, backend Backend, id uuid.UUID, workerID string, mode OcrMode) (*ExtractionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.extraction[backend][id]
	if !ok || j.StatusID != StatusComplete || j.DocumentSource != string(mode) {
		return nil, nil
	}
	j.StatusID = StatusOcrProcessing
	j.OcrWorkerID = &workerID
	now := time.Now()
	j.OcrStartedAt = &now
	cp := *j
	return &cp, nil
}

func (f *FakeClaimStore) ReleaseOcr(ctx context.Context, backend Backend, id uuid.UUID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.extraction[backend][id]
	if !ok || j.StatusID != StatusOcrProcessing {
		return nil
	}
	j.OcrAttempts++
	msg := errMsg
	j.OcrError = &msg
	j.OcrWorkerID = nil
	j.OcrStartedAt = nil
	if j.OcrAttempts >= j.OcrMaxAttempts {
		j.StatusID = StatusError
	} else {
		j.StatusID = StatusComplete
	}
	return nil
}

func (f *FakeClaimStore) MarkOcrTerminal(ctx context.Context, backend Backend, id uuid.UUID, fields ExtractionTerminalFields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.extraction[backend][id]
	if !ok {
		return nil
	}
	j.StatusID = StatusExtractionComplete
	j.FileContent = fields.FileContent
	j.BoostedFileContent = fields.BoostedFileContent
	now := time.Now()
	j.OcrCompletedAt = &now
	return nil
}

func (f *FakeClaimStore) ResetStuckExtractionOcr(ctx context.Context, backend Backend, olderThan time.Time) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uuid.UUID
	for _, j := range f.extraction[backend] {
		if j.StatusID == StatusOcrProcessing && j.OcrStartedAt != nil && j.OcrStartedAt.Before(olderThan) {
			j.StatusID = StatusComplete
			j.OcrWorkerID = nil
			j.OcrStartedAt = nil
			ids = append(ids, j.ID)
		}
	}
	return ids, nil
}

func (f *FakeClaimStore) OcrBacklog(ctx context.Context, backend Backend, mode OcrMode) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ocrSchemaErr(backend, "OcrBacklog"); err != nil {
		return 0, err
	}
	count := 0
	for _, j := range f.extraction[backend] {
		if j.StatusID == StatusComplete && j.DocumentSource == string(mode) && j.OcrAttempts < j.OcrMaxAttempts {
			count++
		}
	}
	return count, nil
}

func (f *FakeClaimStore) NextPendingRegistryScrape(ctx context.Context, backend Backend) (*RegistryScrapeJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *RegistryScrapeJob
	for _, j := range f.registryScrape[backend] {
		if j.Status != "pending_company_selection" || j.Completed {
			continue
		}
		if best == nil || j.CreatedAt.Before(best.CreatedAt) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (f *FakeClaimStore) ClaimRegistryScrape(ctx context.Context, backend Backend, id uuid.UUID, workerID string) (*RegistryScrapeJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.registryScrape[backend][id]
	if !ok || j.Status != "pending_company_selection" || j.Completed {
		return nil, nil
	}
	j.Status = "scraping_company_data"
	j.WorkerID = &workerID
	now := time.Now()
	j.ProcessingStartedAt = &now
	cp := *j
	return &cp, nil
}

func (f *FakeClaimStore) MarkRegistryScrapeTerminal(ctx context.Context, backend Backend, id uuid.UUID, status string, fields RegistryScrapeTerminalFields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.registryScrape[backend][id]
	if !ok {
		return nil
	}
	j.Status = status
	j.Completed = fields.Completed
	if fields.ErrorMessage != nil {
		j.ErrorMessage = fields.ErrorMessage
	}
	j.WorkerID = nil
	j.ProcessingStartedAt = nil
	return nil
}

func (f *FakeClaimStore) ResetStuckRegistryScrape(ctx context.Context, backend Backend, olderThan time.Time) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uuid.UUID
	for _, j := range f.registryScrape[backend] {
		if j.Status == "scraping_company_data" && j.ProcessingStartedAt != nil && j.ProcessingStartedAt.Before(olderThan) {
			j.Status = "pending_company_selection"
			j.WorkerID = nil
			j.ProcessingStartedAt = nil
			ids = append(ids, j.ID)
		}
	}
	return ids, nil
}

func (f *FakeClaimStore) NextPendingPersonalRights(ctx context.Context, backend Backend) (*PersonalRightsJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *PersonalRightsJob
	for _, j := range f.personalRights[backend] {
		if j.Status != "pending" {
			continue
		}
		if best == nil || j.CreatedAt.Before(best.CreatedAt) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (f *FakeClaimStore) ClaimPersonalRights(ctx context.Context, backend Backend, id uuid.UUID, workerID string) (*PersonalRightsJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.personalRights[backend][id]
	if !ok || j.Status != "pending" {
		return nil, nil
	}
	j.Status = "in_progress"
	j.WorkerID = &workerID
	now := time.Now()
	j.ProcessingStartedAt = &now
	cp := *j
	return &cp, nil
}

func (f *FakeClaimStore) MarkPersonalRightsTerminal(ctx context.Context, backend Backend, id uuid.UUID, status string, fields PersonalRightsTerminalFields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.personalRights[backend][id]
	if !ok {
		return nil
	}
	j.Status = status
	if fields.StoragePath != nil {
		j.StoragePath = fields.StoragePath
	}
	if fields.ErrorMessage != nil {
		j.ErrorMessage = fields.ErrorMessage
	}
	j.WorkerID = nil
	j.ProcessingStartedAt = nil
	return nil
}

func (f *FakeClaimStore) ResetStuckPersonalRights(ctx context.Context, backend Backend, olderThan time.Time) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uuid.UUID
	for _, j := range f.personalRights[backend] {
		if j.Status == "in_progress" && j.ProcessingStartedAt != nil && j.ProcessingStartedAt.Before(olderThan) {
			j.Status = "pending"
			j.WorkerID = nil
			j.ProcessingStartedAt = nil
			ids = append(ids, j.ID)
		}
	}
	return ids, nil
}

func (f *FakeClaimStore) SessionCompletionCheck(ctx context.Context, backend Backend, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	allTerminal := true
	for _, j := range f.personalRights[backend] {
		if j.SearchSessionID != sessionID {
			continue
		}
		if j.Status == "pending" || j.Status == "in_progress" {
			allTerminal = false
			break
		}
	}
	_ = allTerminal // the fake has no search_sessions table to flip; tests assert via sibling status only
	return nil
}

func (f *FakeClaimStore) Heartbeat(ctx context.Context, backend Backend, workerID, status string, currentJobID *uuid.UUID, counts HeartbeatCounts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.workers[backend] == nil {
		f.workers[backend] = map[string]*WorkerStatus{}
	}
	ws, ok := f.workers[backend][workerID]
	if !ok {
		ws = &WorkerStatus{WorkerID: workerID, StartedAt: time.Now()}
		f.workers[backend][workerID] = ws
	}
	ws.Status = status
	ws.CurrentJobID = currentJobID
	ws.LastHeartbeat = time.Now()
	if counts.IncrementCompleted {
		ws.JobsCompleted++
	}
	if counts.IncrementFailed {
		ws.JobsFailed++
	}
	return nil
}

func (f *FakeClaimStore) RefreshHeartbeat(ctx context.Context, backend Backend, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.workers[backend][workerID]
	if !ok {
		return nil
	}
	ws.LastHeartbeat = time.Now()
	return nil
}

func (f *FakeClaimStore) MarkDeadWorkers(ctx context.Context, backend Backend, olderThan time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.schemaErr("MarkDeadWorkers"); err != nil {
		return nil, err
	}
	var dead []string
	for id, ws := range f.workers[backend] {
		if ws.Status != WorkerOffline && ws.Status != WorkerStopped && ws.LastHeartbeat.Before(olderThan) {
			ws.Status = WorkerOffline
			dead = append(dead, id)
		}
	}
	sort.Strings(dead)
	if len(dead) == 0 {
		return dead, nil
	}
	deadSet := map[string]bool{}
	for _, id := range dead {
		deadSet[id] = true
	}
	for _, j := range f.extraction[backend] {
		if j.WorkerID != nil && deadSet[*j.WorkerID] {
			j.Attempts++
			j.WorkerID = nil
			j.ProcessingStartedAt = nil
			if j.Attempts >= j.MaxAttempts {
				j.StatusID = StatusError
				msg := orphanErrorMessage
				j.ErrorMessage = &msg
			} else {
				j.StatusID = StatusPending
			}
		}
		if j.OcrWorkerID != nil && deadSet[*j.OcrWorkerID] {
			j.OcrAttempts++
			msg := orphanErrorMessage
			j.OcrError = &msg
			j.OcrWorkerID = nil
			j.OcrStartedAt = nil
			if j.OcrAttempts >= j.OcrMaxAttempts {
				j.StatusID = StatusError
			} else {
				j.StatusID = StatusComplete
			}
		}
	}
	for _, j := range f.registryScrape[backend] {
		if j.WorkerID != nil && deadSet[*j.WorkerID] {
			j.Status = "pending_company_selection"
			j.WorkerID = nil
			j.ProcessingStartedAt = nil
		}
	}
	for _, j := range f.personalRights[backend] {
		if j.WorkerID != nil && deadSet[*j.WorkerID] {
			j.Status = "pending"
			j.WorkerID = nil
			j.ProcessingStartedAt = nil
		}
	}
	return dead, nil
}

// WorkerStatusFor is a test accessor; not part of ClaimStore.
func (f *FakeClaimStore) WorkerStatusFor(backend Backend, workerID string) (WorkerStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.workers[backend][workerID]
	if !ok {
		return WorkerStatus{}, false
	}
	return *ws, true
}

// ExtractionByID is a test accessor; not part of ClaimStore.
func (f *FakeClaimStore) ExtractionByID(backend Backend, id uuid.UUID) *ExtractionJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.extraction[backend][id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

// RegistryScrapeByID is a test accessor; not part of ClaimStore.
func (f *FakeClaimStore) RegistryScrapeByID(backend Backend, id uuid.UUID) *RegistryScrapeJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.registryScrape[backend][id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

// PersonalRightsByID is a test accessor; not part of ClaimStore.
func (f *FakeClaimStore) PersonalRightsByID(backend Backend, id uuid.UUID) *PersonalRightsJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.personalRights[backend][id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

func oldestExtraction(m map[uuid.UUID]*ExtractionJob, pred func(*ExtractionJob) bool) (*ExtractionJob, error) {
	var best *ExtractionJob
	for _, j := range m {
		if !pred(j) {
			continue
		}
		if best == nil || j.CreatedAt.Before(best.CreatedAt) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}
