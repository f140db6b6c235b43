// Copyright 2025 James Ross
package ocrpool

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foncier-quebec/extractor-workers/internal/backendset"
	"github.com/foncier-quebec/extractor-workers/internal/config"
	"github.com/foncier-quebec/extractor-workers/internal/engine"
	"github.com/foncier-quebec/extractor-workers/internal/jobs"
	"github.com/foncier-quebec/extractor-workers/internal/obs"
)

const familyOcr = "extraction_ocr"

// ocrWorker is permanently typed index or acte, but its mode can be
// reassigned by a rebalance; the reassignment is deferred until the worker's
// next job boundary so an in-flight claim is never interrupted.
type ocrWorker struct {
	id string

	mu      sync.Mutex
	mode    jobs.OcrMode
	desired jobs.OcrMode
}

func (w *ocrWorker) currentMode() jobs.OcrMode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

func (w *ocrWorker) desiredMode() jobs.OcrMode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.desired
}

func (w *ocrWorker) setDesiredMode(mode jobs.OcrMode) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.desired = mode
}

// applyDesiredModeAtBoundary flips mode to the last-requested desired mode.
// Call only between jobs, never while a claim is in flight.
func (w *ocrWorker) applyDesiredModeAtBoundary() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mode = w.desired
}

// Manager runs a pool of OCR workers disjoint from the primary extraction
// dispatchers, split between the index and acte modes and rebalanced
// periodically based on backlog composition.
type Manager struct {
	set     *backendset.Set
	store   jobs.ClaimStore
	cfg     *config.Config
	log     *zap.Logger
	engine  engine.OcrEngine
	workers []*ocrWorker

	schemaDisabled sync.Map // config.BackendName -> struct{}, permanent for process lifetime
	loggedDisabled sync.Map // config.BackendName -> struct{}, logged once
}

// New builds the pool with the initial floor(P/2)-plus-remainder-to-index
// split, clamped so neither mode's minimum is ever violated.
func New(set *backendset.Set, store jobs.ClaimStore, cfg *config.Config, log *zap.Logger, ocrEngine engine.OcrEngine) *Manager {
	p := cfg.OCRPool.Size
	minIndex := cfg.OCRPool.MinIndexWorkers
	minActe := cfg.OCRPool.MinActeWorkers

	acteCount := p / 2
	indexCount := p - acteCount
	if acteCount < minActe {
		diff := minActe - acteCount
		acteCount += diff
		indexCount -= diff
	}
	if indexCount < minIndex {
		diff := minIndex - indexCount
		indexCount += diff
		acteCount -= diff
	}

	workers := make([]*ocrWorker, 0, p)
	for i := 0; i < p; i++ {
		mode := jobs.ModeActe
		if i < indexCount {
			mode = jobs.ModeIndex
		}
		workers = append(workers, &ocrWorker{id: fmt.Sprintf("ocr-%d", i), mode: mode, desired: mode})
	}

	m := &Manager{set: set, store: store, cfg: cfg, log: log, engine: ocrEngine, workers: workers}
	obs.OcrPoolAllocation.WithLabelValues(string(jobs.ModeIndex)).Set(float64(indexCount))
	obs.OcrPoolAllocation.WithLabelValues(string(jobs.ModeActe)).Set(float64(acteCount))
	return m
}

// Run starts every worker goroutine and the rebalance ticker, blocking until
// ctx is cancelled and every worker has exited.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range m.workers {
		wg.Add(1)
		go func(w *ocrWorker) {
			defer wg.Done()
			m.runWorker(ctx, w)
		}(w)
	}

	interval := m.cfg.Timeouts.RebalanceInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			m.rebalance(ctx)
		}
	}
}

// rebalance computes each mode's target worker count from backlog
// composition and nudges the minimum number of workers' desired mode to
// converge on it.
func (m *Manager) rebalance(ctx context.Context) {
	p := len(m.workers)
	if p == 0 {
		return
	}
	minIndex := m.cfg.OCRPool.MinIndexWorkers
	minActe := m.cfg.OCRPool.MinActeWorkers

	backlogIndex := m.backlog(ctx, jobs.ModeIndex)
	backlogActe := m.backlog(ctx, jobs.ModeActe)

	target := minIndex
	if total := backlogIndex + backlogActe; total > 0 {
		target = minIndex + int(math.Round(float64(p-minIndex-minActe)*(float64(backlogIndex)/float64(total))))
	}
	if target < minIndex {
		target = minIndex
	}
	if max := p - minActe; target > max {
		target = max
	}

	current := 0
	for _, w := range m.workers {
		if w.currentMode() == jobs.ModeIndex {
			current++
		}
	}

	switch {
	case current < target:
		need := target - current
		for _, w := range m.workers {
			if need == 0 {
				break
			}
			if w.currentMode() == jobs.ModeActe {
				w.setDesiredMode(jobs.ModeIndex)
				need--
			}
		}
	case current > target:
		need := current - target
		for _, w := range m.workers {
			if need == 0 {
				break
			}
			if w.currentMode() == jobs.ModeIndex {
				w.setDesiredMode(jobs.ModeActe)
				need--
			}
		}
	}

	obs.OcrPoolAllocation.WithLabelValues(string(jobs.ModeIndex)).Set(float64(target))
	obs.OcrPoolAllocation.WithLabelValues(string(jobs.ModeActe)).Set(float64(p - target))
}

func (m *Manager) backlog(ctx context.Context, mode jobs.OcrMode) int {
	total := 0
	for _, backend := range m.set.AvailableBackends() {
		client, err := m.set.ClientFor(backend)
		if err != nil || !client.Config.OCREnabled || m.isSchemaDisabled(backend) {
			continue
		}
		count, err := m.store.OcrBacklog(ctx, backend, mode)
		if err != nil {
			if jobs.IsSchemaError(err) {
				m.disableBackend(backend)
			}
			continue
		}
		total += count
	}
	return total
}

func (m *Manager) runWorker(ctx context.Context, w *ocrWorker) {
	idle := m.cfg.Timeouts.PollIdleSleep
	if idle <= 0 {
		idle = 5 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.applyDesiredModeAtBoundary()
		mode := w.currentMode()

		if m.tryClaimAndExecute(ctx, w, mode) {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(idle):
		}
	}
}

func (m *Manager) tryClaimAndExecute(ctx context.Context, w *ocrWorker, mode jobs.OcrMode) bool {
	for _, backend := range m.set.AvailableBackends() {
		client, err := m.set.ClientFor(backend)
		if err != nil || !client.Config.OCREnabled || m.isSchemaDisabled(backend) {
			continue
		}

		candidate, err := m.store.NextPendingOcr(ctx, backend, mode)
		if err != nil {
			m.handleSchemaOrLog(backend, "NextPendingOcr", err)
			continue
		}
		if candidate == nil {
			continue
		}

		job, err := m.store.ClaimOcr(ctx, backend, candidate.ID, w.id, mode)
		if err != nil {
			m.handleSchemaOrLog(backend, "ClaimOcr", err)
			continue
		}
		if job == nil {
			continue
		}

		obs.JobsClaimed.WithLabelValues(string(backend), familyOcr).Inc()
		m.executeOcr(ctx, backend, job)
		return true
	}
	return false
}

func (m *Manager) executeOcr(ctx context.Context, backend config.BackendName, job *jobs.ExtractionJob) {
	start := time.Now()
	deadline, cancel := context.WithTimeout(ctx, m.cfg.Timeouts.OCR)
	defer cancel()

	path := ""
	if job.SupabasePath != nil {
		path = *job.SupabasePath
	}
	rawText, boostedText, err := m.engine.Run(deadline, path, job.DocumentSource)
	obs.ExecuteDuration.WithLabelValues(familyOcr).Observe(time.Since(start).Seconds())

	if err == nil {
		if markErr := m.store.MarkOcrTerminal(ctx, backend, job.ID, jobs.ExtractionTerminalFields{
			FileContent:        &rawText,
			BoostedFileContent: &boostedText,
		}); markErr != nil {
			m.log.Error("mark ocr terminal failed", obs.Err(markErr))
		}
		obs.JobsCompleted.WithLabelValues(string(backend), familyOcr).Inc()
		return
	}

	msg := err.Error()
	if releaseErr := m.store.ReleaseOcr(ctx, backend, job.ID, msg); releaseErr != nil {
		m.log.Error("release ocr failed", obs.Err(releaseErr))
	}
	if job.OcrAttempts+1 >= job.OcrMaxAttempts {
		obs.JobsDeadLettered.WithLabelValues(string(backend), familyOcr).Inc()
	} else {
		obs.JobsReleased.WithLabelValues(string(backend), familyOcr).Inc()
	}
}

func (m *Manager) isSchemaDisabled(backend config.BackendName) bool {
	_, disabled := m.schemaDisabled.Load(backend)
	return disabled
}

func (m *Manager) disableBackend(backend config.BackendName) {
	m.schemaDisabled.Store(backend, struct{}{})
	if _, already := m.loggedDisabled.LoadOrStore(backend, struct{}{}); !already {
		m.log.Warn("backend returned schema error on OCR columns, disabling OCR for process lifetime",
			obs.String("backend", string(backend)))
	}
}

func (m *Manager) handleSchemaOrLog(backend config.BackendName, op string, err error) {
	if jobs.IsSchemaError(err) {
		m.disableBackend(backend)
		return
	}
	m.log.Warn("ocr operation failed", obs.String("backend", string(backend)), obs.String("op", op), obs.Err(err))
}
