// Copyright 2025 James Ross
package sweeper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foncier-quebec/extractor-workers/internal/backendset"
	"github.com/foncier-quebec/extractor-workers/internal/config"
	"github.com/foncier-quebec/extractor-workers/internal/jobs"
	"github.com/foncier-quebec/extractor-workers/internal/obs"
)

// Sweeper is the single per-process task that recovers jobs orphaned by a
// crashed worker: rows left in an in-progress state past their family's
// stale threshold, and jobs still owned by workers whose heartbeat has gone
// silent.
type Sweeper struct {
	set      *backendset.Set
	store    jobs.ClaimStore
	cfg      *config.Config
	log      *zap.Logger
	loggedSchemaErr sync.Map // (backend,op) -> struct{}, logged once each
}

func New(set *backendset.Set, store jobs.ClaimStore, cfg *config.Config, log *zap.Logger) *Sweeper {
	return &Sweeper{set: set, store: store, cfg: cfg, log: log}
}

// RunStartupSweep performs one synchronous pass with the relaxed startup
// threshold, before any dispatcher task starts claiming work.
func (s *Sweeper) RunStartupSweep(ctx context.Context) {
	s.tick(ctx, s.cfg.Timeouts.StartupStuckThreshold)
}

// Run ticks every SweepInterval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Timeouts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, 0)
		}
	}
}

// tick sweeps every configured backend and family. When startupThreshold is
// non-zero it overrides every family's normal threshold (the relaxed
// startup pass); otherwise each family uses its own configured threshold.
func (s *Sweeper) tick(ctx context.Context, startupThreshold time.Duration) {
	now := time.Now()
	for _, backend := range s.set.AvailableBackends() {
		s.sweepExtraction(ctx, backend, now, startupThreshold)
		s.sweepExtractionOcr(ctx, backend, now, startupThreshold)
		s.sweepRegistryScrape(ctx, backend, now, startupThreshold)
		s.sweepPersonalRights(ctx, backend, now, startupThreshold)
		s.sweepDeadWorkers(ctx, backend, now, startupThreshold)
	}
}

func (s *Sweeper) threshold(startupThreshold, familyThreshold time.Duration) time.Duration {
	if startupThreshold > 0 {
		return startupThreshold
	}
	return familyThreshold
}

func (s *Sweeper) sweepExtraction(ctx context.Context, backend config.BackendName, now time.Time, startupThreshold time.Duration) {
	th := s.threshold(startupThreshold, s.cfg.Timeouts.StuckExtractionThreshold)
	ids, err := s.store.ResetStuckExtraction(ctx, backend, now.Add(-th))
	s.report(backend, "reset_stuck_extraction", "extraction", len(ids), err)
}

func (s *Sweeper) sweepExtractionOcr(ctx context.Context, backend config.BackendName, now time.Time, startupThreshold time.Duration) {
	th := s.threshold(startupThreshold, s.cfg.Timeouts.StuckOCRThreshold)
	ids, err := s.store.ResetStuckExtractionOcr(ctx, backend, now.Add(-th))
	s.report(backend, "reset_stuck_extraction_ocr", "extraction_ocr", len(ids), err)
}

func (s *Sweeper) sweepRegistryScrape(ctx context.Context, backend config.BackendName, now time.Time, startupThreshold time.Duration) {
	// The 5-minute RegistryScrape/PersonalRights threshold has no dedicated
	// config field (the configurable timeouts only name extraction and its
	// OCR sub-lifecycle); the literal 5 minutes is hardcoded here to match.
	th := s.threshold(startupThreshold, 5*time.Minute)
	ids, err := s.store.ResetStuckRegistryScrape(ctx, backend, now.Add(-th))
	s.report(backend, "reset_stuck_registry_scrape", "registry_scrape", len(ids), err)
}

func (s *Sweeper) sweepPersonalRights(ctx context.Context, backend config.BackendName, now time.Time, startupThreshold time.Duration) {
	th := s.threshold(startupThreshold, 5*time.Minute)
	ids, err := s.store.ResetStuckPersonalRights(ctx, backend, now.Add(-th))
	s.report(backend, "reset_stuck_personal_rights", "personal_rights", len(ids), err)
}

func (s *Sweeper) sweepDeadWorkers(ctx context.Context, backend config.BackendName, now time.Time, startupThreshold time.Duration) {
	th := s.threshold(startupThreshold, s.cfg.Timeouts.DeadWorkerThreshold)
	workerIDs, err := s.store.MarkDeadWorkers(ctx, backend, now.Add(-th))
	if err != nil {
		if jobs.IsSchemaError(err) {
			s.logSchemaErrorOnce(backend, "mark_dead_workers")
			return
		}
		s.log.Warn("mark dead workers failed", obs.String("backend", string(backend)), obs.Err(err))
		return
	}
	if len(workerIDs) > 0 {
		s.log.Warn("dead workers released", obs.String("backend", string(backend)), obs.Int("count", len(workerIDs)))
	}
}

func (s *Sweeper) report(backend config.BackendName, op, family string, count int, err error) {
	if err != nil {
		if jobs.IsSchemaError(err) {
			s.logSchemaErrorOnce(backend, op)
			return
		}
		s.log.Warn("sweep failed", obs.String("backend", string(backend)), obs.String("op", op), obs.Err(err))
		return
	}
	if count > 0 {
		obs.SweeperRecovered.WithLabelValues(string(backend), family).Add(float64(count))
		s.log.Info("recovered stuck jobs", obs.String("backend", string(backend)), obs.String("family", family), obs.Int("count", count))
	}
}

func (s *Sweeper) logSchemaErrorOnce(backend config.BackendName, op string) {
	key := string(backend) + ":" + op
	if _, already := s.loggedSchemaErr.LoadOrStore(key, struct{}{}); already {
		return
	}
	s.log.Debug("schema error, skipping backend for operation", obs.String("backend", string(backend)), obs.String("op", op))
}
