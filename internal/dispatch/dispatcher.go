// Copyright 2025 James Ross
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/foncier-quebec/extractor-workers/internal/backendset"
	"github.com/foncier-quebec/extractor-workers/internal/breaker"
	"github.com/foncier-quebec/extractor-workers/internal/config"
	"github.com/foncier-quebec/extractor-workers/internal/engine"
	"github.com/foncier-quebec/extractor-workers/internal/jobs"
	"github.com/foncier-quebec/extractor-workers/internal/obs"
)

// HeartbeatReporter is the slice of HeartbeatRegistrar a Dispatcher needs:
// notification of when it starts and finishes an Execute call, so the
// registrar can reflect busy/idle in the worker-status row.
type HeartbeatReporter interface {
	Busy(ctx context.Context, jobID uuid.UUID)
	Idle(ctx context.Context, success bool)
}

type noopReporter struct{}

func (noopReporter) Busy(context.Context, uuid.UUID) {}
func (noopReporter) Idle(context.Context, bool)      {}

// Dispatcher runs one per-worker claim-execute loop across every configured
// backend and job family, in strict priority order.
type Dispatcher struct {
	workerID string
	set      *backendset.Set
	store    jobs.ClaimStore
	cfg      *config.Config
	log      *zap.Logger

	extractionEngine engine.ExtractionEngine
	registryScraper  engine.RegistryScraper
	personalRights   engine.PersonalRightsScraper
	vault            engine.CredentialVault
	heartbeat        HeartbeatReporter

	mu       sync.Mutex
	breakers map[config.BackendName]*breaker.CircuitBreaker

	errMu        sync.Mutex
	uncaughtErrs []time.Time
}

// Collaborators bundles everything a Dispatcher needs beyond config and
// persistence, so New's signature doesn't grow every time a new executor is
// added.
type Collaborators struct {
	ExtractionEngine engine.ExtractionEngine
	RegistryScraper  engine.RegistryScraper
	PersonalRights   engine.PersonalRightsScraper
	Vault            engine.CredentialVault
	Heartbeat        HeartbeatReporter
}

func New(workerID string, set *backendset.Set, store jobs.ClaimStore, cfg *config.Config, log *zap.Logger, c Collaborators) *Dispatcher {
	hb := c.Heartbeat
	if hb == nil {
		hb = noopReporter{}
	}
	return &Dispatcher{
		workerID:         workerID,
		set:              set,
		store:            store,
		cfg:              cfg,
		log:              log,
		extractionEngine: c.ExtractionEngine,
		registryScraper:  c.RegistryScraper,
		personalRights:   c.PersonalRights,
		vault:            c.Vault,
		heartbeat:        hb,
		breakers:         map[config.BackendName]*breaker.CircuitBreaker{},
	}
}

func (d *Dispatcher) breakerFor(backend config.BackendName) *breaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.breakers[backend]
	if !ok {
		cb = breaker.New(d.cfg.CircuitBreaker.Window, d.cfg.CircuitBreaker.CooldownPeriod,
			d.cfg.CircuitBreaker.FailureThreshold, d.cfg.CircuitBreaker.MinSamples)
		d.breakers[backend] = cb
	}
	return cb
}

// reportBreakerState polls every backend's breaker state into a gauge and
// counts transitions into Open, so a backend that's been tripped shows up in
// metrics even though Allow/Record never export state on their own.
func (d *Dispatcher) reportBreakerState(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	lastOpen := map[config.BackendName]bool{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, backend := range d.set.AvailableBackends() {
				cb := d.breakerFor(backend)
				state := cb.State()
				obs.CircuitBreakerState.WithLabelValues(string(backend)).Set(float64(state))
				open := state == breaker.Open
				if open && !lastOpen[backend] {
					obs.CircuitBreakerTrips.WithLabelValues(string(backend)).Inc()
				}
				lastOpen[backend] = open
			}
		}
	}
}

// Run drives the claim-execute loop until ctx is cancelled or the uncaught
// error rate exceeds the exit threshold.
func (d *Dispatcher) Run(ctx context.Context) {
	go d.reportBreakerState(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		claimed, err := d.scanAndClaim(ctx)
		if err != nil {
			d.log.Error("dispatcher scan error", obs.Err(err))
			if d.recordUncaughtError() {
				d.log.Error("uncaught error rate exceeded threshold, exiting dispatcher")
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(1 * time.Second):
			}
			continue
		}
		if !claimed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.Timeouts.PollIdleSleep):
			}
		}
		// claimed or not, restart the scan from the top of priority order
	}
}

// recordUncaughtError appends now to the sliding window and reports whether
// the 10-per-minute exit threshold has been crossed.
func (d *Dispatcher) recordUncaughtError() bool {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	now := time.Now()
	cutoff := now.Add(-1 * time.Minute)
	kept := d.uncaughtErrs[:0]
	for _, t := range d.uncaughtErrs {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	d.uncaughtErrs = append(kept, now)
	return len(d.uncaughtErrs) > 10
}

// scanAndClaim performs one priority scan across backends and families,
// claiming and executing at most one job. Returns claimed=true if a job was
// processed (regardless of outcome), so Run knows whether to sleep.
func (d *Dispatcher) scanAndClaim(ctx context.Context) (bool, error) {
	for _, backend := range d.set.AvailableBackends() {
		cb := d.breakerFor(backend)
		if !cb.Allow() {
			continue
		}
		for _, family := range jobs.Priority {
			ok, err := d.tryFamily(ctx, backend, family)
			cb.Record(err == nil)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
	}
	return false, nil
}

// tryFamily attempts NextPending+Claim+Execute for one (backend, family)
// pair. ok=true means a job was claimed and executed (success or failure is
// recorded on the row, not returned here).
func (d *Dispatcher) tryFamily(ctx context.Context, backend config.BackendName, family jobs.Family) (bool, error) {
	switch family {
	case jobs.FamilyExtraction:
		return d.tryExtraction(ctx, backend)
	case jobs.FamilyRegistryScrape:
		return d.tryRegistryScrape(ctx, backend)
	case jobs.FamilyPersonalRights:
		return d.tryPersonalRights(ctx, backend)
	default:
		return false, fmt.Errorf("unknown family %q", family)
	}
}

func (d *Dispatcher) tryExtraction(ctx context.Context, backend config.BackendName) (bool, error) {
	candidate, err := d.store.NextPendingExtraction(ctx, backend)
	if err != nil {
		return false, err
	}
	if candidate == nil {
		return false, nil
	}
	job, err := d.store.ClaimExtraction(ctx, backend, candidate.ID, d.workerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	obs.JobsClaimed.WithLabelValues(string(backend), string(jobs.FamilyExtraction)).Inc()
	d.executeExtraction(ctx, backend, job)
	return true, nil
}

func (d *Dispatcher) executeExtraction(ctx context.Context, backend config.BackendName, job *jobs.ExtractionJob) {
	d.heartbeat.Busy(ctx, job.ID)
	start := time.Now()

	deadline, cancel := context.WithTimeout(ctx, d.cfg.Timeouts.Extraction)
	defer cancel()

	payload := engine.ExtractionPayload{
		DocumentSource:          job.DocumentSource,
		DocumentNumber:          job.DocumentNumber,
		CirconscriptionFonciere: job.CirconscriptionFonciere,
		Cadastre:                job.Cadastre,
		DesignationSecondaire:   job.DesignationSecondaire,
	}
	result, execErr := d.extractionEngine.Run(deadline, payload)
	obs.ExecuteDuration.WithLabelValues(string(jobs.FamilyExtraction)).Observe(time.Since(start).Seconds())

	success := execErr == nil
	defer d.heartbeat.Idle(ctx, success)

	if execErr == nil {
		path := result.SupabasePath
		if err := d.store.MarkExtractionTerminal(ctx, backend, job.ID, jobs.StatusComplete, jobs.ExtractionTerminalFields{
			SupabasePath: &path,
		}); err != nil {
			d.log.Error("mark extraction complete failed", obs.Err(err))
		}
		obs.JobsCompleted.WithLabelValues(string(backend), string(jobs.FamilyExtraction)).Inc()
		return
	}

	var notFound *engine.NotFoundError
	if errors.As(execErr, &notFound) {
		msg := notFound.Error()
		if err := d.store.MarkExtractionTerminal(ctx, backend, job.ID, jobs.StatusError, jobs.ExtractionTerminalFields{
			ErrorMessage: &msg,
		}); err != nil {
			d.log.Error("mark extraction not-found failed", obs.Err(err))
		}
		obs.JobsFailed.WithLabelValues(string(backend), string(jobs.FamilyExtraction)).Inc()
		return
	}

	msg := execErr.Error()
	if errors.Is(deadline.Err(), context.DeadlineExceeded) {
		msg = "timeout"
	}
	if err := d.store.ReleaseExtraction(ctx, backend, job.ID, msg); err != nil {
		d.log.Error("release extraction failed", obs.Err(err))
	}
	if job.Attempts+1 >= job.MaxAttempts {
		obs.JobsDeadLettered.WithLabelValues(string(backend), string(jobs.FamilyExtraction)).Inc()
	} else {
		obs.JobsReleased.WithLabelValues(string(backend), string(jobs.FamilyExtraction)).Inc()
	}
}

func (d *Dispatcher) tryRegistryScrape(ctx context.Context, backend config.BackendName) (bool, error) {
	candidate, err := d.store.NextPendingRegistryScrape(ctx, backend)
	if err != nil {
		return false, err
	}
	if candidate == nil {
		return false, nil
	}
	job, err := d.store.ClaimRegistryScrape(ctx, backend, candidate.ID, d.workerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	obs.JobsClaimed.WithLabelValues(string(backend), string(jobs.FamilyRegistryScrape)).Inc()
	d.executeRegistryScrape(ctx, backend, job)
	return true, nil
}

func (d *Dispatcher) executeRegistryScrape(ctx context.Context, backend config.BackendName, job *jobs.RegistryScrapeJob) {
	d.heartbeat.Busy(ctx, job.ID)
	start := time.Now()

	deadline, cancel := context.WithTimeout(ctx, d.cfg.Timeouts.Extraction)
	defer cancel()

	lease, leaseErr := d.vault.Acquire(deadline)
	if leaseErr != nil {
		msg := leaseErr.Error()
		if err := d.store.MarkRegistryScrapeTerminal(ctx, backend, job.ID, "failed", jobs.RegistryScrapeTerminalFields{ErrorMessage: &msg}); err != nil {
			d.log.Error("mark registry scrape failed (no credentials)", obs.Err(err))
		}
		obs.JobsFailed.WithLabelValues(string(backend), string(jobs.FamilyRegistryScrape)).Inc()
		d.heartbeat.Idle(ctx, false)
		return
	}
	defer func() { _ = lease.Release(ctx) }()

	execErr := d.registryScraper.Run(deadline, job.CompanyName)
	obs.ExecuteDuration.WithLabelValues(string(jobs.FamilyRegistryScrape)).Observe(time.Since(start).Seconds())

	success := execErr == nil
	defer d.heartbeat.Idle(ctx, success)

	if execErr == nil {
		if err := d.store.MarkRegistryScrapeTerminal(ctx, backend, job.ID, "pending_name_selection", jobs.RegistryScrapeTerminalFields{Completed: true}); err != nil {
			d.log.Error("mark registry scrape complete failed", obs.Err(err))
		}
		obs.JobsCompleted.WithLabelValues(string(backend), string(jobs.FamilyRegistryScrape)).Inc()
		return
	}

	msg := execErr.Error()
	if err := d.store.MarkRegistryScrapeTerminal(ctx, backend, job.ID, "failed", jobs.RegistryScrapeTerminalFields{ErrorMessage: &msg}); err != nil {
		d.log.Error("mark registry scrape failed failed", obs.Err(err))
	}
	obs.JobsFailed.WithLabelValues(string(backend), string(jobs.FamilyRegistryScrape)).Inc()
}

func (d *Dispatcher) tryPersonalRights(ctx context.Context, backend config.BackendName) (bool, error) {
	candidate, err := d.store.NextPendingPersonalRights(ctx, backend)
	if err != nil {
		return false, err
	}
	if candidate == nil {
		return false, nil
	}
	job, err := d.store.ClaimPersonalRights(ctx, backend, candidate.ID, d.workerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	obs.JobsClaimed.WithLabelValues(string(backend), string(jobs.FamilyPersonalRights)).Inc()
	d.executePersonalRights(ctx, backend, job)
	return true, nil
}

func (d *Dispatcher) executePersonalRights(ctx context.Context, backend config.BackendName, job *jobs.PersonalRightsJob) {
	d.heartbeat.Busy(ctx, job.ID)
	start := time.Now()

	deadline, cancel := context.WithTimeout(ctx, d.cfg.Timeouts.Extraction)
	defer cancel()

	finalize := func() {
		if err := d.store.SessionCompletionCheck(ctx, backend, job.SearchSessionID); err != nil {
			d.log.Warn("session completion check failed", obs.Err(err))
		}
	}

	lease, leaseErr := d.vault.Acquire(deadline)
	if leaseErr != nil {
		msg := leaseErr.Error()
		if err := d.store.MarkPersonalRightsTerminal(ctx, backend, job.ID, "failed", jobs.PersonalRightsTerminalFields{ErrorMessage: &msg}); err != nil {
			d.log.Error("mark personal rights failed (no credentials)", obs.Err(err))
		}
		obs.JobsFailed.WithLabelValues(string(backend), string(jobs.FamilyPersonalRights)).Inc()
		d.heartbeat.Idle(ctx, false)
		finalize()
		return
	}
	defer func() { _ = lease.Release(ctx) }()

	result, execErr := d.personalRights.Run(deadline, job.SearchName)
	obs.ExecuteDuration.WithLabelValues(string(jobs.FamilyPersonalRights)).Observe(time.Since(start).Seconds())

	success := execErr == nil
	defer d.heartbeat.Idle(ctx, success)
	defer finalize()

	if execErr == nil {
		path := result.SupabasePath
		if err := d.store.MarkPersonalRightsTerminal(ctx, backend, job.ID, "completed", jobs.PersonalRightsTerminalFields{StoragePath: &path}); err != nil {
			d.log.Error("mark personal rights complete failed", obs.Err(err))
		}
		obs.JobsCompleted.WithLabelValues(string(backend), string(jobs.FamilyPersonalRights)).Inc()
		return
	}

	var notFound *engine.CompanyNotFoundError
	if errors.As(execErr, &notFound) {
		msg := notFound.Error()
		if err := d.store.MarkPersonalRightsTerminal(ctx, backend, job.ID, "not_found", jobs.PersonalRightsTerminalFields{ErrorMessage: &msg}); err != nil {
			d.log.Error("mark personal rights not-found failed", obs.Err(err))
		}
		obs.JobsFailed.WithLabelValues(string(backend), string(jobs.FamilyPersonalRights)).Inc()
		return
	}

	msg := execErr.Error()
	if err := d.store.MarkPersonalRightsTerminal(ctx, backend, job.ID, "failed", jobs.PersonalRightsTerminalFields{ErrorMessage: &msg}); err != nil {
		d.log.Error("mark personal rights failed failed", obs.Err(err))
	}
	obs.JobsFailed.WithLabelValues(string(backend), string(jobs.FamilyPersonalRights)).Inc()
}
