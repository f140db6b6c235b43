// Copyright 2025 James Ross
package heartbeat

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/foncier-quebec/extractor-workers/internal/config"
	"github.com/foncier-quebec/extractor-workers/internal/jobs"
	"github.com/foncier-quebec/extractor-workers/internal/obs"
)

// Registrar is the one-per-worker task that keeps a worker_status row
// current: idle on start, refreshed every HeartbeatInterval, busy/idle
// around each Execute call, stopped on graceful shutdown. Liveness is a
// process-global concern, so every registrar writes to the same designated
// backend regardless of which backend its dispatcher happens to be working
// against at a given moment.
type Registrar struct {
	workerID string
	backend  config.BackendName
	store    jobs.ClaimStore
	interval time.Duration
	log      *zap.Logger
}

// New builds a Registrar writing to the first available backend in
// priority order, per the single-designated-backend rule.
func New(workerID string, cfg *config.Config, store jobs.ClaimStore, log *zap.Logger) *Registrar {
	var backend config.BackendName
	if available := cfg.AvailableBackends(); len(available) > 0 {
		backend = available[0]
	}
	return &Registrar{
		workerID: workerID,
		backend:  backend,
		store:    store,
		interval: cfg.Timeouts.HeartbeatInterval,
		log:      log,
	}
}

// Run writes the initial idle row, then refreshes last_heartbeat on a fixed
// cadence until ctx is cancelled, at which point it writes status=stopped.
// The periodic refresh only ever touches last_heartbeat — status and
// current_job_id are owned exclusively by Busy/Idle, so a tick firing in the
// middle of a long Execute call can't clobber the row back to idle.
func (r *Registrar) Run(ctx context.Context) {
	if err := r.store.Heartbeat(ctx, r.backend, r.workerID, jobs.WorkerIdle, nil, jobs.HeartbeatCounts{}); err != nil {
		r.log.Error("initial heartbeat failed", obs.String("worker_id", r.workerID), obs.Err(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.stop()
			return
		case <-ticker.C:
			if err := r.store.RefreshHeartbeat(context.Background(), r.backend, r.workerID); err != nil {
				r.log.Warn("heartbeat refresh failed", obs.String("worker_id", r.workerID), obs.Err(err))
			}
		}
	}
}

func (r *Registrar) stop() {
	// ctx is already cancelled by the time Run reaches here, so this write
	// uses a fresh background context with its own short deadline rather
	// than the one that just fired.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Heartbeat(ctx, r.backend, r.workerID, jobs.WorkerStopped, nil, jobs.HeartbeatCounts{}); err != nil {
		r.log.Warn("stop heartbeat failed", obs.String("worker_id", r.workerID), obs.Err(err))
	}
}

// Busy implements dispatch.HeartbeatReporter: records the worker as busy on
// the given job as soon as Execute begins.
func (r *Registrar) Busy(ctx context.Context, jobID uuid.UUID) {
	id := jobID
	if err := r.store.Heartbeat(ctx, r.backend, r.workerID, jobs.WorkerBusy, &id, jobs.HeartbeatCounts{}); err != nil {
		r.log.Warn("busy heartbeat failed", obs.String("worker_id", r.workerID), obs.Err(err))
	}
}

// Idle implements dispatch.HeartbeatReporter: records the worker back to
// idle and bumps the matching completed/failed counter once Execute ends.
func (r *Registrar) Idle(ctx context.Context, success bool) {
	counts := jobs.HeartbeatCounts{IncrementCompleted: success, IncrementFailed: !success}
	if err := r.store.Heartbeat(ctx, r.backend, r.workerID, jobs.WorkerIdle, nil, counts); err != nil {
		r.log.Warn("idle heartbeat failed", obs.String("worker_id", r.workerID), obs.Err(err))
	}
}
