//go:build integration

// Copyright 2025 James Ross
package sweeper

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/foncier-quebec/extractor-workers/internal/backendset"
	"github.com/foncier-quebec/extractor-workers/internal/config"
	"github.com/foncier-quebec/extractor-workers/internal/dispatch"
	"github.com/foncier-quebec/extractor-workers/internal/engine"
	"github.com/foncier-quebec/extractor-workers/internal/jobs"
)

func mustNewSweeperSet(cfg *config.Config) *backendset.Set {
	set, err := backendset.New(cfg)
	Expect(err).NotTo(HaveOccurred())
	return set
}

func TestSweeperScenarios(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Sweeper Scenario Suite")
}

var _ = Describe("stuck job recovery", func() {
	It("resets a row left processing past the stuck threshold by a worker with no heartbeat and lets a live worker pick it back up", func() {
		cfg := testConfig()
		cfg.Timeouts.PollIdleSleep = 10 * time.Millisecond
		cfg.Timeouts.Extraction = 5 * time.Second
		cfg.Timeouts.SweepInterval = 50 * time.Millisecond
		cfg.CircuitBreaker = config.CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       10,
		}
		set := mustNewSweeperSet(cfg)
		store := jobs.NewFakeClaimStore()

		ghostWorker := "ghost"
		started := time.Now().Add(-4 * time.Minute)
		id := store.SeedExtraction(config.Prod, &jobs.ExtractionJob{
			StatusID:            jobs.StatusProcessing,
			WorkerID:            &ghostWorker,
			ProcessingStartedAt: &started,
			Attempts:            1,
			MaxAttempts:         3,
			CreatedAt:           time.Now(),
		})

		sw := New(set, store, cfg, zap.NewNop())
		fakeEngine := &engine.FakeExtractionEngine{Result: engine.ExtractionResult{SupabasePath: "index/x.pdf"}}
		d := dispatch.New("worker-1", set, store, cfg, zap.NewNop(), dispatch.Collaborators{ExtractionEngine: fakeEngine})

		ctx, cancel := context.WithCancel(context.Background())
		go sw.Run(ctx)
		done := make(chan struct{})
		go func() { d.Run(ctx); close(done) }()

		Eventually(func() int {
			job := store.ExtractionByID(config.Prod, id)
			if job == nil {
				return 0
			}
			return job.StatusID
		}, 30*time.Second, 10*time.Millisecond).Should(Equal(jobs.StatusComplete))

		job := store.ExtractionByID(config.Prod, id)
		Expect(job.Attempts).To(Equal(1), "the sweeper must not increment attempts on recovery")

		cancel()
		<-done
	})
})
