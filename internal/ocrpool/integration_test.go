//go:build integration

// Copyright 2025 James Ross
package ocrpool

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/foncier-quebec/extractor-workers/internal/backendset"
	"github.com/foncier-quebec/extractor-workers/internal/config"
	"github.com/foncier-quebec/extractor-workers/internal/engine"
	"github.com/foncier-quebec/extractor-workers/internal/jobs"
)

func mustNewOcrSet(cfg *config.Config) *backendset.Set {
	set, err := backendset.New(cfg)
	Expect(err).NotTo(HaveOccurred())
	return set
}

func TestOcrPoolScenarios(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "OCR Pool Scenario Suite")
}

var _ = Describe("ocr pipeline", func() {
	It("runs a completed index document through OCR to extraction_complete", func() {
		cfg := testConfig(2, 1, 1)
		set := mustNewOcrSet(cfg)
		store := jobs.NewFakeClaimStore()
		id := store.SeedExtraction(config.Prod, &jobs.ExtractionJob{
			DocumentSource: "index",
			StatusID:       jobs.StatusComplete,
			SupabasePath:   strPtr("index/x.pdf"),
			MaxAttempts:    3,
			OcrMaxAttempts: 3,
			CreatedAt:      time.Now(),
		})

		ocrEngine := &engine.FakeOcrEngine{RawText: "raw text", BoostedText: "boosted text"}
		m := New(set, store, cfg, zap.NewNop(), ocrEngine)

		ctx, stop := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() { m.Run(ctx); close(done) }()

		Eventually(func() int {
			job := store.ExtractionByID(config.Prod, id)
			if job == nil {
				return 0
			}
			return job.StatusID
		}, 15*time.Second, 10*time.Millisecond).Should(Equal(jobs.StatusExtractionComplete))

		job := store.ExtractionByID(config.Prod, id)
		Expect(job.OcrWorkerID).NotTo(BeNil())
		Expect(job.FileContent).NotTo(BeNil())
		Expect(*job.FileContent).To(Equal("raw text"))
		Expect(job.BoostedFileContent).NotTo(BeNil())
		Expect(*job.BoostedFileContent).To(Equal("boosted text"))
		Expect(len(ocrEngine.Calls)).To(Equal(1))
		Expect(ocrEngine.Calls[0].Path).To(Equal("index/x.pdf"))
		Expect(ocrEngine.Calls[0].DocumentSource).To(Equal("index"))

		stop()
		<-done
	})

	It("permanently disables OCR for a backend whose ocr columns are missing, without affecting a healthy backend", func() {
		cfg := testConfig(2, 1, 1)
		cfg.Backends[config.Staging] = config.BackendConfig{URL: "postgres://localhost/staging", ServiceKey: "k", OCREnabled: true}
		set := mustNewOcrSet(cfg)
		store := jobs.NewFakeClaimStore()
		store.FailOcrSchemaFor(config.Staging)

		healthyID := store.SeedExtraction(config.Prod, &jobs.ExtractionJob{
			DocumentSource: "acte", StatusID: jobs.StatusComplete, MaxAttempts: 3, OcrMaxAttempts: 3, CreatedAt: time.Now(),
		})

		ocrEngine := &engine.FakeOcrEngine{RawText: "raw", BoostedText: "boosted"}
		m := New(set, store, cfg, zap.NewNop(), ocrEngine)

		ctx, stop := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() { m.Run(ctx); close(done) }()

		Eventually(func() int {
			job := store.ExtractionByID(config.Prod, healthyID)
			if job == nil {
				return 0
			}
			return job.StatusID
		}, 15*time.Second, 10*time.Millisecond).Should(Equal(jobs.StatusExtractionComplete))

		Eventually(func() bool { return m.isSchemaDisabled(config.Staging) }, 5*time.Second, 10*time.Millisecond).Should(BeTrue())

		stop()
		<-done
	})
})

func strPtr(s string) *string { return &s }
