// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("WORKER_COUNT")
	os.Unsetenv("PROD_SUPABASE_URL")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.Count != 3 {
		t.Fatalf("expected default worker count 3, got %d", cfg.Worker.Count)
	}
	if cfg.OCRPool.Size != 2 {
		t.Fatalf("expected default ocr pool size 2, got %d", cfg.OCRPool.Size)
	}
	if len(cfg.AvailableBackends()) != 0 {
		t.Fatalf("expected no backends configured without env vars")
	}
}

func TestLoadBackendEnvOverrides(t *testing.T) {
	os.Setenv("PROD_SUPABASE_URL", "https://prod.supabase.co")
	os.Setenv("PROD_SERVICE_KEY", "svc-key")
	os.Setenv("OCR_PROD", "false")
	os.Setenv("WORKER_COUNT", "7")
	defer func() {
		os.Unsetenv("PROD_SUPABASE_URL")
		os.Unsetenv("PROD_SERVICE_KEY")
		os.Unsetenv("OCR_PROD")
		os.Unsetenv("WORKER_COUNT")
	}()

	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.Count != 7 {
		t.Fatalf("expected worker count 7, got %d", cfg.Worker.Count)
	}
	backends := cfg.AvailableBackends()
	if len(backends) != 1 || backends[0] != Prod {
		t.Fatalf("expected only prod backend available, got %v", backends)
	}
	if cfg.Backends[Prod].OCREnabled {
		t.Fatalf("expected OCR_PROD=false to disable OCR for prod")
	}
}

func TestAvailableBackendsPriorityOrder(t *testing.T) {
	cfg := defaultConfig()
	cfg.Backends[Dev] = BackendConfig{URL: "https://dev.supabase.co", ServiceKey: "k"}
	cfg.Backends[Prod] = BackendConfig{URL: "https://prod.supabase.co", ServiceKey: "k"}
	got := cfg.AvailableBackends()
	if len(got) != 2 || got[0] != Prod || got[1] != Dev {
		t.Fatalf("expected [prod dev] in priority order, got %v", got)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.Count = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for worker.count < 1")
	}
	cfg = defaultConfig()
	cfg.OCRPool.MinIndexWorkers = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for ocr_pool minimums < 1")
	}
	cfg = defaultConfig()
	cfg.OCRPool.Size = 1
	cfg.OCRPool.MinIndexWorkers = 1
	cfg.OCRPool.MinActeWorkers = 1
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error when ocr_pool.size < sum of minimums")
	}
	cfg = defaultConfig()
	cfg.Timeouts.Claim = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for timeouts.claim <= 0")
	}
}
