// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// BackendName identifies one of the fixed, priority-ordered backends.
type BackendName string

const (
	Prod    BackendName = "prod"
	Staging BackendName = "staging"
	Dev     BackendName = "dev"
)

// BackendOrder is the fixed priority order every component must scan in.
var BackendOrder = []BackendName{Prod, Staging, Dev}

// BackendConfig holds the recognized options for a single backend.
type BackendConfig struct {
	URL        string `mapstructure:"url"`
	ServiceKey string `mapstructure:"service_key"`
	AnonKey    string `mapstructure:"anon_key"`
	OCREnabled bool   `mapstructure:"ocr_enabled"`
}

// Configured reports whether a backend has enough credentials to be used.
func (b BackendConfig) Configured() bool {
	return b.URL != "" && b.ServiceKey != ""
}

type Worker struct {
	Count int `mapstructure:"count"`
}

type OCRPool struct {
	Size            int `mapstructure:"size"`
	MinIndexWorkers int `mapstructure:"min_index_workers"`
	MinActeWorkers  int `mapstructure:"min_acte_workers"`
}

type Timeouts struct {
	Extraction               time.Duration `mapstructure:"extraction"`
	OCR                      time.Duration `mapstructure:"ocr"`
	Claim                    time.Duration `mapstructure:"claim"`
	SweepInterval            time.Duration `mapstructure:"sweep_interval"`
	HeartbeatInterval        time.Duration `mapstructure:"heartbeat_interval"`
	DeadWorkerThreshold      time.Duration `mapstructure:"dead_worker_threshold"`
	StuckExtractionThreshold time.Duration `mapstructure:"stuck_extraction_threshold"`
	StuckOCRThreshold        time.Duration `mapstructure:"stuck_ocr_threshold"`
	StartupStuckThreshold    time.Duration `mapstructure:"startup_stuck_threshold"`
	PollIdleSleep            time.Duration `mapstructure:"poll_idle_sleep"`
	RebalanceInterval        time.Duration `mapstructure:"rebalance_interval"`
	ShutdownGrace            time.Duration `mapstructure:"shutdown_grace"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

// Tracing is a backwards-compatible alias.
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// Observability is a backwards-compatible alias.
type Observability = ObservabilityConfig

type Config struct {
	Backends       map[BackendName]BackendConfig `mapstructure:"backends"`
	Worker         Worker                         `mapstructure:"worker"`
	OCRPool        OCRPool                        `mapstructure:"ocr_pool"`
	Timeouts       Timeouts                       `mapstructure:"timeouts"`
	CircuitBreaker CircuitBreaker                 `mapstructure:"circuit_breaker"`
	Observability  Observability                  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Backends: map[BackendName]BackendConfig{
			Prod:    {OCREnabled: true},
			Staging: {OCREnabled: true},
			Dev:     {OCREnabled: true},
		},
		Worker: Worker{Count: 3},
		OCRPool: OCRPool{
			Size:            2,
			MinIndexWorkers: 1,
			MinActeWorkers:  1,
		},
		Timeouts: Timeouts{
			Extraction:               300 * time.Second,
			OCR:                      600 * time.Second,
			Claim:                    10 * time.Second,
			SweepInterval:            30 * time.Second,
			HeartbeatInterval:        30 * time.Second,
			DeadWorkerThreshold:      180 * time.Second,
			StuckExtractionThreshold: 180 * time.Second,
			StuckOCRThreshold:        600 * time.Second,
			StartupStuckThreshold:    120 * time.Second,
			PollIdleSleep:            5 * time.Second,
			RebalanceInterval:        30 * time.Second,
			ShutdownGrace:            30 * time.Second,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       10,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     Tracing{Enabled: false, SamplingStrategy: "probabilistic", SamplingRate: 0.1},
		},
	}
}

// envPrefix maps a BackendName onto the env-var prefix the authoritative
// surface names each backend with (PROD_SUPABASE_URL, STAGING_..., DEV_...).
func envPrefix(name BackendName) string {
	switch name {
	case Prod:
		return "PROD"
	case Staging:
		return "STAGING"
	case Dev:
		return "DEV"
	default:
		return ""
	}
}

// Load reads derived/internal tunables from an optional YAML file, then
// overlays the authoritative environment variables naming each backend's
// credentials and the pool sizing knobs. Those env vars don't follow a
// dotted scheme AutomaticEnv's key-replacer could exploit, so each is
// bound by its literal name instead.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	def := defaultConfig()
	v.SetDefault("worker.count", def.Worker.Count)
	v.SetDefault("ocr_pool.size", def.OCRPool.Size)
	v.SetDefault("ocr_pool.min_index_workers", def.OCRPool.MinIndexWorkers)
	v.SetDefault("ocr_pool.min_acte_workers", def.OCRPool.MinActeWorkers)
	v.SetDefault("timeouts.extraction", def.Timeouts.Extraction)
	v.SetDefault("timeouts.ocr", def.Timeouts.OCR)
	v.SetDefault("timeouts.claim", def.Timeouts.Claim)
	v.SetDefault("timeouts.sweep_interval", def.Timeouts.SweepInterval)
	v.SetDefault("timeouts.heartbeat_interval", def.Timeouts.HeartbeatInterval)
	v.SetDefault("timeouts.dead_worker_threshold", def.Timeouts.DeadWorkerThreshold)
	v.SetDefault("timeouts.stuck_extraction_threshold", def.Timeouts.StuckExtractionThreshold)
	v.SetDefault("timeouts.stuck_ocr_threshold", def.Timeouts.StuckOCRThreshold)
	v.SetDefault("timeouts.startup_stuck_threshold", def.Timeouts.StartupStuckThreshold)
	v.SetDefault("timeouts.poll_idle_sleep", def.Timeouts.PollIdleSleep)
	v.SetDefault("timeouts.rebalance_interval", def.Timeouts.RebalanceInterval)
	v.SetDefault("timeouts.shutdown_grace", def.Timeouts.ShutdownGrace)
	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)
	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.sampling_strategy", def.Observability.Tracing.SamplingStrategy)
	v.SetDefault("observability.tracing.sampling_rate", def.Observability.Tracing.SamplingRate)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Backends == nil {
		cfg.Backends = map[BackendName]BackendConfig{}
	}

	for _, name := range BackendOrder {
		p := envPrefix(name)
		b, ok := cfg.Backends[name]
		if !ok {
			b = def.Backends[name]
		}
		if url := os.Getenv(p + "_SUPABASE_URL"); url != "" {
			b.URL = url
		}
		if key := os.Getenv(p + "_SERVICE_KEY"); key != "" {
			b.ServiceKey = key
		}
		if anon := os.Getenv(p + "_ANON_KEY"); anon != "" {
			b.AnonKey = anon
		}
		if ocr := os.Getenv("OCR_" + p); ocr != "" {
			b.OCREnabled = ocr == "true"
		}
		cfg.Backends[name] = b
	}
	if n := os.Getenv("WORKER_COUNT"); n != "" {
		if iv, err := parseInt(n); err == nil {
			cfg.Worker.Count = iv
		}
	}
	if n := os.Getenv("OCR_WORKER_POOL_SIZE"); n != "" {
		if iv, err := parseInt(n); err == nil {
			cfg.OCRPool.Size = iv
		}
	}
	if n := os.Getenv("OCR_MIN_INDEX_WORKERS"); n != "" {
		if iv, err := parseInt(n); err == nil {
			cfg.OCRPool.MinIndexWorkers = iv
		}
	}
	if n := os.Getenv("OCR_MIN_ACTE_WORKERS"); n != "" {
		if iv, err := parseInt(n); err == nil {
			cfg.OCRPool.MinActeWorkers = iv
		}
	}
	if n := os.Getenv("OCR_REBALANCE_INTERVAL_MS"); n != "" {
		if iv, err := parseInt(n); err == nil {
			cfg.Timeouts.RebalanceInterval = time.Duration(iv) * time.Millisecond
		}
	}
	if n := os.Getenv("EXTRACTION_TIMEOUT"); n != "" {
		if iv, err := parseInt(n); err == nil {
			cfg.Timeouts.Extraction = time.Duration(iv) * time.Millisecond
		}
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseInt(s string) (int, error) {
	var v int
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}

// AvailableBackends returns the configured backends in the fixed priority
// order [prod, staging, dev].
func (c *Config) AvailableBackends() []BackendName {
	out := make([]BackendName, 0, len(BackendOrder))
	for _, name := range BackendOrder {
		if b, ok := c.Backends[name]; ok && b.Configured() {
			out = append(out, name)
		}
	}
	return out
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1")
	}
	if cfg.OCRPool.Size < 0 {
		return fmt.Errorf("ocr_pool.size must be >= 0")
	}
	if cfg.OCRPool.MinIndexWorkers < 1 || cfg.OCRPool.MinActeWorkers < 1 {
		return fmt.Errorf("ocr_pool minimums must be >= 1")
	}
	if cfg.OCRPool.Size > 0 && cfg.OCRPool.Size < cfg.OCRPool.MinIndexWorkers+cfg.OCRPool.MinActeWorkers {
		return fmt.Errorf("ocr_pool.size must be >= sum of minimums")
	}
	if cfg.Timeouts.Claim <= 0 {
		return fmt.Errorf("timeouts.claim must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
