// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/foncier-quebec/extractor-workers/internal/backendset"
	"github.com/foncier-quebec/extractor-workers/internal/config"
	"github.com/foncier-quebec/extractor-workers/internal/dispatch"
	"github.com/foncier-quebec/extractor-workers/internal/heartbeat"
	"github.com/foncier-quebec/extractor-workers/internal/obs"
	"github.com/foncier-quebec/extractor-workers/internal/ocrpool"
	"github.com/foncier-quebec/extractor-workers/internal/sweeper"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	set, err := backendset.New(cfg)
	if err != nil {
		logger.Fatal("failed to construct backend set", obs.Err(err))
	}
	store := set.ClaimStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(cfg.Timeouts.ShutdownGrace):
			os.Exit(1)
		}
	}()

	readyCheck := func(c context.Context) error {
		for _, name := range set.AvailableBackends() {
			client, err := set.ClientFor(name)
			if err != nil {
				return err
			}
			if err := client.DB.PingContext(c); err != nil {
				return fmt.Errorf("backend %s: %w", name, err)
			}
		}
		return nil
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	sw := sweeper.New(set, store, cfg, logger)
	sw.RunStartupSweep(ctx)

	wg.Add(1)
	go func() { defer wg.Done(); sw.Run(ctx) }()

	obs.StartOcrBacklogUpdater(ctx, set, store, cfg.Timeouts.RebalanceInterval, logger)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}

	for i := 0; i < cfg.Worker.Count; i++ {
		workerID := fmt.Sprintf("%s-dispatcher-%d", hostname, i)
		registrar := heartbeat.New(workerID, cfg, store, logger)
		wg.Add(1)
		go func() { defer wg.Done(); registrar.Run(ctx) }()

		d := dispatch.New(workerID, set, store, cfg, logger, dispatch.Collaborators{
			ExtractionEngine: unconfiguredExtractionEngine{},
			RegistryScraper:  unconfiguredRegistryScraper{},
			PersonalRights:   unconfiguredPersonalRightsScraper{},
			Vault:            unconfiguredCredentialVault{},
			Heartbeat:        registrar,
		})
		obs.WorkersLive.Inc()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer obs.WorkersLive.Dec()
			d.Run(ctx)
		}()
	}

	anyOcrEnabled := false
	for _, name := range set.AvailableBackends() {
		client, err := set.ClientFor(name)
		if err == nil && client.Config.OCREnabled {
			anyOcrEnabled = true
			break
		}
	}
	if anyOcrEnabled && cfg.OCRPool.Size > 0 {
		pool := ocrpool.New(set, store, cfg, logger, unconfiguredOcrEngine{})
		wg.Add(1)
		go func() { defer wg.Done(); pool.Run(ctx) }()
	}

	<-ctx.Done()
	wg.Wait()
	logger.Info("shutdown complete")
}
