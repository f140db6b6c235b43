// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/foncier-quebec/extractor-workers/internal/backendset"
	"github.com/foncier-quebec/extractor-workers/internal/jobs"
)

// StartOcrBacklogUpdater samples the OCR backlog per mode across every
// OCR-enabled backend and updates a gauge, mirroring the teacher's
// queue-length sampling loop with a Postgres backlog count standing in for
// a Redis LLEN.
func StartOcrBacklogUpdater(ctx context.Context, set *backendset.Set, store jobs.ClaimStore, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, mode := range []jobs.OcrMode{jobs.ModeIndex, jobs.ModeActe} {
					total := 0
					for _, name := range set.AvailableBackends() {
						client, err := set.ClientFor(name)
						if err != nil || !client.Config.OCREnabled {
							continue
						}
						n, err := store.OcrBacklog(ctx, name, mode)
						if err != nil {
							log.Debug("ocr backlog poll error", String("backend", string(name)), String("mode", string(mode)), Err(err))
							continue
						}
						total += n
					}
					OcrBacklogGauge.WithLabelValues(string(mode)).Set(float64(total))
				}
			}
		}
	}()
}
