package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/drive-orchestrator/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"ticks", snap.Ticks,
					"wkc_strikes", snap.WKCStrikes,
					"fatal_errors", snap.FatalErrors,
					"reinits", snap.Reinits,
					"recovery_tries", snap.RecoveryTries,
					"faults", snap.Faults,
					"faults_throttled", snap.FaultsThrottled,
					"commands", snap.Commands,
					"status_changes", snap.StatusChanges,
					"drops", snap.Drops,
					"snapshots", snap.Snapshots,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
