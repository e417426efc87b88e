package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/kstaniek/drive-orchestrator/internal/adapter"
	"github.com/kstaniek/drive-orchestrator/internal/adapter/nativeadapter"
	"github.com/kstaniek/drive-orchestrator/internal/config"
	"github.com/kstaniek/drive-orchestrator/internal/metrics"
	"github.com/kstaniek/drive-orchestrator/internal/orchestrator"
)

func main() {
	cfg, showVersion, err := config.Parse(os.Args[1:])
	if showVersion {
		fmt.Printf("driveorchd %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	l := setupLogger(cfg.LogFormat, cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, 30*1_000_000_000, l, &wg) // 30s, spelled out to avoid importing time here twice

	orch := orchestrator.New(openAdapter,
		orchestrator.WithLogger(l),
		orchestrator.WithCyclePeriod(cfg.CyclePeriod),
		orchestrator.WithExchangeTimeoutUs(cfg.ExchangeTimeoutUs),
		orchestrator.WithWKCRecoveryThreshold(cfg.WKCRecoveryThreshold),
		orchestrator.WithRecoveryTimeoutMs(cfg.RecoveryTimeoutMs),
		orchestrator.WithReinitializationDelay(cfg.ReinitializationDelay),
		orchestrator.WithDefaultSettleTimeout(cfg.DefaultSettleTimeout),
		orchestrator.WithEnableCycleTraceLogging(cfg.EnableCycleTraceLogging),
		orchestrator.WithFaultRepeatInterval(cfg.FaultRepeatInterval),
	)

	if err := orch.Initialize(ctx, cfg.Interface); err != nil {
		l.Error("orchestrator_init_error", "error", err)
		os.Exit(1)
	}

	metrics.SetReadinessFunc(func() bool {
		_, ok := orch.GetStatus()
		return ok && ctx.Err() == nil
	})

	var metricsSrv interface{ Shutdown(context.Context) error }
	if cfg.MetricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metricsSrv = metrics.StartHTTP(cfg.MetricsAddr)
		defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

		if cfg.MDNSEnable {
			go func() {
				port := portFromAddr(cfg.MetricsAddr)
				if port == 0 {
					l.Warn("mdns_skip_no_port", "metrics_addr", cfg.MetricsAddr)
					return
				}
				cleanup, err := startMDNS(ctx, cfg, port)
				if err != nil {
					l.Warn("mdns_start_failed", "error", err)
					return
				}
				l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.MDNSName, "port", port)
				go func() { <-ctx.Done(); cleanup() }()
			}()
		}
	}

	l.Info("driveorchd_started", "interface", cfg.Interface, "slaves", orch.SlaveCount())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DefaultSettleTimeout)
	if err := orch.Shutdown(shutdownCtx); err != nil {
		l.Error("orchestrator_shutdown_error", "error", err)
	}
	shutdownCancel()
	wg.Wait()
}

// openAdapter selects the native SOEM shim on Linux and reports a clear
// error elsewhere; the simulator remains available to tests via
// simadapter.Open(n), and cmd/benchsim wires a simadapter.Sim directly.
func openAdapter(ifname string) (adapter.Adapter, error) {
	return nativeadapter.Open(ifname)
}

func portFromAddr(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if pn, err := strconv.Atoi(p); err == nil {
			return pn
		}
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		if pn, err := strconv.Atoi(addr[i+1:]); err == nil {
			return pn
		}
	}
	return 0
}
