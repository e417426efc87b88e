// Command benchsim runs the orchestrator core against the in-memory
// simulator instead of a real fieldbus, optionally mirroring every
// RxFrame write to a physical serial port so a logic analyzer or a
// second MCU can observe command traffic during development.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kstaniek/drive-orchestrator/internal/adapter"
	"github.com/kstaniek/drive-orchestrator/internal/adapter/simadapter"
	"github.com/kstaniek/drive-orchestrator/internal/bench"
	"github.com/kstaniek/drive-orchestrator/internal/logging"
	"github.com/kstaniek/drive-orchestrator/internal/orchestrator"
)

func main() {
	slaves := flag.Int("slaves", 1, "Number of simulated slaves")
	cyclePeriod := flag.Duration("cycle-period", 2*time.Millisecond, "I/O loop tick period")
	serialPort := flag.String("serial-port", "", "Serial port to mirror RxFrame writes to (e.g. /dev/ttyUSB0); empty disables mirroring")
	baud := flag.Int("baud", 115200, "Baud rate for -serial-port")
	mirrorQueueDepth := flag.Int("mirror-queue-depth", 64, "Bench mirror async write queue depth")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	flag.Parse()

	l := logging.New(*logFormat, parseLevel(*logLevel), os.Stderr).With("app", "benchsim")
	logging.Set(l)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sim := simadapter.New(*slaves)

	if *serialPort != "" {
		port, err := bench.OpenPort(*serialPort, *baud, time.Second)
		if err != nil {
			fmt.Fprintf(os.Stderr, "benchsim: open serial port: %v\n", err)
			os.Exit(1)
		}
		mirror := bench.NewSerialMirror(ctx, port, *mirrorQueueDepth)
		defer mirror.Close()
		sim.Mirror = mirror.Observe
		l.Info("bench_mirror_enabled", "port", *serialPort, "baud", *baud)
	}

	openFunc := func(ifname string) (adapter.Adapter, error) { return sim, nil }
	orch := orchestrator.New(openFunc,
		orchestrator.WithLogger(l),
		orchestrator.WithCyclePeriod(*cyclePeriod),
	)
	if err := orch.Initialize(ctx, "sim0"); err != nil {
		l.Error("benchsim_init_error", "error", err)
		os.Exit(1)
	}
	l.Info("benchsim_started", "slaves", orch.SlaveCount(), "cycle_period", *cyclePeriod)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		l.Error("benchsim_shutdown_error", "error", err)
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
