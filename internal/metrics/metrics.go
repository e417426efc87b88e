package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/drive-orchestrator/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_ticks_total",
		Help: "Total I/O loop ticks executed.",
	})
	CycleTimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_cycle_time_seconds",
		Help: "Duration of the most recently completed tick.",
	})
	WKCStrikes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_wkc_strikes_total",
		Help: "Total ticks observed with a degraded working counter.",
	})
	FatalExchangeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_fatal_exchange_errors_total",
		Help: "Total fatal adapter exchange errors (send/recv/bad-args).",
	})
	Reinitializations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_reinitializations_total",
		Help: "Total times the adapter was fully re-initialized by the recovery ladder.",
	})
	RecoveryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_recovery_attempts_total",
		Help: "Total adapter recover() calls issued by the strike ladder.",
	})
	FaultsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_faults_raised_total",
		Help: "Total Faulted events emitted, by drive error code.",
	}, []string{"code"})
	FaultsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_faults_suppressed_total",
		Help: "Total Faulted events suppressed by the per-slave throttle, by code.",
	}, []string{"code"})
	CommandsOutcome = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_commands_total",
		Help: "Total commands resolved, by outcome.",
	}, []string{"outcome"})
	StatusChangedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_status_changed_events_total",
		Help: "Total StatusChanged events emitted.",
	})
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_events_dropped_total",
		Help: "Total events dropped due to a slow subscriber, by stream.",
	}, []string{"stream"})
	SnapshotsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_snapshots_published_total",
		Help: "Total StatusSnapshot publications.",
	})
	BenchMirrorFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_bench_mirror_frames_total",
		Help: "Total RxFrame writes mirrored to the bench serial port.",
	})
	BenchMirrorDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_bench_mirror_drops_total",
		Help: "Total bench-mirror writes dropped because the queue was full.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Outcome label constants (stable label values to bound cardinality)
const (
	OutcomeCompleted = "completed"
	OutcomeTimedOut  = "timed_out"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Fault code label constants, mirroring orcherr.Code String() values.
const (
	CodeFollowError            = "follow_error"
	CodePositionFail           = "position_fail"
	CodeSafetyTimeout          = "safety_timeout"
	CodeEmergencyStop          = "emergency_stop"
	CodeEncoderError           = "encoder_error"
	CodeThermalProtection      = "thermal_protection"
	CodeEndStopHit             = "end_stop_hit"
	CodeForceZero              = "force_zero"
	CodeErrorCompensationFault = "error_compensation_fault"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localTicks       uint64
	localWKCStrikes  uint64
	localFatalErrors uint64
	localReinits     uint64
	localRecoveries  uint64
	localFaults      uint64
	localSuppressed  uint64
	localCommands    uint64
	localStatusChngs uint64
	localDrops       uint64
	localSnapshots   uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Ticks           uint64
	WKCStrikes      uint64
	FatalErrors     uint64
	Reinits         uint64
	RecoveryTries   uint64
	Faults          uint64
	FaultsThrottled uint64
	Commands        uint64
	StatusChanges   uint64
	Drops           uint64
	Snapshots       uint64
}

func Snap() Snapshot {
	return Snapshot{
		Ticks:           atomic.LoadUint64(&localTicks),
		WKCStrikes:      atomic.LoadUint64(&localWKCStrikes),
		FatalErrors:     atomic.LoadUint64(&localFatalErrors),
		Reinits:         atomic.LoadUint64(&localReinits),
		RecoveryTries:   atomic.LoadUint64(&localRecoveries),
		Faults:          atomic.LoadUint64(&localFaults),
		FaultsThrottled: atomic.LoadUint64(&localSuppressed),
		Commands:        atomic.LoadUint64(&localCommands),
		StatusChanges:   atomic.LoadUint64(&localStatusChngs),
		Drops:           atomic.LoadUint64(&localDrops),
		Snapshots:       atomic.LoadUint64(&localSnapshots),
	}
}

// IncTick records one completed I/O loop tick.
func IncTick() {
	TicksTotal.Inc()
	atomic.AddUint64(&localTicks, 1)
}

// SetCycleTime records the duration of the most recent tick, in seconds.
func SetCycleTime(seconds float64) { CycleTimeSeconds.Set(seconds) }

// IncWKCStrike records one degraded-WKC tick.
func IncWKCStrike() {
	WKCStrikes.Inc()
	atomic.AddUint64(&localWKCStrikes, 1)
}

// IncFatalExchangeError records one fatal adapter exchange error.
func IncFatalExchangeError() {
	FatalExchangeErrors.Inc()
	atomic.AddUint64(&localFatalErrors, 1)
}

// IncReinitialization records one full adapter re-initialization.
func IncReinitialization() {
	Reinitializations.Inc()
	atomic.AddUint64(&localReinits, 1)
}

// IncRecoveryAttempt records one adapter recover() call.
func IncRecoveryAttempt() {
	RecoveryAttempts.Inc()
	atomic.AddUint64(&localRecoveries, 1)
}

// IncFaultRaised records one emitted Faulted event for the given code.
func IncFaultRaised(code string) {
	FaultsRaised.WithLabelValues(code).Inc()
	atomic.AddUint64(&localFaults, 1)
}

// IncFaultSuppressed records one throttled Faulted event for the given code.
func IncFaultSuppressed(code string) {
	FaultsSuppressed.WithLabelValues(code).Inc()
	atomic.AddUint64(&localSuppressed, 1)
}

// IncCommandOutcome records one resolved command, by outcome.
func IncCommandOutcome(outcome string) {
	CommandsOutcome.WithLabelValues(outcome).Inc()
	atomic.AddUint64(&localCommands, 1)
}

// IncStatusChanged records one emitted StatusChanged event.
func IncStatusChanged() {
	StatusChangedEvents.Inc()
	atomic.AddUint64(&localStatusChngs, 1)
}

// IncEventDropped records one event dropped for a slow subscriber on the given stream.
func IncEventDropped(stream string) {
	EventsDropped.WithLabelValues(stream).Inc()
	atomic.AddUint64(&localDrops, 1)
}

// IncSnapshotPublished records one StatusSnapshot publication.
func IncSnapshotPublished() {
	SnapshotsPublished.Inc()
	atomic.AddUint64(&localSnapshots, 1)
}

// IncBenchMirrorFrames records one frame mirrored to the bench serial port.
func IncBenchMirrorFrames() { BenchMirrorFrames.Inc() }

// IncBenchMirrorDrops records one bench-mirror write dropped for a full queue.
func IncBenchMirrorDrops() { BenchMirrorDrops.Inc() }

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register label series so the first observation doesn't pay registration latency.
	for _, code := range []string{
		CodeFollowError, CodePositionFail, CodeSafetyTimeout, CodeEmergencyStop,
		CodeEncoderError, CodeThermalProtection, CodeEndStopHit, CodeForceZero,
		CodeErrorCompensationFault,
	} {
		FaultsRaised.WithLabelValues(code).Add(0)
		FaultsSuppressed.WithLabelValues(code).Add(0)
	}
	for _, outcome := range []string{OutcomeCompleted, OutcomeTimedOut, OutcomeCancelled, OutcomeFailed} {
		CommandsOutcome.WithLabelValues(outcome).Add(0)
	}
	for _, stream := range []string{"status_changed", "faulted"} {
		EventsDropped.WithLabelValues(stream).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
