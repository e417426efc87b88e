// Package orchestrator implements the Drive Orchestrator core: the
// periodic I/O loop, the per-axis command handshake, the fault
// classifier/throttle, the WKC strike/recovery/reinit ladder, and the
// snapshot + event publication. Its lifecycle (functional options,
// Initialize/Shutdown, stop/done channels) generalizes a TCP accept loop's
// shape to a periodic fieldbus tick loop.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/drive-orchestrator/internal/adapter"
	"github.com/kstaniek/drive-orchestrator/internal/axis"
	"github.com/kstaniek/drive-orchestrator/internal/frame"
	"github.com/kstaniek/drive-orchestrator/internal/logging"
	"github.com/kstaniek/drive-orchestrator/internal/orcherr"
	"github.com/kstaniek/drive-orchestrator/internal/snapshot"
)

const (
	defaultCyclePeriod           = 2 * time.Millisecond
	defaultExchangeTimeoutUs     = 100_000
	defaultWKCRecoveryThreshold  = 3
	defaultRecoveryTimeoutMs     = 500
	defaultReinitializationDelay = 200 * time.Millisecond
	defaultSettleTimeout         = 10 * time.Second
	defaultFaultRepeatInterval   = 5 * time.Second
	defaultFatalErrorThreshold   = 3
	defaultRecoverSettleDelay    = 20 * time.Millisecond
	defaultIngestBuffer          = 256
	defaultEventBuffer           = 64

	maxKeywordLen = 32
)

// Orchestrator drives a periodic I/O loop over an Adapter and serializes
// asynchronous motion requests into the cyclic frame stream (spec §1-§5).
type Orchestrator struct {
	mu          sync.RWMutex
	adapterOpen adapter.OpenFunc
	logger      *slog.Logger

	cyclePeriod             time.Duration
	exchangeTimeoutUs        int
	wkcRecoveryThreshold     int
	recoveryTimeoutMs        int
	reinitializationDelay    time.Duration
	defaultSettleTimeout     time.Duration
	enableCycleTraceLogging  bool
	faultRepeatInterval      time.Duration
	ingestBuffer             int
	eventBuffer              int

	ifname     string
	handle     adapter.Adapter
	slaveCount int
	axes       []*axis.State
	rxFrames   []frame.RxFrame
	txFrames   []frame.TxFrame
	stopLatch  []atomic.Bool

	ingest    chan *axis.Command
	publisher *snapshot.Publisher
	statusHub *snapshot.Hub[snapshot.DriveStatusChangeEvent]
	faultHub  *snapshot.Hub[snapshot.FaultEvent]

	snapSeq atomic.Uint64

	initialized atomic.Bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	stopOnce    sync.Once

	wkcStrikes  int
	fatalErrors int

	lastCycleTime time.Duration
	minCycle      time.Duration
	maxCycle      time.Duration
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// New constructs an Orchestrator. adapterOpen is required; Initialize
// fails immediately if it is nil.
func New(adapterOpen adapter.OpenFunc, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		adapterOpen:             adapterOpen,
		logger:                  logging.L(),
		cyclePeriod:             defaultCyclePeriod,
		exchangeTimeoutUs:       defaultExchangeTimeoutUs,
		wkcRecoveryThreshold:    defaultWKCRecoveryThreshold,
		recoveryTimeoutMs:       defaultRecoveryTimeoutMs,
		reinitializationDelay:   defaultReinitializationDelay,
		defaultSettleTimeout:    defaultSettleTimeout,
		faultRepeatInterval:     defaultFaultRepeatInterval,
		ingestBuffer:            defaultIngestBuffer,
		eventBuffer:             defaultEventBuffer,
		publisher:               snapshot.NewPublisher(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.statusHub = snapshot.NewHub[snapshot.DriveStatusChangeEvent](o.eventBuffer, "status_changed")
	o.faultHub = snapshot.NewHub[snapshot.FaultEvent](o.eventBuffer, "faulted")
	return o
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithCyclePeriod(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.cyclePeriod = d
		}
	}
}

func WithExchangeTimeoutUs(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.exchangeTimeoutUs = n
		}
	}
}

func WithWKCRecoveryThreshold(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.wkcRecoveryThreshold = n
		}
	}
}

func WithRecoveryTimeoutMs(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.recoveryTimeoutMs = n
		}
	}
}

func WithReinitializationDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.reinitializationDelay = d
		}
	}
}

func WithDefaultSettleTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.defaultSettleTimeout = d
		}
	}
}

func WithEnableCycleTraceLogging(b bool) Option {
	return func(o *Orchestrator) { o.enableCycleTraceLogging = b }
}

func WithFaultRepeatInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.faultRepeatInterval = d
		}
	}
}

func WithIngestBuffer(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.ingestBuffer = n
		}
	}
}

func WithEventBuffer(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.eventBuffer = n
		}
	}
}

// Initialize opens the adapter, allocates per-axis state, and starts the
// I/O loop worker. It must be called exactly once (spec §4.1).
func (o *Orchestrator) Initialize(ctx context.Context, ifname string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initialized.Load() {
		return orcherr.ErrAlreadyInit
	}
	handle, slaveCount, err := o.openAdapter(ctx, ifname)
	if err != nil {
		return err
	}
	o.ifname = ifname
	o.handle = handle
	o.slaveCount = slaveCount
	o.axes = axis.NewTable(slaveCount)
	o.stopLatch = make([]atomic.Bool, slaveCount)
	o.rxFrames = make([]frame.RxFrame, slaveCount)
	for i := range o.rxFrames {
		o.rxFrames[i] = frame.NOP()
	}
	o.txFrames = make([]frame.TxFrame, slaveCount)
	o.ingest = make(chan *axis.Command, o.ingestBuffer)
	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})
	o.stopOnce = sync.Once{}
	o.wkcStrikes = 0
	o.fatalErrors = 0
	o.initialized.Store(true)

	go o.runLoop()
	o.logger.Info("orchestrator_initialized", "interface", ifname, "slaves", slaveCount)
	return nil
}

// openAdapter opens the adapter and validates the slave count, closing
// the handle again if validation fails.
func (o *Orchestrator) openAdapter(ctx context.Context, ifname string) (adapter.Adapter, int, error) {
	if o.adapterOpen == nil {
		return nil, 0, orcherr.ErrAdapterOpenFailed
	}
	handle, err := o.adapterOpen(ifname)
	if err != nil || handle == nil {
		return nil, 0, orcherr.ErrAdapterOpenFailed
	}
	n := handle.SlaveCount()
	if n <= 0 {
		handle.Shutdown()
		return nil, 0, orcherr.ErrNoSlaves
	}
	return handle, n, nil
}

// Shutdown stops the I/O loop, closes the adapter, and fails every
// in-flight command with ErrSessionEnded. Idempotent after the first
// call (spec §4.1).
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.initialized.Load() {
		return nil
	}
	o.stopOnce.Do(func() { close(o.stopCh) })
	select {
	case <-o.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SlaveCount returns the number of slaves discovered at Initialize time.
func (o *Orchestrator) SlaveCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.slaveCount
}

// GetStatus returns the latest published StatusSnapshot without
// blocking or allocating (spec §4.2); ok is false before the first tick.
func (o *Orchestrator) GetStatus() (snapshot.StatusSnapshot, bool) {
	return o.publisher.Load()
}

// SubscribeStatusChanged registers a new StatusChanged subscriber.
func (o *Orchestrator) SubscribeStatusChanged() *snapshot.Subscription[snapshot.DriveStatusChangeEvent] {
	return o.statusHub.Subscribe()
}

// UnsubscribeStatusChanged removes a StatusChanged subscriber.
func (o *Orchestrator) UnsubscribeStatusChanged(s *snapshot.Subscription[snapshot.DriveStatusChangeEvent]) {
	o.statusHub.Unsubscribe(s)
}

// SubscribeFaulted registers a new Faulted subscriber.
func (o *Orchestrator) SubscribeFaulted() *snapshot.Subscription[snapshot.FaultEvent] {
	return o.faultHub.Subscribe()
}

// UnsubscribeFaulted removes a Faulted subscriber.
func (o *Orchestrator) UnsubscribeFaulted(s *snapshot.Subscription[snapshot.FaultEvent]) {
	o.faultHub.Unsubscribe(s)
}
