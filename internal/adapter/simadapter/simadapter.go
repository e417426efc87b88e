// Package simadapter provides a deterministic, in-memory Adapter used by
// orchestrator tests and the bench CLI. It stands in for the native
// SOEM shim the way a build-tagged stub stands in for real hardware on
// unsupported platforms.
package simadapter

import (
	"context"
	"sync"
	"time"

	"github.com/kstaniek/drive-orchestrator/internal/adapter"
	"github.com/kstaniek/drive-orchestrator/internal/frame"
)

// ExchangeFunc scripts the working counter (or a negative adapter.Err*
// code) returned by one Exchange call.
type ExchangeFunc func(tick int) (wkc int, err error)

// TxFunc scripts the TxFrame a given slave reports on a given tick.
type TxFunc func(tick int, slave int, lastRx frame.RxFrame) frame.TxFrame

// Sim is a scriptable Adapter for tests and benches. All fields are
// optional; zero values produce a quiescent, always-healthy bus.
type Sim struct {
	mu         sync.Mutex
	slaves     int
	tick       int
	rx         []frame.RxFrame
	tx         []frame.TxFrame
	health     adapter.HealthSnapshot
	OnTick     TxFunc
	OnExchange ExchangeFunc
	OnRecover  func(timeoutMs int) int
	errText    string

	// Mirror, if set, receives a best-effort copy of every RxFrame
	// written, for bench-rig logging; wired by cmd/benchsim via
	// bench.SerialMirror.Observe.
	Mirror func(slave int, rx frame.RxFrame)
}

// New creates a Sim with the given slave count (1..N addressed as 1-based).
func New(slaveCount int) *Sim {
	s := &Sim{
		slaves: slaveCount,
		rx:     make([]frame.RxFrame, slaveCount+1),
		tx:     make([]frame.TxFrame, slaveCount+1),
	}
	s.health = adapter.HealthSnapshot{
		SlavesFound:       slaveCount,
		GroupExpectedWKC:  slaveCount,
		LastWKC:           slaveCount,
		SlavesOperational: slaveCount,
	}
	for i := 1; i <= slaveCount; i++ {
		s.rx[i] = frame.NOP()
	}
	return s
}

// Open adapts New to adapter.OpenFunc for wiring into the orchestrator's
// configured slave count; ifname is ignored by the simulator.
func Open(slaveCount int) adapter.OpenFunc {
	return func(ifname string) (adapter.Adapter, error) { return New(slaveCount), nil }
}

func (s *Sim) SlaveCount() int { return s.slaves }

func (s *Sim) WriteRx(slave int, rx frame.RxFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slave < 1 || slave > s.slaves {
		return adapterBadSlave
	}
	s.rx[slave] = rx
	if s.Mirror != nil {
		s.Mirror(slave, rx)
	}
	return nil
}

func (s *Sim) ReadTx(slave int) (frame.TxFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slave < 1 || slave > s.slaves {
		return frame.TxFrame{}, adapterBadSlave
	}
	return s.tx[slave], nil
}

func (s *Sim) Exchange(ctx context.Context, timeoutUs int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick++
	for slave := 1; slave <= s.slaves; slave++ {
		if s.OnTick != nil {
			s.tx[slave] = s.OnTick(s.tick, slave, s.rx[slave])
		}
	}
	if s.OnExchange != nil {
		return s.OnExchange(s.tick)
	}
	return s.health.LastWKC, nil
}

func (s *Sim) Health() adapter.HealthSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// SetHealth overrides the health snapshot returned by subsequent calls.
func (s *Sim) SetHealth(h adapter.HealthSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = h
}

func (s *Sim) Recover(ctx context.Context, timeoutMs int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OnRecover != nil {
		return s.OnRecover(timeoutMs)
	}
	return s.slaves
}

func (s *Sim) DrainErrors() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.errText
	s.errText = ""
	return t
}

// SetErrorText queues text returned by the next DrainErrors call.
func (s *Sim) SetErrorText(t string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errText = t
}

func (s *Sim) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick = 0
}

// SleepForRecover is a tiny helper tests can use to emulate the settle
// delay the orchestrator applies after a successful recover() call.
func SleepForRecover(d time.Duration) { time.Sleep(d) }
