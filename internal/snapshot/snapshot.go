// Package snapshot holds the orchestrator's externally-visible state: the
// atomically-swapped StatusSnapshot and the two fire-and-forget event
// streams (StatusChanged, Faulted). Both are owned by the I/O loop and
// read by arbitrary goroutines without blocking it, using a
// snapshot-by-reference-swap discipline and a generic subscriber fan-out
// hub that serves both typed domain event streams.
package snapshot

import (
	"sync/atomic"
	"time"

	"github.com/kstaniek/drive-orchestrator/internal/adapter"
	"github.com/kstaniek/drive-orchestrator/internal/frame"
	"github.com/kstaniek/drive-orchestrator/internal/orcherr"
)

// StatusSnapshot is an immutable value published wholesale by the loop on
// every tick. It never aliases the loop's live per-axis arrays.
type StatusSnapshot struct {
	Timestamp   time.Time
	Health      adapter.HealthSnapshot
	DriveStates []frame.TxFrame
	CycleTime   time.Duration
	MinCycle    time.Duration
	MaxCycle    time.Duration
	Sequence    uint64
}

// DriveStatusChangeEvent is emitted once per tick per slave whose status
// bits or actual position changed while a command was active (spec §4.6).
type DriveStatusChangeEvent struct {
	Slave                 int
	Timestamp             time.Time
	MonotonicTicks        uint64
	Sequence              uint64
	Current               frame.TxFrame
	Previous              frame.TxFrame
	ChangedBitsMask       uint32
	ActiveCommandKeyword  string
}

// FaultEvent is emitted when the fault classifier decodes a new or
// unthrottled fault for a slave.
type FaultEvent struct {
	Slave      int
	StatusBits frame.TxFrame
	Code       orcherr.Code
	Message    string
	Hint       string
	Health     adapter.HealthSnapshot
	Timestamp  time.Time
}

// Publisher atomically swaps the current StatusSnapshot so readers on any
// goroutine observe either the old or the new value, never a torn one.
type Publisher struct {
	slot atomic.Pointer[StatusSnapshot]
}

// NewPublisher returns a Publisher with no snapshot published yet.
func NewPublisher() *Publisher { return &Publisher{} }

// Publish swaps in a freshly constructed snapshot.
func (p *Publisher) Publish(s StatusSnapshot) { p.slot.Store(&s) }

// Load returns the most recently published snapshot, or the zero value
// and false if nothing has been published yet.
func (p *Publisher) Load() (StatusSnapshot, bool) {
	v := p.slot.Load()
	if v == nil {
		return StatusSnapshot{}, false
	}
	return *v, true
}
