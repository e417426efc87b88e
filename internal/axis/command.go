// Package axis holds the per-slave state the I/O loop owns exclusively
// (the axis state table, spec §2 item 2) and the PendingCommand value
// object carried through the ingest channel (spec §2 item 4, §4.4).
package axis

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/drive-orchestrator/internal/frame"
)

// commandSeq numbers commands in creation order.
var commandSeq atomic.Uint64

// Criterion is the completion-criterion tag a PendingCommand carries.
type Criterion int

const (
	CriterionAckOnly Criterion = iota
	CriterionAckWithTimeout
	CriterionPositionReached
	CriterionIndexed
	CriterionEnabled
	CriterionDisabled
	CriterionHalt
)

// Command is one in-flight request. Identity is (Slave, seq); it is
// created by a caller, enqueued to ingest, becomes the axis's active
// command on the next tick, and from that point on is mutated only by
// the I/O loop.
type Command struct {
	Slave int
	Seq   uint64

	Keyword      string
	Parameter    int32
	Velocity     int32
	Acceleration uint16
	Deceleration uint16
	Timeout      time.Duration
	RequiresAck  bool
	Criterion    Criterion
	AckTimeout   time.Duration // only meaningful for CriterionAckWithTimeout

	// Mutable, loop-owned once active.
	Acked       bool
	StartTime   time.Time
	EdgeInit    bool
	PrevPosRdy  bool
	PrevMotorOn bool
	Cancelled   bool

	ctx      context.Context
	cancel   context.CancelFunc
	resultCh chan error
	once     sync.Once
}

// NewCommand builds a Command with its completion promise and
// cancellation registration wired to the given context.
func NewCommand(ctx context.Context, slave int, keyword string, parameter, velocity int32,
	acceleration, deceleration uint16, requiresAck bool, criterion Criterion, timeout time.Duration) *Command {
	cctx, cancel := context.WithCancel(ctx)
	c := &Command{
		Slave:        slave,
		Seq:          commandSeq.Add(1),
		Keyword:      keyword,
		Parameter:    parameter,
		Velocity:     velocity,
		Acceleration: acceleration,
		Deceleration: deceleration,
		RequiresAck:  requiresAck,
		Criterion:    criterion,
		Timeout:      timeout,
		ctx:          cctx,
		cancel:       cancel,
		resultCh:     make(chan error, 1),
	}
	return c
}

// Start resets the command's runtime scratch for its first tick as the
// axis's active command (spec §4.3 Phase A).
func (c *Command) Start() {
	c.Acked = false
	c.StartTime = time.Now()
	c.EdgeInit = false
	c.PrevPosRdy = false
	c.PrevMotorOn = false
}

// CheckCancelled reports whether the caller's context has been cancelled,
// latching Cancelled so later phases can observe it without re-checking
// the context.
func (c *Command) CheckCancelled() bool {
	if c.Cancelled {
		return true
	}
	select {
	case <-c.ctx.Done():
		c.Cancelled = true
		return true
	default:
		return false
	}
}

// resolve completes the command's promise exactly once; later calls are
// no-ops, matching "destroyed when the loop completes or fails it".
func (c *Command) resolve(err error) {
	c.once.Do(func() {
		c.resultCh <- err
		c.cancel()
	})
}

// Complete resolves the command successfully.
func (c *Command) Complete() { c.resolve(nil) }

// Fail resolves the command with the given error.
func (c *Command) Fail(err error) { c.resolve(err) }

// Await blocks until the command resolves, returning its result. If the
// supplied context is done first, it returns the context's error; the
// command itself remains pending until the loop next observes
// cancellation via CheckCancelled.
func (c *Command) Await(ctx context.Context) error {
	select {
	case err := <-c.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StatusRequiresExecute is staged into the RxFrame's execute byte each
// tick (Phase B): low once acked for ack-requiring commands, high
// otherwise.
func (c *Command) StatusRequiresExecute() bool {
	return !(c.Acked && c.RequiresAck)
}

// EvalEdges records the edge-detection scratch for PositionReached/
// MotorOn completion, seeding it on first evaluation.
func (c *Command) EvalEdges(tx frame.TxFrame) (posRisingEdge, motorFallingEdge bool) {
	posNow := tx.Get(frame.PositionReached)
	motorNow := tx.Get(frame.MotorOn)
	if !c.EdgeInit {
		c.PrevPosRdy = posNow
		c.PrevMotorOn = motorNow
		c.EdgeInit = true
		return false, false
	}
	posRisingEdge = !c.PrevPosRdy && posNow
	motorFallingEdge = c.PrevMotorOn && !motorNow
	c.PrevPosRdy = posNow
	c.PrevMotorOn = motorNow
	return posRisingEdge, motorFallingEdge
}
