package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/kstaniek/drive-orchestrator/internal/axis"
	"github.com/kstaniek/drive-orchestrator/internal/frame"
	"github.com/kstaniek/drive-orchestrator/internal/orcherr"
)

func (o *Orchestrator) validSlave(slave int) (int, error) {
	if slave < 1 {
		return 0, orcherr.ErrInvalidArgument
	}
	o.mu.RLock()
	n := o.slaveCount
	o.mu.RUnlock()
	idx := slave - 1
	if idx >= n {
		return 0, orcherr.ErrSlaveOutOfRange
	}
	return idx, nil
}

func (o *Orchestrator) axisState(idx int) *axis.State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.axes[idx]
}

func (o *Orchestrator) ingestChan() chan *axis.Command {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.ingest
}

// dispatch enqueues cmd and awaits its resolution.
func (o *Orchestrator) dispatch(ctx context.Context, cmd *axis.Command) error {
	ingest := o.ingestChan()
	select {
	case ingest <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	return cmd.Await(ctx)
}

func currentTx(o *Orchestrator, idx int) (frame.TxFrame, bool) {
	snap, ok := o.GetStatus()
	if !ok || idx >= len(snap.DriveStates) {
		return frame.TxFrame{}, false
	}
	return snap.DriveStates[idx], true
}

// MoveAbsolute drives an axis to target, completing on a PositionReached
// edge, a MotorOn falling edge, or actual_position reaching target.
func (o *Orchestrator) MoveAbsolute(ctx context.Context, slave int, target, vel int32, acc, dec uint16, settle time.Duration) error {
	if !o.initialized.Load() {
		return orcherr.ErrNotInitialized
	}
	idx, err := o.validSlave(slave)
	if err != nil {
		return err
	}
	ax := o.axisState(idx)
	ax.Gate.Lock()
	defer ax.Gate.Unlock()

	if o.stopLatch[idx].Load() {
		return orcherr.ErrLatched
	}
	tx, ok := currentTx(o, idx)
	if !ok {
		return orcherr.ErrNotReady
	}
	if !(tx.Get(frame.AmplifiersEnabled) && tx.Get(frame.MotorOn) && tx.Get(frame.ClosedLoop) && tx.Get(frame.EncoderValid)) {
		return orcherr.ErrNotReady
	}
	if settle <= 0 {
		settle = o.defaultSettleTimeout
	}
	cmd := axis.NewCommand(ctx, slave, frame.CmdDPOS, target, vel, acc, dec, true, axis.CriterionPositionReached, settle)
	return o.dispatch(ctx, cmd)
}

// Jog commands continuous motion in dir (-1, 0, 1) until Halt or Stop.
func (o *Orchestrator) Jog(ctx context.Context, slave int, dir int32, vel int32, acc, dec uint16) error {
	if !o.initialized.Load() {
		return orcherr.ErrNotInitialized
	}
	if dir != -1 && dir != 0 && dir != 1 {
		return orcherr.ErrInvalidArgument
	}
	idx, err := o.validSlave(slave)
	if err != nil {
		return err
	}
	ax := o.axisState(idx)
	ax.Gate.Lock()
	defer ax.Gate.Unlock()

	if o.stopLatch[idx].Load() {
		return orcherr.ErrLatched
	}
	tx, ok := currentTx(o, idx)
	if !ok {
		return orcherr.ErrNotReady
	}
	if !(tx.Get(frame.AmplifiersEnabled) && tx.Get(frame.MotorOn) && tx.Get(frame.ClosedLoop)) {
		return orcherr.ErrNotReady
	}
	cmd := axis.NewCommand(ctx, slave, frame.CmdSCAN, dir, vel, acc, dec, true, axis.CriterionAckOnly, 0)
	return o.dispatch(ctx, cmd)
}

// Index runs the drive's homing sequence; if the encoder is already
// valid it resolves immediately without dispatching a command.
func (o *Orchestrator) Index(ctx context.Context, slave int, dir int32, vel int32, acc, dec uint16, settle time.Duration) error {
	if !o.initialized.Load() {
		return orcherr.ErrNotInitialized
	}
	if dir != 0 && dir != 1 {
		return orcherr.ErrInvalidArgument
	}
	idx, err := o.validSlave(slave)
	if err != nil {
		return err
	}
	ax := o.axisState(idx)
	ax.Gate.Lock()
	defer ax.Gate.Unlock()

	if o.stopLatch[idx].Load() {
		return orcherr.ErrLatched
	}
	tx, ok := currentTx(o, idx)
	if !ok {
		return orcherr.ErrNotReady
	}
	if !tx.Get(frame.AmplifiersEnabled) {
		return orcherr.ErrNotReady
	}
	if tx.Get(frame.EncoderValid) {
		return nil
	}
	if settle <= 0 {
		settle = o.defaultSettleTimeout
	}
	cmd := axis.NewCommand(ctx, slave, frame.CmdINDX, dir, vel, acc, dec, true, axis.CriterionIndexed, settle)
	return o.dispatch(ctx, cmd)
}

// Reset always runs AckWithTimeout(1s): it never completes before ack,
// and never before 1s has elapsed. It also clears the stop latch.
func (o *Orchestrator) Reset(ctx context.Context) error {
	return o.resetAxis(ctx, 0)
}

// ResetAxis is Reset scoped to a single slave, used when callers manage
// axes individually; Reset() above targets slave 1 for single-axis rigs.
func (o *Orchestrator) ResetAxis(ctx context.Context, slave int) error {
	idx, err := o.validSlave(slave)
	if err != nil {
		return err
	}
	return o.resetAxis(ctx, idx)
}

func (o *Orchestrator) resetAxis(ctx context.Context, idx int) error {
	if !o.initialized.Load() {
		return orcherr.ErrNotInitialized
	}
	ax := o.axisState(idx)
	ax.Gate.Lock()
	defer ax.Gate.Unlock()

	cmd := axis.NewCommand(ctx, idx+1, frame.CmdRSET, 0, 0, 0, 0, true, axis.CriterionAckWithTimeout, time.Second)
	cmd.AckTimeout = time.Second
	if err := o.dispatch(ctx, cmd); err != nil {
		return err
	}
	o.stopLatch[idx].Store(false)
	return nil
}

// Enable engages or disengages the amplifier; if the axis is already in
// the target state it resolves without dispatching a command (spec
// invariant 9). Enabling also clears the stop latch.
func (o *Orchestrator) Enable(ctx context.Context, slave int, enable bool) error {
	if !o.initialized.Load() {
		return orcherr.ErrNotInitialized
	}
	idx, err := o.validSlave(slave)
	if err != nil {
		return err
	}
	ax := o.axisState(idx)
	ax.Gate.Lock()
	defer ax.Gate.Unlock()

	tx, ok := currentTx(o, idx)
	if !ok {
		return orcherr.ErrNotReady
	}
	if enable {
		if tx.Get(frame.AmplifiersEnabled) && tx.Get(frame.MotorOn) {
			o.stopLatch[idx].Store(false)
			return nil
		}
	} else if !tx.Get(frame.AmplifiersEnabled) {
		return nil
	}

	param := int32(0)
	if enable {
		param = 1
	}
	cmd := axis.NewCommand(ctx, slave, frame.CmdENBL, param, 0, 0, 0, true, criterionFor(enable), 500*time.Millisecond)
	if err := o.dispatch(ctx, cmd); err != nil {
		return err
	}
	if enable {
		o.stopLatch[idx].Store(false)
	}
	return nil
}

func criterionFor(enable bool) axis.Criterion {
	if enable {
		return axis.CriterionEnabled
	}
	return axis.CriterionDisabled
}

// Halt stops jog/scan motion, completing when the drive reports it is
// no longer scanning.
func (o *Orchestrator) Halt(ctx context.Context, slave int) error {
	if !o.initialized.Load() {
		return orcherr.ErrNotInitialized
	}
	idx, err := o.validSlave(slave)
	if err != nil {
		return err
	}
	ax := o.axisState(idx)
	ax.Gate.Lock()
	defer ax.Gate.Unlock()

	cmd := axis.NewCommand(ctx, slave, frame.CmdHALT, 0, 0, 0, 0, true, axis.CriterionHalt, 2*time.Second)
	return o.dispatch(ctx, cmd)
}

// Stop latches the axis: after it completes, motion commands fail with
// ErrLatched until Reset or Enable(true) clears the latch.
func (o *Orchestrator) Stop(ctx context.Context, slave int) error {
	if !o.initialized.Load() {
		return orcherr.ErrNotInitialized
	}
	idx, err := o.validSlave(slave)
	if err != nil {
		return err
	}
	ax := o.axisState(idx)
	ax.Gate.Lock()
	defer ax.Gate.Unlock()

	cmd := axis.NewCommand(ctx, slave, frame.CmdSTOP, 0, 0, 0, 0, true, axis.CriterionAckOnly, 2*time.Second)
	if err := o.dispatch(ctx, cmd); err != nil {
		return err
	}
	o.stopLatch[idx].Store(true)
	return nil
}

// SendRaw dispatches an arbitrary keyword the loop does not otherwise
// interpret, completing on ack.
func (o *Orchestrator) SendRaw(ctx context.Context, slave int, keyword string, parameter, velocity int32,
	acc, dec uint16, requiresAck bool, timeout time.Duration) error {
	if !o.initialized.Load() {
		return orcherr.ErrNotInitialized
	}
	kw := strings.ToUpper(strings.TrimSpace(keyword))
	if kw == "" || len(kw) > maxKeywordLen {
		return orcherr.ErrInvalidArgument
	}
	idx, err := o.validSlave(slave)
	if err != nil {
		return err
	}
	ax := o.axisState(idx)
	ax.Gate.Lock()
	defer ax.Gate.Unlock()

	cmd := axis.NewCommand(ctx, slave, kw, parameter, velocity, acc, dec, requiresAck, axis.CriterionAckOnly, timeout)
	return o.dispatch(ctx, cmd)
}
