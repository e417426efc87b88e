package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kstaniek/drive-orchestrator/internal/adapter"
	"github.com/kstaniek/drive-orchestrator/internal/axis"
	"github.com/kstaniek/drive-orchestrator/internal/faultclass"
	"github.com/kstaniek/drive-orchestrator/internal/frame"
	"github.com/kstaniek/drive-orchestrator/internal/metrics"
	"github.com/kstaniek/drive-orchestrator/internal/orcherr"
	"github.com/kstaniek/drive-orchestrator/internal/snapshot"
)

// runLoop is the orchestrator's single dedicated worker: one goroutine
// owns the adapter handle and the axis state table for the whole run
// (spec §1, §4.3). It never blocks on a caller and never shares the
// axis table with anything but itself.
func (o *Orchestrator) runLoop() {
	defer close(o.doneCh)

	ticker := time.NewTicker(o.cyclePeriod)
	defer ticker.Stop()

	var tickCount uint64
	for {
		select {
		case <-o.stopCh:
			o.drainAndShutdown()
			return
		case <-ticker.C:
			start := time.Now()
			tickCount++
			o.tick(tickCount)
			o.recordCycleTime(time.Since(start))
		}
	}
}

// drainAndShutdown fails every in-flight command and releases the
// adapter handle, in response to Shutdown (spec §4.1).
func (o *Orchestrator) drainAndShutdown() {
	for _, ax := range o.axes {
		if ax.Active != nil {
			ax.Active.Fail(orcherr.ErrSessionEnded)
			ax.Active = nil
		}
	}
	if o.handle != nil {
		o.handle.Shutdown()
	}
	o.initialized.Store(false)
}

func (o *Orchestrator) recordCycleTime(d time.Duration) {
	metrics.SetCycleTime(d.Seconds())
	o.lastCycleTime = d
	if o.minCycle == 0 || d < o.minCycle {
		o.minCycle = d
	}
	if d > o.maxCycle {
		o.maxCycle = d
	}
	if o.enableCycleTraceLogging {
		o.logger.Debug("cycle_trace", "duration", d)
	}
}

// tick runs phases A through H of one I/O loop cycle; the ticker in
// runLoop supplies phase I (the wait for the next cycle boundary).
func (o *Orchestrator) tick(tickCount uint64) {
	o.phaseAIngest()
	o.phaseBStageOutputs()
	wkc, exchangeErr := o.phaseCExchange()
	health := o.handle.Health()
	o.phaseEClassifyExchange(wkc, exchangeErr, health)
	o.phaseFProcessSlaves(tickCount, health)
	o.phaseGPublishSnapshot(health)
	o.phaseHDrainErrors()
	metrics.IncTick()
}

// phaseAIngest drains pending commands into each target axis's active
// slot, failing anything that cannot be admitted (spec §4.3 Phase A).
func (o *Orchestrator) phaseAIngest() {
	for {
		select {
		case cmd := <-o.ingest:
			o.admit(cmd)
		default:
			return
		}
	}
}

func (o *Orchestrator) admit(cmd *axis.Command) {
	if cmd.CheckCancelled() {
		cmd.Fail(orcherr.ErrCancelled)
		metrics.IncCommandOutcome(metrics.OutcomeCancelled)
		return
	}
	idx := cmd.Slave - 1
	if idx < 0 || idx >= len(o.axes) {
		cmd.Fail(orcherr.NewDriveError(cmd.Slave, orcherr.CodeUnknownFault, "slave index out of range", "", orcherr.ErrSlaveOutOfRange))
		metrics.IncCommandOutcome(metrics.OutcomeFailed)
		return
	}
	ax := o.axes[idx]
	if ax.Active != nil {
		cmd.Fail(orcherr.ErrAlreadyInFlight)
		metrics.IncCommandOutcome(metrics.OutcomeFailed)
		return
	}
	if cmd.Keyword == frame.CmdRSET || (cmd.Keyword == frame.CmdENBL && cmd.Parameter == 1) {
		o.stopLatch[idx].Store(false)
		ax.Stopped = false
	}
	cmd.Start()
	ax.Active = cmd
}

// phaseBStageOutputs builds the RxFrame for each axis and writes it to
// the adapter (spec §4.3 Phase B). A cancelled active command is
// dropped here without ever reaching the drive.
func (o *Orchestrator) phaseBStageOutputs() {
	for i, ax := range o.axes {
		cmd := ax.Active
		if cmd != nil && cmd.CheckCancelled() {
			cmd.Fail(orcherr.ErrCancelled)
			metrics.IncCommandOutcome(metrics.OutcomeCancelled)
			ax.Active = nil
			cmd = nil
		}
		var rx frame.RxFrame
		if cmd == nil {
			rx = frame.NOP()
		} else {
			rx = frame.RxFrame{
				Command:      cmd.Keyword,
				Parameter:    cmd.Parameter,
				Velocity:     cmd.Velocity,
				Acceleration: cmd.Acceleration,
				Deceleration: cmd.Deceleration,
			}
			if cmd.StatusRequiresExecute() {
				rx.Execute = 1
			}
		}
		o.rxFrames[i] = rx
		if err := o.handle.WriteRx(i+1, rx); err != nil {
			o.logger.Warn("write_rx_failed", "slave", i+1, "error", err)
		}
	}
}

func (o *Orchestrator) phaseCExchange() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cyclePeriod)
	defer cancel()
	return o.handle.Exchange(ctx, o.exchangeTimeoutUs)
}

// phaseEClassifyExchange implements the WKC/error ladder of spec §4.7:
// a healthy exchange resets both counters, a degraded WKC or unknown
// negative code strikes, and a fatal send/recv/bad-args error escalates
// its own counter toward a forced reinitialization.
func (o *Orchestrator) phaseEClassifyExchange(wkc int, err error, health adapter.HealthSnapshot) {
	healthy := err == nil && wkc >= 0 && wkc >= health.GroupExpectedWKC
	if healthy {
		o.wkcStrikes = 0
		o.fatalErrors = 0
		return
	}
	switch wkc {
	case adapter.ErrSendFail, adapter.ErrRecvFail, adapter.ErrBadArgs:
		o.fatalErrors++
		metrics.IncFatalExchangeError()
	default:
		o.wkcStrikes++
		metrics.IncWKCStrike()
	}
	o.evaluateLadder()
}

// evaluateLadder decides whether the accumulated strike/fatal counters
// call for an in-place recovery or a full reinitialization.
func (o *Orchestrator) evaluateLadder() {
	if o.fatalErrors >= defaultFatalErrorThreshold {
		o.reinitialize()
		o.wkcStrikes = 0
		o.fatalErrors = 0
		return
	}
	if o.wkcStrikes >= o.wkcRecoveryThreshold {
		metrics.IncRecoveryAttempt()
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(o.recoveryTimeoutMs)*time.Millisecond)
		n := o.handle.Recover(ctx, o.recoveryTimeoutMs)
		cancel()
		if n > 0 {
			time.Sleep(defaultRecoverSettleDelay)
			o.wkcStrikes = 0
		} else {
			o.reinitialize()
			o.wkcStrikes = 0
		}
	}
}

// reinitialize fails every in-flight command with ErrSessionRestarted,
// closes and reopens the adapter, and reallocates the axis table if the
// slave count changed (spec §4.7).
func (o *Orchestrator) reinitialize() {
	for _, ax := range o.axes {
		if ax.Active != nil {
			ax.Active.Fail(orcherr.ErrSessionRestarted)
			ax.Active = nil
		}
	}
	if o.handle != nil {
		o.handle.Shutdown()
	}
	time.Sleep(o.reinitializationDelay)

	handle, err := o.adapterOpen(o.ifname)
	if err != nil || handle == nil {
		o.logger.Error("reinitialize_failed", "interface", o.ifname, "error", err)
		o.handle = nil
		return
	}
	n := handle.SlaveCount()
	if n <= 0 {
		o.logger.Error("reinitialize_zero_slaves", "interface", o.ifname)
		handle.Shutdown()
		o.handle = nil
		return
	}
	if n != o.slaveCount {
		o.mu.Lock()
		o.slaveCount = n
		o.axes = axis.NewTable(n)
		o.stopLatch = make([]atomic.Bool, n)
		o.rxFrames = make([]frame.RxFrame, n)
		for i := range o.rxFrames {
			o.rxFrames[i] = frame.NOP()
		}
		o.txFrames = make([]frame.TxFrame, n)
		o.mu.Unlock()
	}
	o.handle = handle
	metrics.IncReinitialization()
	o.logger.Info("reinitialized", "interface", o.ifname, "slaves", n)
}

// phaseFProcessSlaves reads back each slave's TxFrame, emits a
// StatusChanged event on a meaningful change while a command is active,
// classifies faults with the per-slave throttle, and evaluates the
// active command's completion criterion (spec §4.3 Phase F, §4.4, §4.6).
func (o *Orchestrator) phaseFProcessSlaves(tickCount uint64, health adapter.HealthSnapshot) {
	for i, ax := range o.axes {
		tx, err := o.handle.ReadTx(i + 1)
		if err != nil {
			o.logger.Warn("read_tx_failed", "slave", i+1, "error", err)
			continue
		}
		prev := ax.LastTx
		ax.PrevTx = prev
		ax.LastTx = tx
		o.txFrames[i] = tx

		changedMask := frame.ChangedMask(tx, prev)
		posChanged := tx.ActualPosition != prev.ActualPosition
		if ax.Active != nil && (changedMask != 0 || posChanged) {
			o.statusHub.Publish(snapshot.DriveStatusChangeEvent{
				Slave:                ax.Slave,
				Timestamp:            time.Now(),
				MonotonicTicks:       tickCount,
				Sequence:             ax.NextSeq(),
				Current:              tx,
				Previous:             prev,
				ChangedBitsMask:      changedMask,
				ActiveCommandKeyword: ax.Active.Keyword,
			})
			metrics.IncStatusChanged()
		}

		if res, ok := faultclass.Classify(tx); ok {
			o.raiseFault(ax, tx, res, health)
		} else if ax.LastFault != orcherr.CodeNone {
			ax.LastFault = orcherr.CodeNone
			ax.LastFaultAt = time.Time{}
		}

		if ax.Active != nil {
			o.evaluateCommand(ax, tx, health)
		}
	}
}

// raiseFault publishes a Faulted event unless the same code was raised
// for this axis within the repeat interval, in which case it is
// suppressed (spec §4.6).
func (o *Orchestrator) raiseFault(ax *axis.State, tx frame.TxFrame, res faultclass.Result, health adapter.HealthSnapshot) {
	now := time.Now()
	if ax.LastFault == res.Code && now.Sub(ax.LastFaultAt) < o.faultRepeatInterval {
		metrics.IncFaultSuppressed(res.Code.String())
		return
	}
	ax.LastFault = res.Code
	ax.LastFaultAt = now
	o.faultHub.Publish(snapshot.FaultEvent{
		Slave:      ax.Slave,
		StatusBits: tx,
		Code:       res.Code,
		Message:    res.Message,
		Hint:       res.Hint,
		Health:     health,
		Timestamp:  now,
	})
	metrics.IncFaultRaised(res.Code.String())
}

// evaluateCommand implements the per-tick command evaluation order of
// spec §4.4: cancellation, ack latch, AL-status gate, completion
// criterion, then timeout.
func (o *Orchestrator) evaluateCommand(ax *axis.State, tx frame.TxFrame, health adapter.HealthSnapshot) {
	cmd := ax.Active
	if cmd.CheckCancelled() {
		ax.Active = nil
		cmd.Fail(orcherr.ErrCancelled)
		metrics.IncCommandOutcome(metrics.OutcomeCancelled)
		return
	}
	if !cmd.Acked && tx.Get(frame.ExecuteAck) {
		cmd.Acked = true
	}
	if health.ALStatusCode != 0 {
		ax.Active = nil
		derr := orcherr.NewDriveError(ax.Slave, orcherr.CodeUnknownFault, "AL status non-zero", "check adapter diagnostics", nil)
		cmd.Fail(derr)
		metrics.IncCommandOutcome(metrics.OutcomeFailed)
		o.raiseFault(ax, tx, faultclass.Result{Code: derr.Code, Message: derr.Message, Hint: derr.Hint}, health)
		return
	}

	completed, timedOut := checkCompletion(cmd, tx)
	if completed {
		ax.Active = nil
		cmd.Complete()
		metrics.IncCommandOutcome(metrics.OutcomeCompleted)
		return
	}
	if timedOut {
		o.failOnTimeout(ax, cmd, tx, health)
		return
	}
	if cmd.Criterion != axis.CriterionAckWithTimeout && cmd.Timeout > 0 && time.Since(cmd.StartTime) >= cmd.Timeout {
		o.failOnTimeout(ax, cmd, tx, health)
	}
}

func (o *Orchestrator) failOnTimeout(ax *axis.State, cmd *axis.Command, tx frame.TxFrame, health adapter.HealthSnapshot) {
	ax.Active = nil
	derr := orcherr.NewDriveError(ax.Slave, orcherr.CodeSafetyTimeout, "command timed out", "check drive status and retry", nil)
	cmd.Fail(derr)
	metrics.IncCommandOutcome(metrics.OutcomeTimedOut)
	o.raiseFault(ax, tx, faultclass.Result{Code: derr.Code, Message: derr.Message, Hint: derr.Hint}, health)
}

// checkCompletion evaluates one command's completion criterion against
// the freshly read TxFrame, per the table in spec §4.2/§4.4.
func checkCompletion(cmd *axis.Command, tx frame.TxFrame) (completed, timedOut bool) {
	switch cmd.Criterion {
	case axis.CriterionAckOnly:
		return cmd.Acked, false
	case axis.CriterionAckWithTimeout:
		elapsed := time.Since(cmd.StartTime)
		if elapsed >= cmd.AckTimeout {
			return cmd.Acked, !cmd.Acked
		}
		return false, false
	case axis.CriterionPositionReached:
		posEdge, motorFallEdge := cmd.EvalEdges(tx)
		if posEdge || motorFallEdge {
			return true, false
		}
		if cmd.Keyword == frame.CmdDPOS && tx.ActualPosition == cmd.Parameter {
			return true, false
		}
		return false, false
	case axis.CriterionIndexed:
		return tx.Get(frame.EncoderValid) && tx.Get(frame.PositionReached), false
	case axis.CriterionEnabled:
		return tx.Get(frame.AmplifiersEnabled) && tx.Get(frame.MotorOn), false
	case axis.CriterionDisabled:
		return !tx.Get(frame.AmplifiersEnabled), false
	case axis.CriterionHalt:
		return !tx.Get(frame.Scanning), false
	default:
		return false, false
	}
}

// phaseGPublishSnapshot swaps in the tick's StatusSnapshot (spec §4.3
// Phase G). The published slice is a fresh copy so it never aliases the
// loop's live per-axis arrays.
func (o *Orchestrator) phaseGPublishSnapshot(health adapter.HealthSnapshot) {
	states := make([]frame.TxFrame, len(o.axes))
	for i, ax := range o.axes {
		states[i] = ax.LastTx
	}
	o.snapSeq.Add(1)
	o.publisher.Publish(snapshot.StatusSnapshot{
		Timestamp:   time.Now(),
		Health:      health,
		DriveStates: states,
		CycleTime:   o.lastCycleTime,
		MinCycle:    o.minCycle,
		MaxCycle:    o.maxCycle,
		Sequence:    o.snapSeq.Load(),
	})
	metrics.IncSnapshotPublished()
}

func (o *Orchestrator) phaseHDrainErrors() {
	if text := o.handle.DrainErrors(); text != "" {
		o.logger.Error("adapter_error", "text", text)
	}
}
