// Package faultclass implements the pure fault-priority table that maps
// a decoded TxFrame status vector to at most one DriveErrorCode. It has
// no I/O and no mutable state, a plain lookup-table helper function.
package faultclass

import (
	"github.com/kstaniek/drive-orchestrator/internal/frame"
	"github.com/kstaniek/drive-orchestrator/internal/orcherr"
)

// Result is the outcome of classifying one TxFrame.
type Result struct {
	Code    orcherr.Code
	Message string
	Hint    string
}

// entry is one row of the fixed priority table.
type entry struct {
	trigger func(tx frame.TxFrame) bool
	code    orcherr.Code
	message string
	hint    string
}

// table is checked top to bottom; the first matching row wins. Order
// mirrors the priority column exactly.
var table = []entry{
	{
		trigger: func(tx frame.TxFrame) bool { return tx.Get(frame.ThermalProtection1) },
		code:    orcherr.CodeThermalProtection,
		message: "thermal protection 1 asserted",
		hint:    "let drive cool; ENBL=1 or RSET",
	},
	{
		trigger: func(tx frame.TxFrame) bool { return tx.Get(frame.ThermalProtection2) },
		code:    orcherr.CodeThermalProtection,
		message: "thermal protection 2 asserted",
		hint:    "let drive cool; ENBL=1 or RSET",
	},
	{
		trigger: func(tx frame.TxFrame) bool { return tx.Get(frame.EncoderError) },
		code:    orcherr.CodeEncoderError,
		message: "encoder error asserted",
		hint:    "check encoder; RSET then INDX",
	},
	{
		trigger: func(tx frame.TxFrame) bool { return tx.Get(frame.ErrorLimit) },
		code:    orcherr.CodeFollowError,
		message: "error limit exceeded",
		hint:    "reduce speed/accel; ENBL=1",
	},
	{
		trigger: func(tx frame.TxFrame) bool { return tx.Get(frame.SafetyTimeout) },
		code:    orcherr.CodeSafetyTimeout,
		message: "safety timeout asserted",
		hint:    "RSET or ENBL=1; adjust TOU2",
	},
	{
		trigger: func(tx frame.TxFrame) bool { return tx.Get(frame.EmergencyStop) },
		code:    orcherr.CodeEmergencyStop,
		message: "emergency stop asserted",
		hint:    "clear E-stop; ENBL=1 or RSET",
	},
	{
		trigger: func(tx frame.TxFrame) bool { return tx.Get(frame.PositionFail) },
		code:    orcherr.CodePositionFail,
		message: "position fail asserted",
		hint:    "relax PTOL/PTO2/TOU3; ENBL=1 or RSET",
	},
	{
		trigger: func(tx frame.TxFrame) bool {
			return tx.Get(frame.EndStop) && tx.Get(frame.LeftEndStop)
		},
		code:    orcherr.CodeEndStopHit,
		message: "left end stop hit",
		hint:    "jog away from left",
	},
	{
		trigger: func(tx frame.TxFrame) bool {
			return tx.Get(frame.EndStop) && tx.Get(frame.RightEndStop)
		},
		code:    orcherr.CodeEndStopHit,
		message: "right end stop hit",
		hint:    "jog away from right",
	},
}

// Classify returns the first matching fault in priority order, or ok=false
// if no row matches.
func Classify(tx frame.TxFrame) (Result, bool) {
	for _, e := range table {
		if e.trigger(tx) {
			return Result{Code: e.code, Message: e.message, Hint: e.hint}, true
		}
	}
	return Result{}, false
}
