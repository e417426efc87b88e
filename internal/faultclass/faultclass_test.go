package faultclass

import (
	"testing"

	"github.com/kstaniek/drive-orchestrator/internal/frame"
	"github.com/kstaniek/drive-orchestrator/internal/orcherr"
)

func withBit(b frame.StatusBit) frame.TxFrame {
	var tx frame.TxFrame
	tx.Status[b] = true
	return tx
}

func TestClassify_Priority(t *testing.T) {
	cases := []struct {
		name string
		tx   frame.TxFrame
		want orcherr.Code
	}{
		{"thermal1", withBit(frame.ThermalProtection1), orcherr.CodeThermalProtection},
		{"thermal2", withBit(frame.ThermalProtection2), orcherr.CodeThermalProtection},
		{"encoder", withBit(frame.EncoderError), orcherr.CodeEncoderError},
		{"errorlimit", withBit(frame.ErrorLimit), orcherr.CodeFollowError},
		{"safety", withBit(frame.SafetyTimeout), orcherr.CodeSafetyTimeout},
		{"estop", withBit(frame.EmergencyStop), orcherr.CodeEmergencyStop},
		{"posfail", withBit(frame.PositionFail), orcherr.CodePositionFail},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := Classify(c.tx)
			if !ok {
				t.Fatalf("expected a fault, got none")
			}
			if got.Code != c.want {
				t.Fatalf("got %v, want %v", got.Code, c.want)
			}
		})
	}
}

func TestClassify_EndStopRequiresDirectionBit(t *testing.T) {
	var tx frame.TxFrame
	tx.Status[frame.EndStop] = true
	if _, ok := Classify(tx); ok {
		t.Fatalf("EndStop alone without a direction bit must not classify")
	}
	tx.Status[frame.LeftEndStop] = true
	got, ok := Classify(tx)
	if !ok || got.Code != orcherr.CodeEndStopHit {
		t.Fatalf("expected EndStopHit, got %+v ok=%v", got, ok)
	}
}

func TestClassify_PriorityOrderWinsOverLowerPriority(t *testing.T) {
	var tx frame.TxFrame
	tx.Status[frame.PositionFail] = true
	tx.Status[frame.ThermalProtection1] = true
	got, ok := Classify(tx)
	if !ok || got.Code != orcherr.CodeThermalProtection {
		t.Fatalf("expected higher-priority ThermalProtection to win, got %+v", got)
	}
}

func TestClassify_NoneWhenClean(t *testing.T) {
	var tx frame.TxFrame
	if _, ok := Classify(tx); ok {
		t.Fatalf("expected no fault on a clean TxFrame")
	}
}
