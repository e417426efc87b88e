package frame

import "testing"

func TestRxFrame_Encode(t *testing.T) {
	f := RxFrame{
		Command:      CmdDPOS,
		Parameter:    100000,
		Velocity:     30000,
		Acceleration: 1000,
		Deceleration: 1000,
		Execute:      1,
	}
	buf := f.Encode()
	if len(buf) != RxSize {
		t.Fatalf("encoded length = %d, want %d", len(buf), RxSize)
	}
	if string(buf[0:4]) != "DPOS" {
		t.Fatalf("command field = %q, want DPOS", buf[0:4])
	}
	for i := 4; i < 32; i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d = %d, want null pad", i, buf[i])
		}
	}
	if buf[44] != 1 {
		t.Fatalf("execute byte = %d, want 1", buf[44])
	}
}

func TestTxFrame_MaskAndChangedMask(t *testing.T) {
	a := TxFrame{}
	a.Status[PositionReached] = true
	b := TxFrame{}
	b.Status[MotorOn] = true

	changed := ChangedMask(a, b)
	if changed == 0 {
		t.Fatalf("expected non-zero changed mask")
	}
	if changed&(1<<uint(PositionReached)) == 0 {
		t.Fatalf("changed mask missing PositionReached bit")
	}
	if changed&(1<<uint(MotorOn)) == 0 {
		t.Fatalf("changed mask missing MotorOn bit")
	}

	same := ChangedMask(a, a)
	if same != 0 {
		t.Fatalf("expected zero changed mask for identical frames, got %#x", same)
	}
}

func TestNOP(t *testing.T) {
	n := NOP()
	if n.Command != CmdNOP || n.Execute != 0 {
		t.Fatalf("NOP() = %+v, want Command=NOP Execute=0", n)
	}
}
