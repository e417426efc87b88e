package bench

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/drive-orchestrator/internal/frame"
)

type fakePort struct {
	mu      sync.Mutex
	writes  [][]byte
	closed  bool
	writeCh chan []byte
}

func newFakePort() *fakePort {
	return &fakePort{writeCh: make(chan []byte, 16)}
}

func (p *fakePort) Write(b []byte) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	p.mu.Lock()
	p.writes = append(p.writes, cp)
	p.mu.Unlock()
	p.writeCh <- cp
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func TestSerialMirror_ObserveEncodesSlaveAndFrame(t *testing.T) {
	port := newFakePort()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewSerialMirror(ctx, port, 8)
	defer m.Close()

	rx := frame.RxFrame{Command: frame.CmdDPOS, Parameter: 100_000, Velocity: 30_000, Acceleration: 1000, Deceleration: 1000, Execute: 1}
	m.Observe(3, rx)

	select {
	case got := <-port.writeCh:
		if len(got) != 1+frame.RxSize {
			t.Fatalf("expected %d bytes, got %d", 1+frame.RxSize, len(got))
		}
		if got[0] != 3 {
			t.Fatalf("expected slave prefix byte 3, got %d", got[0])
		}
		wantEnc := rx.Encode()
		for i, b := range wantEnc {
			if got[1+i] != b {
				t.Fatalf("encoded frame mismatch at byte %d: got %d want %d", i, got[1+i], b)
			}
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for mirrored write")
	}
}

func TestSerialMirror_CloseClosesPort(t *testing.T) {
	port := newFakePort()
	m := NewSerialMirror(context.Background(), port, 4)
	m.Close()

	port.mu.Lock()
	closed := port.closed
	port.mu.Unlock()
	if !closed {
		t.Fatalf("expected Close to close the underlying port")
	}
}
