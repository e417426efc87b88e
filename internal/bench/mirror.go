// Package bench provides optional bench-rig tooling: a serial mirror
// that copies every RxFrame written by the simulator to a physical
// serial line, so a logic analyzer or a second MCU can observe traffic
// during development. It is never required for the core loop; wiring
// it is opt-in via simadapter.Sim.Mirror.
package bench

import (
	"context"
	"time"

	"github.com/tarm/serial"

	"github.com/kstaniek/drive-orchestrator/internal/frame"
	"github.com/kstaniek/drive-orchestrator/internal/ioqueue"
	"github.com/kstaniek/drive-orchestrator/internal/logging"
	"github.com/kstaniek/drive-orchestrator/internal/metrics"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Write(p []byte) (int, error)
	Close() error
}

// OpenPort opens a real serial port for mirroring.
func OpenPort(name string, baud int, writeTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: writeTimeout}
	return serial.OpenPort(cfg)
}

// SerialMirror asynchronously copies RxFrame writes to a serial port,
// never blocking the I/O loop that feeds it.
type SerialMirror struct {
	port Port
	w    *ioqueue.AsyncWriter
}

// NewSerialMirror starts a mirror with the given queue depth.
func NewSerialMirror(ctx context.Context, port Port, queueDepth int) *SerialMirror {
	m := &SerialMirror{port: port}
	send := func(p []byte) error {
		_, err := port.Write(p)
		return err
	}
	m.w = ioqueue.New(ctx, queueDepth, send, ioqueue.Hooks{
		OnError: func(err error) {
			logging.L().Warn("bench_mirror_write_error", "error", err)
		},
		OnAfter: metrics.IncBenchMirrorFrames,
		OnDrop: func() error {
			metrics.IncBenchMirrorDrops()
			return nil
		},
	})
	return m
}

// Observe encodes and enqueues one RxFrame write for mirroring. Slave is
// prefixed as a single byte so a capture tool can demux multiple axes
// sharing one serial line.
func (m *SerialMirror) Observe(slave int, rx frame.RxFrame) {
	enc := rx.Encode()
	buf := make([]byte, 1+len(enc))
	buf[0] = byte(slave)
	copy(buf[1:], enc[:])
	_ = m.w.Send(buf)
}

// Close stops the mirror and closes the underlying port.
func (m *SerialMirror) Close() {
	m.w.Close()
	_ = m.port.Close()
}
