//go:build linux

// Package nativeadapter wraps the cgo SOEM shim as an adapter.Adapter,
// the production backend for a real EtherCAT fieldbus of piezo drives.
// Non-Linux builds get the stub in stub.go.
package nativeadapter

/*
#cgo LDFLAGS: -lsoemshim -lsoem
#include <stdlib.h>
#include "soem_shim.h"
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/kstaniek/drive-orchestrator/internal/adapter"
	"github.com/kstaniek/drive-orchestrator/internal/frame"
)

var errClosed = errors.New("nativeadapter: handle closed")

// Handle wraps a soem_handle_t* opened for one network interface. The
// shim itself is not thread-safe, so every method holds mu and calls
// into the shim are serialized; in practice the orchestrator's single
// I/O-loop goroutine is its only caller.
type Handle struct {
	mu       sync.Mutex
	ptr      *C.soem_handle_t
	slaves   int
	errBuf   [512]C.char
	closed   bool
}

// Open initializes the SOEM shim on the named interface.
func Open(ifname string) (adapter.Adapter, error) {
	cname := C.CString(ifname)
	defer C.free(unsafe.Pointer(cname))

	ptr := C.soem_initialize(cname)
	if ptr == nil {
		return nil, fmt.Errorf("nativeadapter: soem_initialize(%s) failed", ifname)
	}
	n := int(C.soem_get_slave_count(ptr))
	return &Handle{ptr: ptr, slaves: n}, nil
}

func (h *Handle) SlaveCount() int { return h.slaves }

func (h *Handle) WriteRx(slave int, rx frame.RxFrame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errClosed
	}
	var pdo C.DriveRxPDO
	cmd := []byte(rx.Command)
	for i := 0; i < len(pdo.Command) && i < len(cmd); i++ {
		pdo.Command[i] = C.char(cmd[i])
	}
	pdo.Parameter = C.int32_t(rx.Parameter)
	pdo.Velocity = C.uint32_t(rx.Velocity)
	pdo.Acceleration = C.uint16_t(rx.Acceleration)
	pdo.Deceleration = C.uint16_t(rx.Deceleration)
	pdo.Execute = C.uint8_t(rx.Execute)
	rc := C.soem_write_rxpdo(h.ptr, C.int(slave), &pdo)
	if rc < 0 {
		return fmt.Errorf("nativeadapter: write_rxpdo(%d) rc=%d", slave, int(rc))
	}
	return nil
}

func (h *Handle) ReadTx(slave int) (frame.TxFrame, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return frame.TxFrame{}, errClosed
	}
	var pdo C.DriveTxPDO
	rc := C.soem_read_txpdo(h.ptr, C.int(slave), &pdo)
	if rc < 0 {
		return frame.TxFrame{}, fmt.Errorf("nativeadapter: read_txpdo(%d) rc=%d", slave, int(rc))
	}
	return decodeTxPDO(pdo), nil
}

func (h *Handle) Exchange(ctx context.Context, timeoutUs int) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, errClosed
	}
	wkc := C.soem_exchange_process_data(h.ptr, nil, 0, nil, 0, C.int(timeoutUs))
	return int(wkc), nil
}

func (h *Handle) Health() adapter.HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out C.soem_health_t
	if h.closed || C.soem_get_health(h.ptr, &out) < 0 {
		return adapter.HealthSnapshot{}
	}
	return adapter.HealthSnapshot{
		SlavesFound:       int(out.slaves_found),
		GroupExpectedWKC:  int(out.group_expected_wkc),
		LastWKC:           int(out.last_wkc),
		BytesOut:          int(out.bytes_out),
		BytesIn:           int(out.bytes_in),
		SlavesOperational: int(out.slaves_op),
		ALStatusCode:      uint32(out.al_status_code),
	}
}

func (h *Handle) Recover(ctx context.Context, timeoutMs int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}
	return int(C.soem_try_recover(h.ptr, C.int(timeoutMs)))
}

func (h *Handle) DrainErrors() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ""
	}
	n := C.soem_drain_error_list(h.ptr, &h.errBuf[0], C.int(len(h.errBuf)))
	if n <= 0 {
		return ""
	}
	return C.GoStringN(&h.errBuf[0], n)
}

func (h *Handle) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	C.soem_shutdown(h.ptr)
	h.closed = true
}

func decodeTxPDO(pdo C.DriveTxPDO) frame.TxFrame {
	tx := frame.TxFrame{ActualPosition: int32(pdo.ActualPosition), Slot: uint8(pdo.Slot)}
	tx.Status[frame.AmplifiersEnabled] = pdo.AmplifiersEnabled != 0
	tx.Status[frame.EndStop] = pdo.EndStop != 0
	tx.Status[frame.ThermalProtection1] = pdo.ThermalProtection1 != 0
	tx.Status[frame.ThermalProtection2] = pdo.ThermalProtection2 != 0
	tx.Status[frame.ForceZero] = pdo.ForceZero != 0
	tx.Status[frame.MotorOn] = pdo.MotorOn != 0
	tx.Status[frame.ClosedLoop] = pdo.ClosedLoop != 0
	tx.Status[frame.EncoderAtIndex] = pdo.EncoderIndex != 0
	tx.Status[frame.EncoderValid] = pdo.EncoderValid != 0
	tx.Status[frame.SearchingIndex] = pdo.SearchingIndex != 0
	tx.Status[frame.PositionReached] = pdo.PositionReached != 0
	tx.Status[frame.ErrorCompensation] = pdo.ErrorCompensation != 0
	tx.Status[frame.EncoderError] = pdo.EncoderError != 0
	tx.Status[frame.Scanning] = pdo.Scanning != 0
	tx.Status[frame.LeftEndStop] = pdo.LeftEndStop != 0
	tx.Status[frame.RightEndStop] = pdo.RightEndStop != 0
	tx.Status[frame.ErrorLimit] = pdo.ErrorLimit != 0
	tx.Status[frame.SearchingOptimalFrequency] = pdo.SearchingOptimalFrequency != 0
	tx.Status[frame.SafetyTimeout] = pdo.SafetyTimeout != 0
	tx.Status[frame.ExecuteAck] = pdo.ExecuteAck != 0
	tx.Status[frame.EmergencyStop] = pdo.EmergencyStop != 0
	tx.Status[frame.PositionFail] = pdo.PositionFail != 0
	return tx
}
