// Package adapter defines the capability surface the orchestrator core
// depends on to exchange cyclic process data with a fieldbus of piezo
// drives. Concrete variants are the native shim (cgo, Linux-only) and
// the in-memory simulator used by tests and the bench CLI; the core
// depends only on this interface, never on a concrete concurrency model
// underneath it (spec §9 "Polymorphism over adapter").
package adapter

import (
	"context"

	"github.com/kstaniek/drive-orchestrator/internal/frame"
)

// Exchange error codes mirror the native shim's fixed negative return
// values (see original_source/native/soemshim/soem_shim.h), so Phase E
// of the I/O loop can classify them without a translation table.
const (
	ErrWKCLow   = -10
	ErrSendFail = -11
	ErrRecvFail = -12
	ErrBadArgs  = -13
)

// HealthSnapshot is the adapter's self-reported bus health for one tick.
type HealthSnapshot struct {
	SlavesFound       int
	GroupExpectedWKC  int
	LastWKC           int
	BytesOut          int
	BytesIn           int
	SlavesOperational int
	ALStatusCode      uint32
}

// Adapter is the capability surface consumed by the I/O loop. A handle
// is opened exactly once via Open and is not safe for concurrent use by
// more than one caller; the orchestrator core serializes all access to
// it from its single dedicated worker.
type Adapter interface {
	// SlaveCount returns the number of slaves discovered at Open time.
	SlaveCount() int
	// WriteRx stages the RxFrame for the given 1-based slave index.
	WriteRx(slave int, rx frame.RxFrame) error
	// ReadTx returns the most recently exchanged TxFrame for the given
	// 1-based slave index.
	ReadTx(slave int) (frame.TxFrame, error)
	// Exchange performs one cyclic process-data exchange and returns the
	// resulting working counter, or a negative error code (see the
	// Err* constants) on failure.
	Exchange(ctx context.Context, timeoutUs int) (wkc int, err error)
	// Health returns the adapter's current bus health snapshot.
	Health() HealthSnapshot
	// Recover attempts an in-place bus recovery, returning a positive
	// count of recovered slaves on success, or <= 0 on failure.
	Recover(ctx context.Context, timeoutMs int) int
	// DrainErrors returns and clears any pending adapter-side error text.
	DrainErrors() string
	// Shutdown releases all resources held by the handle. Idempotent.
	Shutdown()
}

// OpenFunc opens a new Adapter bound to the named network interface.
// Implementations are expected to fail fast: a non-nil error means no
// handle was allocated.
type OpenFunc func(ifname string) (Adapter, error)
