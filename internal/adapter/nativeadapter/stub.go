//go:build !linux

package nativeadapter

import (
	"errors"

	"github.com/kstaniek/drive-orchestrator/internal/adapter"
)

// ErrUnsupported is returned by Open on platforms without the cgo SOEM
// shim.
var ErrUnsupported = errors.New("nativeadapter: unsupported on this platform")

// Open always fails outside Linux; callers should fall back to
// simadapter for development and testing on other platforms.
func Open(ifname string) (adapter.Adapter, error) {
	return nil, ErrUnsupported
}
