package axis

import (
	"sync"
	"time"

	"github.com/kstaniek/drive-orchestrator/internal/frame"
	"github.com/kstaniek/drive-orchestrator/internal/orcherr"
)

// State is the per-slave entry of the axis state table (spec §2 item 2).
// The loop is its sole owner except for Gate, which callers hold across
// their own await points; the loop never takes Gate.
type State struct {
	Slave int

	// Gate serializes callers targeting this axis. Taken by the caller
	// once its arguments are validated and held through promise
	// resolution (spec §4.2).
	Gate sync.Mutex

	// Owned exclusively by the loop from here down.
	LastTx      frame.TxFrame
	PrevTx      frame.TxFrame
	LastRx      frame.RxFrame
	Active      *Command
	Stopped     bool // stop-latch bit
	LastFault   orcherr.Code
	LastFaultAt time.Time
	nextSeq     uint64
}

// NewTable allocates a zeroed axis state table for the given slave
// count, RxFrames pre-filled with NOP as spec §4.1 requires. The slice
// is 0-based (spec §3 "internal arrays use 0-based"); State.Slave holds
// the corresponding 1-based number used by the adapter and external API.
func NewTable(slaveCount int) []*State {
	table := make([]*State, slaveCount)
	for i := 0; i < slaveCount; i++ {
		table[i] = &State{Slave: i + 1, LastRx: frame.NOP(), LastFault: orcherr.CodeNone}
	}
	return table
}

// NextSeq returns a strictly increasing per-axis sequence number for
// StatusChanged events.
func (s *State) NextSeq() uint64 {
	s.nextSeq++
	return s.nextSeq
}
