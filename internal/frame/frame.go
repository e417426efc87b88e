// Package frame defines the wire-level process data exchanged with a
// piezo-motion slave: the RxPDO written by the master and the TxPDO
// read back from the drive.
package frame

import "encoding/binary"

// RxSize is the packed, little-endian, unaligned size of an RxFrame on the wire.
const RxSize = 32 + 4 + 4 + 2 + 2 + 1 // 45 bytes

// TxSize is the packed size of a TxFrame on the wire: position + 3 status
// bytes + 1 slot byte.
const TxSize = 4 + 3 + 1 // 8 bytes

// Known command keywords. Unknown keywords are passed through verbatim
// (upper-cased) by SendRaw.
const (
	CmdDPOS = "DPOS"
	CmdSCAN = "SCAN"
	CmdINDX = "INDX"
	CmdENBL = "ENBL"
	CmdRSET = "RSET"
	CmdHALT = "HALT"
	CmdSTOP = "STOP"
	CmdNOP  = "NOP"
)

// RxFrame is the process data written to a slave on every tick.
type RxFrame struct {
	Command      string
	Parameter    int32
	Velocity     int32
	Acceleration uint16
	Deceleration uint16
	Execute      uint8
}

// NOP returns the idle RxFrame staged for an axis with no active command.
func NOP() RxFrame { return RxFrame{Command: CmdNOP} }

// Encode packs an RxFrame into its 45-byte wire representation.
func (f RxFrame) Encode() [RxSize]byte {
	var buf [RxSize]byte
	copy(buf[0:32], []byte(f.Command))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(f.Parameter))
	binary.LittleEndian.PutUint32(buf[36:40], uint32(f.Velocity))
	binary.LittleEndian.PutUint16(buf[40:42], f.Acceleration)
	binary.LittleEndian.PutUint16(buf[42:44], f.Deceleration)
	buf[44] = f.Execute
	return buf
}

// StatusBit identifies one of the 22 decoded TxFrame status flags.
type StatusBit int

const (
	AmplifiersEnabled StatusBit = iota
	EndStop
	ThermalProtection1
	ThermalProtection2
	ForceZero
	MotorOn
	ClosedLoop
	EncoderAtIndex
	EncoderValid
	SearchingIndex
	PositionReached
	ErrorCompensation
	EncoderError
	Scanning
	LeftEndStop
	RightEndStop
	ErrorLimit
	SearchingOptimalFrequency
	SafetyTimeout
	ExecuteAck
	EmergencyStop
	PositionFail

	numStatusBits
)

// TxFrame is the process data read back from a slave on every tick.
// Status bits are decoded booleans; the orchestrator never depends on
// their wire bit placement (see spec §6).
type TxFrame struct {
	ActualPosition int32
	Status         [numStatusBits]bool
	Slot           uint8
}

// Get reports whether the given status bit is set.
func (f TxFrame) Get(b StatusBit) bool { return f.Status[b] }

// Mask packs the decoded status bits into a 32-bit mask, bit N = StatusBit(N).
// Used only to detect and report changes between ticks (spec §3, §4.3 Phase F);
// the bit ordering here is internal and carries no wire meaning.
func (f TxFrame) Mask() uint32 {
	var m uint32
	for i := 0; i < int(numStatusBits); i++ {
		if f.Status[i] {
			m |= 1 << uint(i)
		}
	}
	return m
}

// ChangedMask returns the XOR of two status masks.
func ChangedMask(a, b TxFrame) uint32 { return a.Mask() ^ b.Mask() }
