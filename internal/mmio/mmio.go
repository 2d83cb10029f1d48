// Package mmio models the device's register window. Production transports
// map a BAR and implement RegisterFile over it; tests and the in-process
// emulator use Mem. Registers are 32-bit; 64-bit values span a lo/hi pair
// and are read with a tear guard.
package mmio

import "sync"

// Register offsets within the control window. All accesses are 32-bit.
const (
	RegMagic      = 0x00 // reads MagicValue on a live device
	RegABIVersion = 0x04

	RegRingGPALo     = 0x10
	RegRingGPAHi     = 0x14
	RegRingSizeBytes = 0x18

	RegFencePageGPALo = 0x20
	RegFencePageGPAHi = 0x24

	// Doorbell: the guest writes the engine id after publishing a tail.
	RegDoorbell = 0x30

	RegCompletedFenceLo = 0x40
	RegCompletedFenceHi = 0x44

	RegIRQStatus = 0x50
	RegIRQAck    = 0x54

	RegErrorCode    = 0x60
	RegErrorFenceLo = 0x64
	RegErrorFenceHi = 0x68

	// WindowSize is the span a transport must map.
	WindowSize = 0x80
)

// MagicValue is returned by RegMagic; the bytes spell "AGPU".
const MagicValue = 0x55504741

// IRQStatus bits.
const (
	IRQFence = 1 << 0 // completed fence advanced
	IRQError = 1 << 1 // error registers hold a fault
)

// Device error codes surfaced through RegErrorCode.
const (
	DevErrNone      = 0
	DevErrCmdDecode = 1 // malformed command stream; error fence identifies the submission
	DevErrBadAlloc  = 2 // alloc table referenced an unknown allocation
	DevErrInternal  = 3
)

// RegisterFile is a mapped control window.
type RegisterFile interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// Read64 reads a lo/hi register pair without tearing: the hi half is read
// on both sides of the lo half and the read retries while it moves.
func Read64(r RegisterFile, lo uint32) uint64 {
	for {
		hi1 := r.Read32(lo + 4)
		lov := r.Read32(lo)
		hi2 := r.Read32(lo + 4)
		if hi1 == hi2 {
			return uint64(hi1)<<32 | uint64(lov)
		}
	}
}

// Write64 writes a lo/hi register pair, hi half last so a concurrent
// Read64 settles on a consistent value.
func Write64(r RegisterFile, lo uint32, v uint64) {
	r.Write32(lo, uint32(v))
	r.Write32(lo+4, uint32(v>>32))
}

// Mem is an in-memory register window. OnWrite, when set, observes every
// write after it lands; the emulator hangs its doorbell handling off it.
type Mem struct {
	mu      sync.Mutex
	regs    [WindowSize / 4]uint32
	OnWrite func(off, v uint32)
}

// NewMem returns a register window advertising the device magic and abi.
func NewMem(abiVersion uint32) *Mem {
	m := &Mem{}
	m.regs[RegMagic/4] = MagicValue
	m.regs[RegABIVersion/4] = abiVersion
	return m
}

func (m *Mem) Read32(off uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[off/4]
}

func (m *Mem) Write32(off uint32, v uint32) {
	m.mu.Lock()
	m.regs[off/4] = v
	hook := m.OnWrite
	m.mu.Unlock()
	if hook != nil {
		hook(off, v)
	}
}

// FenceQuery adapts the completed-fence register pair to the fence probe
// shape. More expensive than the fence page (a register read may be a trap
// on real transports), so callers rate-limit it.
type FenceQuery struct {
	R RegisterFile
}

// Completed reads the device's completed fence registers.
func (q *FenceQuery) Completed() (uint64, error) {
	return Read64(q.R, RegCompletedFenceLo), nil
}
