package abi

import (
	"errors"
	"fmt"
)

// Shared structures cross a trust boundary: the device side may be stale,
// truncated, or adversarial. Nothing read back from shared memory may be
// interpreted until its header validates. A structure that fails validation
// is rejected whole, never partially used.

var (
	ErrBadMagic       = errors.New("bad magic")
	ErrBadABIVersion  = errors.New("unsupported abi major version")
	ErrBadEntryCount  = errors.New("entry count not a nonzero power of two")
	ErrBadStrideField = errors.New("entry stride too small")
	ErrBadSizeField   = errors.New("declared size inconsistent with layout")
	ErrRegionTooSmall = errors.New("declared size exceeds backing region")
	ErrBadAlignment   = errors.New("size not 4-byte aligned")
)

func checkABIVersion(v uint32) error {
	if ABIVersionMajor(v) != ABIMajor {
		return fmt.Errorf("%w: %#08x", ErrBadABIVersion, v)
	}
	return nil
}

func isPow2(n uint32) bool { return n != 0 && n&(n-1) == 0 }

// Validate checks a ring header read from shared memory. regionSize is the
// size of the mapped backing region; the guest-declared size must fit inside
// it. Pass 0 to skip the region check.
func (h *RingHeader) Validate(regionSize uint32) error {
	if h.Magic != RingMagic {
		return fmt.Errorf("ring header: %w: got %#08x want %#08x", ErrBadMagic, h.Magic, uint32(RingMagic))
	}
	if err := checkABIVersion(h.ABIVersion); err != nil {
		return fmt.Errorf("ring header: %w", err)
	}
	required := uint64(RingHeaderSize) + uint64(h.EntryCount)*uint64(h.EntryStrideBytes)
	if uint64(h.SizeBytes) < required {
		return fmt.Errorf("ring header: %w: size %d < required %d", ErrBadSizeField, h.SizeBytes, required)
	}
	if !isPow2(h.EntryCount) {
		return fmt.Errorf("ring header: %w: got %d", ErrBadEntryCount, h.EntryCount)
	}
	if h.EntryStrideBytes < SubmitDescSize {
		return fmt.Errorf("ring header: %w: got %d want >= %d", ErrBadStrideField, h.EntryStrideBytes, SubmitDescSize)
	}
	if regionSize != 0 && h.SizeBytes > regionSize {
		return fmt.Errorf("ring header: %w: declared %d region %d", ErrRegionTooSmall, h.SizeBytes, regionSize)
	}
	return nil
}

// SlotOffset returns the byte offset of ring slot index i mod entry_count.
// Valid only after Validate has succeeded.
func (h *RingHeader) SlotOffset(index uint32) uint32 {
	// entry_count is a validated power of two.
	slot := index & (h.EntryCount - 1)
	return RingHeaderSize + slot*h.EntryStrideBytes
}

// Validate checks a submission descriptor.
func (d *SubmitDesc) Validate() error {
	if d.DescSizeBytes < SubmitDescSize {
		return fmt.Errorf("submit desc: %w: got %d want >= %d", ErrBadSizeField, d.DescSizeBytes, SubmitDescSize)
	}
	if d.AllocTableGPA == 0 && d.AllocTableSizeBytes != 0 {
		return fmt.Errorf("submit desc: %w: table size %d with null gpa", ErrBadSizeField, d.AllocTableSizeBytes)
	}
	return nil
}

// Validate checks an allocation table header against the size of the buffer
// it was read from.
func (h *AllocTableHeader) Validate(bufSize uint32) error {
	if h.Magic != AllocTableMagic {
		return fmt.Errorf("alloc table: %w: got %#08x want %#08x", ErrBadMagic, h.Magic, uint32(AllocTableMagic))
	}
	if err := checkABIVersion(h.ABIVersion); err != nil {
		return fmt.Errorf("alloc table: %w", err)
	}
	if h.EntryStrideBytes < AllocEntrySize {
		return fmt.Errorf("alloc table: %w: got %d want >= %d", ErrBadStrideField, h.EntryStrideBytes, AllocEntrySize)
	}
	required := uint64(AllocTableHeaderSize) + uint64(h.EntryCount)*uint64(h.EntryStrideBytes)
	if uint64(h.SizeBytes) < required {
		return fmt.Errorf("alloc table: %w: size %d < required %d", ErrBadSizeField, h.SizeBytes, required)
	}
	if bufSize != 0 && h.SizeBytes > bufSize {
		return fmt.Errorf("alloc table: %w: declared %d buffer %d", ErrRegionTooSmall, h.SizeBytes, bufSize)
	}
	return nil
}

// Validate checks a fence page header. The completed_fence value itself needs
// no validation; it is merged monotonically by the fence tracker.
func (p *FencePage) Validate() error {
	if p.Magic != FencePageMagic {
		return fmt.Errorf("fence page: %w: got %#08x want %#08x", ErrBadMagic, p.Magic, uint32(FencePageMagic))
	}
	if err := checkABIVersion(p.ABIVersion); err != nil {
		return fmt.Errorf("fence page: %w", err)
	}
	return nil
}

// Validate checks a command stream header against the backing buffer size.
func (h *CmdStreamHeader) Validate(bufSize uint32) error {
	if h.Magic != CmdStreamMagic {
		return fmt.Errorf("cmd stream: %w: got %#08x want %#08x", ErrBadMagic, h.Magic, uint32(CmdStreamMagic))
	}
	if err := checkABIVersion(h.ABIVersion); err != nil {
		return fmt.Errorf("cmd stream: %w", err)
	}
	if h.SizeBytes < CmdStreamHeaderSize {
		return fmt.Errorf("cmd stream: %w: size %d < header %d", ErrBadSizeField, h.SizeBytes, CmdStreamHeaderSize)
	}
	if h.SizeBytes%CmdAlign != 0 {
		return fmt.Errorf("cmd stream: %w: size %d", ErrBadAlignment, h.SizeBytes)
	}
	if bufSize != 0 && h.SizeBytes > bufSize {
		return fmt.Errorf("cmd stream: %w: declared %d buffer %d", ErrRegionTooSmall, h.SizeBytes, bufSize)
	}
	return nil
}

// Validate checks a packet header. streamRemaining is the number of stream
// bytes from the start of this packet to the declared end of stream.
func (h *CmdHdr) Validate(streamRemaining uint32) error {
	if h.SizeBytes < CmdHdrSize {
		return fmt.Errorf("cmd packet %#x: %w: size %d < header %d", h.Opcode, ErrBadSizeField, h.SizeBytes, CmdHdrSize)
	}
	if h.SizeBytes%CmdAlign != 0 {
		return fmt.Errorf("cmd packet %#x: %w: size %d", h.Opcode, ErrBadAlignment, h.SizeBytes)
	}
	if h.SizeBytes > streamRemaining {
		return fmt.Errorf("cmd packet %#x: %w: size %d exceeds remaining %d", h.Opcode, ErrBadSizeField, h.SizeBytes, streamRemaining)
	}
	return nil
}
