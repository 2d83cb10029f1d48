// Package alloctab tracks the allocations a command stream references and
// serializes them into the per-submission allocation table the device uses
// for residency.
package alloctab

import (
	"errors"
	"fmt"

	"github.com/aerovm/aerogpu-go/internal/abi"
)

var (
	// ErrNeedFlush is returned when the table is full. The caller submits
	// the pending work, resets the tracker and retries exactly once.
	ErrNeedFlush = errors.New("alloctab: table full, flush required")

	// ErrInvalidAllocID is returned for the reserved alloc_id 0.
	ErrInvalidAllocID = errors.New("alloctab: alloc_id 0 is reserved")

	// ErrBufferTooSmall is returned when a backing buffer cannot hold a
	// table header plus at least one entry.
	ErrBufferTooSmall = errors.New("alloctab: buffer too small for one entry")
)

// Tracker accumulates distinct alloc_id references with merged access flags.
// An allocation tracked for read and later for write occupies one slot with
// both flags set. Slot indices are stable until Reset. Not safe for
// concurrent use; the submission coordinator serializes access.
type Tracker struct {
	buf      []byte
	capacity int
	entries  []abi.AllocEntry
	index    map[uint32]int // alloc_id -> slot
}

// NewTracker binds a tracker to a table buffer. Capacity is the smaller of
// maxSlots (the device's per-submission limit) and what the buffer can hold.
func NewTracker(buf []byte, maxSlots int) (*Tracker, error) {
	t := &Tracker{index: make(map[uint32]int)}
	if err := t.Rebind(buf, maxSlots); err != nil {
		return nil, err
	}
	return t, nil
}

// Rebind swaps the backing buffer and slot limit. Tracked entries are
// discarded; the runtime hands back a fresh table buffer after a submission.
func (t *Tracker) Rebind(buf []byte, maxSlots int) error {
	bufSlots := (len(buf) - abi.AllocTableHeaderSize) / abi.AllocEntrySize
	if bufSlots < 1 {
		return ErrBufferTooSmall
	}
	if maxSlots > 0 && maxSlots < bufSlots {
		bufSlots = maxSlots
	}
	t.buf = buf
	t.capacity = bufSlots
	t.Reset()
	return nil
}

// Track records a reference to allocID with the given access flags and
// returns its table slot. Tracking an already-present id merges flags into
// its existing slot. A full table returns ErrNeedFlush without recording.
func (t *Tracker) Track(allocID uint32, access uint32) (int, error) {
	if allocID == abi.AllocIDInvalid {
		return 0, ErrInvalidAllocID
	}
	if slot, ok := t.index[allocID]; ok {
		t.entries[slot].Flags |= access
		return slot, nil
	}
	if len(t.entries) == t.capacity {
		return 0, ErrNeedFlush
	}
	slot := len(t.entries)
	t.entries = append(t.entries, abi.AllocEntry{AllocID: allocID, Flags: access})
	t.index[allocID] = slot
	return slot, nil
}

// SetPlacement records the guest-physical placement of a tracked allocation.
// Placement is optional; untracked ids are ignored.
func (t *Tracker) SetPlacement(allocID uint32, gpa, size uint64) {
	if slot, ok := t.index[allocID]; ok {
		t.entries[slot].GPA = gpa
		t.entries[slot].SizeBytes = size
	}
}

// CountDistinct counts the distinct valid ids in ids, independent of any
// tracker state. A flush empties the table, so an operation can only be
// guaranteed to land in one submission when this count fits the capacity
// on its own.
func CountDistinct(ids []uint32) int {
	n := 0
	seen := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		if id == abi.AllocIDInvalid {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		n++
	}
	return n
}

// Distinct reports how many of ids are not yet tracked, counting duplicates
// within ids once. Used by the pre-scan that bounds multi-resource
// operations to a single up-front flush.
func (t *Tracker) Distinct(ids []uint32) int {
	n := 0
	seen := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		if id == abi.AllocIDInvalid {
			continue
		}
		if _, ok := t.index[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		n++
	}
	return n
}

// Fits reports whether n additional distinct entries fit without a flush.
func (t *Tracker) Fits(n int) bool { return len(t.entries)+n <= t.capacity }

// Len reports the number of tracked entries.
func (t *Tracker) Len() int { return len(t.entries) }

// Capacity reports the slot limit for this binding.
func (t *Tracker) Capacity() int { return t.capacity }

// Empty reports whether nothing has been tracked since the last Reset.
func (t *Tracker) Empty() bool { return len(t.entries) == 0 }

// Reset clears tracked entries. The backing buffer and capacity are kept.
func (t *Tracker) Reset() {
	t.entries = t.entries[:0]
	clear(t.index)
}

// WriteTable serializes the table header and entries into the bound buffer
// and returns the encoded table. An empty tracker returns nil; the
// submission descriptor then carries a null table.
func (t *Tracker) WriteTable() ([]byte, error) {
	if len(t.entries) == 0 {
		return nil, nil
	}
	size := abi.AllocTableHeaderSize + len(t.entries)*abi.AllocEntrySize
	hdr := abi.AllocTableHeader{
		Magic:            abi.AllocTableMagic,
		ABIVersion:       abi.ABIVersion,
		SizeBytes:        uint32(size),
		EntryCount:       uint32(len(t.entries)),
		EntryStrideBytes: abi.AllocEntrySize,
	}
	if err := abi.EncodeAllocTableHeader(t.buf, &hdr); err != nil {
		return nil, fmt.Errorf("alloctab: %w", err)
	}
	for i := range t.entries {
		off := abi.AllocTableHeaderSize + i*abi.AllocEntrySize
		if err := abi.EncodeAllocEntry(t.buf[off:], &t.entries[i]); err != nil {
			return nil, fmt.Errorf("alloctab: entry %d: %w", i, err)
		}
	}
	return t.buf[:size], nil
}
