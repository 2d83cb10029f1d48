// Package guestmem provides a flat guest-physical address space backed by
// process memory. The submission path hands the device GPAs; the arena is
// where both sides of an in-process device resolve them to bytes.
package guestmem

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrOutOfMemory is returned when an allocation does not fit the
	// arena.
	ErrOutOfMemory = errors.New("guestmem: arena exhausted")

	// ErrBadAddress is returned when a GPA range falls outside the
	// arena. A device resolving guest-supplied addresses must treat it
	// as a protocol violation, never a crash.
	ErrBadAddress = errors.New("guestmem: address outside arena")
)

// PageSize is the allocation granularity. Shared structures rely on their
// region base being at least 8-byte aligned; page alignment covers every
// field in the wire format.
const PageSize = 4096

// arenaBase keeps GPA 0 unmapped so a zero address always means "no
// buffer", matching the null table convention in submission descriptors.
const arenaBase = uint64(PageSize)

// Region is an allocated span of guest-physical memory. Mem aliases the
// arena's backing store; writes through it are visible at GPA immediately.
type Region struct {
	GPA uint64
	Mem []byte
}

// Arena is a bump allocator over a flat guest-physical space. Allocations
// are page-aligned and live for the arena's lifetime; the transport core
// recycles buffers above this layer.
type Arena struct {
	mu   sync.Mutex
	data []byte
	next uint64 // offset of the next free byte
}

// NewArena returns an arena of the given byte size, rounded up to a whole
// number of pages.
func NewArena(size int) *Arena {
	pages := (size + PageSize - 1) / PageSize
	if pages < 1 {
		pages = 1
	}
	return &Arena{data: make([]byte, pages*PageSize)}
}

// Alloc reserves size bytes of guest-physical memory, page-aligned.
func (a *Arena) Alloc(size int) (Region, error) {
	if size <= 0 {
		return Region{}, fmt.Errorf("guestmem: invalid allocation size %d", size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	padded := uint64(size+PageSize-1) &^ uint64(PageSize-1)
	if a.next+padded > uint64(len(a.data)) {
		return Region{}, fmt.Errorf("%w: need %d, %d free", ErrOutOfMemory, padded, uint64(len(a.data))-a.next)
	}
	r := Region{
		GPA: arenaBase + a.next,
		Mem: a.data[a.next : a.next+uint64(size) : a.next+padded],
	}
	a.next += padded
	return r, nil
}

// At resolves a guest-physical range to arena bytes. The whole range must
// lie inside allocated arena space.
func (a *Arena) At(gpa uint64, size uint32) ([]byte, error) {
	if gpa < arenaBase {
		return nil, fmt.Errorf("%w: gpa %#x", ErrBadAddress, gpa)
	}
	off := gpa - arenaBase
	end := off + uint64(size)
	if end < off || end > uint64(len(a.data)) {
		return nil, fmt.Errorf("%w: gpa %#x size %d", ErrBadAddress, gpa, size)
	}
	return a.data[off:end], nil
}

// Size returns the arena's capacity in bytes.
func (a *Arena) Size() int { return len(a.data) }
