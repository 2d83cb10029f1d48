// Package shmcounter allocates monotonically increasing ids shared between
// untrusted producer processes of one logical device. Allocation ids and
// shared-surface tokens must be unique device-wide, so the counter lives in
// a named shared-memory file rather than process state.
package shmcounter

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Allocator hands out device-wide unique ids. Id 0 is never returned; it is
// the reserved null alloc_id.
type Allocator interface {
	Next() (uint32, error)
	Close() error
}

const (
	pageSize = 4096
	magic    = 0x52544341 // "ACTR"

	offMagic   = 0
	offVersion = 4
	offCounter = 8  // u64, atomic fetch-add
	offRefs    = 16 // u32, guarded by flock
)

// Shared is a cross-process allocator over a file in /dev/shm. The first
// opener formats the page under an exclusive flock; the last closer unlinks
// it. Next is lock-free.
type Shared struct {
	f    *os.File
	path string
	mem  []byte
}

// Open creates or attaches the counter for the named logical device.
func Open(name string) (*Shared, error) {
	path := fmt.Sprintf("/dev/shm/aerogpu-%s.ctr", name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shmcounter: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("shmcounter: lock %s: %w", path, err)
	}

	st, err := f.Stat()
	if err == nil && st.Size() < pageSize {
		if err = f.Truncate(pageSize); err == nil {
			var hdr [8]byte
			binary.LittleEndian.PutUint32(hdr[0:], magic)
			binary.LittleEndian.PutUint32(hdr[4:], 1)
			_, err = f.WriteAt(hdr[:], offMagic)
		}
	}
	if err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("shmcounter: init %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("shmcounter: mmap %s: %w", path, err)
	}
	c := &Shared{f: f, path: path, mem: mem}

	if got := binary.LittleEndian.Uint32(mem[offMagic:]); got != magic {
		c.unlockClose()
		return nil, fmt.Errorf("shmcounter: %s: bad magic %#x", path, got)
	}
	atomic.AddUint32(c.refs(), 1)
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return c, nil
}

func (c *Shared) counter() *uint64 {
	return (*uint64)(unsafe.Pointer(&c.mem[offCounter]))
}

func (c *Shared) refs() *uint32 {
	return (*uint32)(unsafe.Pointer(&c.mem[offRefs]))
}

// Next returns the next device-wide unique id. On u32 wraparound the zero
// id is skipped.
func (c *Shared) Next() (uint32, error) {
	for {
		v := uint32(atomic.AddUint64(c.counter(), 1))
		if v != 0 {
			return v, nil
		}
	}
}

// Close detaches from the counter. The last closer unlinks the backing
// file; a crashed holder leaves the file behind, which the next Open simply
// reuses.
func (c *Shared) Close() error {
	if err := unix.Flock(int(c.f.Fd()), unix.LOCK_EX); err != nil {
		return c.unlockClose()
	}
	if atomic.AddUint32(c.refs(), ^uint32(0)) == 0 {
		os.Remove(c.path)
	}
	return c.unlockClose()
}

func (c *Shared) unlockClose() error {
	err := unix.Munmap(c.mem)
	c.mem = nil
	unix.Flock(int(c.f.Fd()), unix.LOCK_UN)
	if cerr := c.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Local is an in-process allocator with the same contract. Tests and
// single-process embeddings use it to stay off the filesystem.
type Local struct {
	v atomic.Uint64
}

// NewLocal returns an allocator starting at id 1.
func NewLocal() *Local { return &Local{} }

func (l *Local) Next() (uint32, error) {
	for {
		v := uint32(l.v.Add(1))
		if v != 0 {
			return v, nil
		}
	}
}

func (l *Local) Close() error { return nil }
