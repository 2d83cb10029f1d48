// Package ring implements the AeroGPU submission ring over a shared memory
// region. The guest side owns the tail, the device side owns the head; both
// counters are unmasked monotonic u32 values and the slot index is the
// counter modulo entry_count. Wraparound of the u32 itself is harmless
// because only the difference tail-head is ever interpreted.
package ring

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/aerovm/aerogpu-go/internal/abi"
)

// ErrRingFull is returned when all entry_count slots hold submissions the
// device has not consumed yet. The caller waits for fence progress and
// retries.
var ErrRingFull = errors.New("ring: all slots in flight")

// sharedU32 returns a pointer suitable for atomic access to a u32 field of
// the shared region. The region base is page-aligned by the allocator, so
// any 4-aligned offset is atomically accessible.
func sharedU32(mem []byte, off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

// Init formats mem as an empty submission ring with entryCount slots.
// entryCount must be a nonzero power of two and the region must hold the
// header plus entryCount descriptor slots.
func Init(mem []byte, entryCount uint32) error {
	hdr := abi.RingHeader{
		Magic:            abi.RingMagic,
		ABIVersion:       abi.ABIVersion,
		SizeBytes:        abi.RingHeaderSize + entryCount*abi.SubmitDescSize,
		EntryCount:       entryCount,
		EntryStrideBytes: abi.SubmitDescSize,
	}
	if err := hdr.Validate(uint32(len(mem))); err != nil {
		return fmt.Errorf("ring init: %w", err)
	}
	return abi.EncodeRingHeader(mem, &hdr)
}

// Producer is the guest-side end of a submission ring. Not safe for
// concurrent use; the submission coordinator serializes producers.
type Producer struct {
	mem      []byte
	hdr      abi.RingHeader // static fields, validated at attach
	tail     uint32         // local mirror of the shared tail
	doorbell func()
}

// Attach validates the ring header in mem and returns a producer over it.
// doorbell is rung after every published submission; it may be nil when the
// device polls.
func Attach(mem []byte, doorbell func()) (*Producer, error) {
	var hdr abi.RingHeader
	if err := abi.DecodeRingHeader(mem, &hdr); err != nil {
		return nil, fmt.Errorf("ring attach: %w", err)
	}
	if err := hdr.Validate(uint32(len(mem))); err != nil {
		return nil, fmt.Errorf("ring attach: %w", err)
	}
	p := &Producer{mem: mem, hdr: hdr, doorbell: doorbell}
	p.tail = atomic.LoadUint32(sharedU32(mem, abi.RingTailOffset))
	return p, nil
}

// Head returns the device-owned consume counter.
func (p *Producer) Head() uint32 {
	return atomic.LoadUint32(sharedU32(p.mem, abi.RingHeadOffset))
}

// Tail returns the guest-owned publish counter.
func (p *Producer) Tail() uint32 { return p.tail }

// Free returns the number of slots available for new submissions.
func (p *Producer) Free() uint32 {
	return p.hdr.EntryCount - (p.tail - p.Head())
}

// EntryCount returns the slot count of the attached ring.
func (p *Producer) EntryCount() uint32 { return p.hdr.EntryCount }

// Produce publishes one submission descriptor. The descriptor is written
// into the tail slot, a store fence orders it before the tail update, the
// new tail becomes visible to the device, and the doorbell is rung. On
// ErrRingFull nothing is written.
func (p *Producer) Produce(desc *abi.SubmitDesc) error {
	if p.tail-p.Head() == p.hdr.EntryCount {
		return ErrRingFull
	}
	off := p.hdr.SlotOffset(p.tail)
	if err := abi.EncodeSubmitDesc(p.mem[off:off+p.hdr.EntryStrideBytes], desc); err != nil {
		return fmt.Errorf("ring produce: %w", err)
	}

	// The descriptor must be globally visible before the tail that
	// publishes it.
	Sfence()
	p.tail++
	atomic.StoreUint32(sharedU32(p.mem, abi.RingTailOffset), p.tail)

	if p.doorbell != nil {
		p.doorbell()
	}
	return nil
}

// Consumer is the device-side end of a submission ring. The production
// consumer lives in the device emulator; tests use it to verify the publish
// protocol from the other side of the shared region.
type Consumer struct {
	mem  []byte
	hdr  abi.RingHeader
	head uint32
}

// AttachConsumer validates the ring header in mem and returns a consumer.
func AttachConsumer(mem []byte) (*Consumer, error) {
	var hdr abi.RingHeader
	if err := abi.DecodeRingHeader(mem, &hdr); err != nil {
		return nil, fmt.Errorf("ring attach consumer: %w", err)
	}
	if err := hdr.Validate(uint32(len(mem))); err != nil {
		return nil, fmt.Errorf("ring attach consumer: %w", err)
	}
	c := &Consumer{mem: mem, hdr: hdr}
	c.head = atomic.LoadUint32(sharedU32(mem, abi.RingHeadOffset))
	return c, nil
}

// Pending returns the number of published, unconsumed submissions.
func (c *Consumer) Pending() uint32 {
	tail := atomic.LoadUint32(sharedU32(c.mem, abi.RingTailOffset))
	return tail - c.head
}

// Consume reads the next submission descriptor and advances the head. The
// second return is false when the ring is empty.
func (c *Consumer) Consume() (abi.SubmitDesc, bool, error) {
	var desc abi.SubmitDesc
	if c.Pending() == 0 {
		return desc, false, nil
	}
	// The tail load must complete before the descriptor load.
	Lfence()
	off := c.hdr.SlotOffset(c.head)
	if err := abi.DecodeSubmitDesc(c.mem[off:off+c.hdr.EntryStrideBytes], &desc); err != nil {
		return desc, false, fmt.Errorf("ring consume: %w", err)
	}
	if err := desc.Validate(); err != nil {
		return desc, false, fmt.Errorf("ring consume: %w", err)
	}
	c.head++
	atomic.StoreUint32(sharedU32(c.mem, abi.RingHeadOffset), c.head)
	return desc, true, nil
}
