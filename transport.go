package aerogpu

import (
	"github.com/aerovm/aerogpu-go/internal/abi"
	"github.com/aerovm/aerogpu-go/internal/guestmem"
	"github.com/aerovm/aerogpu-go/internal/mmio"
)

// Transport connects the guest-side core to a device. The mandatory surface
// is small: a mapped register window and teardown. Everything else is
// capability-probed through the optional interfaces below, in the spirit of
// a backend that may or may not support discard.
type Transport interface {
	// Registers returns the device control window. The core uses it for
	// doorbells, setup registers and the completed-fence query.
	Registers() mmio.RegisterFile

	// Close releases the transport. Must not block on a wedged device.
	Close() error
}

// Submitter is an optional transport capability: deliver a submission
// descriptor directly, bypassing the shared ring. Transports backed by a
// host call implement it; the core prefers it over the ring when present.
type Submitter interface {
	Submit(desc *abi.SubmitDesc) error
}

// PresentSubmitter is an optional transport capability: a dedicated path
// for submissions that end in a present. Preferred over Submitter for
// present submissions; compositor-integrated transports implement it.
type PresentSubmitter interface {
	SubmitPresent(desc *abi.SubmitDesc) error
}

// FenceQuerier is an optional transport capability: an authoritative
// completed-fence query. It is the most expensive probe and is rate-limited
// by the fence tracker.
type FenceQuerier interface {
	QueryCompletedFence(engine uint32) (uint64, error)
}

// MemoryBinder is an optional transport capability: receive the device's
// guest-physical arena at open. In-process transports (the test emulator)
// need it to resolve the GPAs the core publishes through registers; a real
// virtio or MMIO transport shares memory with the host already and ignores
// this.
type MemoryBinder interface {
	BindGuestMemory(arena *guestmem.Arena)
}

// transportCaps resolves the optional capabilities of a transport once, at
// device open.
type transportCaps struct {
	submitter        Submitter
	presentSubmitter PresentSubmitter
	fenceQuerier     FenceQuerier
}

func probeTransport(t Transport) transportCaps {
	var caps transportCaps
	if s, ok := t.(Submitter); ok {
		caps.submitter = s
	}
	if p, ok := t.(PresentSubmitter); ok {
		caps.presentSubmitter = p
	}
	if q, ok := t.(FenceQuerier); ok {
		caps.fenceQuerier = q
	}
	return caps
}
