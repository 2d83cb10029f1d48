package fence

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/aerovm/aerogpu-go/internal/abi"
)

// PageProbe reads the shared fence page the device bumps as submissions
// retire. It is the cheapest probe: a single atomic load, no device round
// trip.
type PageProbe struct {
	mem []byte
}

// InitPage formats mem as a fence page with completed_fence zero.
func InitPage(mem []byte) error {
	page := abi.FencePage{Magic: abi.FencePageMagic, ABIVersion: abi.ABIVersion}
	if err := abi.EncodeFencePage(mem, &page); err != nil {
		return fmt.Errorf("fence page init: %w", err)
	}
	return nil
}

// AttachPage validates the fence page header in mem and returns a probe
// over it. The region base must be 8-byte aligned; page allocations are.
func AttachPage(mem []byte) (*PageProbe, error) {
	var page abi.FencePage
	if err := abi.DecodeFencePage(mem, &page); err != nil {
		return nil, fmt.Errorf("fence page attach: %w", err)
	}
	if err := page.Validate(); err != nil {
		return nil, fmt.Errorf("fence page attach: %w", err)
	}
	return &PageProbe{mem: mem}, nil
}

// Completed returns the device's published completed fence.
func (p *PageProbe) Completed() (uint64, error) {
	v := atomic.LoadUint64((*uint64)(unsafe.Pointer(&p.mem[abi.FencePageCompletedOffset])))
	return v, nil
}

// Bump publishes a completed fence value into the page. The device side of
// the emulator uses it; a real device writes the page directly.
func (p *PageProbe) Bump(f uint64) {
	addr := (*uint64)(unsafe.Pointer(&p.mem[abi.FencePageCompletedOffset]))
	for {
		old := atomic.LoadUint64(addr)
		if f <= old {
			return
		}
		if atomic.CompareAndSwapUint64(addr, old, f) {
			return
		}
	}
}
