// Package aerogpu implements the guest-side transport core for the AeroGPU
// paravirtual device: command stream encoding, allocation tracking, ring
// submission and fence synchronization over a shared-memory protocol.
package aerogpu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aerovm/aerogpu-go/internal/abi"
	"github.com/aerovm/aerogpu-go/internal/constants"
	"github.com/aerovm/aerogpu-go/internal/fence"
	"github.com/aerovm/aerogpu-go/internal/guestmem"
	"github.com/aerovm/aerogpu-go/internal/logging"
	"github.com/aerovm/aerogpu-go/internal/mmio"
	"github.com/aerovm/aerogpu-go/internal/ring"
	"github.com/aerovm/aerogpu-go/internal/shmcounter"
)

// Engine identifiers. Submissions on one engine retire in FIFO order;
// cross-engine ordering is unspecified.
const (
	EngineRender = abi.EngineRender
	EngineCopy   = abi.EngineCopy
	NumEngines   = 2
)

// DeviceParams contains parameters for opening a device
type DeviceParams struct {
	// RingEntries is the submission ring slot count (power of two)
	RingEntries uint32

	// CmdBufferSize is the per-context command stream buffer size in bytes
	CmdBufferSize int

	// AllocTableSlots caps allocation table entries per submission
	AllocTableSlots int

	// ArenaSize is the guest-physical arena size in bytes
	ArenaSize int

	// MaxPresentsInFlight bounds unretired present fences per context
	MaxPresentsInFlight int

	// SubmissionLogSize is the recent-submission debug log depth
	SubmissionLogSize int

	// SharedCounterName names the cross-process id counter. Empty keeps
	// id allocation in-process.
	SharedCounterName string
}

// DefaultParams returns default device parameters
func DefaultParams() DeviceParams {
	return DeviceParams{
		RingEntries:         constants.DefaultRingEntries,
		CmdBufferSize:       constants.DefaultCmdBufferSize,
		AllocTableSlots:     constants.DefaultAllocTableSlots,
		ArenaSize:           constants.DefaultArenaSize,
		MaxPresentsInFlight: constants.DefaultMaxPresentsInFlight,
		SubmissionLogSize:   constants.DefaultSubmissionLogSize,
	}
}

// Options contains additional options for device open
type Options struct {
	// Context for cancellation (if nil, uses context.Background())
	Context context.Context

	// Logger for structured output (if nil, uses the default logger)
	Logger *logging.Logger

	// Observer for metrics collection (if nil, records into the
	// device's own Metrics)
	Observer Observer
}

// Device owns one logical AeroGPU device: the shared ring, the fence pages,
// per-engine fence trackers and the device-wide id allocator. Contexts
// created from it share the ring under the device's producer lock.
type Device struct {
	transport Transport
	caps      transportCaps
	params    DeviceParams

	arena      *guestmem.Arena
	ringRegion guestmem.Region

	mu       sync.Mutex // serializes ring produce across contexts
	producer *ring.Producer

	fenceRegions [NumEngines]guestmem.Region
	fencePages   [NumEngines]*fence.PageProbe
	trackers     [NumEngines]*fence.Tracker

	ids shmcounter.Allocator

	metrics  *Metrics
	observer Observer
	logger   *logging.Logger
	sublog   *submissionLog

	ctx    context.Context
	cancel context.CancelFunc

	nextContextID atomic.Uint32
	closed        atomic.Bool
	lost          atomic.Bool
}

// OpenDevice validates the transport's register window, formats the shared
// structures and returns a live device.
func OpenDevice(transport Transport, params DeviceParams, options *Options) (*Device, error) {
	if transport == nil {
		return nil, NewError("OPEN_DEVICE", ErrCodeInvalidParameters, "nil transport")
	}
	if options == nil {
		options = &Options{}
	}
	ctx := options.Context
	if ctx == nil {
		ctx = context.Background()
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	regs := transport.Registers()
	if got := regs.Read32(mmio.RegMagic); got != mmio.MagicValue {
		return nil, NewError("OPEN_DEVICE", ErrCodeProtocol,
			fmt.Sprintf("register magic %#08x, want %#08x", got, uint32(mmio.MagicValue)))
	}
	devABI := regs.Read32(mmio.RegABIVersion)
	if abi.ABIVersionMajor(devABI) != abi.ABIMajor {
		return nil, NewError("OPEN_DEVICE", ErrCodeProtocol,
			fmt.Sprintf("device abi %#08x, supported major %d", devABI, abi.ABIMajor))
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	d := &Device{
		transport: transport,
		caps:      probeTransport(transport),
		params:    params,
		arena:     guestmem.NewArena(params.ArenaSize),
		metrics:   metrics,
		observer:  observer,
		logger:    logger,
		sublog:    newSubmissionLog(params.SubmissionLogSize),
	}
	d.ctx, d.cancel = context.WithCancel(ctx)

	if b, ok := transport.(MemoryBinder); ok {
		b.BindGuestMemory(d.arena)
	}

	// Ring setup: format, publish its placement, attach the producer.
	ringSize := int(abi.RingHeaderSize + params.RingEntries*abi.SubmitDescSize)
	region, err := d.arena.Alloc(ringSize)
	if err != nil {
		return nil, WrapError("OPEN_DEVICE", ErrCodeInvalidParameters, err)
	}
	if err := ring.Init(region.Mem, params.RingEntries); err != nil {
		return nil, WrapError("OPEN_DEVICE", ErrCodeInvalidParameters, err)
	}
	d.ringRegion = region
	mmio.Write64(regs, mmio.RegRingGPALo, region.GPA)
	regs.Write32(mmio.RegRingSizeBytes, uint32(ringSize))

	d.producer, err = ring.Attach(region.Mem, func() {
		regs.Write32(mmio.RegDoorbell, 0)
	})
	if err != nil {
		return nil, WrapError("OPEN_DEVICE", ErrCodeProtocol, err)
	}

	// Fence pages and trackers, one page per engine at PageSize stride
	// from a single published base.
	pages, err := d.arena.Alloc(NumEngines * guestmem.PageSize)
	if err != nil {
		return nil, WrapError("OPEN_DEVICE", ErrCodeInvalidParameters, err)
	}
	for engine := 0; engine < NumEngines; engine++ {
		off := engine * guestmem.PageSize
		fr := guestmem.Region{
			GPA: pages.GPA + uint64(off),
			Mem: pages.Mem[off : off+abi.FencePageSize : off+abi.FencePageSize],
		}
		if err := fence.InitPage(fr.Mem); err != nil {
			return nil, WrapError("OPEN_DEVICE", ErrCodeProtocol, err)
		}
		page, err := fence.AttachPage(fr.Mem)
		if err != nil {
			return nil, WrapError("OPEN_DEVICE", ErrCodeProtocol, err)
		}
		d.fenceRegions[engine] = fr
		d.fencePages[engine] = page
		d.trackers[engine] = fence.NewTracker(d.fenceProbes(engine, page)...)
	}
	mmio.Write64(regs, mmio.RegFencePageGPALo, pages.GPA)

	// Device-wide id allocation: shared file when named, in-process
	// otherwise.
	if params.SharedCounterName != "" {
		d.ids, err = shmcounter.Open(params.SharedCounterName)
		if err != nil {
			return nil, WrapError("OPEN_DEVICE", ErrCodeTransport, err)
		}
	} else {
		d.ids = shmcounter.NewLocal()
	}

	logger.Info("device opened",
		"ring_entries", params.RingEntries,
		"abi", fmt.Sprintf("%d.%d", abi.ABIVersionMajor(devABI), abi.ABIVersionMinor(devABI)))
	return d, nil
}

// probeAdapter lets a closure serve as a fence probe while counting round
// trips.
type probeAdapter func() (uint64, error)

func (f probeAdapter) Completed() (uint64, error) { return f() }

// fenceProbes assembles the ordered probe list for one engine: fence page
// first, then the register query, then the transport escape. The two
// device round-trip probes are rate-limited.
func (d *Device) fenceProbes(engine int, page *fence.PageProbe) []fence.Probe {
	probes := []fence.Probe{probeAdapter(func() (uint64, error) {
		d.metrics.RecordProbe()
		return page.Completed()
	})}

	// The register pair carries the render engine's fence only.
	if engine == EngineRender {
		q := &mmio.FenceQuery{R: d.transport.Registers()}
		probes = append(probes, fence.RateLimited(probeAdapter(func() (uint64, error) {
			d.metrics.RecordProbe()
			return q.Completed()
		}), constants.ExpensiveProbeInterval))
	}

	if d.caps.fenceQuerier != nil {
		eng := uint32(engine)
		probes = append(probes, fence.RateLimited(probeAdapter(func() (uint64, error) {
			d.metrics.RecordProbe()
			return d.caps.fenceQuerier.QueryCompletedFence(eng)
		}), constants.ExpensiveProbeInterval))
	}
	return probes
}

// NewContext creates a submission context on the given engine.
func (d *Device) NewContext(engine uint32) (*Context, error) {
	if d.closed.Load() {
		return nil, NewError("NEW_CONTEXT", ErrCodeDeviceLost, "device closed")
	}
	if engine >= NumEngines {
		return nil, NewError("NEW_CONTEXT", ErrCodeInvalidParameters,
			fmt.Sprintf("engine %d out of range", engine))
	}
	return newContext(d, d.nextContextID.Add(1), engine)
}

// AllocID returns a device-wide unique allocation id.
func (d *Device) AllocID() (uint32, error) {
	id, err := d.ids.Next()
	if err != nil {
		return 0, WrapError("ALLOC_ID", ErrCodeTransport, err)
	}
	return id, nil
}

// WaitFence blocks until the fence retires on the given engine, per the
// fence tracker's wait contract. A zero timeout never blocks.
func (d *Device) WaitFence(ctx context.Context, engine uint32, f uint64, timeout time.Duration) (fence.Status, error) {
	if engine >= NumEngines {
		return fence.StatusFailed, NewError("WAIT_FENCE", ErrCodeInvalidParameters,
			fmt.Sprintf("engine %d out of range", engine))
	}
	st, err := d.trackers[engine].Wait(ctx, f, timeout)
	d.observer.ObserveWait(st == fence.StatusNotReady)
	switch st {
	case fence.StatusFailed:
		d.lost.Store(true)
		return st, WrapError("WAIT_FENCE", ErrCodeDeviceLost, err)
	case fence.StatusNotReady:
		// Timeouts and cancellation are results, not errors.
		return st, err
	default:
		return st, nil
	}
}

// CompletedFence returns the cached completed fence for an engine.
func (d *Device) CompletedFence(engine uint32) uint64 {
	if engine >= NumEngines {
		return 0
	}
	return d.trackers[engine].Completed()
}

// Arena exposes the device's guest-physical arena. Resource payloads are
// staged through it.
func (d *Device) Arena() *guestmem.Arena { return d.arena }

// Metrics returns the device's metrics
func (d *Device) Metrics() *Metrics { return d.metrics }

// MetricsSnapshot returns a point-in-time snapshot of device metrics
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	return d.metrics.Snapshot()
}

// SubmissionLog returns the most recent submissions, newest last.
func (d *Device) SubmissionLog() []SubmissionRecord {
	return d.sublog.Records()
}

// Lost reports whether a hard device failure has been latched.
func (d *Device) Lost() bool { return d.lost.Load() }

// produce publishes a descriptor through the shared ring, waiting out a
// full ring until the retry budget is spent.
func (d *Device) produce(desc *abi.SubmitDesc) error {
	deadline := time.Now().Add(constants.RingFullRetryTimeout)
	tracker := d.trackers[desc.EngineID]

	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		err := d.producer.Produce(desc)
		if err == nil {
			d.observer.ObserveRingDepth(d.producer.EntryCount() - d.producer.Free())
			return nil
		}
		if !errors.Is(err, ring.ErrRingFull) {
			return WrapError("SUBMIT", ErrCodeProtocol, err)
		}
		d.metrics.RecordRingFull()
		if time.Now().After(deadline) {
			return NewFenceError("SUBMIT", desc.SignalFence, ErrCodeTimeout,
				"ring full, no device progress")
		}
		// A slot frees only when the device consumes; nudge the cheap
		// probe and yield.
		if st, werr := tracker.Wait(d.ctx, tracker.Completed()+1, 0); st == fence.StatusFailed {
			d.lost.Store(true)
			return WrapError("SUBMIT", ErrCodeDeviceLost, werr)
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// Close tears the device down. Teardown never blocks on a wedged device;
// transport close errors are reported but everything local is released
// regardless.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.cancel()
	d.metrics.Stop()

	var firstErr error
	if err := d.ids.Close(); err != nil {
		firstErr = WrapError("CLOSE_DEVICE", ErrCodeTransport, err)
	}
	if err := d.transport.Close(); err != nil && firstErr == nil {
		firstErr = WrapError("CLOSE_DEVICE", ErrCodeTransport, err)
	}
	d.logger.Info("device closed")
	return firstErr
}
