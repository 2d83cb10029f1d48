package aerogpu

import (
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/aerovm/aerogpu-go/internal/abi"
	"github.com/aerovm/aerogpu-go/internal/cmdstream"
	"github.com/aerovm/aerogpu-go/internal/fence"
	"github.com/aerovm/aerogpu-go/internal/guestmem"
	"github.com/aerovm/aerogpu-go/internal/mmio"
	"github.com/aerovm/aerogpu-go/internal/ring"
)

// TestDevice is an in-process device emulator. It implements Transport over
// an in-memory register window and consumes the submission ring
// synchronously on each doorbell write: it validates descriptors, walks the
// command streams and allocation tables they reference, and retires fences
// through the shared fence pages and the completed-fence registers.
//
// It tracks what it consumed for verification, and can stall, defer
// completion, or fault on demand.
type TestDevice struct {
	regs *mmio.Mem

	mu        sync.Mutex
	arena     *guestmem.Arena
	consumer  *ring.Consumer
	pages     [NumEngines]*fence.PageProbe
	completed [NumEngines]uint64

	stalled bool
	manual  bool
	closed  bool

	descs     []abi.SubmitDesc
	markers   []string
	opcodes   map[uint32]int
	doorbells int
	presents  int

	errCode  uint32
	errFence uint64
}

// NewTestDevice returns an emulator advertising the current wire version.
func NewTestDevice() *TestDevice {
	t := &TestDevice{
		regs:    mmio.NewMem(abi.ABIVersion),
		opcodes: make(map[uint32]int),
	}
	t.regs.OnWrite = t.onWrite
	return t
}

// Registers implements Transport.
func (t *TestDevice) Registers() mmio.RegisterFile { return t.regs }

// BindGuestMemory implements MemoryBinder; the emulator resolves published
// GPAs through the device's arena.
func (t *TestDevice) BindGuestMemory(arena *guestmem.Arena) {
	t.mu.Lock()
	t.arena = arena
	t.mu.Unlock()
}

// Close implements Transport.
func (t *TestDevice) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *TestDevice) onWrite(off, v uint32) {
	switch off {
	case mmio.RegDoorbell:
		t.mu.Lock()
		t.doorbells++
		if !t.stalled {
			t.drainLocked()
		}
		t.mu.Unlock()
	case mmio.RegIRQAck:
		status := t.regs.Read32(mmio.RegIRQStatus)
		t.regs.Write32(mmio.RegIRQStatus, status&^v)
	}
}

// Drain consumes everything pending in the ring, regardless of stall state.
func (t *TestDevice) Drain() {
	t.mu.Lock()
	t.drainLocked()
	t.mu.Unlock()
}

func (t *TestDevice) drainLocked() {
	if !t.attachLocked() {
		return
	}
	for {
		desc, ok, err := t.consumer.Consume()
		if err != nil {
			t.faultLocked(mmio.DevErrInternal, 0)
			return
		}
		if !ok {
			return
		}
		t.processLocked(&desc)
	}
}

// attachLocked lazily resolves the ring and fence pages from the register
// window. The guest publishes their placement during device open.
func (t *TestDevice) attachLocked() bool {
	if t.consumer != nil {
		return true
	}
	if t.arena == nil {
		return false
	}
	ringGPA := mmio.Read64(t.regs, mmio.RegRingGPALo)
	ringSize := t.regs.Read32(mmio.RegRingSizeBytes)
	if ringGPA == 0 || ringSize == 0 {
		return false
	}
	mem, err := t.arena.At(ringGPA, ringSize)
	if err != nil {
		return false
	}
	consumer, err := ring.AttachConsumer(mem)
	if err != nil {
		return false
	}

	pagesGPA := mmio.Read64(t.regs, mmio.RegFencePageGPALo)
	for engine := 0; engine < NumEngines; engine++ {
		gpa := pagesGPA + uint64(engine*guestmem.PageSize)
		pmem, err := t.arena.At(gpa, abi.FencePageSize)
		if err != nil {
			return false
		}
		page, err := fence.AttachPage(pmem)
		if err != nil {
			return false
		}
		t.pages[engine] = page
	}
	t.consumer = consumer
	return true
}

// processLocked validates one submission and retires its fence. A
// malformed stream or table latches the error registers and leaves the
// fence unretired.
func (t *TestDevice) processLocked(desc *abi.SubmitDesc) {
	t.descs = append(t.descs, *desc)
	if desc.IsPresent() {
		t.presents++
	}

	if err := t.walkStreamLocked(desc); err != nil {
		t.faultLocked(mmio.DevErrCmdDecode, desc.SignalFence)
		return
	}
	if err := t.checkTableLocked(desc); err != nil {
		t.faultLocked(mmio.DevErrBadAlloc, desc.SignalFence)
		return
	}
	if !t.manual {
		t.retireLocked(desc.EngineID, desc.SignalFence)
	}
}

func (t *TestDevice) walkStreamLocked(desc *abi.SubmitDesc) error {
	mem, err := t.arena.At(desc.CmdGPA, uint32(desc.CmdSizeBytes))
	if err != nil {
		return err
	}
	// Snapshot before parsing; a real device never validates guest
	// memory the guest can still rewrite.
	buf := cmdstream.GetBuffer(len(mem))
	defer cmdstream.PutBuffer(buf)
	copy(buf, mem)
	r, err := cmdstream.NewReader(buf)
	if err != nil {
		return err
	}
	for {
		opcode, body, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		t.opcodes[opcode]++
		if opcode == abi.CmdDebugMarker {
			t.markers = append(t.markers, strings.TrimRight(string(body), "\x00"))
		}
	}
}

func (t *TestDevice) checkTableLocked(desc *abi.SubmitDesc) error {
	if desc.AllocTableGPA == 0 {
		return nil
	}
	tab, err := t.arena.At(desc.AllocTableGPA, uint32(desc.AllocTableSizeBytes))
	if err != nil {
		return err
	}
	mem := cmdstream.GetBuffer(len(tab))
	defer cmdstream.PutBuffer(mem)
	copy(mem, tab)
	var hdr abi.AllocTableHeader
	if err := abi.DecodeAllocTableHeader(mem, &hdr); err != nil {
		return err
	}
	if err := hdr.Validate(uint32(len(mem))); err != nil {
		return err
	}
	for i := uint32(0); i < hdr.EntryCount; i++ {
		var entry abi.AllocEntry
		off := abi.AllocTableHeaderSize + int(i)*abi.AllocEntrySize
		if err := abi.DecodeAllocEntry(mem[off:], &entry); err != nil {
			return err
		}
		if entry.AllocID == abi.AllocIDInvalid {
			return errors.New("reserved alloc id in table")
		}
		// Placement is optional; a bound range must resolve.
		if entry.GPA != 0 {
			if _, err := t.arena.At(entry.GPA, uint32(entry.SizeBytes)); err != nil {
				return err
			}
		}
	}
	return nil
}

// retireLocked publishes completion through every guest-visible channel:
// the engine's fence page, the render completed-fence registers, and the
// fence IRQ bit.
func (t *TestDevice) retireLocked(engine uint32, f uint64) {
	if engine >= NumEngines || f <= t.completed[engine] {
		return
	}
	t.completed[engine] = f
	t.pages[engine].Bump(f)
	if engine == EngineRender {
		mmio.Write64(t.regs, mmio.RegCompletedFenceLo, f)
	}
	status := t.regs.Read32(mmio.RegIRQStatus)
	t.regs.Write32(mmio.RegIRQStatus, status|mmio.IRQFence)
}

func (t *TestDevice) faultLocked(code uint32, f uint64) {
	t.errCode = code
	t.errFence = f
	t.regs.Write32(mmio.RegErrorCode, code)
	mmio.Write64(t.regs, mmio.RegErrorFenceLo, f)
	status := t.regs.Read32(mmio.RegIRQStatus)
	t.regs.Write32(mmio.RegIRQStatus, status|mmio.IRQError)
}

// SetStalled stops doorbell-driven consumption; submissions queue in the
// ring until Drain or a doorbell after SetStalled(false).
func (t *TestDevice) SetStalled(stalled bool) {
	t.mu.Lock()
	t.stalled = stalled
	t.mu.Unlock()
}

// SetManualCompletion defers fence retirement to CompleteTo; submissions
// are still consumed and validated.
func (t *TestDevice) SetManualCompletion(manual bool) {
	t.mu.Lock()
	t.manual = manual
	t.mu.Unlock()
}

// CompleteTo retires all fences on an engine up to and including f.
func (t *TestDevice) CompleteTo(engine uint32, f uint64) {
	t.mu.Lock()
	t.retireLocked(engine, f)
	t.mu.Unlock()
}

// SubmissionCount returns how many descriptors the emulator consumed.
func (t *TestDevice) SubmissionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.descs)
}

// PresentCount returns how many consumed descriptors carried PRESENT.
func (t *TestDevice) PresentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.presents
}

// Descriptors returns a copy of every consumed descriptor, in order.
func (t *TestDevice) Descriptors() []abi.SubmitDesc {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]abi.SubmitDesc, len(t.descs))
	copy(out, t.descs)
	return out
}

// Markers returns the DEBUG_MARKER labels seen, in order.
func (t *TestDevice) Markers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.markers))
	copy(out, t.markers)
	return out
}

// OpcodeCount returns how many packets with the given opcode were decoded.
func (t *TestDevice) OpcodeCount(opcode uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opcodes[opcode]
}

// DoorbellCount returns how many doorbell writes the emulator saw.
func (t *TestDevice) DoorbellCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doorbells
}

// LastError returns the latched error code and faulting fence.
func (t *TestDevice) LastError() (code uint32, fence uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errCode, t.errFence
}

// TestSubmitDevice is a TestDevice that also offers the direct submit
// capability, modeling a transport backed by a host call. Descriptors
// submitted directly never touch the ring.
type TestSubmitDevice struct {
	*TestDevice

	mu       sync.Mutex
	direct   int
	failNext error
}

// NewTestSubmitDevice returns an emulator implementing Submitter.
func NewTestSubmitDevice() *TestSubmitDevice {
	return &TestSubmitDevice{TestDevice: NewTestDevice()}
}

// Submit implements Submitter.
func (t *TestSubmitDevice) Submit(desc *abi.SubmitDesc) error {
	t.mu.Lock()
	if err := t.failNext; err != nil {
		t.failNext = nil
		t.mu.Unlock()
		return err
	}
	t.direct++
	t.mu.Unlock()

	t.TestDevice.mu.Lock()
	if t.attachLocked() {
		t.processLocked(desc)
	}
	t.TestDevice.mu.Unlock()
	return nil
}

// DirectCount returns how many descriptors arrived through Submit or
// SubmitPresent rather than the ring.
func (t *TestSubmitDevice) DirectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.direct
}

// FailNextSubmit makes the next direct submit return err.
func (t *TestSubmitDevice) FailNextSubmit(err error) {
	t.mu.Lock()
	t.failNext = err
	t.mu.Unlock()
}

// TestPresentDevice adds the dedicated present path on top of direct
// submission, and counts the presents that took it.
type TestPresentDevice struct {
	*TestSubmitDevice

	mu          sync.Mutex
	presentPath int
}

// NewTestPresentDevice returns an emulator implementing Submitter and
// PresentSubmitter.
func NewTestPresentDevice() *TestPresentDevice {
	return &TestPresentDevice{TestSubmitDevice: NewTestSubmitDevice()}
}

// SubmitPresent implements PresentSubmitter.
func (t *TestPresentDevice) SubmitPresent(desc *abi.SubmitDesc) error {
	t.mu.Lock()
	t.presentPath++
	t.mu.Unlock()
	return t.Submit(desc)
}

// PresentPathCount returns how many presents took the dedicated path.
func (t *TestPresentDevice) PresentPathCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.presentPath
}

// TestQueryDevice adds the authoritative completed-fence query, with a
// switchable hard failure for device-loss paths.
type TestQueryDevice struct {
	*TestDevice

	mu       sync.Mutex
	queries  int
	queryErr error
}

// NewTestQueryDevice returns an emulator implementing FenceQuerier.
func NewTestQueryDevice() *TestQueryDevice {
	return &TestQueryDevice{TestDevice: NewTestDevice()}
}

// QueryCompletedFence implements FenceQuerier.
func (t *TestQueryDevice) QueryCompletedFence(engine uint32) (uint64, error) {
	t.mu.Lock()
	t.queries++
	err := t.queryErr
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if engine >= NumEngines {
		return 0, errors.New("engine out of range")
	}
	t.TestDevice.mu.Lock()
	defer t.TestDevice.mu.Unlock()
	return t.completed[engine], nil
}

// QueryCount returns how many fence queries the emulator answered.
func (t *TestQueryDevice) QueryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queries
}

// SetQueryError makes every subsequent fence query fail with err, modeling
// a dead device behind the transport.
func (t *TestQueryDevice) SetQueryError(err error) {
	t.mu.Lock()
	t.queryErr = err
	t.mu.Unlock()
}

// Compile-time capability checks.
var (
	_ Transport        = (*TestDevice)(nil)
	_ MemoryBinder     = (*TestDevice)(nil)
	_ Submitter        = (*TestSubmitDevice)(nil)
	_ PresentSubmitter = (*TestPresentDevice)(nil)
	_ FenceQuerier     = (*TestQueryDevice)(nil)
)
