package aerogpu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aerovm/aerogpu-go/internal/abi"
	"github.com/aerovm/aerogpu-go/internal/alloctab"
	"github.com/aerovm/aerogpu-go/internal/cmdstream"
	"github.com/aerovm/aerogpu-go/internal/constants"
	"github.com/aerovm/aerogpu-go/internal/fence"
	"github.com/aerovm/aerogpu-go/internal/guestmem"
	"github.com/aerovm/aerogpu-go/internal/logging"
)

// bufSlot is one half of a context's double-buffered transport memory. The
// device reads command streams and alloc tables at their GPA after the
// submission returns, so a slot is only reused once the fence of its last
// submission has retired.
type bufSlot struct {
	cmd    guestmem.Region
	table  guestmem.Region
	writer *cmdstream.Writer
	fence  uint64 // last fence submitted from this slot, 0 if never used
}

// Context is a submission context: a command stream encoder, an allocation
// tracker and the submit path, serialized under one mutex. Capacity limits
// (command buffer, allocation table, ring slots) are absorbed internally by
// flush-and-retry; callers only ever see transport and device errors.
type Context struct {
	dev    *Device
	id     uint32
	engine uint32
	logger *logging.Logger

	mu      sync.Mutex
	slots   [2]bufSlot
	cur     int
	tracker *alloctab.Tracker

	lastFence uint64 // last fence this context submitted

	presents []uint64             // unretired present fences, oldest first
	pending  map[uint64]time.Time // submit time per unretired fence

	closed bool
}

func newContext(d *Device, id, engine uint32) (*Context, error) {
	c := &Context{
		dev:     d,
		id:      id,
		engine:  engine,
		logger:  d.logger.WithContext(id).WithEngine(engine),
		pending: make(map[uint64]time.Time),
	}

	tableSize := abi.AllocTableHeaderSize + d.params.AllocTableSlots*abi.AllocEntrySize
	for i := range c.slots {
		cmd, err := d.arena.Alloc(d.params.CmdBufferSize)
		if err != nil {
			return nil, WrapError("NEW_CONTEXT", ErrCodeInvalidParameters, err)
		}
		table, err := d.arena.Alloc(tableSize)
		if err != nil {
			return nil, WrapError("NEW_CONTEXT", ErrCodeInvalidParameters, err)
		}
		w, err := cmdstream.NewWriter(cmd.Mem)
		if err != nil {
			return nil, WrapError("NEW_CONTEXT", ErrCodeInvalidParameters, err)
		}
		c.slots[i] = bufSlot{cmd: cmd, table: table, writer: w}
	}

	tracker, err := alloctab.NewTracker(c.slots[0].table.Mem, d.params.AllocTableSlots)
	if err != nil {
		return nil, WrapError("NEW_CONTEXT", ErrCodeInvalidParameters, err)
	}
	c.tracker = tracker
	return c, nil
}

// ID returns the context id.
func (c *Context) ID() uint32 { return c.id }

// Engine returns the engine this context submits to.
func (c *Context) Engine() uint32 { return c.engine }

// LastFence returns the fence of this context's most recent submission.
func (c *Context) LastFence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFence
}

// EnsureCmdSpace guarantees the current command buffer can take a packet
// with an n-byte body, flushing pending work once if it cannot. A body that
// can never fit the buffer is a caller error.
func (c *Context) EnsureCmdSpace(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureCmdSpaceLocked(n)
}

func (c *Context) ensureCmdSpaceLocked(n int) error {
	need := abi.AlignUp(abi.CmdHdrSize + n)
	w := c.slots[c.cur].writer
	if need <= w.BytesRemaining() {
		return nil
	}
	if need > c.dev.params.CmdBufferSize-abi.CmdStreamHeaderSize {
		return NewContextError("ENSURE_CMD_SPACE", c.id, int(c.engine), ErrCodeInvalidParameters,
			fmt.Sprintf("packet body %d exceeds command buffer", n))
	}
	c.dev.metrics.RecordCapacityFlush(true)
	if _, err := c.submitLocked(false); err != nil {
		return err
	}
	if need > c.slots[c.cur].writer.BytesRemaining() {
		// Fresh buffer still too small; the size check above makes
		// this unreachable, keep the guard for the error taxonomy.
		return NewContextError("ENSURE_CMD_SPACE", c.id, int(c.engine), ErrCodeCapacity,
			"no space after flush")
	}
	return nil
}

// AppendPacket encodes one command packet, flushing once on a full buffer.
func (c *Context) AppendPacket(opcode uint32, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureCmdSpaceLocked(len(body)); err != nil {
		return err
	}
	if err := c.slots[c.cur].writer.Append(opcode, body); err != nil {
		return NewContextError("APPEND", c.id, int(c.engine), ErrCodeCapacity, err.Error())
	}
	return nil
}

// AppendRaw reserves an n-byte packet body for in-place encoding, flushing
// once on a full buffer. The slice is valid until the next context call.
func (c *Context) AppendRaw(opcode uint32, n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureCmdSpaceLocked(n); err != nil {
		return nil, err
	}
	body, err := c.slots[c.cur].writer.AppendRaw(opcode, n)
	if err != nil {
		return nil, NewContextError("APPEND", c.id, int(c.engine), ErrCodeCapacity, err.Error())
	}
	return body, nil
}

// DebugMarker emits a DEBUG_MARKER packet carrying the UTF-8 label.
func (c *Context) DebugMarker(label string) error {
	return c.AppendPacket(abi.CmdDebugMarker, []byte(label))
}

// UploadResource carries payload bytes for an allocation inline in the
// command stream: a 16-byte body header naming the allocation and the
// destination offset, then the data. The allocation is tracked as written
// in the same submission.
func (c *Context) UploadResource(allocID uint32, offset uint64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Space first, then the table entry: either flush keeps the packet
	// and its allocation reference in the same submission.
	if err := c.ensureCmdSpaceLocked(16 + len(data)); err != nil {
		return err
	}
	if _, err := c.trackLocked(allocID, abi.AllocFlagWrite); err != nil {
		return err
	}
	body, err := c.slots[c.cur].writer.AppendRaw(abi.CmdUploadResource, 16+len(data))
	if err != nil {
		return NewContextError("UPLOAD", c.id, int(c.engine), ErrCodeCapacity, err.Error())
	}
	binary.LittleEndian.PutUint32(body[0:], allocID)
	binary.LittleEndian.PutUint32(body[4:], 0)
	binary.LittleEndian.PutUint64(body[8:], offset)
	copy(body[16:], data)
	return nil
}

// TrackResource records an allocation reference for the pending submission
// and returns its table slot. A full table flushes once and retries.
func (c *Context) TrackResource(allocID uint32, access uint32) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackLocked(allocID, access)
}

func (c *Context) trackLocked(allocID uint32, access uint32) (int, error) {
	slot, err := c.tracker.Track(allocID, access)
	if err == nil {
		return slot, nil
	}
	if errors.Is(err, alloctab.ErrInvalidAllocID) {
		return 0, NewContextError("TRACK", c.id, int(c.engine), ErrCodeInvalidParameters, err.Error())
	}
	if !errors.Is(err, alloctab.ErrNeedFlush) {
		return 0, NewContextError("TRACK", c.id, int(c.engine), ErrCodeCapacity, err.Error())
	}
	c.dev.metrics.RecordCapacityFlush(false)
	if _, err := c.submitLocked(false); err != nil {
		return 0, err
	}
	slot, err = c.tracker.Track(allocID, access)
	if err != nil {
		return 0, NewContextError("TRACK", c.id, int(c.engine), ErrCodeCapacity, err.Error())
	}
	return slot, nil
}

// TrackResources records references for an operation touching several
// allocations at once. The table demand is pre-scanned so the whole set
// lands in one submission with at most one up-front flush.
func (c *Context) TrackResources(access uint32, allocIDs ...uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// The flush decision counts only ids not already in the table, but the
	// guarantee that everything fits afterwards needs the operation's full
	// distinct count: a flush drops the already-tracked overlap too.
	total := alloctab.CountDistinct(allocIDs)
	if total > c.tracker.Capacity() {
		return NewContextError("TRACK", c.id, int(c.engine), ErrCodeInvalidParameters,
			fmt.Sprintf("%d distinct allocations exceed table capacity %d", total, c.tracker.Capacity()))
	}
	if !c.tracker.Fits(c.tracker.Distinct(allocIDs)) {
		c.dev.metrics.RecordCapacityFlush(false)
		if _, err := c.submitLocked(false); err != nil {
			return err
		}
	}
	for _, id := range allocIDs {
		if _, err := c.trackLocked(id, access); err != nil {
			return err
		}
	}
	return nil
}

// Flush submits pending work, marking the cut with a FLUSH packet when one
// fits. An empty stream is a no-op returning the last submitted fence; DWM
// style polling loops flush constantly and must not generate traffic.
func (c *Context) Flush() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slots[c.cur].writer.Empty() && c.tracker.Len() == 0 {
		return c.lastFence, nil
	}
	// Best effort: the submission boundary itself is the flush point
	// when the packet does not fit.
	_ = c.slots[c.cur].writer.Append(abi.CmdFlush, nil)
	return c.submitLocked(false)
}

// Submit publishes the pending command stream and allocation table. An
// empty stream submits nothing and returns the last submitted fence.
func (c *Context) Submit() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitLocked(false)
}

// Present appends a PRESENT packet and submits, throttled against the
// bound on in-flight presents.
func (c *Context) Present() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.throttlePresentsLocked(); err != nil {
		return 0, err
	}
	if err := c.ensureCmdSpaceLocked(0); err != nil {
		return 0, err
	}
	if err := c.slots[c.cur].writer.Append(abi.CmdPresent, nil); err != nil {
		return 0, NewContextError("PRESENT", c.id, int(c.engine), ErrCodeCapacity, err.Error())
	}
	f, err := c.submitLocked(true)
	if err != nil {
		return 0, err
	}
	c.presents = append(c.presents, f)
	return f, nil
}

// throttlePresentsLocked bounds unretired presents. When the bound is hit
// it waits for the oldest; if the deadline passes with no progress, the
// oldest is dropped from throttling so the pipeline cannot deadlock on a
// stuck compositor.
func (c *Context) throttlePresentsLocked() error {
	limit := c.dev.params.MaxPresentsInFlight
	if limit <= 0 {
		return nil
	}
	tracker := c.dev.trackers[c.engine]

	// Retired presents leave the window for free.
	completed := tracker.Completed()
	for len(c.presents) > 0 && c.presents[0] <= completed {
		c.retireLocked(c.presents[0])
		c.presents = c.presents[1:]
	}
	if len(c.presents) < limit {
		return nil
	}

	oldest := c.presents[0]
	st, err := c.dev.WaitFence(c.dev.ctx, c.engine, oldest, constants.PresentThrottleDeadline)
	switch st {
	case fence.StatusComplete:
		c.retireLocked(oldest)
	case fence.StatusNotReady:
		c.dev.metrics.RecordPresentDrop()
		c.logger.Warn("present throttle deadline, dropping oldest", "fence", oldest)
	default:
		return err
	}
	c.presents = c.presents[1:]
	return nil
}

// submitLocked is the single submission path. Order: finalize stream,
// serialize table, build descriptor with the next fence, route to the
// transport, then recycle encoder and tracker onto the other buffer slot.
func (c *Context) submitLocked(present bool) (uint64, error) {
	if c.closed {
		return 0, NewContextError("SUBMIT", c.id, int(c.engine), ErrCodeInvalidParameters, "context closed")
	}
	// Nothing pending at all: no transport round trip, the last fence
	// already covers everything this context produced.
	slot := &c.slots[c.cur]
	if slot.writer.Empty() && c.tracker.Len() == 0 {
		return c.lastFence, nil
	}

	stream := slot.writer.Finalize()
	table, err := c.tracker.WriteTable()
	if err != nil {
		return 0, NewContextError("SUBMIT", c.id, int(c.engine), ErrCodeProtocol, err.Error())
	}

	tracker := c.dev.trackers[c.engine]
	f := tracker.NextFence()
	desc := abi.SubmitDesc{
		DescSizeBytes: abi.SubmitDescSize,
		ContextID:     c.id,
		EngineID:      c.engine,
		CmdGPA:        slot.cmd.GPA,
		CmdSizeBytes:  uint64(len(stream)),
		SignalFence:   f,
	}
	if present {
		desc.Flags |= abi.SubmitFlagPresent
	}
	if table != nil {
		desc.AllocTableGPA = slot.table.GPA
		desc.AllocTableSizeBytes = uint64(len(table))
	}

	if err := c.route(&desc, present); err != nil {
		c.dev.metrics.RecordSubmitError(IsCode(err, ErrCodeTransport))
		return 0, err
	}

	now := time.Now()
	tracker.NoteSubmitted(f)
	packets := slot.writer.PacketCount()
	entries := c.tracker.Len()
	c.dev.observer.ObserveSubmission(packets, uint64(len(stream)), entries, present)
	c.dev.sublog.Add(SubmissionRecord{
		Fence:     f,
		ContextID: c.id,
		Engine:    c.engine,
		Packets:   packets,
		Bytes:     uint32(len(stream)),
		Present:   present,
		Time:      now,
	})
	c.pending[f] = now
	c.logger.Debug("submitted", "fence", f, "packets", packets, "bytes", len(stream))

	// Rotate to the other slot; wait out its previous submission before
	// overwriting memory the device may still read.
	slot.fence = f
	c.lastFence = f
	c.cur ^= 1
	next := &c.slots[c.cur]
	if next.fence != 0 {
		st, werr := c.dev.WaitFence(c.dev.ctx, c.engine, next.fence, constants.RingFullRetryTimeout)
		if st == fence.StatusFailed {
			return 0, werr
		}
		if st == fence.StatusNotReady {
			return 0, NewFenceError("SUBMIT", next.fence, ErrCodeTimeout,
				"previous submission never retired")
		}
		c.retireLocked(next.fence)
	}
	next.writer.Rewind()
	if err := c.tracker.Rebind(next.table.Mem, c.dev.params.AllocTableSlots); err != nil {
		return 0, NewContextError("SUBMIT", c.id, int(c.engine), ErrCodeProtocol, err.Error())
	}
	return f, nil
}

// route picks the delivery path: present-capable transports take presents,
// direct submitters take everything else they can, and the shared ring is
// the fallback that always exists.
func (c *Context) route(desc *abi.SubmitDesc, present bool) error {
	caps := &c.dev.caps
	if present && caps.presentSubmitter != nil {
		if err := caps.presentSubmitter.SubmitPresent(desc); err != nil {
			return WrapError("SUBMIT", ErrCodeTransport, err)
		}
		return nil
	}
	if caps.submitter != nil {
		if err := caps.submitter.Submit(desc); err != nil {
			return WrapError("SUBMIT", ErrCodeTransport, err)
		}
		return nil
	}
	return c.dev.produce(desc)
}

// retireLocked records submit-to-retire latency for fences this context
// submitted at or before f.
func (c *Context) retireLocked(f uint64) {
	now := time.Now()
	for pf, at := range c.pending {
		if pf <= f {
			c.dev.observer.ObserveRetired(uint64(now.Sub(at)))
			delete(c.pending, pf)
		}
	}
}

// WaitFence blocks until a fence this engine produced retires.
func (c *Context) WaitFence(ctx context.Context, f uint64, timeout time.Duration) (fence.Status, error) {
	st, err := c.dev.WaitFence(ctx, c.engine, f, timeout)
	if st == fence.StatusComplete {
		c.mu.Lock()
		c.retireLocked(f)
		c.mu.Unlock()
	}
	return st, err
}

// WaitIdle blocks until everything this context submitted has retired.
func (c *Context) WaitIdle(ctx context.Context, timeout time.Duration) (fence.Status, error) {
	c.mu.Lock()
	last := c.lastFence
	c.mu.Unlock()
	if last == 0 {
		return fence.StatusComplete, nil
	}
	return c.WaitFence(ctx, last, timeout)
}

// Close submits nothing and detaches the context. Pending encoded work is
// discarded, matching a process that exits between flushes.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if !c.slots[c.cur].writer.Empty() {
		c.logger.Debug("context closed with unsubmitted packets",
			"packets", c.slots[c.cur].writer.PacketCount())
	}
	return nil
}
