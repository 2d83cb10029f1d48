package aerogpu

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerovm/aerogpu-go/internal/abi"
	"github.com/aerovm/aerogpu-go/internal/cmdstream"
	"github.com/aerovm/aerogpu-go/internal/fence"
	"github.com/aerovm/aerogpu-go/internal/mmio"
)

func openTestDevice(t *testing.T, transport Transport, params DeviceParams) *Device {
	t.Helper()
	d, err := OpenDevice(transport, params, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestOpenDeviceValidation(t *testing.T) {
	_, err := OpenDevice(nil, DefaultParams(), nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))

	// Dead register window
	td := NewTestDevice()
	td.Registers().Write32(mmio.RegMagic, 0)
	_, err = OpenDevice(td, DefaultParams(), nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeProtocol))

	// Foreign major version
	td = NewTestDevice()
	td.Registers().Write32(mmio.RegABIVersion, 2<<16)
	_, err = OpenDevice(td, DefaultParams(), nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeProtocol))
}

func TestDeviceLifecycle(t *testing.T) {
	td := NewTestDevice()
	d, err := OpenDevice(td, DefaultParams(), nil)
	require.NoError(t, err)

	assert.False(t, d.Lost())
	require.NoError(t, d.Close())
	require.NoError(t, d.Close()) // idempotent
}

func TestNewContextValidation(t *testing.T) {
	d := openTestDevice(t, NewTestDevice(), DefaultParams())

	_, err := d.NewContext(99)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))

	c1, err := d.NewContext(EngineRender)
	require.NoError(t, err)
	c2, err := d.NewContext(EngineRender)
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID(), c2.ID())
}

func TestSubmitEndToEnd(t *testing.T) {
	td := NewTestDevice()
	d := openTestDevice(t, td, DefaultParams())

	ctx, err := d.NewContext(EngineRender)
	require.NoError(t, err)
	defer ctx.Close()

	idA, err := d.AllocID()
	require.NoError(t, err)
	idB, err := d.AllocID()
	require.NoError(t, err)
	assert.NotEqual(t, idA, idB)

	_, err = ctx.TrackResource(idA, abi.AllocFlagRead)
	require.NoError(t, err)
	_, err = ctx.TrackResource(idB, abi.AllocFlagRead|abi.AllocFlagWrite)
	require.NoError(t, err)

	require.NoError(t, ctx.AppendPacket(abi.CmdClear, make([]byte, 20)))
	require.NoError(t, ctx.AppendPacket(abi.CmdDraw, make([]byte, 16)))

	f, err := ctx.Submit()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f)

	st, err := ctx.WaitFence(context.Background(), f, time.Second)
	require.NoError(t, err)
	assert.Equal(t, fence.StatusComplete, st)

	require.Equal(t, 1, td.SubmissionCount())
	desc := td.Descriptors()[0]
	assert.Equal(t, ctx.ID(), desc.ContextID)
	assert.Equal(t, uint32(EngineRender), desc.EngineID)
	assert.Equal(t, f, desc.SignalFence)
	assert.NotZero(t, desc.CmdGPA)
	assert.Equal(t, uint64(abi.AllocTableHeaderSize+2*abi.AllocEntrySize), desc.AllocTableSizeBytes)
	assert.Equal(t, 1, td.OpcodeCount(abi.CmdClear))
	assert.Equal(t, 1, td.OpcodeCount(abi.CmdDraw))

	snap := d.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.Submissions)
	assert.Equal(t, uint64(2), snap.Packets)
	assert.Equal(t, uint64(2), snap.AllocEntries)
}

func TestEmptySubmitIsNoOp(t *testing.T) {
	td := NewTestDevice()
	d := openTestDevice(t, td, DefaultParams())

	ctx, err := d.NewContext(EngineRender)
	require.NoError(t, err)

	f, err := ctx.Submit()
	require.NoError(t, err)
	assert.Zero(t, f)

	require.NoError(t, ctx.AppendPacket(abi.CmdNop, nil))
	f, err = ctx.Submit()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f)

	// Empty again: same fence, no traffic
	f2, err := ctx.Submit()
	require.NoError(t, err)
	assert.Equal(t, f, f2)
	assert.Equal(t, 1, td.SubmissionCount())
}

func TestFlushMarksBoundary(t *testing.T) {
	td := NewTestDevice()
	d := openTestDevice(t, td, DefaultParams())

	ctx, err := d.NewContext(EngineRender)
	require.NoError(t, err)

	// Empty flush: no traffic
	f, err := ctx.Flush()
	require.NoError(t, err)
	assert.Zero(t, f)
	assert.Equal(t, 0, td.SubmissionCount())

	require.NoError(t, ctx.AppendPacket(abi.CmdDraw, make([]byte, 16)))
	f, err = ctx.Flush()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f)
	assert.Equal(t, 1, td.OpcodeCount(abi.CmdFlush))

	// Flush after flush: still the same fence
	f2, err := ctx.Flush()
	require.NoError(t, err)
	assert.Equal(t, f, f2)
	assert.Equal(t, 1, td.SubmissionCount())
}

func TestDebugMarker(t *testing.T) {
	td := NewTestDevice()
	d := openTestDevice(t, td, DefaultParams())

	ctx, err := d.NewContext(EngineRender)
	require.NoError(t, err)

	require.NoError(t, ctx.DebugMarker("frame 1: shadow pass"))
	require.NoError(t, ctx.DebugMarker("frame 1: color pass"))
	_, err = ctx.Submit()
	require.NoError(t, err)

	assert.Equal(t, []string{"frame 1: shadow pass", "frame 1: color pass"}, td.Markers())
}

func TestRingWraparound(t *testing.T) {
	params := DefaultParams()
	params.RingEntries = 4

	td := NewTestDevice()
	d := openTestDevice(t, td, params)

	ctx, err := d.NewContext(EngineRender)
	require.NoError(t, err)

	// Several laps around the 4-slot ring
	for i := 0; i < 10; i++ {
		require.NoError(t, ctx.AppendPacket(abi.CmdDraw, make([]byte, 8)))
		f, err := ctx.Submit()
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), f)
	}

	assert.Equal(t, 10, td.SubmissionCount())
	assert.Equal(t, uint64(10), d.CompletedFence(EngineRender))
}

func TestEncoderCapacityFlush(t *testing.T) {
	params := DefaultParams()
	params.CmdBufferSize = 1024

	td := NewTestDevice()
	d := openTestDevice(t, td, params)

	ctx, err := d.NewContext(EngineRender)
	require.NoError(t, err)

	// Each packet takes 608 bytes; the second cannot share a 1 KiB buffer
	// with the first, so appending it flushes.
	require.NoError(t, ctx.AppendPacket(abi.CmdUploadResource, make([]byte, 600)))
	require.NoError(t, ctx.AppendPacket(abi.CmdUploadResource, make([]byte, 600)))
	assert.Equal(t, 1, td.SubmissionCount())

	_, err = ctx.Submit()
	require.NoError(t, err)
	assert.Equal(t, 2, td.SubmissionCount())
	assert.Equal(t, 2, td.OpcodeCount(abi.CmdUploadResource))

	snap := d.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.EncoderFlushes)

	// A body that can never fit is a caller error, not a flush loop
	err = ctx.AppendPacket(abi.CmdUploadResource, make([]byte, 4096))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))
}

func TestTrackResourcesPrescan(t *testing.T) {
	params := DefaultParams()
	params.AllocTableSlots = 4

	td := NewTestDevice()
	d := openTestDevice(t, td, params)

	ctx, err := d.NewContext(EngineRender)
	require.NoError(t, err)

	require.NoError(t, ctx.AppendPacket(abi.CmdDraw, make([]byte, 8)))
	_, err = ctx.TrackResource(10, abi.AllocFlagRead)
	require.NoError(t, err)
	_, err = ctx.TrackResource(11, abi.AllocFlagRead)
	require.NoError(t, err)

	// Four fresh ids cannot join the two tracked ones in a 4-slot table;
	// the whole set must land in one submission after a single flush.
	require.NoError(t, ctx.TrackResources(abi.AllocFlagWrite, 20, 21, 22, 23))
	assert.Equal(t, 1, td.SubmissionCount())

	_, err = ctx.Submit()
	require.NoError(t, err)

	descs := td.Descriptors()
	require.Len(t, descs, 2)
	assert.Equal(t, uint64(abi.AllocTableHeaderSize+2*abi.AllocEntrySize), descs[0].AllocTableSizeBytes)
	assert.Equal(t, uint64(abi.AllocTableHeaderSize+4*abi.AllocEntrySize), descs[1].AllocTableSizeBytes)

	snap := d.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.TableFlushes)

	// More distinct ids than the table holds can never succeed
	err = ctx.TrackResources(abi.AllocFlagRead, 30, 31, 32, 33, 34)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))
}

func TestTrackResourcesOverlapCountsFullDemand(t *testing.T) {
	params := DefaultParams()
	params.AllocTableSlots = 4

	td := NewTestDevice()
	d := openTestDevice(t, td, params)

	ctx, err := d.NewContext(EngineRender)
	require.NoError(t, err)

	require.NoError(t, ctx.AppendPacket(abi.CmdDraw, make([]byte, 8)))
	require.NoError(t, ctx.TrackResources(abi.AllocFlagRead, 10, 11, 12))

	// Only two of these ids are new, but a flush would evict the tracked
	// overlap too: the operation's own five distinct ids can never share a
	// 4-slot table, so it is rejected outright instead of split.
	err = ctx.TrackResources(abi.AllocFlagRead, 10, 11, 12, 20, 21)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))
	assert.Equal(t, 0, td.SubmissionCount())

	// The rejection left the pending submission untouched.
	_, err = ctx.Submit()
	require.NoError(t, err)
	descs := td.Descriptors()
	require.Len(t, descs, 1)
	assert.Equal(t, uint64(abi.AllocTableHeaderSize+3*abi.AllocEntrySize), descs[0].AllocTableSizeBytes)

	snap := d.MetricsSnapshot()
	assert.Equal(t, uint64(0), snap.TableFlushes)

	// Overlap that keeps the total within capacity rides the tracked
	// entries: one table, no flush.
	require.NoError(t, ctx.AppendPacket(abi.CmdDraw, make([]byte, 8)))
	require.NoError(t, ctx.TrackResources(abi.AllocFlagWrite, 30, 31))
	require.NoError(t, ctx.TrackResources(abi.AllocFlagRead, 30, 31, 40, 41))

	_, err = ctx.Submit()
	require.NoError(t, err)
	descs = td.Descriptors()
	require.Len(t, descs, 2)
	assert.Equal(t, uint64(abi.AllocTableHeaderSize+4*abi.AllocEntrySize), descs[1].AllocTableSizeBytes)

	snap = d.MetricsSnapshot()
	assert.Equal(t, uint64(0), snap.TableFlushes)
}

func TestTrackResourceDedup(t *testing.T) {
	td := NewTestDevice()
	d := openTestDevice(t, td, DefaultParams())

	ctx, err := d.NewContext(EngineRender)
	require.NoError(t, err)

	slotA, err := ctx.TrackResource(7, abi.AllocFlagRead)
	require.NoError(t, err)
	slotB, err := ctx.TrackResource(7, abi.AllocFlagWrite)
	require.NoError(t, err)
	assert.Equal(t, slotA, slotB)

	_, err = ctx.TrackResource(abi.AllocIDInvalid, abi.AllocFlagRead)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))
}

func TestUploadResource(t *testing.T) {
	td := NewTestDevice()
	d := openTestDevice(t, td, DefaultParams())

	ctx, err := d.NewContext(EngineRender)
	require.NoError(t, err)

	id, err := d.AllocID()
	require.NoError(t, err)

	payload := []byte("vertex data vertex data")
	require.NoError(t, ctx.UploadResource(id, 4096, payload))

	f, err := ctx.Submit()
	require.NoError(t, err)
	assert.NotZero(t, f)

	assert.Equal(t, 1, td.OpcodeCount(abi.CmdUploadResource))
	desc := td.Descriptors()[0]
	// The upload tracked its allocation in the same submission
	assert.Equal(t, uint64(abi.AllocTableHeaderSize+abi.AllocEntrySize), desc.AllocTableSizeBytes)
}

func TestTransportRoutingPreference(t *testing.T) {
	t.Run("present path", func(t *testing.T) {
		td := NewTestPresentDevice()
		d := openTestDevice(t, td, DefaultParams())

		ctx, err := d.NewContext(EngineRender)
		require.NoError(t, err)

		_, err = ctx.Present()
		require.NoError(t, err)
		assert.Equal(t, 1, td.PresentPathCount())
		assert.Equal(t, 1, td.PresentCount())

		// Non-presents use plain direct submit
		require.NoError(t, ctx.AppendPacket(abi.CmdDraw, nil))
		_, err = ctx.Submit()
		require.NoError(t, err)
		assert.Equal(t, 1, td.PresentPathCount())
		assert.Equal(t, 2, td.DirectCount())
		assert.Equal(t, 0, td.DoorbellCount())
	})

	t.Run("direct path", func(t *testing.T) {
		td := NewTestSubmitDevice()
		d := openTestDevice(t, td, DefaultParams())

		ctx, err := d.NewContext(EngineRender)
		require.NoError(t, err)

		// Presents fall back to the direct submit path
		_, err = ctx.Present()
		require.NoError(t, err)
		assert.Equal(t, 1, td.DirectCount())
		assert.Equal(t, 0, td.DoorbellCount())

		desc := td.Descriptors()[0]
		assert.True(t, desc.IsPresent())
	})

	t.Run("ring path", func(t *testing.T) {
		td := NewTestDevice()
		d := openTestDevice(t, td, DefaultParams())

		ctx, err := d.NewContext(EngineRender)
		require.NoError(t, err)

		_, err = ctx.Present()
		require.NoError(t, err)
		assert.Equal(t, 1, td.DoorbellCount())
		assert.True(t, td.Descriptors()[0].IsPresent())
	})
}

func TestZeroTimeoutWait(t *testing.T) {
	td := NewTestDevice()
	td.SetManualCompletion(true)
	d := openTestDevice(t, td, DefaultParams())

	ctx, err := d.NewContext(EngineRender)
	require.NoError(t, err)

	require.NoError(t, ctx.AppendPacket(abi.CmdDraw, nil))
	f, err := ctx.Submit()
	require.NoError(t, err)

	st, err := ctx.WaitFence(context.Background(), f, 0)
	require.NoError(t, err)
	assert.Equal(t, fence.StatusNotReady, st)

	td.CompleteTo(EngineRender, f)
	st, err = ctx.WaitFence(context.Background(), f, 0)
	require.NoError(t, err)
	assert.Equal(t, fence.StatusComplete, st)
}

func TestCopyEngineCompletesThroughPage(t *testing.T) {
	// The completed-fence registers carry the render engine only; copy
	// engine progress flows through its own fence page.
	td := NewTestDevice()
	d := openTestDevice(t, td, DefaultParams())

	ctx, err := d.NewContext(EngineCopy)
	require.NoError(t, err)

	require.NoError(t, ctx.AppendPacket(abi.CmdCopyBuffer, make([]byte, 24)))
	f, err := ctx.Submit()
	require.NoError(t, err)

	st, err := ctx.WaitFence(context.Background(), f, time.Second)
	require.NoError(t, err)
	assert.Equal(t, fence.StatusComplete, st)
	assert.Equal(t, f, d.CompletedFence(EngineCopy))

	// Render engine untouched
	assert.Zero(t, d.CompletedFence(EngineRender))
}

func TestRingFullRecovers(t *testing.T) {
	params := DefaultParams()
	params.RingEntries = 4

	td := NewTestDevice()
	td.SetStalled(true)
	d := openTestDevice(t, td, params)

	makeDesc := func(f uint64) *abi.SubmitDesc {
		region, err := d.Arena().Alloc(256)
		require.NoError(t, err)
		w, err := cmdstream.NewWriter(region.Mem)
		require.NoError(t, err)
		stream := w.Finalize()
		return &abi.SubmitDesc{
			DescSizeBytes: abi.SubmitDescSize,
			ContextID:     1,
			EngineID:      EngineRender,
			CmdGPA:        region.GPA,
			CmdSizeBytes:  uint64(len(stream)),
			SignalFence:   f,
		}
	}

	for i := 1; i <= 4; i++ {
		require.NoError(t, d.produce(makeDesc(uint64(i))))
	}

	// Every slot in flight; the next produce stalls until the device
	// drains, then lands.
	go func() {
		time.Sleep(50 * time.Millisecond)
		td.SetStalled(false)
		td.Drain()
	}()
	require.NoError(t, d.produce(makeDesc(5)))

	assert.GreaterOrEqual(t, td.SubmissionCount(), 4)
	snap := d.MetricsSnapshot()
	assert.NotZero(t, snap.RingFullStalls)
}

func TestMalformedStreamLatchesError(t *testing.T) {
	td := NewTestDevice()
	d := openTestDevice(t, td, DefaultParams())

	// A zeroed command buffer fails stream validation on the device
	region, err := d.Arena().Alloc(256)
	require.NoError(t, err)
	desc := &abi.SubmitDesc{
		DescSizeBytes: abi.SubmitDescSize,
		ContextID:     1,
		EngineID:      EngineRender,
		CmdGPA:        region.GPA,
		CmdSizeBytes:  64,
		SignalFence:   7,
	}
	require.NoError(t, d.produce(desc))

	code, faulting := td.LastError()
	assert.Equal(t, uint32(mmio.DevErrCmdDecode), code)
	assert.Equal(t, uint64(7), faulting)

	regs := td.Registers()
	assert.NotZero(t, regs.Read32(mmio.RegIRQStatus)&mmio.IRQError)

	// The faulting fence never retires
	st, err := d.WaitFence(context.Background(), EngineRender, 7, 0)
	require.NoError(t, err)
	assert.Equal(t, fence.StatusNotReady, st)
}

func TestDeviceLostOnProbeFailure(t *testing.T) {
	td := NewTestQueryDevice()
	td.SetManualCompletion(true)
	d := openTestDevice(t, td, DefaultParams())

	ctx, err := d.NewContext(EngineRender)
	require.NoError(t, err)

	require.NoError(t, ctx.AppendPacket(abi.CmdDraw, nil))
	f, err := ctx.Submit()
	require.NoError(t, err)

	td.SetQueryError(errors.New("device gone"))

	st, err := ctx.WaitFence(context.Background(), f, 100*time.Millisecond)
	assert.Equal(t, fence.StatusFailed, st)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeDeviceLost))
	assert.True(t, d.Lost())

	// Failure is latched for later waits too
	st, _ = ctx.WaitFence(context.Background(), f+1, time.Millisecond)
	assert.Equal(t, fence.StatusFailed, st)
}

func TestSubmitTransportFailure(t *testing.T) {
	td := NewTestSubmitDevice()
	d := openTestDevice(t, td, DefaultParams())

	ctx, err := d.NewContext(EngineRender)
	require.NoError(t, err)

	require.NoError(t, ctx.AppendPacket(abi.CmdDraw, nil))
	td.FailNextSubmit(errors.New("backend rejected"))

	_, err = ctx.Submit()
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeTransport))

	snap := d.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.SubmitErrors)
	assert.Equal(t, uint64(1), snap.TransportErrors)

	// The encoded stream survives a failed delivery; a retry submits it
	f, err := ctx.Submit()
	require.NoError(t, err)
	assert.NotZero(t, f)
	assert.Equal(t, 1, td.OpcodeCount(abi.CmdDraw))
}

func TestPresentThrottle(t *testing.T) {
	params := DefaultParams()
	params.MaxPresentsInFlight = 1

	td := NewTestDevice()
	td.SetManualCompletion(true)
	d := openTestDevice(t, td, params)

	ctx, err := d.NewContext(EngineRender)
	require.NoError(t, err)

	f1, err := ctx.Present()
	require.NoError(t, err)

	// The second present must wait for the first to retire
	go func() {
		time.Sleep(50 * time.Millisecond)
		td.CompleteTo(EngineRender, f1)
	}()
	start := time.Now()
	_, err = ctx.Present()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	assert.Equal(t, 2, td.PresentCount())
	snap := d.MetricsSnapshot()
	assert.Equal(t, uint64(2), snap.Presents)
	assert.Zero(t, snap.PresentDrops)
}

func TestSubmissionLog(t *testing.T) {
	td := NewTestDevice()
	d := openTestDevice(t, td, DefaultParams())

	ctx, err := d.NewContext(EngineRender)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, ctx.AppendPacket(abi.CmdDraw, make([]byte, 8)))
		_, err := ctx.Submit()
		require.NoError(t, err)
	}

	records := d.SubmissionLog()
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, uint64(i+1), rec.Fence)
		assert.Equal(t, ctx.ID(), rec.ContextID)
		assert.Equal(t, uint32(1), rec.Packets)
		assert.False(t, rec.Present)
	}
}

func TestClosedContextRejectsSubmit(t *testing.T) {
	td := NewTestDevice()
	d := openTestDevice(t, td, DefaultParams())

	ctx, err := d.NewContext(EngineRender)
	require.NoError(t, err)

	require.NoError(t, ctx.AppendPacket(abi.CmdDraw, nil))
	require.NoError(t, ctx.Close())
	require.NoError(t, ctx.Close()) // idempotent

	_, err = ctx.Submit()
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))
}

func TestDefaultParams(t *testing.T) {
	params := DefaultParams()
	assert.Equal(t, uint32(DefaultRingEntries), params.RingEntries)
	assert.Equal(t, DefaultCmdBufferSize, params.CmdBufferSize)
	assert.Equal(t, DefaultAllocTableSlots, params.AllocTableSlots)
	assert.Equal(t, DefaultMaxPresentsInFlight, params.MaxPresentsInFlight)
}
