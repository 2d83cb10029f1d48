package abi

import "unsafe"

// RingHeader heads the shared submission ring region. The region is the
// 64-byte header followed by entry_count contiguous SubmitDesc slots.
//
// Wire layout (64 bytes, little-endian, packed):
//
//	u32 magic              // RingMagic
//	u32 abi_version        // ABIVersion
//	u32 size_bytes         // total region size including this header
//	u32 entry_count        // power of two
//	u32 entry_stride_bytes // >= SubmitDescSize
//	u32 flags
//	u32 head               // consumer-owned, monotonic, never masked
//	u32 tail               // producer-owned, monotonic, never masked
//	u32 reserved[8]
//
// head and tail are free-running counters; the occupied slot for index i is
// i mod entry_count. Only the device writes head; only the driver writes tail.
type RingHeader struct {
	Magic            uint32
	ABIVersion       uint32
	SizeBytes        uint32
	EntryCount       uint32
	EntryStrideBytes uint32
	Flags            uint32
	Head             uint32
	Tail             uint32
	Reserved         [8]uint32
}

// Compile-time size check - the header is exactly one cache line.
var _ [RingHeaderSize]byte = [unsafe.Sizeof(RingHeader{})]byte{}

// Field offsets that are part of the wire contract.
const (
	RingHeadOffset = 24
	RingTailOffset = 28
)

// SubmitDesc describes one submission: where the command bytes live, where
// the optional allocation table lives, and which fence value the device must
// stamp as completed once the submission finishes.
//
// Wire layout (64 bytes, little-endian, packed):
//
//	u32 desc_size_bytes        // always SubmitDescSize
//	u32 flags                  // SubmitFlag*
//	u32 context_id
//	u32 engine_id
//	u64 cmd_gpa                // offset 16
//	u64 cmd_size_bytes
//	u64 alloc_table_gpa        // offset 32; 0 when absent
//	u64 alloc_table_size_bytes // 0 when absent
//	u64 signal_fence           // offset 48
//	u64 reserved
type SubmitDesc struct {
	DescSizeBytes       uint32
	Flags               uint32
	ContextID           uint32
	EngineID            uint32
	CmdGPA              uint64
	CmdSizeBytes        uint64
	AllocTableGPA       uint64
	AllocTableSizeBytes uint64
	SignalFence         uint64
	Reserved            uint64
}

// Compile-time size check (one ring slot).
var _ [SubmitDescSize]byte = [unsafe.Sizeof(SubmitDesc{})]byte{}

// Field offsets that are part of the wire contract.
const (
	SubmitDescCmdGPAOffset        = 16
	SubmitDescAllocTableGPAOffset = 32
	SubmitDescSignalFenceOffset   = 48
)

// IsPresent reports whether the PRESENT flag is set.
func (d *SubmitDesc) IsPresent() bool { return d.Flags&SubmitFlagPresent != 0 }

// AllocTableHeader heads a per-submission allocation table: the header
// followed by entry_count AllocEntry records. The table is the sideband
// indirection that lets command packets reference guest memory by a small
// stable alloc_id instead of a raw address.
//
// Wire layout (24 bytes, little-endian, packed):
//
//	u32 magic              // AllocTableMagic
//	u32 abi_version
//	u32 size_bytes         // header + entries
//	u32 entry_count
//	u32 entry_stride_bytes // >= AllocEntrySize
//	u32 reserved0
type AllocTableHeader struct {
	Magic            uint32
	ABIVersion       uint32
	SizeBytes        uint32
	EntryCount       uint32
	EntryStrideBytes uint32
	Reserved0        uint32
}

// Compile-time size check.
var _ [AllocTableHeaderSize]byte = [unsafe.Sizeof(AllocTableHeader{})]byte{}

// AllocEntry maps one alloc_id to its guest-physical backing range for the
// duration of a single submission.
//
// Wire layout (24 bytes, little-endian, packed):
//
//	u32 alloc_id  // never AllocIDInvalid
//	u32 flags     // AllocFlag*
//	u64 gpa       // offset 8
//	u64 size_bytes
type AllocEntry struct {
	AllocID   uint32
	Flags     uint32
	GPA       uint64
	SizeBytes uint64
}

// Compile-time size check.
var _ [AllocEntrySize]byte = [unsafe.Sizeof(AllocEntry{})]byte{}

// FencePage is the guest-visible completion page: a low-latency alternative
// to reading the completed-fence register. The device rewrites
// completed_fence monotonically; the guest only ever reads.
//
// Wire layout (56 bytes at the start of one 4 KiB page, little-endian):
//
//	u32 magic           // FencePageMagic
//	u32 abi_version
//	u64 completed_fence // offset 8, monotonically non-decreasing
//	u8  reserved[40]
type FencePage struct {
	Magic          uint32
	ABIVersion     uint32
	CompletedFence uint64
	Reserved       [40]byte
}

// Compile-time size check.
var _ [FencePageSize]byte = [unsafe.Sizeof(FencePage{})]byte{}

// FencePageCompletedOffset is part of the wire contract.
const FencePageCompletedOffset = 8

// CmdStreamHeader must be present at the start of every command buffer.
//
// Wire layout (24 bytes, little-endian, packed):
//
//	u32 magic      // CmdStreamMagic
//	u32 abi_version
//	u32 size_bytes // total bytes including this header; 4-aligned;
//	               // trailing buffer bytes beyond it are ignored
//	u32 flags
//	u32 reserved0
//	u32 reserved1
type CmdStreamHeader struct {
	Magic      uint32
	ABIVersion uint32
	SizeBytes  uint32
	Flags      uint32
	Reserved0  uint32
	Reserved1  uint32
}

// Compile-time size check.
var _ [CmdStreamHeaderSize]byte = [unsafe.Sizeof(CmdStreamHeader{})]byte{}

// CmdHdr prefixes every command packet. size_bytes includes the header, is
// at least CmdHdrSize, and is 4-byte aligned. Unknown opcodes must be
// skipped using size_bytes.
//
// Wire layout (8 bytes, little-endian, packed):
//
//	u32 opcode
//	u32 size_bytes
type CmdHdr struct {
	Opcode    uint32
	SizeBytes uint32
}

// Compile-time size check.
var _ [CmdHdrSize]byte = [unsafe.Sizeof(CmdHdr{})]byte{}
