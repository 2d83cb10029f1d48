// Package abi provides the AeroGPU guest<->device wire ABI definitions.
//
// Every structure here is shared with the device emulator across an isolation
// boundary. Layouts are little-endian, explicitly packed, and identical for
// 32-bit and 64-bit producers; nothing in this package may use an
// architecture-sized type on the wire.
package abi

// Structure magics. Each is the ASCII tag read back as a little-endian u32,
// so the raw bytes in memory spell the tag.
const (
	RingMagic       = 0x474E5241 // "ARNG"
	AllocTableMagic = 0x434F4C41 // "ALOC"
	FencePageMagic  = 0x434E4546 // "FENC"
	CmdStreamMagic  = 0x444D4341 // "ACMD"
)

// ABI version, encoded as major<<16 | minor. Consumers accept any minor
// revision of a major they support and must reject foreign majors outright.
const (
	ABIMajor   = 1
	ABIMinor   = 3
	ABIVersion = ABIMajor<<16 | ABIMinor // 0x00010003
)

// ABIVersionMajor extracts the major component of an encoded abi_version.
func ABIVersionMajor(v uint32) uint32 { return v >> 16 }

// ABIVersionMinor extracts the minor component of an encoded abi_version.
func ABIVersionMinor(v uint32) uint32 { return v & 0xFFFF }

// Wire structure sizes in bytes.
const (
	RingHeaderSize       = 64
	SubmitDescSize       = 64
	AllocTableHeaderSize = 24
	AllocEntrySize       = 24
	FencePageSize        = 56
	CmdStreamHeaderSize  = 24
	CmdHdrSize           = 8
)

// SubmitDesc flag bits.
const (
	SubmitFlagPresent = 1 << 0 // submission ends with a present; affects transport routing
	SubmitFlagNoIRQ   = 1 << 1 // device should not raise a fence interrupt for this submission
)

// AllocEntry access flag bits.
const (
	AllocFlagRead  = 1 << 0
	AllocFlagWrite = 1 << 1
)

// AllocIDInvalid is the reserved alloc_id; it never appears in a table.
const AllocIDInvalid = 0

// Command packets are padded so every packet starts 4-byte aligned.
const CmdAlign = 4

// Command stream opcodes. The transport core treats packet bodies as opaque;
// the opcode space is carried here so encoders and tools share one namespace.
const (
	CmdNop         = 0x000
	CmdDebugMarker = 0x001 // UTF-8 bytes follow

	CmdCreateBuffer    = 0x100
	CmdCreateTexture2D = 0x101
	CmdDestroyResource = 0x102
	CmdDirtyRange      = 0x103
	CmdUploadResource  = 0x104
	CmdCopyBuffer      = 0x105
	CmdCopyTexture2D   = 0x106

	CmdCreateShader  = 0x200
	CmdDestroyShader = 0x201
	CmdBindShaders   = 0x202

	CmdSetBlendState        = 0x300
	CmdSetDepthStencilState = 0x301
	CmdSetRasterizerState   = 0x302

	CmdSetRenderTargets = 0x400
	CmdSetViewport      = 0x401
	CmdSetScissor       = 0x402

	CmdSetVertexBuffers     = 0x500
	CmdSetIndexBuffer       = 0x501
	CmdSetPrimitiveTopology = 0x502

	CmdClear       = 0x600
	CmdDraw        = 0x601
	CmdDrawIndexed = 0x602
	CmdDispatch    = 0x603

	CmdPresent = 0x700

	CmdFlush = 0x720
)

// Engine identifiers. Submissions on one engine retire in FIFO order;
// cross-engine ordering is not guaranteed.
const (
	EngineRender = 0
	EngineCopy   = 1
)
