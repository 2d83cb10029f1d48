package abi

import "encoding/binary"

// Encoding here is hand-written against explicit byte offsets rather than
// derived from the Go struct layout: the wire contract is a foreign ABI and
// must hold even if a Go compiler ever lays these structs out differently.

// MarshalError is a typed error for short or oversized buffers.
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

const (
	ErrShortBuffer MarshalError = "abi: buffer too small for structure"
)

// EncodeRingHeader writes h into the first RingHeaderSize bytes of dst.
func EncodeRingHeader(dst []byte, h *RingHeader) error {
	if len(dst) < RingHeaderSize {
		return ErrShortBuffer
	}
	le := binary.LittleEndian
	le.PutUint32(dst[0:4], h.Magic)
	le.PutUint32(dst[4:8], h.ABIVersion)
	le.PutUint32(dst[8:12], h.SizeBytes)
	le.PutUint32(dst[12:16], h.EntryCount)
	le.PutUint32(dst[16:20], h.EntryStrideBytes)
	le.PutUint32(dst[20:24], h.Flags)
	le.PutUint32(dst[24:28], h.Head)
	le.PutUint32(dst[28:32], h.Tail)
	for i, r := range h.Reserved {
		le.PutUint32(dst[32+i*4:36+i*4], r)
	}
	return nil
}

// DecodeRingHeader reads a RingHeader from src without validating it; callers
// must run Validate before trusting any field.
func DecodeRingHeader(src []byte, h *RingHeader) error {
	if len(src) < RingHeaderSize {
		return ErrShortBuffer
	}
	le := binary.LittleEndian
	h.Magic = le.Uint32(src[0:4])
	h.ABIVersion = le.Uint32(src[4:8])
	h.SizeBytes = le.Uint32(src[8:12])
	h.EntryCount = le.Uint32(src[12:16])
	h.EntryStrideBytes = le.Uint32(src[16:20])
	h.Flags = le.Uint32(src[20:24])
	h.Head = le.Uint32(src[24:28])
	h.Tail = le.Uint32(src[28:32])
	for i := range h.Reserved {
		h.Reserved[i] = le.Uint32(src[32+i*4 : 36+i*4])
	}
	return nil
}

// EncodeSubmitDesc writes d into the first SubmitDescSize bytes of dst.
func EncodeSubmitDesc(dst []byte, d *SubmitDesc) error {
	if len(dst) < SubmitDescSize {
		return ErrShortBuffer
	}
	le := binary.LittleEndian
	le.PutUint32(dst[0:4], d.DescSizeBytes)
	le.PutUint32(dst[4:8], d.Flags)
	le.PutUint32(dst[8:12], d.ContextID)
	le.PutUint32(dst[12:16], d.EngineID)
	le.PutUint64(dst[16:24], d.CmdGPA)
	le.PutUint64(dst[24:32], d.CmdSizeBytes)
	le.PutUint64(dst[32:40], d.AllocTableGPA)
	le.PutUint64(dst[40:48], d.AllocTableSizeBytes)
	le.PutUint64(dst[48:56], d.SignalFence)
	le.PutUint64(dst[56:64], d.Reserved)
	return nil
}

// DecodeSubmitDesc reads a SubmitDesc from src.
func DecodeSubmitDesc(src []byte, d *SubmitDesc) error {
	if len(src) < SubmitDescSize {
		return ErrShortBuffer
	}
	le := binary.LittleEndian
	d.DescSizeBytes = le.Uint32(src[0:4])
	d.Flags = le.Uint32(src[4:8])
	d.ContextID = le.Uint32(src[8:12])
	d.EngineID = le.Uint32(src[12:16])
	d.CmdGPA = le.Uint64(src[16:24])
	d.CmdSizeBytes = le.Uint64(src[24:32])
	d.AllocTableGPA = le.Uint64(src[32:40])
	d.AllocTableSizeBytes = le.Uint64(src[40:48])
	d.SignalFence = le.Uint64(src[48:56])
	d.Reserved = le.Uint64(src[56:64])
	return nil
}

// EncodeAllocTableHeader writes h into the first AllocTableHeaderSize bytes
// of dst.
func EncodeAllocTableHeader(dst []byte, h *AllocTableHeader) error {
	if len(dst) < AllocTableHeaderSize {
		return ErrShortBuffer
	}
	le := binary.LittleEndian
	le.PutUint32(dst[0:4], h.Magic)
	le.PutUint32(dst[4:8], h.ABIVersion)
	le.PutUint32(dst[8:12], h.SizeBytes)
	le.PutUint32(dst[12:16], h.EntryCount)
	le.PutUint32(dst[16:20], h.EntryStrideBytes)
	le.PutUint32(dst[20:24], h.Reserved0)
	return nil
}

// DecodeAllocTableHeader reads an AllocTableHeader from src.
func DecodeAllocTableHeader(src []byte, h *AllocTableHeader) error {
	if len(src) < AllocTableHeaderSize {
		return ErrShortBuffer
	}
	le := binary.LittleEndian
	h.Magic = le.Uint32(src[0:4])
	h.ABIVersion = le.Uint32(src[4:8])
	h.SizeBytes = le.Uint32(src[8:12])
	h.EntryCount = le.Uint32(src[12:16])
	h.EntryStrideBytes = le.Uint32(src[16:20])
	h.Reserved0 = le.Uint32(src[20:24])
	return nil
}

// EncodeAllocEntry writes e into the first AllocEntrySize bytes of dst.
func EncodeAllocEntry(dst []byte, e *AllocEntry) error {
	if len(dst) < AllocEntrySize {
		return ErrShortBuffer
	}
	le := binary.LittleEndian
	le.PutUint32(dst[0:4], e.AllocID)
	le.PutUint32(dst[4:8], e.Flags)
	le.PutUint64(dst[8:16], e.GPA)
	le.PutUint64(dst[16:24], e.SizeBytes)
	return nil
}

// DecodeAllocEntry reads an AllocEntry from src.
func DecodeAllocEntry(src []byte, e *AllocEntry) error {
	if len(src) < AllocEntrySize {
		return ErrShortBuffer
	}
	le := binary.LittleEndian
	e.AllocID = le.Uint32(src[0:4])
	e.Flags = le.Uint32(src[4:8])
	e.GPA = le.Uint64(src[8:16])
	e.SizeBytes = le.Uint64(src[16:24])
	return nil
}

// EncodeFencePage writes p into the first FencePageSize bytes of dst.
func EncodeFencePage(dst []byte, p *FencePage) error {
	if len(dst) < FencePageSize {
		return ErrShortBuffer
	}
	le := binary.LittleEndian
	le.PutUint32(dst[0:4], p.Magic)
	le.PutUint32(dst[4:8], p.ABIVersion)
	le.PutUint64(dst[8:16], p.CompletedFence)
	copy(dst[16:56], p.Reserved[:])
	return nil
}

// DecodeFencePage reads a FencePage from src.
func DecodeFencePage(src []byte, p *FencePage) error {
	if len(src) < FencePageSize {
		return ErrShortBuffer
	}
	le := binary.LittleEndian
	p.Magic = le.Uint32(src[0:4])
	p.ABIVersion = le.Uint32(src[4:8])
	p.CompletedFence = le.Uint64(src[8:16])
	copy(p.Reserved[:], src[16:56])
	return nil
}

// EncodeCmdStreamHeader writes h into the first CmdStreamHeaderSize bytes
// of dst.
func EncodeCmdStreamHeader(dst []byte, h *CmdStreamHeader) error {
	if len(dst) < CmdStreamHeaderSize {
		return ErrShortBuffer
	}
	le := binary.LittleEndian
	le.PutUint32(dst[0:4], h.Magic)
	le.PutUint32(dst[4:8], h.ABIVersion)
	le.PutUint32(dst[8:12], h.SizeBytes)
	le.PutUint32(dst[12:16], h.Flags)
	le.PutUint32(dst[16:20], h.Reserved0)
	le.PutUint32(dst[20:24], h.Reserved1)
	return nil
}

// DecodeCmdStreamHeader reads a CmdStreamHeader from src.
func DecodeCmdStreamHeader(src []byte, h *CmdStreamHeader) error {
	if len(src) < CmdStreamHeaderSize {
		return ErrShortBuffer
	}
	le := binary.LittleEndian
	h.Magic = le.Uint32(src[0:4])
	h.ABIVersion = le.Uint32(src[4:8])
	h.SizeBytes = le.Uint32(src[8:12])
	h.Flags = le.Uint32(src[12:16])
	h.Reserved0 = le.Uint32(src[16:20])
	h.Reserved1 = le.Uint32(src[20:24])
	return nil
}

// EncodeCmdHdr writes h into the first CmdHdrSize bytes of dst.
func EncodeCmdHdr(dst []byte, h *CmdHdr) error {
	if len(dst) < CmdHdrSize {
		return ErrShortBuffer
	}
	le := binary.LittleEndian
	le.PutUint32(dst[0:4], h.Opcode)
	le.PutUint32(dst[4:8], h.SizeBytes)
	return nil
}

// DecodeCmdHdr reads a CmdHdr from src.
func DecodeCmdHdr(src []byte, h *CmdHdr) error {
	if len(src) < CmdHdrSize {
		return ErrShortBuffer
	}
	le := binary.LittleEndian
	h.Opcode = le.Uint32(src[0:4])
	h.SizeBytes = le.Uint32(src[4:8])
	return nil
}

// AlignUp rounds n up to the next multiple of CmdAlign.
func AlignUp(n int) int {
	return (n + CmdAlign - 1) &^ (CmdAlign - 1)
}
