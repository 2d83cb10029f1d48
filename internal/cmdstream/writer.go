// Package cmdstream encodes and decodes AeroGPU command streams.
//
// A stream is a CmdStreamHeader followed by variable-length packets, each a
// CmdHdr plus opaque body, padded so every packet starts 4-byte aligned. The
// Writer binds to a caller-supplied buffer and never reallocates: when a
// packet does not fit the caller flushes and rewinds. Packet bodies are not
// interpreted here.
package cmdstream

import (
	"errors"

	"github.com/aerovm/aerogpu-go/internal/abi"
)

var (
	// ErrNoSpace is returned when a packet does not fit the remaining
	// buffer. The stream is left exactly as it was; flush and retry.
	ErrNoSpace = errors.New("cmdstream: packet does not fit remaining buffer")

	// ErrBufferTooSmall is returned when the backing buffer cannot hold
	// even a stream header.
	ErrBufferTooSmall = errors.New("cmdstream: buffer smaller than stream header")
)

// Writer encodes a command stream into a fixed buffer. The buffer may alias
// transport-visible memory; the writer takes no defensive copy. Not safe for
// concurrent use.
type Writer struct {
	buf       []byte
	off       int
	packets   uint32
	finalized bool
}

// NewWriter binds a writer to buf and stamps a fresh stream header.
func NewWriter(buf []byte) (*Writer, error) {
	if len(buf) < abi.CmdStreamHeaderSize {
		return nil, ErrBufferTooSmall
	}
	w := &Writer{buf: buf}
	w.Begin()
	return w, nil
}

// Begin stamps a fresh stream header and resets the write cursor. Any packets
// already encoded are discarded.
func (w *Writer) Begin() {
	hdr := abi.CmdStreamHeader{
		Magic:      abi.CmdStreamMagic,
		ABIVersion: abi.ABIVersion,
		SizeBytes:  abi.CmdStreamHeaderSize,
	}
	// Buffer length was checked at construction.
	_ = abi.EncodeCmdStreamHeader(w.buf, &hdr)
	w.off = abi.CmdStreamHeaderSize
	w.packets = 0
	w.finalized = false
}

// Rewind resets the writer for reuse over the same buffer.
func (w *Writer) Rewind() { w.Begin() }

// Append encodes one packet with the given body. The packet is padded to
// 4-byte alignment with zero bytes. On ErrNoSpace nothing is written.
func (w *Writer) Append(opcode uint32, body []byte) error {
	dst, err := w.AppendRaw(opcode, len(body))
	if err != nil {
		return err
	}
	copy(dst, body)
	return nil
}

// AppendRaw reserves a packet with an n-byte body and returns the body slice
// for the caller to encode in place. Padding bytes are zeroed. On ErrNoSpace
// nothing is written.
func (w *Writer) AppendRaw(opcode uint32, n int) ([]byte, error) {
	size := abi.AlignUp(abi.CmdHdrSize + n)
	if size > w.BytesRemaining() {
		return nil, ErrNoSpace
	}
	hdr := abi.CmdHdr{Opcode: opcode, SizeBytes: uint32(size)}
	_ = abi.EncodeCmdHdr(w.buf[w.off:], &hdr)
	body := w.buf[w.off+abi.CmdHdrSize : w.off+abi.CmdHdrSize+n]
	for i := w.off + abi.CmdHdrSize + n; i < w.off+size; i++ {
		w.buf[i] = 0
	}
	w.off += size
	w.packets = w.packets + 1
	w.finalized = false
	return body, nil
}

// BytesRemaining reports how many bytes of packet space are left.
func (w *Writer) BytesRemaining() int { return len(w.buf) - w.off }

// Len reports the current stream length in bytes, header included.
func (w *Writer) Len() int { return w.off }

// Empty reports whether no packets have been encoded since the last Begin.
func (w *Writer) Empty() bool { return w.packets == 0 }

// PacketCount reports the number of packets encoded since the last Begin.
func (w *Writer) PacketCount() uint32 { return w.packets }

// Finalize stamps the stream header with the final size and returns the
// encoded stream. Idempotent; appending after Finalize resumes the stream
// and requires finalizing again.
func (w *Writer) Finalize() []byte {
	if !w.finalized {
		hdr := abi.CmdStreamHeader{
			Magic:      abi.CmdStreamMagic,
			ABIVersion: abi.ABIVersion,
			SizeBytes:  uint32(w.off),
		}
		_ = abi.EncodeCmdStreamHeader(w.buf, &hdr)
		w.finalized = true
	}
	return w.buf[:w.off]
}

// Data returns the stream encoded so far without stamping the header.
func (w *Writer) Data() []byte { return w.buf[:w.off] }
