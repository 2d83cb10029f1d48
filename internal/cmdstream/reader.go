package cmdstream

import (
	"fmt"
	"io"

	"github.com/aerovm/aerogpu-go/internal/abi"
)

// Reader walks the packets of an encoded command stream. The stream crosses
// a trust boundary on the consumer side, so every header is validated before
// the body is exposed. Unknown opcodes are not an error; callers skip packets
// they do not understand by calling Next again.
type Reader struct {
	buf []byte
	hdr abi.CmdStreamHeader
	off int
}

// NewReader validates the stream header and positions the reader at the
// first packet.
func NewReader(buf []byte) (*Reader, error) {
	r := &Reader{buf: buf}
	if err := abi.DecodeCmdStreamHeader(buf, &r.hdr); err != nil {
		return nil, fmt.Errorf("cmdstream: %w", err)
	}
	if err := r.hdr.Validate(uint32(len(buf))); err != nil {
		return nil, fmt.Errorf("cmdstream: %w", err)
	}
	r.off = abi.CmdStreamHeaderSize
	return r, nil
}

// Header returns the validated stream header.
func (r *Reader) Header() abi.CmdStreamHeader { return r.hdr }

// Next returns the next packet's opcode and body, padding included. It
// returns io.EOF at the declared end of stream.
func (r *Reader) Next() (opcode uint32, body []byte, err error) {
	end := int(r.hdr.SizeBytes)
	if r.off >= end {
		return 0, nil, io.EOF
	}
	var h abi.CmdHdr
	if err := abi.DecodeCmdHdr(r.buf[r.off:], &h); err != nil {
		return 0, nil, fmt.Errorf("cmdstream: packet at offset %d: %w", r.off, err)
	}
	if err := h.Validate(uint32(end - r.off)); err != nil {
		return 0, nil, fmt.Errorf("cmdstream: packet at offset %d: %w", r.off, err)
	}
	body = r.buf[r.off+abi.CmdHdrSize : r.off+int(h.SizeBytes)]
	r.off += int(h.SizeBytes)
	return h.Opcode, body, nil
}
