package mgmt

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/darkhz/bluestream/api/errorkinds"
)

// Frame is one message on the management channel. Code holds the
// opcode of a command or the code of an event.
type Frame struct {
	Code    uint16
	Index   uint16
	Payload []byte
}

// Channel is the management socket. Each read returns exactly one frame,
// and writes block until the frame is accepted.
type Channel interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	io.Closer
}

// MarshalBinary encodes the frame with its header.
func (f Frame) MarshalBinary() ([]byte, error) {
	if len(f.Payload) > 0xffff {
		return nil, fmt.Errorf("payload of %d bytes: %w", len(f.Payload), errorkinds.ErrInvalidParameters)
	}

	b := make([]byte, HeaderSize, HeaderSize+len(f.Payload))
	binary.LittleEndian.PutUint16(b[0:], f.Code)
	binary.LittleEndian.PutUint16(b[2:], f.Index)
	binary.LittleEndian.PutUint16(b[4:], uint16(len(f.Payload)))

	return append(b, f.Payload...), nil
}

// ParseFrame decodes one frame. The payload is not copied.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, fmt.Errorf("frame of %d bytes: %w", len(b), errorkinds.ErrInvalidPDU)
	}

	f := Frame{
		Code:  binary.LittleEndian.Uint16(b[0:]),
		Index: binary.LittleEndian.Uint16(b[2:]),
	}

	n := int(binary.LittleEndian.Uint16(b[4:]))
	if len(b)-HeaderSize != n {
		return Frame{}, fmt.Errorf("frame payload of %d bytes, header says %d: %w", len(b)-HeaderSize, n, errorkinds.ErrInvalidPDU)
	}

	f.Payload = b[HeaderSize:]

	return f, nil
}
