package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type FrameType byte

const (
	FrameData  FrameType = 1
	FrameClose FrameType = 2
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "data"
	case FrameClose:
		return "close"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

const frameHeaderSize = 1 + 4

// MaxFrameSize bounds a frame body. The base64 text of a 65535 byte datagram is 87380 bytes.
const MaxFrameSize = 128 * 1024

// ErrFrameTooLarge means the length prefix cannot be trusted and the stream is out of sync.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

type Frame struct {
	Type FrameType
	Data []byte
}

func encodeFrame(f Frame) []byte {
	buf := make([]byte, frameHeaderSize+len(f.Data))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(f.Data)))
	copy(buf[frameHeaderSize:], f.Data)
	return buf
}

// WriteFrame writes the frame with a single Write call.
func WriteFrame(w io.Writer, f Frame) (int, error) {
	if len(f.Data) > MaxFrameSize {
		return 0, ErrFrameTooLarge
	}
	return w.Write(encodeFrame(f))
}

// ReadFrame reads exactly one frame. io.EOF is returned only on a clean boundary.
// An unknown frame type is consumed whole and reported as a DecodeError so the
// caller can keep reading.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	t := FrameType(hdr[0])
	length := binary.BigEndian.Uint32(hdr[1:5])
	if length > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	if t != FrameData && t != FrameClose {
		return Frame{}, &DecodeError{Len: int(length), Err: fmt.Errorf("unknown frame type %s", t)}
	}
	return Frame{Type: t, Data: data}, nil
}
