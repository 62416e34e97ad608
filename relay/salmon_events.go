package relay

import (
	"net"

	"salmontunnel/codec"
)

// Event is something a socket reader observed. Only the engine loop consumes events.
type Event interface {
	event()
}

// UDPIn is one datagram read from the local UDP socket.
type UDPIn struct {
	Payload []byte
	From    *net.UDPAddr
}

// TCPIn is one frame read from the link. Err is set when the frame was skipped as
// undecodable; the stream is still in sync.
type TCPIn struct {
	Frame codec.Frame
	Err   error
}

// TCPClosed means the remote end closed the link on a frame boundary.
type TCPClosed struct{}

// TCPError means the link failed or lost framing.
type TCPError struct {
	Err error
}

func (UDPIn) event()     {}
func (TCPIn) event()     {}
func (TCPClosed) event() {}
func (TCPError) event()  {}
