package status

import (
	"context"
	"log"
	"runtime"
	"sync/atomic"
	"time"

	"salmontunnel/limiter"
)

// TunnelState mirrors the relay engine state for observers.
type TunnelState int32

const (
	StateInitializing TunnelState = iota
	StateRelaying
	StateClosed
)

func (s TunnelState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TunnelMonitor counts what the tunnel does. Every method is safe for concurrent use.
type TunnelMonitor struct {
	state atomic.Int32

	udpIn      atomic.Int64 // datagrams read from the local UDP socket
	udpOut     atomic.Int64 // datagrams written to the local UDP peer
	tcpIn      atomic.Int64 // data frames read from the link
	tcpOut     atomic.Int64 // data frames written to the link
	bytesIn    atomic.Int64 // datagram payload bytes arriving from the link
	bytesOut   atomic.Int64 // datagram payload bytes sent into the link
	dropped    atomic.Int64
	decodeErrs atomic.Int64
	restarts   atomic.Int64

	limiter atomic.Pointer[limiter.Limiter]
}

func NewTunnelMonitor() *TunnelMonitor {
	return &TunnelMonitor{}
}

func (m *TunnelMonitor) SetState(s TunnelState) { m.state.Store(int32(s)) }
func (m *TunnelMonitor) State() TunnelState     { return TunnelState(m.state.Load()) }

func (m *TunnelMonitor) RegisterLimiter(l *limiter.Limiter) { m.limiter.Store(l) }
func (m *TunnelMonitor) Limiter() *limiter.Limiter          { return m.limiter.Load() }

func (m *TunnelMonitor) UDPIn()       { m.udpIn.Add(1) }
func (m *TunnelMonitor) Dropped()     { m.dropped.Add(1) }
func (m *TunnelMonitor) DecodeError() { m.decodeErrs.Add(1) }
func (m *TunnelMonitor) Restarted()   { m.restarts.Add(1) }

func (m *TunnelMonitor) FrameSent(payload int) {
	m.tcpOut.Add(1)
	m.bytesOut.Add(int64(payload))
}

func (m *TunnelMonitor) FrameReceived() { m.tcpIn.Add(1) }

func (m *TunnelMonitor) DatagramDelivered(payload int) {
	m.udpOut.Add(1)
	m.bytesIn.Add(int64(payload))
}

// Snapshot is a point in time copy of the counters.
type Snapshot struct {
	State        string `json:"state"`
	UDPIn        int64  `json:"udpIn"`
	UDPOut       int64  `json:"udpOut"`
	TCPFramesIn  int64  `json:"tcpFramesIn"`
	TCPFramesOut int64  `json:"tcpFramesOut"`
	BytesIn      int64  `json:"bytesIn"`
	BytesOut     int64  `json:"bytesOut"`
	Dropped      int64  `json:"dropped"`
	DecodeErrors int64  `json:"decodeErrors"`
	Restarts     int64  `json:"restarts"`
}

func (m *TunnelMonitor) Snapshot() Snapshot {
	return Snapshot{
		State:        m.State().String(),
		UDPIn:        m.udpIn.Load(),
		UDPOut:       m.udpOut.Load(),
		TCPFramesIn:  m.tcpIn.Load(),
		TCPFramesOut: m.tcpOut.Load(),
		BytesIn:      m.bytesIn.Load(),
		BytesOut:     m.bytesOut.Load(),
		Dropped:      m.dropped.Load(),
		DecodeErrors: m.decodeErrs.Load(),
		Restarts:     m.restarts.Load(),
	}
}

// StartPeriodicLogging logs the counters every interval until ctx is done.
func (m *TunnelMonitor) StartPeriodicLogging(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)

			s := m.Snapshot()
			log.Printf("MONITOR: State: %s | UDP in/out: %d/%d | Frames in/out: %d/%d | Dropped: %d | Decode errors: %d | Restarts: %d | Goroutines: %d | HeapAlloc: %d MB",
				s.State,
				s.UDPIn, s.UDPOut,
				s.TCPFramesIn, s.TCPFramesOut,
				s.Dropped,
				s.DecodeErrors,
				s.Restarts,
				runtime.NumGoroutine(),
				mem.HeapAlloc/1024/1024,
			)
		}
	}()
}
