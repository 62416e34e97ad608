package limiter

import (
	"net"
	"sync"
	"time"

	"github.com/juju/ratelimit"
)

const numSlots = 5 // one-second slots, 5 second window

// throttledConn applies the link budget to every Read and Write of the tunnel's TCP connection.
type throttledConn struct {
	net.Conn
	l *Limiter
}

func (t *throttledConn) Read(p []byte) (int, error) {
	n, err := t.Conn.Read(p)
	if n > 0 {
		t.l.take(int64(n))
	}
	return n, err
}

// Write waits for the whole frame before sending so a frame is never split by the limiter.
func (t *throttledConn) Write(p []byte) (int, error) {
	t.l.take(int64(len(p)))
	return t.Conn.Write(p)
}

type slot struct {
	bytes int64
	stamp int64 // unix second the slot belongs to
}

// Limiter caps the TCP link at a byte rate and keeps a short rolling window of what
// actually went through, for the status API.
type Limiter struct {
	bucket  *ratelimit.Bucket // nil when unlimited
	maxRate int64

	mu    sync.Mutex // guards slots; the reader and the writer record concurrently
	slots [numSlots]slot
	now   func() time.Time
}

// New returns a limiter for bytesPerSec. Zero or negative means unlimited; the
// rate window is still tracked.
func New(bytesPerSec int64) *Limiter {
	l := &Limiter{maxRate: -1, now: time.Now}
	if bytesPerSec > 0 {
		l.bucket = ratelimit.NewBucketWithRate(float64(bytesPerSec), bytesPerSec)
		l.maxRate = bytesPerSec
	}
	return l
}

func (l *Limiter) take(n int64) {
	if l.bucket != nil {
		l.bucket.Wait(n)
	}
	l.record(n)
}

func (l *Limiter) record(n int64) {
	sec := l.now().Unix()
	l.mu.Lock()
	s := &l.slots[sec%numSlots]
	if s.stamp != sec {
		s.stamp = sec
		s.bytes = 0
	}
	s.bytes += n
	l.mu.Unlock()
}

// WrapConn wraps a net.Conn so all reads/writes are limited
func (l *Limiter) WrapConn(c net.Conn) net.Conn {
	return &throttledConn{Conn: c, l: l}
}

// ActiveRate is the average byte rate over the completed seconds of the window.
func (l *Limiter) ActiveRate() int64 {
	sec := l.now().Unix()
	var total int64
	l.mu.Lock()
	for _, s := range l.slots {
		if s.stamp < sec && s.stamp >= sec-numSlots {
			total += s.bytes
		}
	}
	l.mu.Unlock()
	return total / numSlots
}

// MaxRate is the configured byte rate, -1 when unlimited.
func (l *Limiter) MaxRate() int64 {
	return l.maxRate
}
