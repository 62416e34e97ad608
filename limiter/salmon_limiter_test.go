package limiter

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeConn implements net.Conn for testing.
type fakeConn struct {
	readBuf  *bytes.Buffer
	writeBuf *bytes.Buffer
	closed   bool
}

func newFakeConn(data string) *fakeConn {
	return &fakeConn{
		readBuf:  bytes.NewBufferString(data),
		writeBuf: &bytes.Buffer{},
	}
}

func (f *fakeConn) Read(p []byte) (int, error)         { return f.readBuf.Read(p) }
func (f *fakeConn) Write(p []byte) (int, error)        { return f.writeBuf.Write(p) }
func (f *fakeConn) Close() error                       { f.closed = true; return nil }
func (f *fakeConn) LocalAddr() net.Addr                { return nil }
func (f *fakeConn) RemoteAddr() net.Addr               { return nil }
func (f *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func TestWrapConn_ReadWrite(t *testing.T) {
	l := New(1e6)
	fc := newFakeConn("abc")
	conn := l.WrapConn(fc)

	n, err := conn.Write([]byte("xyz"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Errorf("expected to write 3 bytes, wrote %d", n)
	}
	if fc.writeBuf.String() != "xyz" {
		t.Errorf("expected 'xyz' in writeBuf, got '%s'", fc.writeBuf.String())
	}

	buf := make([]byte, 3)
	n, err = conn.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(buf[:n]) != "abc" {
		t.Errorf("expected 'abc', got '%s'", string(buf[:n]))
	}

	conn.Close()
	if !fc.closed {
		t.Errorf("Close should reach the wrapped conn")
	}
}

func TestWrapConn_ReadEmpty(t *testing.T) {
	conn := New(1e6).WrapConn(newFakeConn(""))

	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n != 0 || err != io.EOF {
		t.Errorf("expected EOF and 0 bytes, got n=%d, err=%v", n, err)
	}
}

func TestNew_Unlimited(t *testing.T) {
	for _, rate := range []int64{0, -1} {
		l := New(rate)
		if l.bucket != nil {
			t.Errorf("rate %d: expected no bucket", rate)
		}
		if l.MaxRate() != -1 {
			t.Errorf("rate %d: expected MaxRate -1, got %d", rate, l.MaxRate())
		}
	}
	if got := New(2048).MaxRate(); got != 2048 {
		t.Errorf("expected MaxRate 2048, got %d", got)
	}
}

func TestActiveRate_Window(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	l := New(0)
	l.now = func() time.Time { return clock }

	conn := l.WrapConn(newFakeConn(""))
	conn.Write(make([]byte, 500))
	if got := l.ActiveRate(); got != 0 {
		t.Fatalf("current second must not count yet, got %d", got)
	}

	clock = clock.Add(time.Second)
	conn.Write(make([]byte, 1000))
	if got := l.ActiveRate(); got != 500/numSlots {
		t.Fatalf("expected %d, got %d", 500/numSlots, got)
	}

	clock = clock.Add(time.Second)
	if got := l.ActiveRate(); got != 1500/numSlots {
		t.Fatalf("expected %d, got %d", 1500/numSlots, got)
	}

	clock = clock.Add(10 * time.Second)
	if got := l.ActiveRate(); got != 0 {
		t.Fatalf("old slots should expire, got %d", got)
	}
}

// nopConn reads and writes full buffers without touching shared state.
type nopConn struct{ *fakeConn }

func (nopConn) Read(p []byte) (int, error)  { return len(p), nil }
func (nopConn) Write(p []byte) (int, error) { return len(p), nil }

func TestActiveRate_ConcurrentRollover(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	l := New(0)
	l.now = func() time.Time { return clock }

	conn := l.WrapConn(nopConn{newFakeConn("")})
	conn.Write(make([]byte, 999)) // stale bytes in the slot the next second reuses

	clock = clock.Add(numSlots * time.Second)
	const workers, rounds, size = 8, 500, 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			buf := make([]byte, size)
			for j := 0; j < rounds; j++ {
				conn.Read(buf)
			}
		}()
		go func() {
			defer wg.Done()
			buf := make([]byte, size)
			for j := 0; j < rounds; j++ {
				conn.Write(buf)
			}
		}()
	}
	wg.Wait()

	clock = clock.Add(time.Second)
	want := int64(2*workers*rounds*size) / numSlots
	if got := l.ActiveRate(); got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}
