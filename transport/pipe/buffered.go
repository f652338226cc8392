package pipe

import (
	"bytes"
	"io"
	"sync"
	"time"

	"tls-stream/transport"

	"github.com/benbjohnson/clock"
)

// See:
// - https://github.com/golang/go/issues/24205
// - https://github.com/golang/go/issues/34502
type bufferedPipe struct {
	addr Addr

	buf *bytes.Buffer // protected by in.

	in, out  sync.Cond
	serialMu sync.Mutex // For serialized write operations.

	_closed, _wclosed bool
	closedMu          sync.Mutex

	rdeadLine, wdeadLine *deadline

	// the opposite pipe.
	counterpart *bufferedPipe
}

var _ transport.Conn = (*bufferedPipe)(nil)
var _ transport.BufferedConn = (*bufferedPipe)(nil)

// BufferedPipe creates a pair of pipes. each of pipes will be asynchronouse, buffered.
// Because BufferedPipe only writes/reads data through the buffer, bufSize MUST be more than 0.
func BufferedPipe(name1, name2 string, clock clock.Clock, bufSize uint) (c1, c2 *bufferedPipe) {
	if bufSize == 0 {
		panic("buffer size cannot be 0")
	}

	c1, c2 = newBufferedPipe(name1, clock, bufSize), newBufferedPipe(name2, clock, bufSize)
	c1.counterpart, c2.counterpart = c2, c1
	return
}

func newBufferedPipe(name string, clock clock.Clock, bufSize uint) *bufferedPipe {
	p := &bufferedPipe{
		buf:       bytes.NewBuffer(make([]byte, 0, bufSize)),
		rdeadLine: newDeadLine(clock),
		wdeadLine: newDeadLine(clock),
		addr:      Addr{Name: name},
	}
	p.in.L, p.out.L = &sync.Mutex{}, &sync.Mutex{}
	return p
}

func (p *bufferedPipe) ReadBufSize() uint          { return uint(p.buf.Cap()) }
func (p *bufferedPipe) WriteBufSize() uint         { return uint(p.counterpart.buf.Cap()) }
func (p *bufferedPipe) LocalAddr() transport.Addr  { return p.addr }
func (p *bufferedPipe) RemoteAddr() transport.Addr { return p.counterpart.addr }

func (p *bufferedPipe) Close() error {
	p.closedMu.Lock()
	p._closed, p._wclosed = true, true
	p.closedMu.Unlock()

	wake(&p.in)
	wake(&p.out)
	wake(&p.counterpart.in)
	wake(&p.counterpart.out)
	return nil
}

func (p *bufferedPipe) CloseWrite() error {
	p.closedMu.Lock()
	if p._closed {
		p.closedMu.Unlock()
		return transport.ErrConnClosed
	}
	p._wclosed = true
	p.closedMu.Unlock()

	wake(&p.out)
	wake(&p.counterpart.in)
	return nil
}

func (p *bufferedPipe) Read(b []byte) (n int, err error) {
	defer func() {
		if err != nil {
			return
		}
		// If buffer was full and counterpart was waiting,
		// we must notify them that it is now available to write.
		wake(&p.counterpart.out)
	}()

	p.in.L.Lock()
	defer p.in.L.Unlock()

	for {
		// We must check for deadline first.
		if p.rdeadLine.exceeded() {
			return 0, transport.ErrDeadLineExceeded
		}

		if p.closed() {
			return 0, transport.ErrConnClosed
		}

		// Even if counterpart is closed, we must be able to read from buffer.
		if p.buf.Len() > 0 {
			return p.buf.Read(b)
		}

		if p.counterpart.writeClosed() {
			return 0, io.EOF
		}

		// Wait until one of conditions is satisfied.
		p.in.Wait()
	}
}

func (p *bufferedPipe) Write(b []byte) (n int, err error) {
	// Serialize write operations to prevent interleaving write.
	p.serialMu.Lock()
	defer p.serialMu.Unlock()

	p.out.L.Lock()
	defer p.out.L.Unlock()

	// Ensure all the bytes are sent.
	nn := 0
	for once := true; once || len(b) > 0; once = false {
		if p.wdeadLine.exceeded() {
			return nn, transport.ErrDeadLineExceeded
		}

		if p.writeClosed() {
			return nn, transport.ErrConnClosed
		}
		if p.counterpart.closed() {
			return nn, transport.ErrConnReset
		}

		// It might race with counterpart's read. So acquire lock.
		p.counterpart.in.L.Lock()

		// We don't want counterpart's buffer to grow.
		remain := p.counterpart.buf.Cap() - p.counterpart.buf.Len()

		if canWrite := min(len(b), remain); canWrite > 0 {
			// If counterpart's buffer was empty, and its read was waiting,
			// We signal them to start reading. Since we hold its read lock, read will start after write.
			p.counterpart.in.Broadcast()

			p.counterpart.buf.Write(b[:canWrite])
			b = b[canWrite:]
			nn += canWrite

			p.counterpart.in.L.Unlock()
			continue
		}

		p.counterpart.in.L.Unlock()
		p.out.Wait()
	}

	return nn, nil
}

func (p *bufferedPipe) closed() bool {
	p.closedMu.Lock()
	defer p.closedMu.Unlock()

	return p._closed
}

func (p *bufferedPipe) writeClosed() bool {
	p.closedMu.Lock()
	defer p.closedMu.Unlock()

	return p._wclosed
}

func (p *bufferedPipe) SetReadDeadLine(t time.Time)  { p.rdeadLine.set(t, func() { wake(&p.in) }) }
func (p *bufferedPipe) SetWriteDeadLine(t time.Time) { p.wdeadLine.set(t, func() { wake(&p.out) }) }

// wake must not be called while holding c.L.
func wake(c *sync.Cond) {
	c.L.Lock()
	c.Broadcast()
	c.L.Unlock()
}

func newDeadLine(clock clock.Clock) *deadline { return &deadline{clock: clock} }

type deadline struct {
	clock clock.Clock
	m     sync.Mutex

	timer *clock.Timer
	t     time.Time
}

func (d *deadline) set(t time.Time, onExceed func()) {
	d.m.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	d.t = t

	var fire bool
	if !t.IsZero() {
		if until := d.clock.Until(t); until > 0 {
			d.timer = d.clock.AfterFunc(until, onExceed)
		} else {
			fire = true
		}
	}
	d.m.Unlock()

	// Waiters hold their cond lock while checking exceeded, so onExceed runs unlocked.
	if fire {
		onExceed()
	}
}

func (d *deadline) exceeded() bool {
	d.m.Lock()
	defer d.m.Unlock()

	if d.t.IsZero() {
		return false
	}

	return d.clock.Until(d.t) <= 0
}
