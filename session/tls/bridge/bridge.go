// Package bridge connects a non-blocking engine to a blocking [transport.Conn].
//
// The engine side never blocks: it reports [iox.ErrWouldBlock] when input is
// missing or output space is exhausted. The transport side moves bytes
// between the buffers and the connection, blocking until it made progress.
package bridge

import (
	"bytes"
	"context"
	"io"
	"time"

	iolib "tls-stream/lib/io"
	"tls-stream/transport"

	"code.hybscloud.com/iox"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// DefaultBufSize is enough for one full TLS record with its overhead.
const DefaultBufSize = 16*1024 + 2048

type Options struct {
	// ReadBufSize and WriteBufSize bound the buffered bytes on each side.
	// If zero, sizes of [transport.BufferedConn] are used, or DefaultBufSize.
	ReadBufSize, WriteBufSize uint
}

type Bridge struct {
	conn  transport.Conn
	clock clock.Clock

	rbuf, wbuf   bytes.Buffer
	rsize, wsize int
	scratch      []byte

	eof bool
}

func New(conn transport.Conn, clock clock.Clock, opts Options) *Bridge {
	rsize, wsize := opts.ReadBufSize, opts.WriteBufSize
	if bc, ok := conn.(transport.BufferedConn); ok {
		if rsize == 0 {
			rsize = bc.ReadBufSize()
		}
		if wsize == 0 {
			wsize = bc.WriteBufSize()
		}
	}
	if rsize == 0 {
		rsize = DefaultBufSize
	}
	if wsize == 0 {
		wsize = DefaultBufSize
	}

	return &Bridge{
		conn:    conn,
		clock:   clock,
		rsize:   int(rsize),
		wsize:   int(wsize),
		scratch: make([]byte, rsize),
	}
}

// Conn returns the underlying transport.
func (b *Bridge) Conn() transport.Conn { return b.conn }

// Buffered is the number of received bytes the engine did not consume yet.
func (b *Bridge) Buffered() int { return b.rbuf.Len() }

// Pending is the number of engine bytes not flushed to the transport yet.
func (b *Bridge) Pending() int { return b.wbuf.Len() }

// EOF reports whether the transport reached end of stream.
func (b *Bridge) EOF() bool { return b.eof }

// Read hands received bytes to the engine.
// It returns io.EOF once the transport ended and nothing is left.
func (b *Bridge) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if b.rbuf.Len() > 0 {
		return b.rbuf.Read(p)
	}
	if b.eof {
		return 0, io.EOF
	}
	return 0, iox.ErrWouldBlock
}

// Write takes engine output up to the write buffer size.
// It returns iox.ErrWouldBlock if not all of p fit.
func (b *Bridge) Write(p []byte) (int, error) {
	room := b.wsize - b.wbuf.Len()
	n := min(room, len(p))
	b.wbuf.Write(p[:n])

	if n < len(p) {
		return n, iox.ErrWouldBlock
	}
	return n, nil
}

// Flush reports iox.ErrWouldBlock while engine output is pending.
func (b *Bridge) Flush() error {
	if b.wbuf.Len() > 0 {
		return iox.ErrWouldBlock
	}
	return nil
}

// FillReadBuf reads once from the transport into the read buffer.
// It returns 0 with a nil error at end of stream.
func (b *Bridge) FillReadBuf(ctx context.Context) (int, error) {
	if b.eof {
		return 0, nil
	}
	room := b.rsize - b.rbuf.Len()
	if room <= 0 {
		return 0, errors.New("read buffer is full")
	}

	var n int
	err := b.withDeadLine(ctx, b.conn.SetReadDeadLine, func() (err error) {
		n, err = b.conn.Read(b.scratch[:room])
		return err
	})
	b.rbuf.Write(b.scratch[:n])

	if errors.Is(err, io.EOF) {
		b.eof = true
		return n, nil
	}
	if err != nil {
		return n, errors.Wrap(err, "filling read buffer")
	}
	return n, nil
}

// FlushWriteBuf writes every pending byte to the transport.
// It returns how many bytes were flushed, 0 if nothing was pending.
func (b *Bridge) FlushWriteBuf(ctx context.Context) (int, error) {
	if b.wbuf.Len() == 0 {
		return 0, nil
	}

	var n uint
	err := b.withDeadLine(ctx, b.conn.SetWriteDeadLine, func() (err error) {
		n, err = iolib.WriteFull(b.conn, b.wbuf.Bytes())
		return err
	})
	b.wbuf.Next(int(n))

	if err != nil {
		return int(n), errors.Wrap(err, "flushing write buffer")
	}
	return int(n), nil
}

// withDeadLine runs op and aborts it through the deadline when ctx is done.
func (b *Bridge) withDeadLine(ctx context.Context, set func(time.Time), op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ctx.Done() == nil {
		return op()
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		set(b.clock.Now())
		close(fired)
	})
	err := op()
	if !stop() {
		// Deadline was moved by ctx.
		<-fired
		set(time.Time{})
		return ctx.Err()
	}
	return err
}
