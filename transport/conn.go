package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrConnClosed         = errors.New("connection is closed")
	ErrConnListenerClosed = errors.New("conn listener is closed")
	ErrDeadLineExceeded   = errors.New("deadline exceeded")
	ErrNetUnreachable     = errors.New("network is unreachable")
	ErrConnRefused        = errors.New("connection refused")
	ErrAddrAlreadyInUse   = errors.New("address already in use")

	// ErrConnReset is returned when the peer closed the whole connection.
	// It matches ErrConnClosed too.
	ErrConnReset = fmt.Errorf("%w: reset by peer", ErrConnClosed)
)

// Conn is a reliable, ordered byte stream.
//
// Read returns io.EOF once the peer stopped sending (CloseWrite or Close)
// and every buffered byte was consumed.
// Read and Write return ErrConnClosed after Close was called locally.
// Write returns ErrConnReset once the peer called Close.
type Conn interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error

	// CloseWrite shuts down the sending side only.
	// Peer's Read will see io.EOF after draining.
	CloseWrite() error

	LocalAddr() Addr
	RemoteAddr() Addr

	SetReadDeadLine(t time.Time)
	SetWriteDeadLine(t time.Time)
}

// BufferedConn is a Conn that owns fixed size buffers on both directions.
type BufferedConn interface {
	Conn
	ReadBufSize() uint
	WriteBufSize() uint
}

type ConnListener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

type ConnDialer interface {
	Dial(ctx context.Context, addr Addr) (Conn, error)
}
