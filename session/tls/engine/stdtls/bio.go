package stdtls

import (
	"net"
	"time"

	"tls-stream/session/tls/bridge"
	"tls-stream/session/tls/engine"
	"tls-stream/transport"

	"code.hybscloud.com/iox"
)

// bio is the net.Conn handed to crypto/tls.
// Whenever the bridge would block, the worker goroutine parks here and
// the engine call returns the matching want signal to its caller.
type bio struct {
	br *bridge.Bridge

	results chan<- result
	wake    <-chan struct{}
	done    <-chan struct{}

	// sawEOF is set once the bridge reported end of stream to crypto/tls.
	sawEOF bool
}

var _ net.Conn = (*bio)(nil)

func (b *bio) Read(p []byte) (int, error) {
	for {
		n, err := b.br.Read(p)
		if !iox.IsWouldBlock(err) {
			if n == 0 && err != nil {
				b.sawEOF = true
			}
			return n, err
		}
		if err := b.park(engine.CodeWantRead); err != nil {
			return 0, err
		}
	}
}

func (b *bio) Write(p []byte) (int, error) {
	nn := 0
	for {
		n, err := b.br.Write(p[nn:])
		nn += n
		if !iox.IsWouldBlock(err) {
			return nn, err
		}
		if err := b.park(engine.CodeWantWrite); err != nil {
			return nn, err
		}
	}
}

func (b *bio) park(code engine.Code) error {
	select {
	case <-b.done:
		return net.ErrClosed
	default:
	}

	b.results <- result{park: code}

	select {
	case <-b.wake:
		return nil
	case <-b.done:
		return net.ErrClosed
	}
}

// Transport I/O belongs to the caller.
func (b *bio) Close() error                       { return nil }
func (b *bio) SetDeadline(t time.Time) error      { return nil }
func (b *bio) SetReadDeadline(t time.Time) error  { return nil }
func (b *bio) SetWriteDeadline(t time.Time) error { return nil }

func (b *bio) LocalAddr() net.Addr  { return netAddr{b.br.Conn().LocalAddr()} }
func (b *bio) RemoteAddr() net.Addr { return netAddr{b.br.Conn().RemoteAddr()} }

type netAddr struct{ a transport.Addr }

func (a netAddr) Network() string {
	if a.a == nil {
		return ""
	}
	return string(a.a.Protocol())
}

func (a netAddr) String() string {
	if a.a == nil {
		return ""
	}
	return a.a.String()
}
