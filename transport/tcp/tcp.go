// Package tcp adapts operating system TCP sockets to [transport.Conn].
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9293
package tcp

import (
	"context"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"syscall"
	"time"

	"tls-stream/transport"

	"github.com/pkg/errors"
)

type Addr struct {
	ipAddr netip.Addr
	port   uint16
}

var _ transport.Addr = Addr{}

func NewAddr(ipAddr netip.Addr, port uint16) Addr {
	return Addr{ipAddr, port}
}

// ParseAddr parses "host:port" where host is an IP literal.
func ParseAddr(s string) (Addr, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Addr{}, errors.Wrapf(err, "parsing %q", s)
	}
	return Addr{ap.Addr(), ap.Port()}, nil
}

func addrFrom(a net.Addr) Addr {
	tcpAddr, ok := a.(*net.TCPAddr)
	if !ok {
		return Addr{}
	}
	ap := tcpAddr.AddrPort()
	return Addr{ap.Addr().Unmap(), ap.Port()}
}

func (a Addr) IP() netip.Addr               { return a.ipAddr }
func (a Addr) Port() uint16                 { return a.port }
func (a Addr) Protocol() transport.Protocol { return transport.TCP }
func (a Addr) Identifier() any              { return a.port }
func (a Addr) addrPort() netip.AddrPort     { return netip.AddrPortFrom(a.ipAddr, a.port) }
func (a Addr) tcpAddr() *net.TCPAddr        { return net.TCPAddrFromAddrPort(a.addrPort()) }

func (a Addr) String() string {
	net := a.ipAddr.String()
	if a.ipAddr.Is6() {
		net = "[" + net + "]"
	}

	return net + ":" + strconv.FormatUint(uint64(a.port), 10)
}

type conn struct {
	c *net.TCPConn

	local, remote Addr
}

var _ transport.Conn = (*conn)(nil)

// Wrap adapts an established TCP connection.
func Wrap(c *net.TCPConn) transport.Conn {
	return &conn{
		c:      c,
		local:  addrFrom(c.LocalAddr()),
		remote: addrFrom(c.RemoteAddr()),
	}
}

func (c *conn) LocalAddr() transport.Addr  { return c.local }
func (c *conn) RemoteAddr() transport.Addr { return c.remote }

func (c *conn) Read(p []byte) (n int, err error) {
	n, err = c.c.Read(p)
	return n, mapErr(err)
}

func (c *conn) Write(p []byte) (n int, err error) {
	n, err = c.c.Write(p)
	return n, mapErr(err)
}

func (c *conn) Close() error {
	return mapErr(c.c.Close())
}

func (c *conn) CloseWrite() error {
	return mapErr(c.c.CloseWrite())
}

func (c *conn) SetReadDeadLine(t time.Time)  { _ = c.c.SetReadDeadline(t) }
func (c *conn) SetWriteDeadLine(t time.Time) { _ = c.c.SetWriteDeadline(t) }

// mapErr translates socket errors into transport sentinels.
// io.EOF is kept as is.
func mapErr(err error) error {
	switch {
	case err == nil, err == io.EOF:
		return err
	case errors.Is(err, net.ErrClosed):
		return transport.ErrConnClosed
	case errors.Is(err, os.ErrDeadlineExceeded):
		return transport.ErrDeadLineExceeded
	case errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ENOTCONN):
		return errors.Wrap(transport.ErrConnReset, err.Error())
	case errors.Is(err, syscall.ECONNREFUSED):
		return transport.ErrConnRefused
	case errors.Is(err, syscall.EADDRINUSE):
		return transport.ErrAddrAlreadyInUse
	case errors.Is(err, syscall.ENETUNREACH):
		return transport.ErrNetUnreachable
	}
	return err
}

type listener struct {
	l *net.TCPListener
}

var _ transport.ConnListener = (*listener)(nil)

// Listen opens a TCP listener on addr. Port 0 picks an ephemeral port.
func Listen(addr Addr) (*listener, error) {
	l, err := net.ListenTCP("tcp", addr.tcpAddr())
	if err != nil {
		return nil, errors.Wrapf(mapErr(err), "listening on %s", addr)
	}
	return &listener{l: l}, nil
}

func (l *listener) Addr() Addr { return addrFrom(l.l.Addr()) }

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	// Unblock AcceptTCP when ctx is done.
	stop := context.AfterFunc(ctx, func() { _ = l.l.SetDeadline(time.Now()) })
	defer stop()

	c, err := l.l.AcceptTCP()
	if err != nil {
		if ctx.Err() != nil {
			_ = l.l.SetDeadline(time.Time{})
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, transport.ErrConnListenerClosed
		}
		return nil, errors.Wrap(mapErr(err), "accepting")
	}
	return Wrap(c), nil
}

func (l *listener) Close() error {
	if err := l.l.Close(); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return transport.ErrConnListenerClosed
		}
		return err
	}
	return nil
}

// Dialer dials TCP connections.
type Dialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

var _ transport.ConnDialer = Dialer{}

func (d Dialer) Dial(ctx context.Context, addr transport.Addr) (transport.Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}

	c, err := nd.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, errors.Wrapf(mapErr(err), "dialing %s", addr)
	}
	return Wrap(c.(*net.TCPConn)), nil
}
