package tls

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"tls-stream/session/tls/bridge"
	"tls-stream/session/tls/engine"
	"tls-stream/transport"
	"tls-stream/transport/pipe"

	"code.hybscloud.com/iox"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

var errBoom = errors.New("boom")

type DriverTestSuite struct {
	suite.Suite

	ctx    context.Context
	cancel context.CancelFunc

	local, peer transport.Conn
	engine      *scriptedEngine
	stream      *Stream
}

func TestDriverTestSuite(t *testing.T) {
	suite.Run(t, new(DriverTestSuite))
}

func (s *DriverTestSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 2*time.Second)

	clock := clock.New()
	s.local, s.peer = pipe.BufferedPipe("local", "peer", clock, 1024)
	s.engine = &scriptedEngine{br: bridge.New(s.local, clock, bridge.Options{})}
	s.stream = FromEngine(s.engine, zaptest.NewLogger(s.T()))
}

func (s *DriverTestSuite) TearDownTest() {
	defer goleak.VerifyNone(s.T())
	s.NoError(s.stream.Close())
	s.NoError(s.peer.Close())
	s.cancel()
}

func (s *DriverTestSuite) script(steps ...step) { s.engine.steps = steps }

func (s *DriverTestSuite) scriptDone() {
	s.Empty(s.engine.steps, "script was not fully consumed")
}

// peerSends makes bytes available for the next fill.
func (s *DriverTestSuite) peerSends(b string) {
	_, err := s.peer.Write([]byte(b))
	s.Require().NoError(err)
}

func (s *DriverTestSuite) peerReceives(expected string) {
	got := make([]byte, len(expected))
	_, err := io.ReadFull(s.peer, got)
	s.Require().NoError(err)
	s.Equal(expected, string(got))
}

func (s *DriverTestSuite) TestAcceptFlushesBeforeFilling() {
	s.peerSends("x")
	s.script(
		step{op: "handshake server", out: []byte("hello"), err: engine.ErrWantRead},
		step{op: "handshake server", err: engine.ErrWantRead},
		step{op: "handshake server", in: 1},
	)

	s.Require().NoError(s.stream.Accept(s.ctx))
	s.scriptDone()
	s.peerReceives("hello")
	s.Zero(s.engine.br.Buffered())
}

func (s *DriverTestSuite) TestConnectWantWrite() {
	s.script(
		step{op: "handshake client", out: []byte("abc"), err: engine.ErrWantWrite},
		step{op: "handshake client"},
	)

	s.Require().NoError(s.stream.Connect(s.ctx))
	s.scriptDone()
	s.peerReceives("abc")
}

func (s *DriverTestSuite) TestHandshakeNotRetried() {
	testcases := []struct {
		desc string
		err  error
		code engine.Code
	}{
		{desc: "fatal", err: engine.Fatal(errBoom), code: engine.CodeFatal},
		{desc: "syscall", err: engine.ErrSyscall, code: engine.CodeSyscall},
		{desc: "zero return", err: engine.ErrZeroReturn, code: engine.CodeZeroReturn},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			s.engine.calls = nil
			s.script(step{op: "handshake server", err: tc.err})

			err := s.stream.Accept(s.ctx)
			s.Require().Error(err)
			s.Equal(tc.code, engine.CodeOf(err))
			s.Len(s.engine.calls, 1)
		})
	}
}

func (s *DriverTestSuite) TestRead() {
	s.peerSends("x")
	s.script(
		step{op: "read", data: []byte("abc")},
		step{op: "read", err: engine.ErrWantRead},
		step{op: "read", in: 1, data: []byte("ok")},
		step{op: "read", out: []byte("ka"), err: engine.ErrWantWrite},
		step{op: "read", data: []byte("after")},
	)

	buf := make([]byte, 8)

	n, err := s.stream.Read(s.ctx, buf)
	s.Require().NoError(err)
	s.Equal("abc", string(buf[:n]))

	n, err = s.stream.Read(s.ctx, buf)
	s.Require().NoError(err)
	s.Equal("ok", string(buf[:n]))

	n, err = s.stream.Read(s.ctx, buf)
	s.Require().NoError(err)
	s.Equal("after", string(buf[:n]))
	s.peerReceives("ka")

	s.scriptDone()
}

func (s *DriverTestSuite) TestReadEndOfStream() {
	s.script(
		step{op: "read", err: engine.ErrZeroReturn},
		step{op: "read", err: engine.ErrZeroReturn},
		step{op: "read", err: engine.ErrSyscall},
	)

	for range 3 {
		n, err := s.stream.Read(s.ctx, make([]byte, 8))
		s.NoError(err)
		s.Zero(n)
	}
	s.scriptDone()
}

func (s *DriverTestSuite) TestReadFatal() {
	s.script(step{op: "read", err: engine.Fatal(errBoom)})

	_, err := s.stream.Read(s.ctx, make([]byte, 8))
	s.ErrorIs(err, errBoom)
}

func (s *DriverTestSuite) TestReadCanceled() {
	s.script(step{op: "read", err: engine.ErrWantRead})

	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()

	_, err := s.stream.Read(ctx, make([]byte, 8))
	s.ErrorIs(err, context.DeadlineExceeded)
}

func (s *DriverTestSuite) TestPeek() {
	s.script(step{op: "peek", data: []byte("peeked")})

	buf := make([]byte, 8)
	n, err := s.stream.Peek(s.ctx, buf)
	s.Require().NoError(err)
	s.Equal("peeked", string(buf[:n]))
}

func (s *DriverTestSuite) TestReadEarlyData() {
	s.script(
		step{op: "read early", data: []byte("early")},
		step{op: "read early"},
	)

	buf := make([]byte, 8)
	n, err := s.stream.ReadEarlyData(s.ctx, buf)
	s.Require().NoError(err)
	s.Equal("early", string(buf[:n]))

	// Early data is consumed exactly once.
	n, err = s.stream.ReadEarlyData(s.ctx, buf)
	s.Require().NoError(err)
	s.Zero(n)
	s.scriptDone()
}

func (s *DriverTestSuite) TestWrite() {
	s.script(
		step{op: "write", out: []byte("CIPHER")},
		step{op: "write", out: []byte("part"), err: engine.ErrWantWrite},
		step{op: "write", out: []byte("rest")},
	)

	n, err := s.stream.Write(s.ctx, []byte("plain"))
	s.Require().NoError(err)
	s.Equal(5, n)
	s.peerReceives("CIPHER")

	n, err = s.stream.Write(s.ctx, []byte("again"))
	s.Require().NoError(err)
	s.Equal(5, n)
	s.peerReceives("partrest")
	s.scriptDone()
}

func (s *DriverTestSuite) TestWriteWantReadIsFatal() {
	s.script(step{op: "write", err: engine.ErrWantRead})

	_, err := s.stream.Write(s.ctx, []byte("x"))
	s.Equal(engine.CodeWantRead, engine.CodeOf(err))
	s.scriptDone()
}

func (s *DriverTestSuite) TestWriteWithoutProgress() {
	s.script(step{op: "write", err: engine.ErrWantWrite})

	_, err := s.stream.Write(s.ctx, []byte("x"))
	s.ErrorIs(err, io.ErrNoProgress)
}

func (s *DriverTestSuite) TestWriteFlushFailure() {
	s.script(step{op: "write", out: []byte("CIPHER")})
	s.Require().NoError(s.peer.Close())

	// Committed to the engine, but not delivered.
	n, err := s.stream.Write(s.ctx, []byte("plain"))
	s.Equal(5, n)
	s.ErrorIs(err, transport.ErrConnReset)
}

func (s *DriverTestSuite) TestWriteEarlyData() {
	s.script(step{op: "write early", out: []byte("0rtt"), n: 3})

	n, err := s.stream.WriteEarlyData(s.ctx, []byte("abcdef"))
	s.Require().NoError(err)
	s.Equal(3, n)
	s.peerReceives("0rtt")
}

func (s *DriverTestSuite) TestFlush() {
	s.script(
		step{op: "flush", out: []byte("zz"), err: engine.ErrWantWrite},
		step{op: "flush", out: []byte("yy"), err: iox.ErrWouldBlock},
		step{op: "flush", out: []byte("end")},
	)

	s.Require().NoError(s.stream.Flush(s.ctx))
	s.peerReceives("zzyyend")
	s.scriptDone()
}

func (s *DriverTestSuite) TestFlushFatal() {
	s.script(step{op: "flush", err: engine.Fatal(errBoom)})
	s.ErrorIs(s.stream.Flush(s.ctx), errBoom)
}

func (s *DriverTestSuite) TestShutdown() {
	s.peerSends("CN")
	s.script(
		step{op: "shutdown", out: []byte("cn"), res: engine.ShutdownResultSent},
		step{op: "shutdown", err: engine.ErrWantRead},
		step{op: "shutdown", in: 2, res: engine.ShutdownResultReceived},
	)

	s.Require().NoError(s.stream.Shutdown(s.ctx))
	s.scriptDone()
	s.Equal(engine.ShutdownBoth, s.stream.ShutdownState())

	s.peerReceives("cn")
	n, err := s.peer.Read(make([]byte, 1))
	s.ErrorIs(err, io.EOF)
	s.Zero(n)
}

func (s *DriverTestSuite) TestShutdownWantWrite() {
	s.script(
		step{op: "shutdown", out: []byte("big"), err: engine.ErrWantWrite},
		step{op: "shutdown", res: engine.ShutdownResultReceived},
	)

	s.Require().NoError(s.stream.Shutdown(s.ctx))
	s.peerReceives("big")
}

func (s *DriverTestSuite) TestShutdownAbruptPeer() {
	s.script(
		step{op: "shutdown", out: []byte("cn"), res: engine.ShutdownResultSent},
		step{op: "shutdown", err: engine.ErrSyscall},
	)

	s.Require().NoError(s.stream.Shutdown(s.ctx))
	s.peerReceives("cn")

	_, err := s.peer.Read(make([]byte, 1))
	s.ErrorIs(err, io.EOF)
}

func (s *DriverTestSuite) TestShutdownPeerClosed() {
	s.Require().NoError(s.peer.Close())
	s.script(step{op: "shutdown", out: []byte("cn"), res: engine.ShutdownResultSent})

	s.Require().NoError(s.stream.Shutdown(s.ctx))
	s.scriptDone()

	// Send side is closed even though the alert never left.
	_, err := s.local.Write([]byte("z"))
	s.ErrorIs(err, transport.ErrConnClosed)
	s.NotErrorIs(err, transport.ErrConnReset)
}

func (s *DriverTestSuite) TestShutdownFatal() {
	s.script(step{op: "shutdown", err: engine.Fatal(errBoom)})

	s.ErrorIs(s.stream.Shutdown(s.ctx), errBoom)

	// Send side stays open after an aborted shutdown.
	_, err := s.local.Write([]byte("z"))
	s.NoError(err)
}

func (s *DriverTestSuite) TestShutdownWantReadAfterEOF() {
	s.Require().NoError(s.peer.CloseWrite())
	s.script(
		step{op: "shutdown", res: engine.ShutdownResultSent},
		step{op: "shutdown", err: engine.ErrWantRead},
		step{op: "shutdown", err: engine.ErrWantRead},
	)

	s.ErrorIs(s.stream.Shutdown(s.ctx), io.ErrUnexpectedEOF)
	s.scriptDone()
}

func (s *DriverTestSuite) TestStatelessAccept() {
	s.script(
		step{op: "stateless", out: []byte("retry")},
		step{op: "stateless", verified: true},
		step{op: "stateless", err: engine.Fatal(errBoom)},
	)

	ok, err := s.stream.StatelessAccept()
	s.Require().NoError(err)
	s.False(ok)

	// Stateless accept never touches the transport by itself.
	s.Equal(5, s.engine.br.Pending())

	ok, err = s.stream.StatelessAccept()
	s.Require().NoError(err)
	s.True(ok)

	_, err = s.stream.StatelessAccept()
	s.ErrorIs(err, errBoom)
}

func (s *DriverTestSuite) TestUnsupported() {
	stream := FromEngine(plainEngine{s.engine}, nil)

	_, err := stream.StatelessAccept()
	s.ErrorIs(err, engine.ErrUnsupported)

	_, err = stream.ReadEarlyData(s.ctx, make([]byte, 1))
	s.ErrorIs(err, engine.ErrUnsupported)

	_, err = stream.WriteEarlyData(s.ctx, []byte("x"))
	s.ErrorIs(err, engine.ErrUnsupported)

	s.Empty(s.engine.calls)
}

func (s *DriverTestSuite) TestAccessors() {
	s.engine.info = engine.SessionInfo{HandshakeComplete: true, NegotiatedProtocol: "h2"}

	s.Equal(s.local, s.stream.Transport())
	s.Equal(engine.Engine(s.engine), s.stream.Engine())
	s.Equal("h2", s.stream.Session().NegotiatedProtocol)

	s.stream.SetShutdownState(engine.ShutdownSent)
	s.Equal(engine.ShutdownSent, s.engine.state)
	s.Equal(engine.ShutdownSent, s.stream.ShutdownState())
}

func (s *DriverTestSuite) TestClose() {
	s.Require().NoError(s.stream.Close())
	s.Require().NoError(s.stream.Close())
	s.Equal(1, s.engine.closed)

	_, err := s.stream.Read(s.ctx, make([]byte, 1))
	s.ErrorIs(err, ErrStreamClosed)
	_, err = s.stream.Write(s.ctx, []byte("x"))
	s.ErrorIs(err, transport.ErrConnClosed)
	s.ErrorIs(s.stream.Shutdown(s.ctx), ErrStreamClosed)
	s.ErrorIs(s.stream.Accept(s.ctx), ErrStreamClosed)

	// Peer sees the transport going away.
	_, err = s.peer.Read(make([]byte, 1))
	s.ErrorIs(err, io.EOF)
}
