// Package tls drives a synchronous TLS [engine.Engine] over a blocking
// [transport.Conn].
//
// A [Stream] owns one engine, which owns one bridge, which owns the transport.
// It is not safe for concurrent use: one operation at a time.
package tls

import (
	"context"
	stderrors "errors"
	"io"

	iolib "tls-stream/lib/io"
	"tls-stream/session/tls/bridge"
	"tls-stream/session/tls/engine"
	"tls-stream/transport"

	"code.hybscloud.com/iox"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrStreamClosed = errors.Wrap(transport.ErrConnClosed, "tls stream is closed")

type Options struct {
	Bridge bridge.Options
	Logger *zap.Logger
}

type Stream struct {
	engine engine.Engine
	br     *bridge.Bridge
	logger *zap.Logger

	closed bool
}

var _ iolib.ContextReader = (*Stream)(nil)

// New creates a fresh engine session from factory over conn.
func New(factory engine.Factory, conn transport.Conn, clock clock.Clock, opts Options) (*Stream, error) {
	e, err := factory.NewEngine(bridge.New(conn, clock, opts.Bridge))
	if err != nil {
		return nil, errors.Wrap(err, "making engine")
	}
	return FromEngine(e, opts.Logger), nil
}

// FromEngine wraps an already configured engine session.
func FromEngine(e engine.Engine, logger *zap.Logger) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn := e.Bridge().Conn()
	return &Stream{
		engine: e,
		br:     e.Bridge(),
		logger: logger.With(
			zap.Stringer("local", conn.LocalAddr()),
			zap.Stringer("remote", conn.RemoteAddr()),
		),
	}
}

// Transport returns the underlying connection.
// Reading from or writing to it directly corrupts the session.
func (s *Stream) Transport() transport.Conn { return s.br.Conn() }

func (s *Stream) Engine() engine.Engine        { return s.engine }
func (s *Stream) Session() engine.SessionInfo { return s.engine.State() }

func (s *Stream) ShutdownState() engine.ShutdownState         { return s.engine.ShutdownState() }
func (s *Stream) SetShutdownState(state engine.ShutdownState) { s.engine.SetShutdownState(state) }

// Accept performs the server side handshake.
func (s *Stream) Accept(ctx context.Context) error {
	return s.handshake(ctx, engine.RoleServer)
}

// Connect performs the client side handshake.
func (s *Stream) Connect(ctx context.Context) error {
	return s.handshake(ctx, engine.RoleClient)
}

func (s *Stream) handshake(ctx context.Context, role engine.Role) error {
	if s.closed {
		return ErrStreamClosed
	}

	_, err := s.do(ctx, func() (int, error) { return 0, s.engine.Handshake(role) })
	if err != nil {
		return errors.Wrapf(err, "%s handshake", role)
	}

	if ce := s.logger.Check(zap.DebugLevel, "handshake done"); ce != nil {
		info := s.Session()
		ce.Write(zap.Stringer("role", role), zap.String("cipher_suite", info.CipherSuiteName))
	}
	return nil
}

// StatelessAccept runs one stateless step on a ClientHello, without waiting.
// True means the ClientHello carried a valid cookie and Accept may follow.
// False means a retry request was queued; flush it and wait for the next ClientHello.
func (s *Stream) StatelessAccept() (bool, error) {
	se, ok := s.engine.(engine.StatelessEngine)
	if !ok {
		return false, engine.ErrUnsupported
	}

	ok, err := se.Stateless()
	if err != nil {
		return false, errors.Wrap(err, "stateless accept")
	}
	return ok, nil
}

// do calls f until it stops asking for transport I/O.
func (s *Stream) do(ctx context.Context, f func() (int, error)) (int, error) {
	for {
		n, err := f()
		switch engine.CodeOf(err) {
		case engine.CodeNone:
			return n, nil
		case engine.CodeWantRead, engine.CodeWantWrite:
			if err := s.await(ctx); err != nil {
				return 0, err
			}
		default:
			return 0, err
		}
	}
}

// await flushes pending output, or waits for input if nothing was pending.
// Flushing first keeps both peers from waiting on each other's unsent flight.
func (s *Stream) await(ctx context.Context) error {
	n, err := s.br.FlushWriteBuf(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return s.fill(ctx)
}

func (s *Stream) fill(ctx context.Context) error {
	if s.br.EOF() {
		return errors.Wrap(io.ErrUnexpectedEOF, "engine wants input after end of stream")
	}
	_, err := s.br.FillReadBuf(ctx)
	return err
}

// flush writes pending output and fails if there was none.
func (s *Stream) flush(ctx context.Context) error {
	n, err := s.br.FlushWriteBuf(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrap(io.ErrNoProgress, "engine wants to write with nothing pending")
	}
	return nil
}

// Read reads decrypted data into p.
// It returns 0 with a nil error at the end of stream.
func (s *Stream) Read(ctx context.Context, p []byte) (int, error) {
	return s.read(ctx, "reading", s.engine.Read, p)
}

// Peek is Read without consuming the data.
func (s *Stream) Peek(ctx context.Context, p []byte) (int, error) {
	return s.read(ctx, "peeking", s.engine.Peek, p)
}

// ReadEarlyData reads 0-RTT data on the server before the handshake completes.
// It returns 0 once every early byte was read.
func (s *Stream) ReadEarlyData(ctx context.Context, p []byte) (int, error) {
	ee, ok := s.engine.(engine.EarlyDataEngine)
	if !ok {
		return 0, engine.ErrUnsupported
	}
	return s.read(ctx, "reading early data", ee.ReadEarlyData, p)
}

func (s *Stream) read(ctx context.Context, what string, f func([]byte) (int, error), p []byte) (int, error) {
	if s.closed {
		return 0, ErrStreamClosed
	}

	for {
		n, err := f(p)
		switch engine.CodeOf(err) {
		case engine.CodeNone:
			return n, nil
		case engine.CodeZeroReturn:
			return 0, nil
		case engine.CodeSyscall:
			s.logger.Debug("transport ended without close_notify", zap.String("op", what), zap.Error(err))
			return 0, nil
		case engine.CodeWantRead, engine.CodeWantWrite:
			if err := s.await(ctx); err != nil {
				return 0, errors.Wrap(err, what)
			}
		default:
			return 0, errors.Wrap(err, what)
		}
	}
}

// ReadAll reads until the end of stream.
func (s *Stream) ReadAll(ctx context.Context) ([]byte, error) {
	return iolib.ReadAll(ctx, s)
}

// Write encrypts p and flushes it to the transport.
// If the flush fails, n still reports the bytes the engine accepted.
func (s *Stream) Write(ctx context.Context, p []byte) (int, error) {
	return s.write(ctx, "writing", s.engine.Write, p)
}

// WriteEarlyData sends 0-RTT data on the client before the handshake completes.
func (s *Stream) WriteEarlyData(ctx context.Context, p []byte) (int, error) {
	ee, ok := s.engine.(engine.EarlyDataEngine)
	if !ok {
		return 0, engine.ErrUnsupported
	}
	return s.write(ctx, "writing early data", ee.WriteEarlyData, p)
}

func (s *Stream) write(ctx context.Context, what string, f func([]byte) (int, error), p []byte) (int, error) {
	if s.closed {
		return 0, ErrStreamClosed
	}

	for {
		n, err := f(p)
		switch engine.CodeOf(err) {
		case engine.CodeNone:
			if _, err := s.br.FlushWriteBuf(ctx); err != nil {
				return n, errors.Wrap(err, what)
			}
			return n, nil
		case engine.CodeWantWrite:
			if err := s.flush(ctx); err != nil {
				return 0, errors.Wrap(err, what)
			}
		default:
			return 0, errors.Wrap(err, what)
		}
	}
}

// Flush drains the engine's output to the transport.
func (s *Stream) Flush(ctx context.Context) error {
	if s.closed {
		return ErrStreamClosed
	}

	for {
		err := s.engine.Flush()
		switch {
		case err == nil:
			_, err := s.br.FlushWriteBuf(ctx)
			return errors.Wrap(err, "flushing")
		case engine.CodeOf(err) == engine.CodeWantWrite || iox.IsWouldBlock(err):
			if err := s.flush(ctx); err != nil {
				return errors.Wrap(err, "flushing")
			}
		default:
			return errors.Wrap(err, "flushing")
		}
	}
}

// Shutdown exchanges close_notify alerts, then closes the transport's send side.
// A peer that drops the transport without close_notify is tolerated,
// whether it closed only its send side or the whole connection.
func (s *Stream) Shutdown(ctx context.Context) error {
	if s.closed {
		return ErrStreamClosed
	}

	err := s.closeNotify(ctx)
	if err == nil {
		// Anything queued along with the final alert goes out first.
		_, err = s.br.FlushWriteBuf(ctx)
	}
	if err != nil && !s.peerGone(err) {
		return errors.Wrap(err, "shutting down")
	}

	if err := s.br.Conn().CloseWrite(); err != nil && !s.peerGone(err) {
		return errors.Wrap(err, "closing transport send side")
	}
	return nil
}

// peerGone reports whether err means the peer closed the whole transport.
func (s *Stream) peerGone(err error) bool {
	if !errors.Is(err, transport.ErrConnReset) {
		return false
	}
	s.logger.Debug("peer closed transport without close_notify",
		zap.Stringer("shutdown", s.engine.ShutdownState()), zap.Error(err))
	return true
}

func (s *Stream) closeNotify(ctx context.Context) error {
	for {
		res, err := s.engine.Shutdown()
		switch engine.CodeOf(err) {
		case engine.CodeNone:
			if res == engine.ShutdownResultReceived {
				return nil
			}
			if _, err := s.br.FlushWriteBuf(ctx); err != nil {
				return err
			}
		case engine.CodeWantWrite:
			if err := s.flush(ctx); err != nil {
				return err
			}
		case engine.CodeWantRead:
			if err := s.fill(ctx); err != nil {
				return err
			}
		case engine.CodeSyscall:
			s.logger.Debug("peer closed transport without close_notify",
				zap.Stringer("shutdown", s.engine.ShutdownState()))
			return nil
		default:
			return err
		}
	}
}

// Close releases the engine and closes the transport.
// It does not send close_notify; call Shutdown first for a clean close.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	err1 := s.engine.Close()
	err2 := s.br.Conn().Close()
	return stderrors.Join(err1, err2)
}
