// Package stdtls implements [engine.Engine] with crypto/tls.
//
// crypto/tls is blocking, so each operation runs on a worker goroutine over an
// in-memory net.Conn. When that conn would block, the worker parks and the
// engine returns a want signal. Calling the same operation again resumes the
// parked worker. At most one operation is in flight at a time.
package stdtls

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"io"

	"tls-stream/session/tls/bridge"
	"tls-stream/session/tls/engine"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

var (
	ErrEngineClosed      = errors.New("engine is closed")
	ErrHandshakeRequired = errors.New("handshake is not complete")
)

// Config is an [engine.Factory] for crypto/tls engines.
// The same Config serves both roles; the role is chosen at handshake.
type Config struct {
	TLS    *tls.Config
	Logger *zap.Logger
}

var _ engine.Factory = Config{}

func (c Config) NewEngine(b *bridge.Bridge) (engine.Engine, error) {
	if c.TLS == nil {
		return nil, errors.New("tls config is required")
	}

	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return New(c.TLS, b, logger), nil
}

type op uint8

const (
	opIdle op = iota
	opHandshake
	opRead
	opWrite
	opCloseWrite
	opDrain
)

func (o op) String() string {
	switch o {
	case opIdle:
		return "idle"
	case opHandshake:
		return "handshake"
	case opRead:
		return "read"
	case opWrite:
		return "write"
	case opCloseWrite:
		return "close write"
	case opDrain:
		return "drain"
	}
	return "unknown"
}

type result struct {
	park engine.Code // CodeNone once the operation returned.
	n    int
	err  error
}

type Engine struct {
	cfg    *tls.Config
	br     *bridge.Bridge
	logger *zap.Logger

	conn *tls.Conn
	bio  *bio
	role engine.Role

	inflight op
	results  chan result
	wake     chan struct{}
	done     chan struct{}
	closed   bool

	plain   bytes.Buffer // Decrypted, not yet returned.
	scratch []byte

	shutdown  engine.ShutdownState
	handshook bool
}

var _ engine.Engine = (*Engine)(nil)

func New(cfg *tls.Config, br *bridge.Bridge, logger *zap.Logger) *Engine {
	e := &Engine{
		cfg:     cfg,
		br:      br,
		logger:  logger,
		results: make(chan result, 1),
		wake:    make(chan struct{}),
		done:    make(chan struct{}),
		scratch: make([]byte, 16*1024),
	}
	e.bio = &bio{
		br:      br,
		results: e.results,
		wake:    e.wake,
		done:    e.done,
	}
	return e
}

func (e *Engine) Bridge() *bridge.Bridge { return e.br }

// run starts fn on a worker or resumes the parked one.
func (e *Engine) run(o op, fn func() (int, error)) (int, error) {
	if e.closed {
		return 0, engine.Fatal(ErrEngineClosed)
	}

	switch e.inflight {
	case opIdle:
		e.inflight = o
		go func() {
			n, err := fn()
			e.results <- result{n: n, err: err}
		}()
	case o:
		e.wake <- struct{}{}
	default:
		return 0, engine.Fatal(errors.Errorf("cannot %s while %s is in progress", o, e.inflight))
	}

	r := <-e.results
	switch r.park {
	case engine.CodeWantRead:
		return 0, engine.ErrWantRead
	case engine.CodeWantWrite:
		return 0, engine.ErrWantWrite
	}

	e.inflight = opIdle
	return r.n, r.err
}

// classify maps a crypto/tls error to an engine signal.
func (e *Engine) classify(err error) error {
	if err == nil {
		return nil
	}

	var ee *engine.Error
	if errors.As(err, &ee) {
		return err
	}

	// crypto/tls reports io.EOF only at a record boundary.
	// A truncated record surfaces as io.ErrUnexpectedEOF and stays fatal.
	if errors.Is(err, io.EOF) {
		if e.bio.sawEOF {
			return engine.NewError(engine.CodeSyscall, err)
		}
		e.shutdown |= engine.ShutdownReceived
		return engine.ErrZeroReturn
	}
	return engine.Fatal(err)
}

func (e *Engine) Handshake(role engine.Role) error {
	if e.conn == nil {
		switch role {
		case engine.RoleClient:
			e.conn = tls.Client(e.bio, e.cfg)
		case engine.RoleServer:
			e.conn = tls.Server(e.bio, e.cfg)
		default:
			return engine.Fatal(errors.Errorf("invalid role %d", role))
		}
		e.role = role
	} else if role != e.role {
		return engine.Fatal(errors.Errorf("session already started as %s", e.role))
	}

	if !e.handshook {
		if _, err := e.run(opHandshake, func() (int, error) { return 0, e.conn.Handshake() }); err != nil {
			return e.classify(err)
		}
		e.handshook = true

		if ce := e.logger.Check(zap.DebugLevel, "handshake complete"); ce != nil {
			info := e.State()
			ce.Write(
				zap.Stringer("role", role),
				zap.String("version", tls.VersionName(info.Version)),
				zap.String("cipher_suite", info.CipherSuiteName),
				zap.String("alpn", info.NegotiatedProtocol),
				zap.Bool("resumed", info.DidResume),
			)
		}
	}

	// Our last flight has to leave before the handshake counts as done.
	if e.br.Pending() > 0 {
		return engine.ErrWantWrite
	}
	return nil
}

func (e *Engine) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := e.decrypt(); err != nil {
		return 0, err
	}
	return e.plain.Read(p)
}

func (e *Engine) Peek(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := e.decrypt(); err != nil {
		return 0, err
	}
	return copy(p, e.plain.Bytes()), nil
}

// decrypt makes sure plain holds data.
func (e *Engine) decrypt() error {
	if e.plain.Len() > 0 {
		return nil
	}
	if !e.handshook {
		return engine.Fatal(ErrHandshakeRequired)
	}

	n, err := e.run(opRead, func() (int, error) { return e.conn.Read(e.scratch) })
	e.plain.Write(e.scratch[:n])
	if n > 0 {
		// A sticky error comes back on the next call.
		return nil
	}
	if err == nil {
		return engine.Fatal(io.ErrNoProgress)
	}
	return e.classify(err)
}

func (e *Engine) Write(p []byte) (int, error) {
	if !e.handshook {
		return 0, engine.Fatal(ErrHandshakeRequired)
	}

	n, err := e.run(opWrite, func() (int, error) { return e.conn.Write(p) })
	if err != nil {
		return n, e.classify(err)
	}
	return n, nil
}

func (e *Engine) Flush() error {
	if e.br.Flush() != nil {
		return engine.ErrWantWrite
	}
	return nil
}

func (e *Engine) Shutdown() (engine.ShutdownResult, error) {
	if !e.handshook {
		return 0, engine.Fatal(ErrHandshakeRequired)
	}

	if e.shutdown&engine.ShutdownSent == 0 {
		if _, err := e.run(opCloseWrite, func() (int, error) { return 0, e.conn.CloseWrite() }); err != nil {
			return 0, e.classify(err)
		}
		e.shutdown |= engine.ShutdownSent

		if e.shutdown&engine.ShutdownReceived != 0 {
			return engine.ShutdownResultReceived, nil
		}
		return engine.ShutdownResultSent, nil
	}

	if e.shutdown&engine.ShutdownReceived != 0 {
		return engine.ShutdownResultReceived, nil
	}

	// Discard application data until the peer's close_notify.
	e.plain.Reset()
	_, err := e.run(opDrain, func() (int, error) {
		for {
			if _, err := e.conn.Read(e.scratch); err != nil {
				return 0, err
			}
		}
	})

	err = e.classify(err)
	if engine.CodeOf(err) == engine.CodeZeroReturn {
		return engine.ShutdownResultReceived, nil
	}
	return 0, err
}

func (e *Engine) ShutdownState() engine.ShutdownState         { return e.shutdown }
func (e *Engine) SetShutdownState(state engine.ShutdownState) { e.shutdown = state }

func (e *Engine) State() engine.SessionInfo {
	// ConnectionState waits for the handshake lock held by a parked handshake.
	if e.conn == nil || e.inflight == opHandshake {
		return engine.SessionInfo{}
	}

	cs := e.conn.ConnectionState()
	info := engine.SessionInfo{
		HandshakeComplete:  cs.HandshakeComplete,
		Version:            cs.Version,
		CipherSuite:        cs.CipherSuite,
		NegotiatedProtocol: cs.NegotiatedProtocol,
		ServerName:         cs.ServerName,
		DidResume:          cs.DidResume,
	}
	if cs.HandshakeComplete {
		info.CipherSuiteName = tls.CipherSuiteName(cs.CipherSuite)
	}
	if len(cs.PeerCertificates) > 0 {
		info.PeerFingerprint = Fingerprint(cs.PeerCertificates[0])
	}
	return info
}

// Close releases a parked worker, if any.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.done)

	if e.inflight != opIdle {
		// Parked worker unwinds with net.ErrClosed.
		for r := range e.results {
			if r.park == engine.CodeNone {
				break
			}
		}
		e.inflight = opIdle
	}
	return nil
}

// Fingerprint digests the certificate's public key with SHA3-256.
func Fingerprint(cert *x509.Certificate) []byte {
	digest := sha3.Sum256(cert.RawSubjectPublicKeyInfo)
	return digest[:]
}
