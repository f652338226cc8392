// Package engine defines the contract of a synchronous TLS engine.
//
// An engine never performs transport I/O itself. It reads ciphertext from and
// writes ciphertext to a [bridge.Bridge], and when it cannot make progress it
// returns a signal error ([ErrWantRead], [ErrWantWrite]) instead of blocking.
// The caller moves bytes on the bridge and repeats the same call.
package engine

import (
	"tls-stream/session/tls/bridge"

	"github.com/pkg/errors"
)

type Role uint8

const (
	RoleClient Role = iota + 1
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	}
	return "unknown"
}

// ShutdownState records which close_notify alerts were exchanged.
type ShutdownState uint8

const (
	ShutdownNone     ShutdownState = 0
	ShutdownSent     ShutdownState = 1 << 0
	ShutdownReceived ShutdownState = 1 << 1
	ShutdownBoth                   = ShutdownSent | ShutdownReceived
)

func (s ShutdownState) String() string {
	switch s {
	case ShutdownNone:
		return "none"
	case ShutdownSent:
		return "sent"
	case ShutdownReceived:
		return "received"
	case ShutdownBoth:
		return "sent|received"
	}
	return "invalid"
}

// ShutdownResult is the outcome of one successful [Engine.Shutdown] step.
type ShutdownResult uint8

const (
	// ShutdownResultSent means our close_notify was queued; the peer's is still awaited.
	ShutdownResultSent ShutdownResult = iota + 1
	// ShutdownResultReceived means the peer's close_notify was received.
	ShutdownResultReceived
)

func (r ShutdownResult) String() string {
	switch r {
	case ShutdownResultSent:
		return "sent"
	case ShutdownResultReceived:
		return "received"
	}
	return "unknown"
}

var ErrUnsupported = errors.New("operation is not supported by the engine")

// Engine is one TLS session over a bridge.
// Every method may return a signal error; see [CodeOf].
type Engine interface {
	// Handshake performs, or continues, the handshake in the given role.
	Handshake(role Role) error

	// Read returns decrypted application data.
	Read(p []byte) (int, error)
	// Peek is Read without consuming the data.
	Peek(p []byte) (int, error)
	// Write encrypts all of p. A call after ErrWantWrite must pass the same p.
	Write(p []byte) (int, error)
	// Flush reports a would-block error while encrypted output is pending.
	Flush() error

	// Shutdown sends our close_notify on the first call, then waits for the peer's.
	Shutdown() (ShutdownResult, error)
	ShutdownState() ShutdownState
	SetShutdownState(state ShutdownState)

	State() SessionInfo
	Bridge() *bridge.Bridge

	// Close releases engine resources. It never touches the transport.
	Close() error
}

// EarlyDataEngine is implemented by engines supporting 0-RTT data.
type EarlyDataEngine interface {
	Engine

	// ReadEarlyData returns 0 with a nil error once every early byte was read.
	ReadEarlyData(p []byte) (int, error)
	WriteEarlyData(p []byte) (int, error)
}

// StatelessEngine is implemented by engines able to answer a ClientHello
// without keeping state, by the means of a cookie.
type StatelessEngine interface {
	Engine

	// Stateless returns true when a ClientHello with a valid cookie was consumed,
	// and false when a retry request with a fresh cookie was written instead.
	Stateless() (bool, error)
}

// Factory creates a fresh engine session over the bridge.
type Factory interface {
	NewEngine(b *bridge.Bridge) (Engine, error)
}

// FactoryFunc lets a plain function serve as a [Factory].
type FactoryFunc func(b *bridge.Bridge) (Engine, error)

func (f FactoryFunc) NewEngine(b *bridge.Bridge) (Engine, error) { return f(b) }

// SessionInfo is a snapshot of negotiated session parameters.
type SessionInfo struct {
	HandshakeComplete  bool
	Version            uint16
	CipherSuite        uint16
	CipherSuiteName    string
	NegotiatedProtocol string
	ServerName         string
	DidResume          bool
	// PeerFingerprint is a SHA3-256 digest of the peer's leaf public key.
	PeerFingerprint []byte
}
