package tls

import (
	"fmt"

	"tls-stream/session/tls/bridge"
	"tls-stream/session/tls/engine"
)

// step is one scripted engine outcome.
type step struct {
	op  string
	out []byte // written to the bridge before returning.
	in  int    // bytes consumed from the bridge before returning.

	n        int
	data     []byte // copied into the caller's buffer.
	res      engine.ShutdownResult
	verified bool
	err      error
}

// scriptedEngine replays steps and fails on any unexpected call.
type scriptedEngine struct {
	br    *bridge.Bridge
	steps []step
	calls []string
	state engine.ShutdownState
	info  engine.SessionInfo

	closed int
}

var (
	_ engine.EarlyDataEngine = (*scriptedEngine)(nil)
	_ engine.StatelessEngine = (*scriptedEngine)(nil)
)

func (e *scriptedEngine) next(op string) step {
	e.calls = append(e.calls, op)
	if len(e.steps) == 0 {
		return step{err: engine.Fatal(fmt.Errorf("unexpected %s: script is over", op))}
	}

	st := e.steps[0]
	e.steps = e.steps[1:]
	if st.op != op {
		return step{err: engine.Fatal(fmt.Errorf("unexpected %s: script expects %s", op, st.op))}
	}

	if len(st.out) > 0 {
		if _, err := e.br.Write(st.out); err != nil {
			return step{err: engine.Fatal(err)}
		}
	}
	if st.in > 0 {
		if _, err := e.br.Read(make([]byte, st.in)); err != nil {
			return step{err: engine.Fatal(err)}
		}
	}
	return st
}

func (e *scriptedEngine) Handshake(role engine.Role) error {
	return e.next("handshake " + role.String()).err
}

func (e *scriptedEngine) read(op string, p []byte) (int, error) {
	st := e.next(op)
	if st.err != nil {
		return 0, st.err
	}
	return copy(p, st.data), nil
}

func (e *scriptedEngine) Read(p []byte) (int, error)          { return e.read("read", p) }
func (e *scriptedEngine) Peek(p []byte) (int, error)          { return e.read("peek", p) }
func (e *scriptedEngine) ReadEarlyData(p []byte) (int, error) { return e.read("read early", p) }

func (e *scriptedEngine) Write(p []byte) (int, error)          { return e.write("write", p) }
func (e *scriptedEngine) WriteEarlyData(p []byte) (int, error) { return e.write("write early", p) }

func (e *scriptedEngine) write(op string, p []byte) (int, error) {
	st := e.next(op)
	if st.err != nil {
		return 0, st.err
	}
	if st.n == 0 {
		return len(p), nil
	}
	return st.n, nil
}

func (e *scriptedEngine) Flush() error { return e.next("flush").err }

func (e *scriptedEngine) Shutdown() (engine.ShutdownResult, error) {
	st := e.next("shutdown")
	if st.err != nil {
		return 0, st.err
	}
	switch st.res {
	case engine.ShutdownResultSent:
		e.state |= engine.ShutdownSent
	case engine.ShutdownResultReceived:
		e.state |= engine.ShutdownReceived
	}
	return st.res, nil
}

func (e *scriptedEngine) Stateless() (bool, error) {
	st := e.next("stateless")
	return st.verified, st.err
}

func (e *scriptedEngine) ShutdownState() engine.ShutdownState         { return e.state }
func (e *scriptedEngine) SetShutdownState(state engine.ShutdownState) { e.state = state }
func (e *scriptedEngine) State() engine.SessionInfo                   { return e.info }
func (e *scriptedEngine) Bridge() *bridge.Bridge                      { return e.br }

func (e *scriptedEngine) Close() error {
	e.closed++
	return nil
}

// plainEngine implements only the mandatory interface.
type plainEngine struct {
	engine.Engine
}
