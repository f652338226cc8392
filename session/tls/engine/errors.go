package engine

import (
	"code.hybscloud.com/iox"
	"github.com/pkg/errors"
)

// Code classifies the outcome of an engine call.
type Code uint8

const (
	// CodeNone is a successful call.
	CodeNone Code = iota
	// CodeWantRead asks for more transport input.
	CodeWantRead
	// CodeWantWrite asks to drain pending output to the transport.
	CodeWantWrite
	// CodeZeroReturn means the peer's close_notify was received.
	CodeZeroReturn
	// CodeSyscall means the transport ended without close_notify.
	CodeSyscall
	// CodeFatal is any other failure.
	CodeFatal
)

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "none"
	case CodeWantRead:
		return "want read"
	case CodeWantWrite:
		return "want write"
	case CodeZeroReturn:
		return "zero return"
	case CodeSyscall:
		return "syscall"
	case CodeFatal:
		return "fatal"
	}
	return "unknown"
}

// Error is an engine failure carrying its [Code].
type Error struct {
	code  Code
	cause error
}

func (e *Error) Code() Code    { return e.code }
func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Error() string {
	if e.cause == nil {
		return "tls engine: " + e.code.String()
	}
	return "tls engine: " + e.code.String() + ": " + e.cause.Error()
}

// Is matches any engine error of the same code, regardless of its cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.code == e.code
}

var (
	ErrWantRead   = &Error{code: CodeWantRead, cause: iox.ErrWouldBlock}
	ErrWantWrite  = &Error{code: CodeWantWrite, cause: iox.ErrWouldBlock}
	ErrZeroReturn = &Error{code: CodeZeroReturn}
	ErrSyscall    = &Error{code: CodeSyscall}
)

// NewError creates an engine error of code with cause attached.
func NewError(code Code, cause error) error {
	return &Error{code: code, cause: cause}
}

// Fatal marks cause as unrecoverable.
func Fatal(cause error) error {
	return NewError(CodeFatal, cause)
}

// CodeOf classifies err. Errors that are not engine errors are fatal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNone
	}

	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return CodeFatal
}
