// Package retry repeats transport operations that fail transiently.
package retry

import (
	"context"
	"time"

	"tls-stream/transport"

	"code.hybscloud.com/iox"
	"github.com/pkg/errors"
)

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the maximum number of calls. Zero means until ctx is done.
	Attempts int

	// Retryable reports whether err is worth another call.
	// Nil means [Transient].
	Retryable func(err error) bool

	// Base and Max bound the wait between calls.
	// Zero means [iox.DefaultBackoffBase] and [iox.DefaultBackoffMax].
	Base, Max time.Duration
}

// Transient matches errors a peer that is still starting up produces.
func Transient(err error) bool {
	return iox.IsWouldBlock(err) ||
		errors.Is(err, transport.ErrConnRefused) ||
		errors.Is(err, transport.ErrNetUnreachable)
}

// Do calls f until it succeeds, fails permanently, attempts run out or ctx is done.
// Calls are spaced with [iox.Backoff].
func Do(ctx context.Context, p Policy, f func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = Transient
	}

	var bo iox.Backoff
	bo.SetBase(p.Base)
	bo.SetMax(p.Max)
	for attempt := 1; ; attempt++ {
		err := f(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if p.Attempts > 0 && attempt >= p.Attempts {
			return errors.Wrapf(err, "giving up after %d attempts", attempt)
		}
		if ctx.Err() != nil {
			return errors.Wrapf(ctx.Err(), "after %d attempts, last error: %v", attempt, err)
		}

		// Wait cannot be interrupted, so ctx is checked again right after it.
		bo.Wait()
		if ctx.Err() != nil {
			return errors.Wrapf(ctx.Err(), "after %d attempts, last error: %v", attempt, err)
		}
	}
}

// Dial dials addr with d, retrying transient failures.
func Dial(ctx context.Context, d transport.ConnDialer, addr transport.Addr, p Policy) (transport.Conn, error) {
	var conn transport.Conn
	err := Do(ctx, p, func(ctx context.Context) (err error) {
		conn, err = d.Dial(ctx, addr)
		return err
	})
	return conn, err
}
