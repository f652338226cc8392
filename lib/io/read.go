package iolib

import (
	"context"
	"io"
)

// ContextReader reads with a context bound.
// A read of 0 bytes with nil error marks the end of stream.
type ContextReader interface {
	Read(ctx context.Context, p []byte) (n int, err error)
}

// ReadAll reads from r until end of stream or an error.
// Bytes read before an error are returned along with it.
func ReadAll(ctx context.Context, r ContextReader) ([]byte, error) {
	b := make([]byte, 0, 512)
	for {
		n, err := r.Read(ctx, b[len(b):cap(b)])
		b = b[:len(b)+n]
		if err != nil {
			return b, err
		}
		if n == 0 {
			return b, nil
		}

		if len(b) == cap(b) {
			// Let append pick the next capacity.
			b = append(b, 0)[:len(b)]
		}
	}
}

// Bind adapts r to an [io.Reader] reading under ctx.
// The end of stream is reported as [io.EOF].
func Bind(ctx context.Context, r ContextReader) io.Reader {
	return &boundReader{ctx: ctx, r: r}
}

type boundReader struct {
	ctx context.Context
	r   ContextReader
}

func (b *boundReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := b.r.Read(b.ctx, p)
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	return n, err
}
