package iolib

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader hands out at most chunk bytes per call and 0, nil at the end.
type chunkReader struct {
	src   []byte
	chunk int
	err   error
}

func (r *chunkReader) Read(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(r.src) == 0 {
		return 0, r.err
	}
	n := copy(p[:min(len(p), r.chunk)], r.src)
	r.src = r.src[n:]
	return n, nil
}

func TestReadAll(t *testing.T) {
	testcases := []struct {
		desc  string
		input []byte
		chunk int
	}{
		{desc: "empty", input: nil, chunk: 1},
		{desc: "one byte", input: []byte("A"), chunk: 1},
		{desc: "grows past initial capacity", input: bytes.Repeat([]byte("ABC"), 1000), chunk: 7},
		{desc: "exact capacity", input: bytes.Repeat([]byte("Z"), 512), chunk: 512},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			r := &chunkReader{src: tc.input, chunk: tc.chunk}

			b, err := ReadAll(context.Background(), r)
			require.NoError(t, err)
			assert.Equal(t, len(tc.input), len(b))
			assert.True(t, bytes.Equal(tc.input, b))
		})
	}
}

func TestReadAllError(t *testing.T) {
	boom := errors.New("boom")
	r := &chunkReader{src: []byte("partial"), chunk: 3, err: boom}

	b, err := ReadAll(context.Background(), r)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []byte("partial"), b)
}

func TestReadAllCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ReadAll(ctx, &chunkReader{src: []byte("x"), chunk: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBind(t *testing.T) {
	r := Bind(context.Background(), &chunkReader{src: []byte("HTTP/1.0 200 OK\r\n\r\nbody"), chunk: 5})

	ur := NewUntilReader(r)
	head, err := ur.ReadUntil([]byte("\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.0 200 OK\r\n\r\n", string(head))

	body, err := io.ReadAll(ur)
	require.NoError(t, err)
	assert.Equal(t, "body", string(body))
}

func TestBindCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := Bind(ctx, &chunkReader{src: []byte("x"), chunk: 1}).Read(make([]byte, 1))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, context.Canceled)
}
