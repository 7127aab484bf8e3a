package xioutil

import (
	"context"
	"io"
)

type WhileFunc func([]byte) error

type whileWriter struct {
	fn WhileFunc
	wr io.Writer
}

// NewWhileWriter wraps wr with a writer that calls fn before every write
// and aborts the copy as soon as fn reports an error.
func NewWhileWriter(fn WhileFunc, wr io.Writer) io.Writer {
	return &whileWriter{
		fn: fn,
		wr: wr,
	}
}

func (ww *whileWriter) Write(p []byte) (int, error) {
	if err := ww.fn(p); err != nil {
		return 0, err
	}
	return ww.wr.Write(p)
}

func NewCancellableWriter(ctx context.Context, wr io.Writer) io.Writer {
	fn := func([]byte) error {
		return ctx.Err()
	}
	return NewWhileWriter(fn, wr)
}

// CountingWriter counts bytes passed through to the underlying writer.
type CountingWriter struct {
	W io.Writer
	N int64
}

func (cw *CountingWriter) Write(p []byte) (int, error) {
	n, err := cw.W.Write(p)
	cw.N += int64(n)
	return n, err
}

// WriterNopCloser wraps a writer with a no-op Close method.
type WriterNopCloser struct {
	io.Writer
}

// Close intentionally does nothing
func (WriterNopCloser) Close() error {
	return nil
}
