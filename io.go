package coronet

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// IoSlice is a borrowed view of a caller buffer used as a source by
// vectored writes. It is only valid for the call it is passed to.
type IoSlice []byte

// IoSliceMut is a borrowed view of a caller buffer used as a
// destination by vectored reads. It is only valid for the call it is
// passed to.
type IoSliceMut []byte

// AsyncReader is a non-blocking byte source. PollRead either
// transfers bytes, reports end of stream with (0, io.EOF), fails, or
// registers w for a wake and returns ErrWouldBlock. Only one waker
// may be registered per reader; a different waker gets
// ErrInterestBusy until the first is woken or cancelled.
type AsyncReader interface {
	PollRead(w Waker, p []byte) (int, error)
	// CancelRead withdraws the registration of w, if any.
	CancelRead(w Waker)
}

// AsyncWriter is the write counterpart of AsyncReader.
type AsyncWriter interface {
	PollWrite(w Waker, p []byte) (int, error)
	// CancelWrite withdraws the registration of w, if any.
	CancelWrite(w Waker)
}

// VectoredReader is implemented by readers that can scatter one read
// across several buffers.
type VectoredReader interface {
	AsyncReader
	PollReadv(w Waker, bufs []IoSliceMut) (int, error)
}

// VectoredWriter is implemented by writers that can gather one write
// from several buffers.
type VectoredWriter interface {
	AsyncWriter
	PollWritev(w Waker, bufs []IoSlice) (int, error)
}

// Read reads up to len(p) bytes from r. It attempts the read, and
// while r reports ErrWouldBlock it suspends the caller and retries
// once per wake. The first progress is returned, so short reads are
// normal. End of stream is (0, io.EOF).
func Read(ctx context.Context, r AsyncReader, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return await(ctx, func(w Waker) (int, error) {
		return r.PollRead(w, p)
	}, r.CancelRead)
}

// ReadExact fills p completely. End of stream before p is full fails
// with an error matching ErrUnexpectedEOF; bytes read before the
// failure are left in p.
func ReadExact(ctx context.Context, r AsyncReader, p []byte) error {
	for filled := 0; filled < len(p); {
		n, err := Read(ctx, r, p[filled:])
		filled += n
		switch {
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w: read %d of %d bytes", ErrUnexpectedEOF, filled, len(p))
		case err != nil:
			return err
		}
	}
	return nil
}

// Write writes up to len(p) bytes to w, suspending the caller while w
// reports ErrWouldBlock. Short writes are normal.
func Write(ctx context.Context, w AsyncWriter, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return await(ctx, func(wk Waker) (int, error) {
		return w.PollWrite(wk, p)
	}, w.CancelWrite)
}

// WriteAll writes all of p. A write that makes no progress fails
// with ErrWriteZero.
func WriteAll(ctx context.Context, w AsyncWriter, p []byte) error {
	for len(p) > 0 {
		n, err := Write(ctx, w, p)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrWriteZero
		}
		p = p[n:]
	}
	return nil
}

// ReadVectored reads into bufs in order. Readers that do not
// implement VectoredReader are read into the first non-empty buffer.
func ReadVectored(ctx context.Context, r AsyncReader, bufs []IoSliceMut) (int, error) {
	vr, ok := r.(VectoredReader)
	if !ok {
		for _, b := range bufs {
			if len(b) > 0 {
				return Read(ctx, r, b)
			}
		}
		return 0, nil
	}

	if totalLen(bufs) == 0 {
		return 0, nil
	}
	return await(ctx, func(w Waker) (int, error) {
		return vr.PollReadv(w, bufs)
	}, r.CancelRead)
}

// WriteVectored writes bufs in order. Writers that do not implement
// VectoredWriter are written from the first non-empty buffer.
func WriteVectored(ctx context.Context, w AsyncWriter, bufs []IoSlice) (int, error) {
	vw, ok := w.(VectoredWriter)
	if !ok {
		for _, b := range bufs {
			if len(b) > 0 {
				return Write(ctx, w, b)
			}
		}
		return 0, nil
	}

	if totalLen(bufs) == 0 {
		return 0, nil
	}
	return await(ctx, func(wk Waker) (int, error) {
		return vw.PollWritev(wk, bufs)
	}, w.CancelWrite)
}

func totalLen[S ~[]byte](bufs []S) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}

// chain reads first until it reports end of stream, then second.
type chain struct {
	first  AsyncReader
	second AsyncReader
	done   bool // first reached end of stream
}

// Chain returns a reader that yields every byte of first before any
// byte of second. Chaining is read only. The result must not be read
// from more than one goroutine at a time.
func Chain(first, second AsyncReader) AsyncReader {
	return &chain{first: first, second: second}
}

func (c *chain) PollRead(w Waker, p []byte) (int, error) {
	if !c.done {
		n, err := c.first.PollRead(w, p)
		if !errors.Is(err, io.EOF) || n > 0 || len(p) == 0 {
			return n, err
		}
		c.done = true
	}
	return c.second.PollRead(w, p)
}

func (c *chain) CancelRead(w Waker) {
	if c.done {
		c.second.CancelRead(w)
		return
	}
	c.first.CancelRead(w)
}

// reader adapts an AsyncReader to io.Reader.
type reader struct {
	ctx context.Context
	r   AsyncReader
}

// AsReader returns an io.Reader whose Read suspends the task of ctx
// while r would block, so standard library code such as bufio or
// io.Copy can run inside tasks.
func AsReader(ctx context.Context, r AsyncReader) io.Reader {
	return &reader{ctx: ctx, r: r}
}

func (r *reader) Read(p []byte) (int, error) {
	return Read(r.ctx, r.r, p)
}

// writer adapts an AsyncWriter to io.Writer.
type writer struct {
	ctx context.Context
	w   AsyncWriter
}

// AsWriter returns an io.Writer whose Write writes all of p,
// suspending the task of ctx while w would block.
func AsWriter(ctx context.Context, w AsyncWriter) io.Writer {
	return &writer{ctx: ctx, w: w}
}

func (w *writer) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := Write(w.ctx, w.w, p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, ErrWriteZero
		}
	}
	return written, nil
}
