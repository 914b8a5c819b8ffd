package formats

import (
	"bufio"
	"context"
	"errors"
	"io"
)

// DefaultChunkSize bounds each underlying read when ReadOptions.ChunkSize is unset.
const DefaultChunkSize = 1 << 20

// ReadOptions controls the chunked consumption of a payload.
type ReadOptions struct {
	// ChunkSize is the maximum number of bytes taken from the source per read.
	ChunkSize int

	// Progress receives bytesRead/size after every chunk. It is not called
	// when the size is unknown.
	Progress func(fraction float64)

	// Abort is polled at every chunk boundary. A non-nil result stops the
	// parse and is returned from Read unchanged.
	Abort func() error
}

func (o ReadOptions) chunkSize() int {
	if o.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return o.ChunkSize
}

// abortError carries a caller abort through bufio and io.ReadFull so the
// readers can hand back the original value.
type abortError struct{ err error }

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

// chunkReader limits every read to the chunk size and checks for
// cancellation between chunks.
type chunkReader struct {
	ctx   context.Context
	r     io.Reader
	size  int64
	opts  ReadOptions
	chunk int
	read  int64
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, &abortError{err: err}
	}
	if c.opts.Abort != nil {
		if err := c.opts.Abort(); err != nil {
			return 0, &abortError{err: err}
		}
	}
	if len(p) > c.chunk {
		p = p[:c.chunk]
	}
	n, err := c.r.Read(p)
	if n > 0 {
		c.read += int64(n)
		if c.size > 0 && c.opts.Progress != nil {
			f := float64(c.read) / float64(c.size)
			if f > 1 {
				f = 1
			}
			c.opts.Progress(f)
		}
	}
	return n, err
}

// stream is the shared input state for one Read call.
type stream struct {
	*bufio.Reader
	cr *chunkReader

	// consumed counts bytes handed out by the buffered reader, i.e. the
	// parse position within the payload.
	consumed int64
}

func newStream(ctx context.Context, r io.Reader, size int64, opts ReadOptions) *stream {
	cr := &chunkReader{ctx: ctx, r: r, size: size, opts: opts, chunk: opts.chunkSize()}
	bufSize := cr.chunk
	if bufSize < 4096 {
		bufSize = 4096
	}
	return &stream{Reader: bufio.NewReaderSize(cr, bufSize), cr: cr}
}

// isEmpty reports whether the payload has no bytes at all.
func (s *stream) isEmpty() (bool, error) {
	_, err := s.Peek(1)
	if err == io.EOF {
		return true, nil
	}
	return false, err
}

func (s *stream) line() (string, error) {
	l, err := s.ReadString('\n')
	s.consumed += int64(len(l))
	if err == io.EOF && l != "" {
		err = nil
	}
	return l, err
}

func (s *stream) full(p []byte) (int, error) {
	n, err := io.ReadFull(s.Reader, p)
	s.consumed += int64(n)
	return n, err
}

func (s *stream) skip(n int64) error {
	d, err := s.Discard(int(n))
	s.consumed += int64(d)
	return err
}

// remaining returns the unread payload size, or -1 when the size is unknown.
func (s *stream) remaining() int64 {
	if s.cr.size <= 0 {
		return -1
	}
	return s.cr.size - s.consumed
}

// abortCause unwraps an abort raised inside the chunk reader.
func abortCause(err error) (error, bool) {
	var ae *abortError
	if errors.As(err, &ae) {
		return ae.err, true
	}
	return nil, false
}

// isTruncation reports whether err means the stream ended early.
func isTruncation(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
