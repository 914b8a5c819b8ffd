// Package source provides the byte sources a load reads from: in-memory
// buffers, local files, URLs and LZ4-framed wrappers around any of them.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// UnknownSize is reported when a source cannot tell its length up front.
const UnknownSize int64 = -1

// ByteSource is something a load can open and read once.
type ByteSource interface {
	// Name identifies the source. Its extension feeds format detection.
	Name() string
	// Open returns the payload and its size, or UnknownSize.
	Open(ctx context.Context) (io.ReadCloser, int64, error)
}

// ErrNotFound is returned when the named payload does not exist.
var ErrNotFound = errors.New("source not found")

// Error reports a failure to open or fetch a source.
type Error struct {
	Source string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Source, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type memory struct {
	name string
	data []byte
}

// Memory returns a source over an in-memory buffer.
func Memory(name string, data []byte) ByteSource {
	return &memory{name: name, data: data}
}

func (m *memory) Name() string { return m.name }

func (m *memory) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(m.data)), int64(len(m.data)), nil
}

// baseName returns the last element of a slash- or backslash-separated name.
func baseName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	return path.Base(name)
}
