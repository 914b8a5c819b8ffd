package source

import (
	"context"
	"io"
	"strings"

	"github.com/pierrec/lz4/v4"
)

const lz4Ext = ".lz4"

type lz4Source struct {
	inner ByteSource
}

// LZ4 decompresses an LZ4-framed source. Its name drops the ".lz4" suffix so
// format detection sees the inner extension.
func LZ4(inner ByteSource) ByteSource {
	return &lz4Source{inner: inner}
}

// Auto wraps src with LZ4 when its name ends in ".lz4".
func Auto(src ByteSource) ByteSource {
	if strings.HasSuffix(strings.ToLower(src.Name()), lz4Ext) {
		return LZ4(src)
	}
	return src
}

func (s *lz4Source) Name() string {
	name := s.inner.Name()
	if strings.HasSuffix(strings.ToLower(name), lz4Ext) {
		return name[:len(name)-len(lz4Ext)]
	}
	return name
}

func (s *lz4Source) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	rc, _, err := s.inner.Open(ctx)
	if err != nil {
		return nil, 0, err
	}
	return &lz4ReadCloser{Reader: lz4.NewReader(rc), under: rc}, UnknownSize, nil
}

type lz4ReadCloser struct {
	*lz4.Reader
	under io.Closer
}

func (r *lz4ReadCloser) Close() error { return r.under.Close() }
