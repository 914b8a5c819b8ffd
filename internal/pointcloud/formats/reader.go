package formats

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/banshee-data/pointcloud/internal/pointcloud"
)

// Reader parses one encoding into raw attribute arrays.
type Reader interface {
	Format() pointcloud.Format
	Read(ctx context.Context, r io.Reader, size int64, opts ReadOptions) (*pointcloud.RawAttributes, error)
}

// Registry maps formats to readers.
type Registry struct {
	mu      sync.RWMutex
	readers map[pointcloud.Format]Reader
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{readers: make(map[pointcloud.Format]Reader)}
}

// Register adds or replaces the reader for r.Format().
func (g *Registry) Register(r Reader) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.readers[r.Format()] = r
}

// Lookup returns the reader for f.
func (g *Registry) Lookup(f pointcloud.Format) (Reader, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.readers[f]
	return r, ok
}

// Formats lists the registered formats in enum order.
func (g *Registry) Formats() []pointcloud.Format {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]pointcloud.Format, 0, len(g.readers))
	for f := range g.readers {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BuiltinRegistry returns a new registry holding every built-in reader.
func BuiltinRegistry() *Registry {
	g := NewRegistry()
	g.Register(PLYReader{})
	g.Register(PCDReader{})
	g.Register(LASReader{})
	g.Register(JSONReader{})
	g.Register(XYZReader{})
	return g
}

// SniffSize is how many leading bytes Detect needs to see.
const SniffSize = 512

// Detect guesses the format from the leading bytes, then from the file
// extension. It returns FormatAuto when neither is conclusive.
func Detect(name string, head []byte) pointcloud.Format {
	if bytes.HasPrefix(head, []byte("LASF")) {
		return pointcloud.FormatLAS
	}
	text := bytes.TrimLeft(bytes.TrimPrefix(head, []byte("\xef\xbb\xbf")), " \t\r\n")
	switch {
	case bytes.HasPrefix(text, []byte("ply\n")), bytes.HasPrefix(text, []byte("ply\r\n")):
		return pointcloud.FormatPLY
	case bytes.HasPrefix(text, []byte("# .PCD")),
		bytes.HasPrefix(text, []byte("VERSION")),
		bytes.HasPrefix(text, []byte("FIELDS")):
		return pointcloud.FormatPCD
	case bytes.HasPrefix(text, []byte("{")):
		return pointcloud.FormatJSON
	}
	return formatFromName(name)
}

func formatFromName(name string) pointcloud.Format {
	name = strings.ToLower(name)
	name = strings.TrimSuffix(name, ".lz4")
	switch filepath.Ext(name) {
	case ".ply":
		return pointcloud.FormatPLY
	case ".pcd":
		return pointcloud.FormatPCD
	case ".las", ".laz":
		return pointcloud.FormatLAS
	case ".json":
		return pointcloud.FormatJSON
	case ".xyz", ".asc", ".txt", ".pts":
		return pointcloud.FormatXYZ
	}
	return pointcloud.FormatAuto
}

// DetectReader sniffs the head of r without losing it. The returned reader
// must be used in place of r.
func DetectReader(name string, r io.Reader) (pointcloud.Format, io.Reader, error) {
	br := bufio.NewReaderSize(r, SniffSize)
	head, err := br.Peek(SniffSize)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return pointcloud.FormatAuto, br, fmt.Errorf("sniff %s: %w", name, err)
	}
	if len(head) == 0 {
		return pointcloud.FormatAuto, br, empty(pointcloud.FormatAuto)
	}
	f := Detect(name, head)
	if f == pointcloud.FormatAuto {
		return f, br, unsupported(pointcloud.FormatAuto, "cannot detect format of %q", name)
	}
	return f, br, nil
}

// normalizeUnit maps integer-scaled attributes to [0,1]: values above 1 mean
// the array is 0..255 (or 0..65535 when the peak exceeds 255).
func normalizeUnit(vals []float32) {
	var peak float32
	for _, v := range vals {
		if v > peak {
			peak = v
		}
	}
	if peak <= 1 {
		return
	}
	div := float32(255)
	if peak > 255 {
		div = 65535
	}
	for i := range vals {
		vals[i] /= div
	}
}

// splitFields splits a text record on whitespace, commas and semicolons.
func splitFields(line string) []string {
	return strings.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ',' || r == ';' || r == '\r' || r == '\n'
	})
}

func warnCount(attrs *pointcloud.RawAttributes) {
	n := attrs.PointCount()
	if attrs.DeclaredCount >= 0 && attrs.DeclaredCount != n {
		attrs.Warn(pointcloud.WarnCountMismatch, "header declared %d points, parsed %d", attrs.DeclaredCount, n)
	}
	if attrs.SkippedRecords > 0 {
		attrs.Warn(pointcloud.WarnSkippedRecords, "skipped %d malformed records", attrs.SkippedRecords)
	}
}
