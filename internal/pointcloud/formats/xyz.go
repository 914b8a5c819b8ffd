package formats

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/banshee-data/pointcloud/internal/pointcloud"
)

// XYZReader reads delimited text records: x y z, x y z intensity,
// x y z r g b or x y z intensity r g b. Lines starting with '#' or '//' are
// comments. The column layout is fixed by the first valid record.
type XYZReader struct{}

func (XYZReader) Format() pointcloud.Format { return pointcloud.FormatXYZ }

func (XYZReader) Read(ctx context.Context, r io.Reader, size int64, opts ReadOptions) (*pointcloud.RawAttributes, error) {
	const f = pointcloud.FormatXYZ
	s := newStream(ctx, r, size, opts)
	if isEmpty, err := s.isEmpty(); err != nil {
		return nil, ioFailure(f, "records", err)
	} else if isEmpty {
		return nil, empty(f)
	}

	attrs := &pointcloud.RawAttributes{DeclaredCount: -1}
	var comments []string
	columns := 0
	vals := make([]float64, 7)
	for {
		line, err := s.line()
		if err != nil && !isTruncation(err) {
			return nil, ioFailure(f, "records", err)
		}
		if line == "" {
			break
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
			comments = append(comments, strings.TrimSpace(strings.TrimLeft(trimmed, "#/")))
			continue
		}
		tok := splitFields(trimmed)
		if columns == 0 {
			c := xyzLayout(len(tok))
			if c == 0 || !parseFloats(tok[:c], vals) {
				attrs.SkippedRecords++
				continue
			}
			columns = c
			growAttrs(attrs, 1024, columns >= 6, columns == 4 || columns == 7, false)
		} else if len(tok) < columns || !parseFloats(tok[:columns], vals) {
			attrs.SkippedRecords++
			continue
		}
		attrs.Positions = append(attrs.Positions, float32(vals[0]), float32(vals[1]), float32(vals[2]))
		switch columns {
		case 4:
			attrs.Intensity = append(attrs.Intensity, float32(vals[3]))
		case 6:
			attrs.Colors = append(attrs.Colors, float32(vals[3]), float32(vals[4]), float32(vals[5]))
		case 7:
			attrs.Intensity = append(attrs.Intensity, float32(vals[3]))
			attrs.Colors = append(attrs.Colors, float32(vals[4]), float32(vals[5]), float32(vals[6]))
		}
	}
	if attrs.PointCount() == 0 {
		return nil, malformed(f, "no valid records")
	}
	if len(comments) > 0 {
		attrs.Metadata = map[string]any{"comments": comments}
	}
	normalizeUnit(attrs.Colors)
	normalizeUnit(attrs.Intensity)
	warnCount(attrs)
	return attrs, nil
}

// xyzLayout picks the column count used for a record with n fields.
func xyzLayout(n int) int {
	switch {
	case n >= 7:
		return 7
	case n == 6:
		return 6
	case n >= 4:
		return 4
	case n == 3:
		return 3
	}
	return 0
}

func parseFloats(tok []string, out []float64) bool {
	for i, t := range tok {
		v, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return false
		}
		out[i] = v
	}
	return true
}
