package formats

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/banshee-data/pointcloud/internal/pointcloud"
)

var plyTypes = map[string]scalar{
	"char": {size: 1, signed: true}, "int8": {size: 1, signed: true},
	"uchar": {size: 1}, "uint8": {size: 1},
	"short": {size: 2, signed: true}, "int16": {size: 2, signed: true},
	"ushort": {size: 2}, "uint16": {size: 2},
	"int": {size: 4, signed: true}, "int32": {size: 4, signed: true},
	"uint": {size: 4}, "uint32": {size: 4},
	"float": {size: 4, float: true}, "float32": {size: 4, float: true},
	"double": {size: 8, float: true}, "float64": {size: 8, float: true},
}

type plyProperty struct {
	name  string
	typ   scalar
	list  bool
	count scalar // list length type
}

type plyElement struct {
	name  string
	count int
	props []plyProperty
}

// stride returns the fixed record size, or -1 for elements with list properties.
func (e *plyElement) stride() int {
	n := 0
	for _, p := range e.props {
		if p.list {
			return -1
		}
		n += p.typ.size
	}
	return n
}

type plyHeader struct {
	encoding string
	order    binary.ByteOrder
	elements []*plyElement
	comments []string
}

// plyVertexLayout maps vertex property indexes to attribute slots.
type plyVertexLayout struct {
	xyz        [3]int
	rgb        [3]int
	intensity  int
	class      int
	hasColor   bool
	colorScale float64
	intScale   float64
}

func newPLYVertexLayout(e *plyElement) (plyVertexLayout, error) {
	l := plyVertexLayout{xyz: [3]int{-1, -1, -1}, rgb: [3]int{-1, -1, -1}, intensity: -1, class: -1}
	for i, p := range e.props {
		if p.list {
			continue
		}
		switch p.name {
		case "x":
			l.xyz[0] = i
		case "y":
			l.xyz[1] = i
		case "z":
			l.xyz[2] = i
		case "red", "r", "diffuse_red":
			l.rgb[0] = i
			l.colorScale = p.typ.unitScale()
		case "green", "g", "diffuse_green":
			l.rgb[1] = i
		case "blue", "b", "diffuse_blue":
			l.rgb[2] = i
		case "intensity", "scalar_intensity", "reflectance":
			l.intensity = i
			l.intScale = p.typ.unitScale()
		case "classification", "scalar_classification", "label":
			l.class = i
		}
	}
	for axis, idx := range l.xyz {
		if idx < 0 {
			return l, fmt.Errorf("vertex element has no %q property", "xyz"[axis:axis+1])
		}
	}
	l.hasColor = l.rgb[0] >= 0 && l.rgb[1] >= 0 && l.rgb[2] >= 0
	return l, nil
}

func (l *plyVertexLayout) emit(attrs *pointcloud.RawAttributes, vals []float64) {
	attrs.Positions = append(attrs.Positions, float32(vals[l.xyz[0]]), float32(vals[l.xyz[1]]), float32(vals[l.xyz[2]]))
	if l.hasColor {
		s := l.colorScale
		attrs.Colors = append(attrs.Colors, float32(vals[l.rgb[0]]/s), float32(vals[l.rgb[1]]/s), float32(vals[l.rgb[2]]/s))
	}
	if l.intensity >= 0 {
		attrs.Intensity = append(attrs.Intensity, float32(vals[l.intensity]/l.intScale))
	}
	if l.class >= 0 {
		attrs.Classification = append(attrs.Classification, uint16(vals[l.class]))
	}
}

// PLYReader reads the Polygon File Format: ascii, binary_little_endian and
// binary_big_endian encodings. Only the vertex element is kept.
type PLYReader struct{}

func (PLYReader) Format() pointcloud.Format { return pointcloud.FormatPLY }

func (PLYReader) Read(ctx context.Context, r io.Reader, size int64, opts ReadOptions) (*pointcloud.RawAttributes, error) {
	const f = pointcloud.FormatPLY
	s := newStream(ctx, r, size, opts)
	if isEmpty, err := s.isEmpty(); err != nil {
		return nil, ioFailure(f, "header", err)
	} else if isEmpty {
		return nil, empty(f)
	}

	h, err := readPLYHeader(s)
	if err != nil {
		return nil, err
	}

	attrs := &pointcloud.RawAttributes{DeclaredCount: -1, Metadata: map[string]any{"encoding": h.encoding}}
	if len(h.comments) > 0 {
		attrs.Metadata["comments"] = h.comments
	}

	for _, e := range h.elements {
		if e.name != "vertex" {
			if err := skipPLYElement(s, h, e); err != nil {
				return nil, err
			}
			continue
		}
		layout, err := newPLYVertexLayout(e)
		if err != nil {
			return nil, malformed(f, "%v", err)
		}
		attrs.DeclaredCount = e.count
		growAttrs(attrs, e.count, layout.hasColor, layout.intensity >= 0, layout.class >= 0)
		if h.order == nil {
			err = readPLYASCII(s, e, &layout, attrs)
		} else {
			err = readPLYBinary(s, h.order, e, &layout, attrs)
		}
		if err != nil {
			return nil, err
		}
		break
	}
	if attrs.DeclaredCount < 0 {
		return nil, malformed(f, "no vertex element")
	}
	if attrs.PointCount() == 0 {
		return nil, malformed(f, "no valid vertices")
	}
	// Integer colours are already in [0,1]; float colours may be written 0..255.
	normalizeUnit(attrs.Colors)
	normalizeUnit(attrs.Intensity)
	warnCount(attrs)
	return attrs, nil
}

func readPLYHeader(s *stream) (*plyHeader, error) {
	const f = pointcloud.FormatPLY
	first, err := s.line()
	if err != nil {
		return nil, ioFailure(f, "header", err)
	}
	if strings.TrimSpace(strings.TrimPrefix(first, "\xef\xbb\xbf")) != "ply" {
		return nil, malformed(f, "missing ply magic")
	}
	h := &plyHeader{}
	var cur *plyElement
	for {
		line, err := s.line()
		if err != nil {
			return nil, ioFailure(f, "header", err)
		}
		if line == "" {
			return nil, malformed(f, "header has no end_header")
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) < 2 {
				return nil, malformed(f, "format line %q", strings.TrimSpace(line))
			}
			h.encoding = fields[1]
			switch fields[1] {
			case "ascii":
			case "binary_little_endian":
				h.order = binary.LittleEndian
			case "binary_big_endian":
				h.order = binary.BigEndian
			default:
				return nil, unsupported(f, "encoding %q", fields[1])
			}
		case "comment", "obj_info":
			h.comments = append(h.comments, strings.TrimSpace(strings.TrimPrefix(line, fields[0])))
		case "element":
			if len(fields) != 3 {
				return nil, malformed(f, "element line %q", strings.TrimSpace(line))
			}
			n, err := strconv.Atoi(fields[2])
			if err != nil || n < 0 {
				return nil, malformed(f, "element %s count %q", fields[1], fields[2])
			}
			cur = &plyElement{name: fields[1], count: n}
			h.elements = append(h.elements, cur)
		case "property":
			if cur == nil {
				return nil, malformed(f, "property before element")
			}
			p, err := parsePLYProperty(fields)
			if err != nil {
				return nil, malformed(f, "%v", err)
			}
			cur.props = append(cur.props, p)
		case "end_header":
			if h.encoding == "" {
				return nil, malformed(f, "header has no format line")
			}
			return h, nil
		default:
			return nil, malformed(f, "unknown header keyword %q", fields[0])
		}
	}
}

func parsePLYProperty(fields []string) (plyProperty, error) {
	if len(fields) >= 5 && fields[1] == "list" {
		ct, ok1 := plyTypes[fields[2]]
		it, ok2 := plyTypes[fields[3]]
		if !ok1 || !ok2 || ct.float {
			return plyProperty{}, fmt.Errorf("list property %q has unknown types", fields[4])
		}
		return plyProperty{name: fields[4], typ: it, list: true, count: ct}, nil
	}
	if len(fields) != 3 {
		return plyProperty{}, fmt.Errorf("property line %q", strings.Join(fields, " "))
	}
	t, ok := plyTypes[fields[1]]
	if !ok {
		return plyProperty{}, fmt.Errorf("property %q has unknown type %q", fields[2], fields[1])
	}
	return plyProperty{name: fields[2], typ: t}, nil
}

func growAttrs(attrs *pointcloud.RawAttributes, n int, color, intensity, class bool) {
	// Cap the up-front allocation; the declared count is untrusted.
	if n > 1<<24 {
		n = 1 << 24
	}
	attrs.Positions = make([]float32, 0, 3*n)
	if color {
		attrs.Colors = make([]float32, 0, 3*n)
	}
	if intensity {
		attrs.Intensity = make([]float32, 0, n)
	}
	if class {
		attrs.Classification = make([]uint16, 0, n)
	}
}

func readPLYASCII(s *stream, e *plyElement, l *plyVertexLayout, attrs *pointcloud.RawAttributes) error {
	vals := make([]float64, len(e.props))
	for read := 0; read < e.count; read++ {
		line, err := s.line()
		if err != nil && !isTruncation(err) {
			return ioFailure(pointcloud.FormatPLY, "vertex data", err)
		}
		if line == "" {
			break
		}
		if !parsePLYRecord(splitFields(line), e, vals) {
			attrs.SkippedRecords++
			continue
		}
		l.emit(attrs, vals)
	}
	return nil
}

func parsePLYRecord(tok []string, e *plyElement, vals []float64) bool {
	i := 0
	for pi, p := range e.props {
		if i >= len(tok) {
			return false
		}
		if p.list {
			n, err := strconv.Atoi(tok[i])
			if err != nil || n < 0 {
				return false
			}
			i += 1 + n
			continue
		}
		v, err := p.typ.parseText(tok[i])
		if err != nil {
			return false
		}
		vals[pi] = v
		i++
	}
	return i <= len(tok)
}

func readPLYBinary(s *stream, order binary.ByteOrder, e *plyElement, l *plyVertexLayout, attrs *pointcloud.RawAttributes) error {
	const f = pointcloud.FormatPLY
	stride := e.stride()
	vals := make([]float64, len(e.props))
	if stride < 0 {
		for read := 0; read < e.count; read++ {
			ok, err := readPLYVariableRecord(s, order, e, vals)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			l.emit(attrs, vals)
		}
		return nil
	}

	need := int64(e.count) * int64(stride)
	if rem := s.remaining(); rem >= 0 && rem < need {
		return malformed(f, "%d vertices of %d bytes need %d bytes, payload has %d", e.count, stride, need, rem)
	}
	const batch = 4096
	buf := make([]byte, batch*stride)
	for read := 0; read < e.count; {
		k := min(batch, e.count-read)
		n, err := s.full(buf[:k*stride])
		whole := n / stride
		for j := 0; j < whole; j++ {
			rec := buf[j*stride : (j+1)*stride]
			off := 0
			for pi, p := range e.props {
				vals[pi] = p.typ.decode(rec[off:], order)
				off += p.typ.size
			}
			l.emit(attrs, vals)
		}
		read += whole
		if err != nil {
			if isTruncation(err) {
				return nil
			}
			return ioFailure(f, "vertex data", err)
		}
	}
	return nil
}

// readPLYVariableRecord decodes one record of an element with list
// properties. It returns false on a clean early end of stream.
func readPLYVariableRecord(s *stream, order binary.ByteOrder, e *plyElement, vals []float64) (bool, error) {
	var scratch [8]byte
	for pi, p := range e.props {
		if p.list {
			if _, err := s.full(scratch[:p.count.size]); err != nil {
				return false, truncatedOK(err)
			}
			n := int64(p.count.decode(scratch[:], order))
			if err := s.skip(n * int64(p.typ.size)); err != nil {
				return false, truncatedOK(err)
			}
			continue
		}
		if _, err := s.full(scratch[:p.typ.size]); err != nil {
			return false, truncatedOK(err)
		}
		vals[pi] = p.typ.decode(scratch[:], order)
	}
	return true, nil
}

func truncatedOK(err error) error {
	if isTruncation(err) {
		return nil
	}
	return ioFailure(pointcloud.FormatPLY, "vertex data", err)
}

func skipPLYElement(s *stream, h *plyHeader, e *plyElement) error {
	if h.order == nil {
		for i := 0; i < e.count; i++ {
			if _, err := s.line(); err != nil {
				return ioFailure(pointcloud.FormatPLY, "element "+e.name, err)
			}
		}
		return nil
	}
	if stride := e.stride(); stride >= 0 {
		if err := s.skip(int64(e.count) * int64(stride)); err != nil {
			return ioFailure(pointcloud.FormatPLY, "element "+e.name, err)
		}
		return nil
	}
	vals := make([]float64, len(e.props))
	for i := 0; i < e.count; i++ {
		ok, err := readPLYVariableRecord(s, h.order, e, vals)
		if err != nil {
			return err
		}
		if !ok {
			return malformed(pointcloud.FormatPLY, "element %s truncated", e.name)
		}
	}
	return nil
}
