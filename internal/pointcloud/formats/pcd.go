package formats

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/pointcloud/internal/pointcloud"
)

type pcdField struct {
	name  string
	typ   scalar
	count int
}

type pcdHeader struct {
	version string
	fields  []pcdField
	points  int
	data    string
	width   int
	height  int
}

func (h *pcdHeader) stride() int {
	n := 0
	for _, f := range h.fields {
		n += f.typ.size * f.count
	}
	return n
}

func pcdScalar(typ byte, size int) (scalar, bool) {
	switch typ {
	case 'F':
		if size == 4 || size == 8 {
			return scalar{size: size, float: true}, true
		}
	case 'U':
		if size == 1 || size == 2 || size == 4 || size == 8 {
			return scalar{size: size}, true
		}
	case 'I':
		if size == 1 || size == 2 || size == 4 || size == 8 {
			return scalar{size: size, signed: true}, true
		}
	}
	return scalar{}, false
}

type pcdLayout struct {
	xyz       [3]int
	rgb       int
	intensity int
	class     int
	intScale  float64
}

func newPCDLayout(h *pcdHeader) (pcdLayout, error) {
	const f = pointcloud.FormatPCD
	l := pcdLayout{xyz: [3]int{-1, -1, -1}, rgb: -1, intensity: -1, class: -1}
	for i, fd := range h.fields {
		switch fd.name {
		case "x":
			l.xyz[0] = i
		case "y":
			l.xyz[1] = i
		case "z":
			l.xyz[2] = i
		case "rgb", "rgba":
			l.rgb = i
		case "intensity", "i":
			l.intensity = i
			l.intScale = fd.typ.unitScale()
		case "label", "classification":
			l.class = i
		}
	}
	for _, idx := range l.xyz {
		if idx < 0 {
			return l, malformed(f, "FIELDS must include x y z")
		}
		if h.fields[idx].count != 1 {
			return l, unsupported(f, "coordinate field %q has COUNT %d", h.fields[idx].name, h.fields[idx].count)
		}
	}
	return l, nil
}

// record holds one decoded point: the first element of each field, and the
// raw bits of the packed colour field.
type pcdRecord struct {
	vals    []float64
	rgbBits uint32
}

func (l *pcdLayout) emit(attrs *pointcloud.RawAttributes, rec *pcdRecord) {
	attrs.Positions = append(attrs.Positions, float32(rec.vals[l.xyz[0]]), float32(rec.vals[l.xyz[1]]), float32(rec.vals[l.xyz[2]]))
	if l.rgb >= 0 {
		r, g, b := unpackRGB(rec.rgbBits)
		attrs.Colors = append(attrs.Colors, r, g, b)
	}
	if l.intensity >= 0 {
		attrs.Intensity = append(attrs.Intensity, float32(rec.vals[l.intensity]/l.intScale))
	}
	if l.class >= 0 {
		attrs.Classification = append(attrs.Classification, uint16(rec.vals[l.class]))
	}
}

// PCDReader reads Point Cloud Library files with ascii, binary and
// binary_compressed (LZF) data sections.
type PCDReader struct{}

func (PCDReader) Format() pointcloud.Format { return pointcloud.FormatPCD }

func (PCDReader) Read(ctx context.Context, r io.Reader, size int64, opts ReadOptions) (*pointcloud.RawAttributes, error) {
	const f = pointcloud.FormatPCD
	s := newStream(ctx, r, size, opts)
	if isEmpty, err := s.isEmpty(); err != nil {
		return nil, ioFailure(f, "header", err)
	} else if isEmpty {
		return nil, empty(f)
	}
	h, err := readPCDHeader(s)
	if err != nil {
		return nil, err
	}
	layout, err := newPCDLayout(h)
	if err != nil {
		return nil, err
	}
	attrs := &pointcloud.RawAttributes{
		DeclaredCount: h.points,
		Metadata: map[string]any{
			"encoding": h.data,
			"version":  h.version,
			"width":    h.width,
			"height":   h.height,
		},
	}
	growAttrs(attrs, h.points, layout.rgb >= 0, layout.intensity >= 0, layout.class >= 0)

	switch h.data {
	case "ascii":
		err = readPCDASCII(s, h, &layout, attrs)
	case "binary":
		err = readPCDBinary(s, h, &layout, attrs)
	case "binary_compressed":
		err = readPCDCompressed(s, h, &layout, attrs)
	default:
		err = unsupported(f, "DATA %q", h.data)
	}
	if err != nil {
		return nil, err
	}
	if attrs.PointCount() == 0 {
		return nil, malformed(f, "no valid points")
	}
	normalizeUnit(attrs.Intensity)
	warnCount(attrs)
	return attrs, nil
}

func readPCDHeader(s *stream) (*pcdHeader, error) {
	const f = pointcloud.FormatPCD
	h := &pcdHeader{points: -1}
	var sizes, counts []int
	var types []string
	for {
		line, err := s.line()
		if err != nil {
			return nil, ioFailure(f, "header", err)
		}
		if line == "" {
			return nil, malformed(f, "header has no DATA line")
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		key, args := strings.ToUpper(fields[0]), fields[1:]
		switch key {
		case "VERSION":
			if len(args) > 0 {
				h.version = args[0]
			}
		case "FIELDS", "COLUMNS":
			for _, a := range args {
				h.fields = append(h.fields, pcdField{name: a, count: 1})
			}
		case "SIZE":
			for _, a := range args {
				n, err := strconv.Atoi(a)
				if err != nil {
					return nil, malformed(f, "SIZE %q", a)
				}
				sizes = append(sizes, n)
			}
		case "TYPE":
			types = args
		case "COUNT":
			for _, a := range args {
				n, err := strconv.Atoi(a)
				if err != nil || n < 1 {
					return nil, malformed(f, "COUNT %q", a)
				}
				counts = append(counts, n)
			}
		case "WIDTH":
			h.width, _ = strconv.Atoi(firstArg(args))
		case "HEIGHT":
			h.height, _ = strconv.Atoi(firstArg(args))
		case "VIEWPOINT":
		case "POINTS":
			n, err := strconv.Atoi(firstArg(args))
			if err != nil || n < 0 {
				return nil, malformed(f, "POINTS %q", firstArg(args))
			}
			h.points = n
		case "DATA":
			h.data = strings.ToLower(firstArg(args))
			if err := finishPCDHeader(h, sizes, types, counts); err != nil {
				return nil, err
			}
			return h, nil
		default:
			return nil, malformed(f, "unknown header keyword %q", fields[0])
		}
	}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func finishPCDHeader(h *pcdHeader, sizes []int, types []string, counts []int) error {
	const f = pointcloud.FormatPCD
	n := len(h.fields)
	if n == 0 {
		return malformed(f, "header has no FIELDS")
	}
	if len(sizes) != n || len(types) != n {
		return malformed(f, "FIELDS/SIZE/TYPE lengths differ (%d/%d/%d)", n, len(sizes), len(types))
	}
	if counts != nil && len(counts) != n {
		return malformed(f, "COUNT has %d entries for %d fields", len(counts), n)
	}
	for i := range h.fields {
		if len(types[i]) != 1 {
			return malformed(f, "TYPE %q", types[i])
		}
		sc, ok := pcdScalar(types[i][0], sizes[i])
		if !ok {
			return unsupported(f, "field %q has type %s%d", h.fields[i].name, types[i], sizes[i])
		}
		h.fields[i].typ = sc
		if counts != nil {
			h.fields[i].count = counts[i]
		}
	}
	if h.points < 0 {
		if h.width <= 0 {
			return malformed(f, "header has neither POINTS nor WIDTH")
		}
		h.points = h.width * max(h.height, 1)
	}
	return nil
}

func readPCDASCII(s *stream, h *pcdHeader, l *pcdLayout, attrs *pointcloud.RawAttributes) error {
	rec := &pcdRecord{vals: make([]float64, len(h.fields))}
	want := 0
	for _, fd := range h.fields {
		want += fd.count
	}
	for read := 0; read < h.points; read++ {
		line, err := s.line()
		if err != nil && !isTruncation(err) {
			return ioFailure(pointcloud.FormatPCD, "data", err)
		}
		if line == "" {
			break
		}
		tok := splitFields(line)
		if len(tok) < want || !parsePCDTokens(tok, h, l, rec) {
			attrs.SkippedRecords++
			continue
		}
		l.emit(attrs, rec)
	}
	return nil
}

func parsePCDTokens(tok []string, h *pcdHeader, l *pcdLayout, rec *pcdRecord) bool {
	i := 0
	for fi, fd := range h.fields {
		if fi == l.rgb {
			// Packed colours are written either as the float reinterpretation
			// of 0x00RRGGBB or as the integer itself.
			if fd.typ.float {
				v, err := strconv.ParseFloat(tok[i], 32)
				if err != nil {
					return false
				}
				rec.rgbBits = math.Float32bits(float32(v))
			} else {
				v, err := strconv.ParseUint(tok[i], 10, 32)
				if err != nil {
					return false
				}
				rec.rgbBits = uint32(v)
			}
		} else {
			v, err := fd.typ.parseText(tok[i])
			if err != nil {
				return false
			}
			rec.vals[fi] = v
		}
		i += fd.count
	}
	return true
}

func readPCDBinary(s *stream, h *pcdHeader, l *pcdLayout, attrs *pointcloud.RawAttributes) error {
	const f = pointcloud.FormatPCD
	stride := h.stride()
	need := int64(h.points) * int64(stride)
	if rem := s.remaining(); rem >= 0 && rem < need {
		return malformed(f, "%d points of %d bytes need %d bytes, payload has %d", h.points, stride, need, rem)
	}
	rec := &pcdRecord{vals: make([]float64, len(h.fields))}
	const batch = 4096
	buf := make([]byte, batch*stride)
	for read := 0; read < h.points; {
		k := min(batch, h.points-read)
		n, err := s.full(buf[:k*stride])
		whole := n / stride
		for j := 0; j < whole; j++ {
			decodePCDRecord(buf[j*stride:(j+1)*stride], h, l, rec)
			l.emit(attrs, rec)
		}
		read += whole
		if err != nil {
			if isTruncation(err) {
				return nil
			}
			return ioFailure(f, "data", err)
		}
	}
	return nil
}

func decodePCDRecord(b []byte, h *pcdHeader, l *pcdLayout, rec *pcdRecord) {
	off := 0
	for fi, fd := range h.fields {
		if fi == l.rgb {
			rec.rgbBits = fd.typ.bits(b[off:], binary.LittleEndian)
		} else {
			rec.vals[fi] = fd.typ.decode(b[off:], binary.LittleEndian)
		}
		off += fd.typ.size * fd.count
	}
}

// readPCDCompressed decodes the binary_compressed layout: two uint32 sizes
// followed by an LZF block holding each field's values for all points in turn.
func readPCDCompressed(s *stream, h *pcdHeader, l *pcdLayout, attrs *pointcloud.RawAttributes) error {
	const f = pointcloud.FormatPCD
	var sizes [8]byte
	if _, err := s.full(sizes[:]); err != nil {
		return ioFailure(f, "compressed sizes", err)
	}
	compressed := int64(binary.LittleEndian.Uint32(sizes[0:4]))
	uncompressed := int(binary.LittleEndian.Uint32(sizes[4:8]))
	stride := h.stride()
	if want := h.points * stride; uncompressed != want {
		return malformed(f, "uncompressed size %d, want %d for %d points", uncompressed, want, h.points)
	}
	if rem := s.remaining(); rem >= 0 && rem < compressed {
		return malformed(f, "compressed block of %d bytes, payload has %d", compressed, rem)
	}
	in := make([]byte, compressed)
	if _, err := s.full(in); err != nil {
		return ioFailure(f, "compressed block", err)
	}
	raw, err := lzfDecompress(in, uncompressed)
	if err != nil {
		return &FormatError{Format: f, Kind: KindMalformed, Msg: "decompress", Err: err}
	}

	offsets := make([]int, len(h.fields))
	off := 0
	for fi, fd := range h.fields {
		offsets[fi] = off
		off += h.points * fd.typ.size * fd.count
	}
	rec := &pcdRecord{vals: make([]float64, len(h.fields))}
	for p := 0; p < h.points; p++ {
		for fi, fd := range h.fields {
			at := offsets[fi] + p*fd.typ.size*fd.count
			if fi == l.rgb {
				rec.rgbBits = fd.typ.bits(raw[at:], binary.LittleEndian)
			} else {
				rec.vals[fi] = fd.typ.decode(raw[at:], binary.LittleEndian)
			}
		}
		l.emit(attrs, rec)
	}
	return nil
}
