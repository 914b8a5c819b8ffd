package testutil

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Grid returns n positions laid out on a 10-wide grid in the XY plane with
// z rising by 0.5 per row, offset by origin.
func Grid(n int, origin [3]float32) []float32 {
	pos := make([]float32, 0, 3*n)
	for i := 0; i < n; i++ {
		pos = append(pos,
			origin[0]+float32(i%10),
			origin[1]+float32(i/10),
			origin[2]+float32(i/10)*0.5)
	}
	return pos
}

// Colors returns n rgb triples in [0,1] cycling through red, green and blue.
func Colors(n int) []float32 {
	out := make([]float32, 0, 3*n)
	for i := 0; i < n; i++ {
		c := [3]float32{}
		c[i%3] = 1
		out = append(out, c[0], c[1], c[2])
	}
	return out
}

// PLYASCII encodes positions (and optional unit colours as uchar) as an
// ascii PLY file. declared overrides the vertex count when >= 0.
func PLYASCII(pos, colors []float32, declared int) []byte {
	n := len(pos) / 3
	if declared < 0 {
		declared = n
	}
	var b strings.Builder
	fmt.Fprintf(&b, "ply\nformat ascii 1.0\ncomment fixture\nelement vertex %d\n", declared)
	b.WriteString("property float x\nproperty float y\nproperty float z\n")
	if colors != nil {
		b.WriteString("property uchar red\nproperty uchar green\nproperty uchar blue\n")
	}
	b.WriteString("end_header\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%g %g %g", pos[3*i], pos[3*i+1], pos[3*i+2])
		if colors != nil {
			fmt.Fprintf(&b, " %d %d %d", to8(colors[3*i]), to8(colors[3*i+1]), to8(colors[3*i+2]))
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// PLYBinary encodes positions as float32 and optional colours as uchar in the
// given byte order, followed by a face element that readers must ignore.
func PLYBinary(pos, colors []float32, order binary.ByteOrder) []byte {
	n := len(pos) / 3
	enc := "binary_little_endian"
	if order == binary.BigEndian {
		enc = "binary_big_endian"
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "ply\nformat %s 1.0\nelement vertex %d\n", enc, n)
	b.WriteString("property float x\nproperty float y\nproperty float z\n")
	if colors != nil {
		b.WriteString("property uchar red\nproperty uchar green\nproperty uchar blue\n")
	}
	b.WriteString("element face 1\nproperty list uchar int vertex_indices\nend_header\n")
	var w [4]byte
	for i := 0; i < n; i++ {
		for k := 0; k < 3; k++ {
			order.PutUint32(w[:], math.Float32bits(pos[3*i+k]))
			b.Write(w[:])
		}
		if colors != nil {
			b.Write([]byte{to8(colors[3*i]), to8(colors[3*i+1]), to8(colors[3*i+2])})
		}
	}
	b.WriteByte(3)
	for k := 0; k < 3; k++ {
		order.PutUint32(w[:], uint32(k))
		b.Write(w[:])
	}
	return b.Bytes()
}

func pcdHeader(n int, withRGB bool, data string) string {
	fields, size, typ, count := "x y z", "4 4 4", "F F F", "1 1 1"
	if withRGB {
		fields, size, typ, count = fields+" rgb", size+" 4", typ+" U", count+" 1"
	}
	return fmt.Sprintf("# .PCD v0.7 - Point Cloud Data file format\nVERSION 0.7\nFIELDS %s\nSIZE %s\nTYPE %s\nCOUNT %s\nWIDTH %d\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS %d\nDATA %s\n",
		fields, size, typ, count, n, n, data)
}

// PackRGB packs unit colour components into 0x00RRGGBB.
func PackRGB(r, g, b float32) uint32 {
	return uint32(to8(r))<<16 | uint32(to8(g))<<8 | uint32(to8(b))
}

// PCDASCII encodes positions (and optional packed colours) as ascii PCD.
func PCDASCII(pos, colors []float32) []byte {
	n := len(pos) / 3
	var b strings.Builder
	b.WriteString(pcdHeader(n, colors != nil, "ascii"))
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%g %g %g", pos[3*i], pos[3*i+1], pos[3*i+2])
		if colors != nil {
			fmt.Fprintf(&b, " %d", PackRGB(colors[3*i], colors[3*i+1], colors[3*i+2]))
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func pcdFieldBytes(pos, colors []float32) [][]byte {
	n := len(pos) / 3
	fields := [][]byte{make([]byte, 4*n), make([]byte, 4*n), make([]byte, 4*n)}
	if colors != nil {
		fields = append(fields, make([]byte, 4*n))
	}
	for i := 0; i < n; i++ {
		for k := 0; k < 3; k++ {
			binary.LittleEndian.PutUint32(fields[k][4*i:], math.Float32bits(pos[3*i+k]))
		}
		if colors != nil {
			binary.LittleEndian.PutUint32(fields[3][4*i:], PackRGB(colors[3*i], colors[3*i+1], colors[3*i+2]))
		}
	}
	return fields
}

// PCDBinary encodes positions (and optional packed colours) as binary PCD.
func PCDBinary(pos, colors []float32) []byte {
	n := len(pos) / 3
	var b bytes.Buffer
	b.WriteString(pcdHeader(n, colors != nil, "binary"))
	fields := pcdFieldBytes(pos, colors)
	for i := 0; i < n; i++ {
		for _, f := range fields {
			b.Write(f[4*i : 4*i+4])
		}
	}
	return b.Bytes()
}

// PCDCompressed encodes positions (and optional packed colours) as
// binary_compressed PCD using literal-only LZF runs.
func PCDCompressed(pos, colors []float32) []byte {
	n := len(pos) / 3
	var raw []byte
	for _, f := range pcdFieldBytes(pos, colors) {
		raw = append(raw, f...)
	}
	comp := LZFLiterals(raw)
	var b bytes.Buffer
	b.WriteString(pcdHeader(n, colors != nil, "binary_compressed"))
	var w [4]byte
	binary.LittleEndian.PutUint32(w[:], uint32(len(comp)))
	b.Write(w[:])
	binary.LittleEndian.PutUint32(w[:], uint32(len(raw)))
	b.Write(w[:])
	b.Write(comp)
	return b.Bytes()
}

// LZFLiterals encodes data as a valid LZF stream made only of literal runs.
func LZFLiterals(data []byte) []byte {
	var out []byte
	for len(data) > 0 {
		k := min(32, len(data))
		out = append(out, byte(k-1))
		out = append(out, data[:k]...)
		data = data[k:]
	}
	return out
}

// LASOptions controls the LAS fixture.
type LASOptions struct {
	Minor       uint8   // version 1.Minor; 4 writes the 1.4 header
	PointFormat uint8   // 0-10
	Scale       float64 // coordinate scale, default 0.001
	Offset      [3]float64
	Intensity   []uint16
	Class       []uint8
	RGB         []uint16 // 3 per point, formats with colour only
	VLRBytes    int      // padding between header and point data
	FormatByte  *uint8   // raw override, e.g. to set the LAZ bits
}

var lasRecordLength = [...]int{20, 28, 26, 34, 57, 63, 30, 36, 38, 59, 67}

// LAS encodes positions as a LAS file.
func LAS(pos []float32, o LASOptions) []byte {
	n := len(pos) / 3
	if o.Scale == 0 {
		o.Scale = 0.001
	}
	if o.Minor == 0 {
		o.Minor = 2
	}
	headerSize := 227
	if o.Minor == 3 {
		headerSize = 235
	}
	if o.Minor >= 4 {
		headerSize = 375
	}
	recLen := lasRecordLength[o.PointFormat]
	offset := headerSize + o.VLRBytes

	h := make([]byte, headerSize)
	le := binary.LittleEndian
	copy(h, "LASF")
	h[24], h[25] = 1, o.Minor
	copy(h[26:], "fixture")
	copy(h[58:], "pointcloud testutil")
	le.PutUint16(h[94:], uint16(headerSize))
	le.PutUint32(h[96:], uint32(offset))
	h[104] = o.PointFormat
	if o.FormatByte != nil {
		h[104] = *o.FormatByte
	}
	le.PutUint16(h[105:], uint16(recLen))
	if o.Minor < 4 {
		le.PutUint32(h[107:], uint32(n))
	} else {
		le.PutUint64(h[247:], uint64(n))
	}
	for k := 0; k < 3; k++ {
		le.PutUint64(h[131+8*k:], math.Float64bits(o.Scale))
		le.PutUint64(h[155+8*k:], math.Float64bits(o.Offset[k]))
	}

	var b bytes.Buffer
	b.Write(h)
	b.Write(make([]byte, o.VLRBytes))
	rgbAt := map[uint8]int{2: 20, 3: 28, 5: 28, 7: 30, 8: 30, 10: 30}
	for i := 0; i < n; i++ {
		rec := make([]byte, recLen)
		for k := 0; k < 3; k++ {
			v := math.Round((float64(pos[3*i+k]) - o.Offset[k]) / o.Scale)
			le.PutUint32(rec[4*k:], uint32(int32(v)))
		}
		if o.Intensity != nil {
			le.PutUint16(rec[12:], o.Intensity[i])
		}
		if o.Class != nil {
			if o.PointFormat <= 5 {
				rec[15] = o.Class[i] & 0x1f
			} else {
				rec[16] = o.Class[i]
			}
		}
		if at, ok := rgbAt[o.PointFormat]; ok && o.RGB != nil {
			le.PutUint16(rec[at:], o.RGB[3*i])
			le.PutUint16(rec[at+2:], o.RGB[3*i+1])
			le.PutUint16(rec[at+4:], o.RGB[3*i+2])
		}
		b.Write(rec)
	}
	return b.Bytes()
}

// JSONCloud encodes the JSON point layout.
func JSONCloud(pos, colors, intensity []float32, metadata map[string]any) []byte {
	doc := map[string]any{"positions": pos}
	if colors != nil {
		doc["colors"] = colors
	}
	if intensity != nil {
		doc["intensity"] = intensity
	}
	if metadata != nil {
		doc["metadata"] = metadata
	}
	b, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return b
}

// XYZ encodes positions with optional integer intensity, the layout written
// by ASC exporters.
func XYZ(pos []float32, intensity []int) []byte {
	var b strings.Builder
	b.WriteString("# Exported points\n# Format: X Y Z Intensity\n")
	for i := 0; i < len(pos)/3; i++ {
		fmt.Fprintf(&b, "%.6f %.6f %.6f", pos[3*i], pos[3*i+1], pos[3*i+2])
		if intensity != nil {
			fmt.Fprintf(&b, " %d", intensity[i])
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func to8(v float32) uint8 {
	return uint8(math.Round(float64(min(max(v, 0), 1)) * 255))
}
