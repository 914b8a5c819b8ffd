package formats

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/banshee-data/pointcloud/internal/pointcloud"
)

// LAS public header offsets. Versions 1.0-1.2 stop at lasHeaderBase, 1.3
// adds the waveform pointer and 1.4 the extended counts.
const (
	lasHeaderBase      = 227
	lasOffVersion      = 24
	lasOffSystemID     = 26
	lasOffSoftware     = 58
	lasOffHeaderSize   = 94
	lasOffPointData    = 96
	lasOffPointFormat  = 104
	lasOffRecordLength = 105
	lasOffLegacyCount  = 107
	lasOffScale        = 131
	lasOffOffset       = 155
	lasOffCount14      = 247
	lasHeader14        = 375

	lasCompressedBits = 0xC0
)

// lasMinRecord is the minimum record length per point data format.
var lasMinRecord = [...]int{20, 28, 26, 34, 57, 63, 30, 36, 38, 59, 67}

// lasRGBOffset returns the byte offset of the RGB triple, or -1.
func lasRGBOffset(format int) int {
	switch format {
	case 2:
		return 20
	case 3, 5:
		return 28
	case 7, 8, 10:
		return 30
	}
	return -1
}

type lasHeader struct {
	major, minor  uint8
	headerSize    int
	pointOffset   int64
	pointFormat   int
	recordLength  int
	count         uint64
	scale, offset [3]float64
	systemID      string
	software      string
}

// LASReader reads ASPRS LAS 1.0-1.4 files with point data record formats
// 0-10. LAZ compressed point data is rejected as unsupported.
type LASReader struct{}

func (LASReader) Format() pointcloud.Format { return pointcloud.FormatLAS }

func (LASReader) Read(ctx context.Context, r io.Reader, size int64, opts ReadOptions) (*pointcloud.RawAttributes, error) {
	const f = pointcloud.FormatLAS
	s := newStream(ctx, r, size, opts)
	if isEmpty, err := s.isEmpty(); err != nil {
		return nil, ioFailure(f, "header", err)
	} else if isEmpty {
		return nil, empty(f)
	}
	h, err := readLASHeader(s)
	if err != nil {
		return nil, err
	}

	if skip := h.pointOffset - s.consumed; skip > 0 {
		if err := s.skip(skip); err != nil {
			return nil, ioFailure(f, "variable length records", err)
		}
	}
	if h.count > math.MaxInt32 {
		return nil, unsupported(f, "%d points exceeds the loader limit", h.count)
	}
	n := int(h.count)
	need := int64(n) * int64(h.recordLength)
	if rem := s.remaining(); rem >= 0 && rem < need {
		return nil, malformed(f, "%d records of %d bytes need %d bytes, payload has %d", n, h.recordLength, need, rem)
	}

	rgbAt := lasRGBOffset(h.pointFormat)
	attrs := &pointcloud.RawAttributes{
		DeclaredCount: n,
		Metadata: map[string]any{
			"las_version":         fmt.Sprintf("%d.%d", h.major, h.minor),
			"point_format":        h.pointFormat,
			"system_identifier":   h.systemID,
			"generating_software": h.software,
		},
	}
	growAttrs(attrs, n, rgbAt >= 0, true, true)

	const batch = 4096
	stride := h.recordLength
	buf := make([]byte, batch*stride)
	var rgb16 []uint16
	if rgbAt >= 0 {
		rgb16 = make([]uint16, 0, 3*min(n, 1<<24))
	}
	for read := 0; read < n; {
		k := min(batch, n-read)
		got, err := s.full(buf[:k*stride])
		whole := got / stride
		for j := 0; j < whole; j++ {
			rec := buf[j*stride : (j+1)*stride]
			for axis := 0; axis < 3; axis++ {
				raw := int32(binary.LittleEndian.Uint32(rec[4*axis:]))
				attrs.Positions = append(attrs.Positions, float32(float64(raw)*h.scale[axis]+h.offset[axis]))
			}
			attrs.Intensity = append(attrs.Intensity, float32(binary.LittleEndian.Uint16(rec[12:]))/math.MaxUint16)
			if h.pointFormat <= 5 {
				attrs.Classification = append(attrs.Classification, uint16(rec[15]&0x1f))
			} else {
				attrs.Classification = append(attrs.Classification, uint16(rec[16]))
			}
			if rgbAt >= 0 {
				rgb16 = append(rgb16,
					binary.LittleEndian.Uint16(rec[rgbAt:]),
					binary.LittleEndian.Uint16(rec[rgbAt+2:]),
					binary.LittleEndian.Uint16(rec[rgbAt+4:]))
			}
		}
		read += whole
		if err != nil {
			if isTruncation(err) {
				break
			}
			return nil, ioFailure(f, "point records", err)
		}
	}
	if attrs.PointCount() == 0 {
		return nil, malformed(f, "no point records")
	}
	if rgbAt >= 0 {
		attrs.Colors = lasColors(rgb16)
	}
	warnCount(attrs)
	return attrs, nil
}

// lasColors scales 16-bit colour channels to [0,1]. Writers that store 8-bit
// values in the 16-bit fields are detected by the channel peak.
func lasColors(rgb []uint16) []float32 {
	var peak uint16
	for _, v := range rgb {
		peak = max(peak, v)
	}
	div := float32(math.MaxUint16)
	if peak <= math.MaxUint8 {
		div = math.MaxUint8
	}
	out := make([]float32, len(rgb))
	for i, v := range rgb {
		out[i] = float32(v) / div
	}
	return out
}

func readLASHeader(s *stream) (*lasHeader, error) {
	const f = pointcloud.FormatLAS
	base := make([]byte, lasHeaderBase)
	if _, err := s.full(base); err != nil {
		return nil, ioFailure(f, "public header", err)
	}
	if !bytes.Equal(base[:4], []byte("LASF")) {
		return nil, malformed(f, "missing LASF signature")
	}
	le := binary.LittleEndian
	h := &lasHeader{
		major:        base[lasOffVersion],
		minor:        base[lasOffVersion+1],
		headerSize:   int(le.Uint16(base[lasOffHeaderSize:])),
		pointOffset:  int64(le.Uint32(base[lasOffPointData:])),
		recordLength: int(le.Uint16(base[lasOffRecordLength:])),
		count:        uint64(le.Uint32(base[lasOffLegacyCount:])),
		systemID:     cString(base[lasOffSystemID : lasOffSystemID+32]),
		software:     cString(base[lasOffSoftware : lasOffSoftware+32]),
	}
	if h.major != 1 || h.minor > 4 {
		return nil, unsupported(f, "version %d.%d", h.major, h.minor)
	}
	rawFormat := base[lasOffPointFormat]
	if rawFormat&lasCompressedBits != 0 {
		return nil, unsupported(f, "LAZ compressed point data (format byte 0x%02x)", rawFormat)
	}
	h.pointFormat = int(rawFormat)
	if h.pointFormat >= len(lasMinRecord) {
		return nil, unsupported(f, "point data record format %d", h.pointFormat)
	}
	if h.recordLength < lasMinRecord[h.pointFormat] {
		return nil, malformed(f, "record length %d is shorter than format %d requires (%d)",
			h.recordLength, h.pointFormat, lasMinRecord[h.pointFormat])
	}
	if h.headerSize < lasHeaderBase || int64(h.headerSize) > h.pointOffset {
		return nil, malformed(f, "header size %d, point data offset %d", h.headerSize, h.pointOffset)
	}
	for axis := 0; axis < 3; axis++ {
		h.scale[axis] = math.Float64frombits(le.Uint64(base[lasOffScale+8*axis:]))
		h.offset[axis] = math.Float64frombits(le.Uint64(base[lasOffOffset+8*axis:]))
		if h.scale[axis] == 0 || math.IsNaN(h.scale[axis]) || math.IsInf(h.scale[axis], 0) {
			return nil, malformed(f, "scale factor %v on axis %d", h.scale[axis], axis)
		}
	}

	if h.headerSize > lasHeaderBase {
		ext := make([]byte, h.headerSize-lasHeaderBase)
		if _, err := s.full(ext); err != nil {
			return nil, ioFailure(f, "public header", err)
		}
		if h.minor >= 4 && h.headerSize >= lasHeader14 {
			if c := le.Uint64(ext[lasOffCount14-lasHeaderBase:]); c > 0 {
				h.count = c
			}
		}
	}
	return h, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}
