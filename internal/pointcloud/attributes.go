package pointcloud

import "fmt"

// WarningCode classifies a non-fatal condition found while reading.
type WarningCode int

const (
	// WarnCountMismatch: the header declared a different point count than was parsed.
	WarnCountMismatch WarningCode = iota
	// WarnSkippedRecords: malformed text records were skipped.
	WarnSkippedRecords
	// WarnDroppedAttribute: an optional attribute array had the wrong length and was dropped.
	WarnDroppedAttribute
	// WarnFallbackReader: the payload was parsed by the fallback reader.
	WarnFallbackReader
)

func (c WarningCode) String() string {
	switch c {
	case WarnCountMismatch:
		return "count_mismatch"
	case WarnSkippedRecords:
		return "skipped_records"
	case WarnDroppedAttribute:
		return "dropped_attribute"
	case WarnFallbackReader:
		return "fallback_reader"
	}
	return fmt.Sprintf("warning(%d)", int(c))
}

// Warning is a signal delivered to the caller alongside a successful load.
type Warning struct {
	Code    WarningCode
	Message string
}

func (w Warning) String() string {
	return w.Code.String() + ": " + w.Message
}

// RawAttributes holds parallel per-point arrays as emitted by a format reader
// and transformed in place by the pipeline stages.
//
// Positions is interleaved xyz. Colors, when present, is interleaved rgb in
// [0,1]. Intensity is normalised to [0,1]. Classification holds raw class codes.
type RawAttributes struct {
	Positions      []float32
	Colors         []float32
	Intensity      []float32
	Classification []uint16

	// DeclaredCount is the point count announced by the header, or -1 when
	// the format carries no declaration.
	DeclaredCount int

	// SkippedRecords counts malformed text records that were dropped.
	SkippedRecords int

	Warnings []Warning

	// Metadata carries free-form key/values from formats that have them
	// (JSON "metadata", PLY comments, LAS system identifier).
	Metadata map[string]any
}

// PointCount returns the number of complete xyz triples.
func (a *RawAttributes) PointCount() int {
	if a == nil {
		return 0
	}
	return len(a.Positions) / 3
}

// Warn appends a warning.
func (a *RawAttributes) Warn(code WarningCode, format string, args ...any) {
	a.Warnings = append(a.Warnings, Warning{Code: code, Message: fmt.Sprintf(format, args...)})
}

// Validate checks that every present attribute array matches the point count.
func (a *RawAttributes) Validate() error {
	if len(a.Positions)%3 != 0 {
		return fmt.Errorf("positions length %d is not a multiple of 3", len(a.Positions))
	}
	n := a.PointCount()
	if a.Colors != nil && len(a.Colors) != 3*n {
		return fmt.Errorf("colors length %d, want %d", len(a.Colors), 3*n)
	}
	if a.Intensity != nil && len(a.Intensity) != n {
		return fmt.Errorf("intensity length %d, want %d", len(a.Intensity), n)
	}
	if a.Classification != nil && len(a.Classification) != n {
		return fmt.Errorf("classification length %d, want %d", len(a.Classification), n)
	}
	return nil
}

// Clone returns a deep copy.
func (a *RawAttributes) Clone() *RawAttributes {
	if a == nil {
		return nil
	}
	out := &RawAttributes{
		DeclaredCount:  a.DeclaredCount,
		SkippedRecords: a.SkippedRecords,
		Positions:      append([]float32(nil), a.Positions...),
		Warnings:       append([]Warning(nil), a.Warnings...),
	}
	if a.Colors != nil {
		out.Colors = append([]float32(nil), a.Colors...)
	}
	if a.Intensity != nil {
		out.Intensity = append([]float32(nil), a.Intensity...)
	}
	if a.Classification != nil {
		out.Classification = append([]uint16(nil), a.Classification...)
	}
	if a.Metadata != nil {
		out.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// EstimatedBytes returns the in-memory size of the attribute arrays, which is
// also the size of the GPU buffers realised from them.
func (a *RawAttributes) EstimatedBytes() int64 {
	return int64(4*len(a.Positions) + 4*len(a.Colors) + 4*len(a.Intensity) + 2*len(a.Classification))
}
