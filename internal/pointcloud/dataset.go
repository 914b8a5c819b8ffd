package pointcloud

import (
	"errors"
	"fmt"
)

// Dataset is the renderer-ready result of a load. It is immutable after
// NewDataset returns: accessors hand out the underlying arrays, which callers
// must treat as read-only.
type Dataset struct {
	attrs      *RawAttributes
	box        Box
	sphere     Sphere
	norm       Normalization
	format     Format
	source     string
	repairs    int
	confidence float64
	colors     []float32
	colorMode  ColorMode
}

// DatasetInfo carries the values computed by the pipeline alongside the
// attribute arrays.
type DatasetInfo struct {
	Box           Box
	Sphere        Sphere
	Normalization Normalization
	Format        Format
	Source        string
	Repairs       int

	// Confidence is 1 for payloads parsed by the reader matching their
	// format, and the quality score in [0,1] for fallback-parsed payloads.
	// Nil means 1.
	Confidence *float64

	// RenderColors are the per-point colours derived for ColorMode
	// (interleaved rgb in [0,1]). Nil means the renderer decides.
	RenderColors []float32
	ColorMode    ColorMode
}

// NewDataset validates the invariants and takes ownership of attrs.
func NewDataset(attrs *RawAttributes, info DatasetInfo) (*Dataset, error) {
	if attrs == nil {
		return nil, errors.New("nil attributes")
	}
	if err := attrs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid attributes: %w", err)
	}
	if !info.Box.IsFinite() {
		return nil, errors.New("bounding box is not finite")
	}
	if !(info.Normalization.Scale > 0) || !IsFinite32(info.Normalization.Scale) {
		return nil, fmt.Errorf("normalization scale must be positive and finite, got %v", info.Normalization.Scale)
	}
	if info.RenderColors != nil && len(info.RenderColors) != len(attrs.Positions) {
		return nil, fmt.Errorf("render colors length %d, want %d", len(info.RenderColors), len(attrs.Positions))
	}
	conf := 1.0
	if info.Confidence != nil {
		conf = *info.Confidence
		if !(conf >= 0 && conf <= 1) {
			return nil, fmt.Errorf("confidence must be in [0,1], got %v", conf)
		}
	}
	return &Dataset{
		attrs:      attrs,
		box:        info.Box,
		sphere:     info.Sphere,
		norm:       info.Normalization,
		format:     info.Format,
		source:     info.Source,
		repairs:    info.Repairs,
		confidence: conf,
		colors:     info.RenderColors,
		colorMode:  info.ColorMode,
	}, nil
}

// PointCount returns N.
func (d *Dataset) PointCount() int { return d.attrs.PointCount() }

// Positions returns interleaved xyz (3N).
func (d *Dataset) Positions() []float32 { return d.attrs.Positions }

// Colors returns source colours (3N) or nil.
func (d *Dataset) Colors() []float32 { return d.attrs.Colors }

// Intensity returns per-point intensity (N) or nil.
func (d *Dataset) Intensity() []float32 { return d.attrs.Intensity }

// Classification returns per-point class codes (N) or nil.
func (d *Dataset) Classification() []uint16 { return d.attrs.Classification }

// RenderColors returns the colours derived for the requested ColorMode, or nil.
func (d *Dataset) RenderColors() []float32 { return d.colors }

// ColorMode returns the mode RenderColors was derived with.
func (d *Dataset) ColorMode() ColorMode { return d.colorMode }

// BoundingBox returns the box of the stored (possibly normalized) positions.
func (d *Dataset) BoundingBox() Box { return d.box }

// BoundingSphere returns the sphere derived from BoundingBox.
func (d *Dataset) BoundingSphere() Sphere { return d.sphere }

// Normalization returns the transform applied to positions.
func (d *Dataset) Normalization() Normalization { return d.norm }

// Format returns the format the payload was parsed as.
func (d *Dataset) Format() Format { return d.format }

// Source returns the byte source name.
func (d *Dataset) Source() string { return d.source }

// Repairs returns how many non-finite position components were repaired.
func (d *Dataset) Repairs() int { return d.repairs }

// Confidence returns the parse confidence in [0,1].
func (d *Dataset) Confidence() float64 { return d.confidence }

// Warnings returns the non-fatal signals raised while reading.
func (d *Dataset) Warnings() []Warning { return d.attrs.Warnings }

// Metadata returns free-form metadata carried by the source format.
func (d *Dataset) Metadata() map[string]any { return d.attrs.Metadata }

// EstimatedBytes returns the size of all per-point arrays.
func (d *Dataset) EstimatedBytes() int64 {
	return d.attrs.EstimatedBytes() + int64(4*len(d.colors))
}
