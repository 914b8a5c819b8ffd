package pointcloud

import (
	"fmt"
	"strings"
)

// Format identifies an input encoding.
type Format int

const (
	FormatAuto Format = iota // detect from magic bytes / extension
	FormatPLY                // columnar point format with optional per-vertex colour
	FormatPCD                // header-declared field layout, ascii/binary/binary_compressed
	FormatLAS                // LiDAR interchange format
	FormatJSON               // pre-processed sensor data as JSON arrays
	FormatXYZ                // whitespace separated text (x y z [i] [r g b])
)

var formatNames = map[Format]string{
	FormatAuto: "auto",
	FormatPLY:  "ply",
	FormatPCD:  "pcd",
	FormatLAS:  "las",
	FormatJSON: "json",
	FormatXYZ:  "xyz",
}

func (f Format) String() string {
	if s, ok := formatNames[f]; ok {
		return s
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// ParseFormat converts a name (case-insensitive) to a Format. "laz" maps to
// FormatLAS and "asc"/"txt" to FormatXYZ; the empty string is FormatAuto.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FormatAuto, nil
	case "ply":
		return FormatPLY, nil
	case "pcd":
		return FormatPCD, nil
	case "las", "laz":
		return FormatLAS, nil
	case "json":
		return FormatJSON, nil
	case "xyz", "asc", "txt":
		return FormatXYZ, nil
	}
	return FormatAuto, fmt.Errorf("unknown point cloud format %q", s)
}

// ColorMode selects how per-point colours are derived for rendering.
type ColorMode int

const (
	ColorRGB            ColorMode = iota // source colours, height ramp when absent
	ColorHeight                          // ramp over the Z extent
	ColorIntensity                       // greyscale ramp over intensity
	ColorClassification                  // fixed palette per class code
)

func (m ColorMode) String() string {
	switch m {
	case ColorRGB:
		return "rgb"
	case ColorHeight:
		return "height"
	case ColorIntensity:
		return "intensity"
	case ColorClassification:
		return "classification"
	}
	return fmt.Sprintf("colormode(%d)", int(m))
}

// ParseColorMode converts a name to a ColorMode. The empty string is ColorRGB.
func ParseColorMode(s string) (ColorMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rgb":
		return ColorRGB, nil
	case "height":
		return ColorHeight, nil
	case "intensity":
		return ColorIntensity, nil
	case "classification":
		return ColorClassification, nil
	}
	return ColorRGB, fmt.Errorf("unknown color mode %q", s)
}
