// Package colorize derives per-point display colours for a ColorMode.
package colorize

import (
	"math"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/banshee-data/pointcloud/internal/pointcloud"
)

// Ramp hues for the height colouring, low to high.
const (
	hueLow  = 240.0
	hueHigh = 0.0
)

// classPalette follows the ASPRS standard classification codes.
var classPalette = map[uint16]colorful.Color{
	0:  mustHex("#9e9e9e"), // created, never classified
	1:  mustHex("#bdbdbd"), // unassigned
	2:  mustHex("#a1887f"), // ground
	3:  mustHex("#c5e1a5"), // low vegetation
	4:  mustHex("#7cb342"), // medium vegetation
	5:  mustHex("#33691e"), // high vegetation
	6:  mustHex("#e64a19"), // building
	7:  mustHex("#ff00ff"), // low point (noise)
	9:  mustHex("#1e88e5"), // water
	10: mustHex("#6d4c41"), // rail
	11: mustHex("#424242"), // road surface
	13: mustHex("#fdd835"), // wire guard
	14: mustHex("#fbc02d"), // wire conductor
	15: mustHex("#f57f17"), // transmission tower
	17: mustHex("#8d6e63"), // bridge deck
	18: mustHex("#ff00ff"), // high noise
}

// Colorize returns interleaved rgb in [0,1] for every point, and the mode
// actually used: modes whose source attribute is missing fall back to
// ColorHeight. box is the bounds of attrs.Positions.
func Colorize(attrs *pointcloud.RawAttributes, mode pointcloud.ColorMode, box pointcloud.Box) ([]float32, pointcloud.ColorMode) {
	switch {
	case mode == pointcloud.ColorRGB && attrs.Colors != nil:
		return attrs.Colors, pointcloud.ColorRGB
	case mode == pointcloud.ColorIntensity && attrs.Intensity != nil:
		return intensityRamp(attrs.Intensity), pointcloud.ColorIntensity
	case mode == pointcloud.ColorClassification && attrs.Classification != nil:
		return classColors(attrs.Classification), pointcloud.ColorClassification
	}
	return heightRamp(attrs.Positions, box), pointcloud.ColorHeight
}

// HeightColor maps t in [0,1] onto the blue-to-red ramp.
func HeightColor(t float64) colorful.Color {
	t = clamp(t, 0, 1)
	return colorful.Hsv(hueLow+(hueHigh-hueLow)*t, 0.85, 0.95)
}

// ClassColor returns the palette colour for a class code. Codes without a
// standard colour get a stable hue spaced by the golden angle.
func ClassColor(code uint16) colorful.Color {
	if c, ok := classPalette[code]; ok {
		return c
	}
	return colorful.Hsv(math.Mod(float64(code)*137.508, 360), 0.6, 0.9)
}

func heightRamp(pos []float32, box pointcloud.Box) []float32 {
	out := make([]float32, len(pos))
	lo, span := float64(box.Min[2]), float64(box.Extent()[2])
	for i := 0; i+2 < len(pos); i += 3 {
		t := 0.5
		if span > 0 {
			t = (float64(pos[i+2]) - lo) / span
		}
		put(out, i, HeightColor(t))
	}
	return out
}

func intensityRamp(vals []float32) []float32 {
	out := make([]float32, 3*len(vals))
	for i, v := range vals {
		g := float32(clamp(float64(v), 0, 1))
		out[3*i], out[3*i+1], out[3*i+2] = g, g, g
	}
	return out
}

func classColors(codes []uint16) []float32 {
	out := make([]float32, 3*len(codes))
	for i, c := range codes {
		put(out, 3*i, ClassColor(c))
	}
	return out
}

func put(out []float32, i int, c colorful.Color) {
	c = c.Clamped()
	out[i], out[i+1], out[i+2] = float32(c.R), float32(c.G), float32(c.B)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo || math.IsNaN(v) {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func mustHex(s string) colorful.Color {
	c, err := colorful.Hex(s)
	if err != nil {
		panic(err)
	}
	return c
}
