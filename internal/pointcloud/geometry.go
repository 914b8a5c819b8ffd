package pointcloud

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Box is an axis-aligned bounding box.
type Box struct {
	Min mgl32.Vec3
	Max mgl32.Vec3
}

// UnitBox returns the unit cube centred at the origin, used in place of a
// degenerate bounding volume.
func UnitBox() Box {
	return Box{
		Min: mgl32.Vec3{-0.5, -0.5, -0.5},
		Max: mgl32.Vec3{0.5, 0.5, 0.5},
	}
}

// Center returns the midpoint of the box.
func (b Box) Center() mgl32.Vec3 {
	return b.Min.Add(b.Max).Mul(0.5)
}

// Extent returns max-min per axis.
func (b Box) Extent() mgl32.Vec3 {
	return b.Max.Sub(b.Min)
}

// MaxDim returns the largest per-axis extent.
func (b Box) MaxDim() float32 {
	e := b.Extent()
	return max(e[0], e[1], e[2])
}

// Diagonal returns the length of the box diagonal.
func (b Box) Diagonal() float32 {
	return b.Extent().Len()
}

// IsFinite reports whether every corner component is finite.
func (b Box) IsFinite() bool {
	for i := 0; i < 3; i++ {
		if !IsFinite32(b.Min[i]) || !IsFinite32(b.Max[i]) {
			return false
		}
	}
	return true
}

// IsDegenerate reports whether the box cannot serve as a bounding volume:
// non-finite corners, an inverted axis, a non-finite extent, or zero extent
// on every axis.
func (b Box) IsDegenerate() bool {
	if !b.IsFinite() {
		return true
	}
	e := b.Extent()
	for i := 0; i < 3; i++ {
		if !IsFinite32(e[i]) || e[i] < 0 {
			return true
		}
	}
	return e[0] == 0 && e[1] == 0 && e[2] == 0
}

// Contains reports whether p lies inside the box (inclusive).
func (b Box) Contains(p mgl32.Vec3) bool {
	for i := 0; i < 3; i++ {
		if p[i] < b.Min[i] || p[i] > b.Max[i] {
			return false
		}
	}
	return true
}

// Sphere is a bounding sphere.
type Sphere struct {
	Center mgl32.Vec3
	Radius float32
}

// Normalization records the transform applied to positions so original
// coordinates can be reconstructed: original = normalized/Scale - CenterOffset.
type Normalization struct {
	Scale        float32
	CenterOffset mgl32.Vec3
}

// IdentityNormalization is the transform of a dataset that was not normalized.
func IdentityNormalization() Normalization {
	return Normalization{Scale: 1}
}

// IsFinite32 reports whether v is neither NaN nor ±Inf.
func IsFinite32(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
