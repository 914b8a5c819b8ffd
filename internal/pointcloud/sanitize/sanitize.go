// Package sanitize repairs non-finite values in raw attributes and derives
// bounding volumes that are always usable by a renderer.
package sanitize

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/banshee-data/pointcloud/internal/pointcloud"
)

// RepairValue replaces a non-finite position component when no earlier
// finite value exists on the same axis.
const RepairValue = 0.5

// MinSphereRadius floors the bounding sphere radius.
const MinSphereRadius = 1e-6

// Result is the outcome of Sanitize.
type Result struct {
	Attrs        *pointcloud.RawAttributes
	Repairs      int // non-finite position components replaced
	ColorRepairs int // non-finite colour or intensity values replaced with 0
	Box          pointcloud.Box
	Sphere       pointcloud.Sphere
}

// Sanitize repairs attrs in place and computes its bounds. It never fails.
//
// A non-finite position component takes the last finite value seen on the
// same axis, or RepairValue when there is none. Non-finite colour and
// intensity values become 0.
func Sanitize(attrs *pointcloud.RawAttributes) Result {
	res := Result{Attrs: attrs}
	if attrs == nil {
		res.Box = pointcloud.UnitBox()
		res.Sphere = BoundingSphere(res.Box)
		return res
	}

	var last [3]float32
	var seen [3]bool
	pos := attrs.Positions
	for i := 0; i+2 < len(pos); i += 3 {
		for axis := 0; axis < 3; axis++ {
			v := pos[i+axis]
			if pointcloud.IsFinite32(v) {
				last[axis], seen[axis] = v, true
				continue
			}
			if seen[axis] {
				pos[i+axis] = last[axis]
			} else {
				pos[i+axis] = RepairValue
			}
			res.Repairs++
		}
	}
	res.ColorRepairs = zeroNonFinite(attrs.Colors) + zeroNonFinite(attrs.Intensity)

	res.Box = SafeBounds(pos)
	res.Sphere = BoundingSphere(res.Box)
	return res
}

func zeroNonFinite(vals []float32) int {
	n := 0
	for i, v := range vals {
		if !pointcloud.IsFinite32(v) {
			vals[i] = 0
			n++
		}
	}
	return n
}

// SafeBounds returns the axis-aligned bounds of the finite samples in
// positions. When there is no finite sample, the extent overflows, or the
// box has zero extent on every axis, it returns the unit box at the origin.
func SafeBounds(positions []float32) pointcloud.Box {
	b, ok := FiniteBounds(positions)
	if !ok || b.IsDegenerate() {
		return pointcloud.UnitBox()
	}
	return b
}

// FiniteBounds returns the bounds of the finite samples in positions as
// found, without substitution. ok is false when there is no finite sample.
func FiniteBounds(positions []float32) (b pointcloud.Box, ok bool) {
	for i := 0; i+2 < len(positions); i += 3 {
		p := mgl32.Vec3{positions[i], positions[i+1], positions[i+2]}
		if !pointcloud.IsFinite32(p[0]) || !pointcloud.IsFinite32(p[1]) || !pointcloud.IsFinite32(p[2]) {
			continue
		}
		if !ok {
			b.Min, b.Max, ok = p, p, true
			continue
		}
		for axis := 0; axis < 3; axis++ {
			b.Min[axis] = min(b.Min[axis], p[axis])
			b.Max[axis] = max(b.Max[axis], p[axis])
		}
	}
	return b, ok
}

// BoundingSphere returns the sphere centred on the box with radius half the
// diagonal, floored at MinSphereRadius.
func BoundingSphere(b pointcloud.Box) pointcloud.Sphere {
	r := b.Diagonal() / 2
	if !(r >= MinSphereRadius) {
		r = MinSphereRadius
	}
	return pointcloud.Sphere{Center: b.Center(), Radius: r}
}
