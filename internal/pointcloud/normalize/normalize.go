// Package normalize recentres and rescales positions so scenes with wildly
// different coordinate ranges frame the same way.
package normalize

import (
	"github.com/banshee-data/pointcloud/internal/pointcloud"
	"github.com/banshee-data/pointcloud/internal/pointcloud/sanitize"
)

// DefaultTargetSpan is the largest box extent after normalization.
const DefaultTargetSpan float32 = 10

// Identity returns the transform of an unnormalized dataset.
func Identity() pointcloud.Normalization {
	return pointcloud.IdentityNormalization()
}

// MinSpan is the smallest extent that is rescaled. Clouds whose largest
// extent is at or below it are only recentred.
const MinSpan float32 = 1e-6

// Normalize translates positions so the centre of their finite bounds sits
// at the origin, then scales them so the largest extent equals targetSpan.
// The work happens in place.
//
// The bounds are the real extent of the points, not the substituted box
// sanitize.SafeBounds reports for degenerate input, so a cloud of identical
// points is moved to the origin with scale 1. targetSpan <= 0 selects
// DefaultTargetSpan.
func Normalize(attrs *pointcloud.RawAttributes, targetSpan float32) pointcloud.Normalization {
	if targetSpan <= 0 || !pointcloud.IsFinite32(targetSpan) {
		targetSpan = DefaultTargetSpan
	}
	b, ok := sanitize.FiniteBounds(attrs.Positions)
	if !ok {
		return Identity()
	}

	center := b.Center()
	if !pointcloud.IsFinite32(center[0]) || !pointcloud.IsFinite32(center[1]) || !pointcloud.IsFinite32(center[2]) {
		// (min+max) overflowed float32.
		center = b.Min.Mul(0.5).Add(b.Max.Mul(0.5))
	}
	scale := float32(1)
	if d := b.MaxDim(); d > MinSpan && pointcloud.IsFinite32(d) {
		scale = targetSpan / d
	}
	if !pointcloud.IsFinite32(scale) || scale <= 0 {
		scale = 1
	}

	pos := attrs.Positions
	for i := 0; i+2 < len(pos); i += 3 {
		pos[i] = (pos[i] - center[0]) * scale
		pos[i+1] = (pos[i+1] - center[1]) * scale
		pos[i+2] = (pos[i+2] - center[2]) * scale
	}
	return pointcloud.Normalization{Scale: scale, CenterOffset: center.Mul(-1)}
}

// Denormalize maps normalized positions back to source coordinates in place.
func Denormalize(positions []float32, n pointcloud.Normalization) {
	if n.Scale == 0 {
		return
	}
	inv := 1 / n.Scale
	for i := 0; i+2 < len(positions); i += 3 {
		positions[i] = positions[i]*inv - n.CenterOffset[0]
		positions[i+1] = positions[i+1]*inv - n.CenterOffset[1]
		positions[i+2] = positions[i+2]*inv - n.CenterOffset[2]
	}
}
