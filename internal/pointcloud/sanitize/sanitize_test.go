package sanitize

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pointcloud/internal/pointcloud"
)

var (
	nan = float32(math.NaN())
	inf = float32(math.Inf(1))
)

func TestSanitizeRepairsPositions(t *testing.T) {
	t.Parallel()

	attrs := &pointcloud.RawAttributes{Positions: []float32{
		nan, 1, 2,
		3, inf, 4,
		nan, 5, nan,
	}}
	res := Sanitize(attrs)

	assert.Equal(t, 4, res.Repairs)
	assert.Equal(t, []float32{
		0.5, 1, 2,
		3, 1, 4,
		3, 5, 4,
	}, attrs.Positions)
	assert.Equal(t, pointcloud.Box{Min: mgl32.Vec3{0.5, 1, 2}, Max: mgl32.Vec3{3, 5, 4}}, res.Box)
	assert.Equal(t, res.Box.Center(), res.Sphere.Center)
	assert.InDelta(t, res.Box.Diagonal()/2, res.Sphere.Radius, 1e-6)
}

func TestSanitizeZeroesColorsAndIntensity(t *testing.T) {
	t.Parallel()

	attrs := &pointcloud.RawAttributes{
		Positions: []float32{0, 0, 0, 1, 1, 1},
		Colors:    []float32{nan, 0.5, 1, 1, inf, 0},
		Intensity: []float32{0.2, nan},
	}
	res := Sanitize(attrs)
	assert.Equal(t, 0, res.Repairs)
	assert.Equal(t, 3, res.ColorRepairs)
	assert.Equal(t, []float32{0, 0.5, 1, 1, 0, 0}, attrs.Colors)
	assert.Equal(t, []float32{0.2, 0}, attrs.Intensity)
}

func TestSanitizeAllNonFinite(t *testing.T) {
	t.Parallel()

	attrs := &pointcloud.RawAttributes{Positions: []float32{nan, nan, nan, inf, -inf, nan}}
	res := Sanitize(attrs)
	assert.Equal(t, 6, res.Repairs)
	for _, v := range attrs.Positions {
		assert.Equal(t, float32(RepairValue), v)
	}
	assert.Equal(t, pointcloud.UnitBox(), res.Box, "a single repeated point is degenerate")
	assert.InDelta(t, math.Sqrt(3)/2, float64(res.Sphere.Radius), 1e-6)
}

func TestSafeBounds(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		pos  []float32
		want pointcloud.Box
	}{
		"empty":        {nil, pointcloud.UnitBox()},
		"only nan":     {[]float32{nan, 0, 0}, pointcloud.UnitBox()},
		"single point": {[]float32{5, 5, 5}, pointcloud.UnitBox()},
		"overflow":     {[]float32{-3e38, 0, 0, 3e38, 0, 0}, pointcloud.UnitBox()},
		"skips nan": {
			[]float32{0, 0, 0, nan, 100, 100, 2, 1, 0},
			pointcloud.Box{Min: mgl32.Vec3{0, 0, 0}, Max: mgl32.Vec3{2, 1, 0}},
		},
		"flat plane": {
			[]float32{0, 0, 7, 4, 2, 7},
			pointcloud.Box{Min: mgl32.Vec3{0, 0, 7}, Max: mgl32.Vec3{4, 2, 7}},
		},
	}
	for name, c := range cases {
		assert.Equal(t, c.want, SafeBounds(c.pos), name)
	}
}

func TestBoundingSphereFloor(t *testing.T) {
	t.Parallel()

	s := BoundingSphere(pointcloud.Box{Min: mgl32.Vec3{1, 1, 1}, Max: mgl32.Vec3{1, 1, 1}})
	assert.Equal(t, float32(MinSphereRadius), s.Radius)
	assert.Equal(t, mgl32.Vec3{1, 1, 1}, s.Center)
}

func TestSanitizeNil(t *testing.T) {
	t.Parallel()

	res := Sanitize(nil)
	require.Nil(t, res.Attrs)
	assert.Equal(t, pointcloud.UnitBox(), res.Box)
}
