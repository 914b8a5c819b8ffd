package downsample

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pointcloud/internal/pointcloud"
)

func indexed(n int) *pointcloud.RawAttributes {
	a := &pointcloud.RawAttributes{DeclaredCount: n}
	for i := 0; i < n; i++ {
		a.Positions = append(a.Positions, float32(i), 0, 0)
		a.Colors = append(a.Colors, 0, float32(i), 0)
		a.Intensity = append(a.Intensity, float32(i))
		a.Classification = append(a.Classification, uint16(i))
	}
	return a
}

func TestDownsampleNoOp(t *testing.T) {
	t.Parallel()

	a := indexed(10)
	assert.Same(t, a, Downsample(a, 0))
	assert.Same(t, a, Downsample(a, -1))
	assert.Same(t, a, Downsample(a, 10))
	assert.Same(t, a, Downsample(a, 50))
}

func TestDownsampleStride(t *testing.T) {
	t.Parallel()

	cases := []struct {
		n, target int
		want      []uint16
	}{
		{10, 5, []uint16{0, 2, 4, 6, 8}},
		{11, 5, []uint16{0, 2, 4, 6, 8}},
		{10, 3, []uint16{0, 3, 6}},
		{19, 10, []uint16{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{100, 1, []uint16{0}},
	}
	for _, c := range cases {
		out := Downsample(indexed(c.n), c.target)
		require.NoError(t, out.Validate())
		assert.Equal(t, c.want, out.Classification, "n=%d target=%d", c.n, c.target)
		assert.Equal(t, c.target, out.PointCount())
		for k, idx := range c.want {
			assert.Equal(t, float32(idx), out.Positions[3*k])
			assert.Equal(t, float32(idx), out.Colors[3*k+1])
			assert.Equal(t, float32(idx), out.Intensity[k])
		}
	}
}

func TestDownsampleAlwaysReturnsTarget(t *testing.T) {
	t.Parallel()

	for n := 2; n <= 300; n++ {
		for target := 1; target < n; target++ {
			out := Downsample(indexed(n), target)
			require.Equal(t, target, out.PointCount(), "n=%d target=%d", n, target)
		}
	}
}

func TestDownsampleDeterministic(t *testing.T) {
	t.Parallel()

	a := indexed(12345)
	first := Downsample(a, 1000)
	second := Downsample(a.Clone(), 1000)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("downsample not deterministic (-first +second):\n%s", diff)
	}
	assert.Equal(t, 1000, first.PointCount())
}

func TestDownsampleOptionalAttributes(t *testing.T) {
	t.Parallel()

	a := &pointcloud.RawAttributes{Positions: make([]float32, 3*20)}
	out := Downsample(a, 4)
	assert.Equal(t, 4, out.PointCount())
	assert.Nil(t, out.Colors)
	assert.Nil(t, out.Intensity)
	assert.Nil(t, out.Classification)
}
