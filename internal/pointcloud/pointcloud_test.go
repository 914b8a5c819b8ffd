package pointcloud

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoxGeometry(t *testing.T) {
	t.Parallel()

	b := Box{Min: mgl32.Vec3{-1, 0, 2}, Max: mgl32.Vec3{3, 2, 2}}
	assert.Equal(t, mgl32.Vec3{1, 1, 2}, b.Center())
	assert.Equal(t, mgl32.Vec3{4, 2, 0}, b.Extent())
	assert.Equal(t, float32(4), b.MaxDim())
	assert.True(t, b.IsFinite())
	assert.False(t, b.IsDegenerate(), "a flat box is still a usable volume")
	assert.True(t, b.Contains(mgl32.Vec3{0, 1, 2}))
	assert.False(t, b.Contains(mgl32.Vec3{0, 1, 2.5}))
}

func TestBoxDegenerate(t *testing.T) {
	t.Parallel()

	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	cases := map[string]Box{
		"point":    {Min: mgl32.Vec3{1, 1, 1}, Max: mgl32.Vec3{1, 1, 1}},
		"nan":      {Min: mgl32.Vec3{nan, 0, 0}, Max: mgl32.Vec3{1, 1, 1}},
		"inf":      {Min: mgl32.Vec3{0, 0, 0}, Max: mgl32.Vec3{inf, 1, 1}},
		"inverted": {Min: mgl32.Vec3{2, 0, 0}, Max: mgl32.Vec3{1, 1, 1}},
	}
	for name, b := range cases {
		assert.True(t, b.IsDegenerate(), name)
	}
	assert.False(t, UnitBox().IsDegenerate())
	assert.Equal(t, float32(1), UnitBox().MaxDim())
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Format{
		"":     FormatAuto,
		"PLY":  FormatPLY,
		"pcd":  FormatPCD,
		"laz":  FormatLAS,
		"json": FormatJSON,
		"asc":  FormatXYZ,
	} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("e57")
	assert.Error(t, err)
	assert.Equal(t, "las", FormatLAS.String())
}

func TestParseColorMode(t *testing.T) {
	t.Parallel()

	for _, m := range []ColorMode{ColorRGB, ColorHeight, ColorIntensity, ColorClassification} {
		got, err := ParseColorMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseColorMode("rainbow")
	assert.Error(t, err)
}

func TestRawAttributesValidate(t *testing.T) {
	t.Parallel()

	a := &RawAttributes{
		Positions:      []float32{0, 0, 0, 1, 1, 1},
		Colors:         []float32{1, 0, 0, 0, 1, 0},
		Intensity:      []float32{0.1, 0.2},
		Classification: []uint16{2, 6},
	}
	require.NoError(t, a.Validate())
	assert.Equal(t, 2, a.PointCount())
	assert.Equal(t, int64(24+24+8+4), a.EstimatedBytes())

	bad := a.Clone()
	bad.Intensity = bad.Intensity[:1]
	assert.Error(t, bad.Validate())

	bad = a.Clone()
	bad.Positions = append(bad.Positions, 7)
	assert.Error(t, bad.Validate())
}

func TestRawAttributesCloneIsDeep(t *testing.T) {
	t.Parallel()

	a := &RawAttributes{Positions: []float32{1, 2, 3}, Metadata: map[string]any{"k": "v"}}
	c := a.Clone()
	c.Positions[0] = 9
	c.Metadata["k"] = "changed"
	assert.Equal(t, float32(1), a.Positions[0])
	assert.Equal(t, "v", a.Metadata["k"])
}

func TestNewDatasetInvariants(t *testing.T) {
	t.Parallel()

	attrs := &RawAttributes{Positions: []float32{0, 0, 0, 1, 1, 1}}
	box := Box{Max: mgl32.Vec3{1, 1, 1}}

	ds, err := NewDataset(attrs, DatasetInfo{Box: box, Normalization: IdentityNormalization(), Format: FormatPLY})
	require.NoError(t, err)
	assert.Equal(t, 2, ds.PointCount())
	assert.Equal(t, 1.0, ds.Confidence(), "unset confidence is full confidence")
	assert.Equal(t, FormatPLY, ds.Format())

	zero := 0.0
	ds, err = NewDataset(attrs, DatasetInfo{Box: box, Normalization: IdentityNormalization(), Confidence: &zero})
	require.NoError(t, err)
	assert.Equal(t, 0.0, ds.Confidence(), "zero confidence is kept")

	over := 1.5
	_, err = NewDataset(attrs, DatasetInfo{Box: box, Normalization: IdentityNormalization(), Confidence: &over})
	assert.Error(t, err, "confidence above 1")

	_, err = NewDataset(attrs, DatasetInfo{Box: box, Normalization: Normalization{Scale: 0}})
	assert.Error(t, err, "scale must be > 0")

	nan := float32(math.NaN())
	_, err = NewDataset(attrs, DatasetInfo{Box: Box{Min: mgl32.Vec3{nan, 0, 0}}, Normalization: IdentityNormalization()})
	assert.Error(t, err, "box must be finite")

	_, err = NewDataset(attrs, DatasetInfo{Box: box, Normalization: IdentityNormalization(), RenderColors: []float32{1}})
	assert.Error(t, err, "render colors must match")

	_, err = NewDataset(nil, DatasetInfo{})
	assert.Error(t, err)
}
