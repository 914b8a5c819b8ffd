package render

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pointcloud/internal/pointcloud"
	"github.com/banshee-data/pointcloud/internal/pointcloud/colorize"
	"github.com/banshee-data/pointcloud/internal/pointcloud/sanitize"
	"github.com/banshee-data/pointcloud/internal/testutil"
)

func testDataset(t *testing.T, n int) *pointcloud.Dataset {
	t.Helper()
	attrs := &pointcloud.RawAttributes{Positions: testutil.Grid(n, [3]float32{}), DeclaredCount: -1}
	res := sanitize.Sanitize(attrs)
	colors, mode := colorize.Colorize(res.Attrs, pointcloud.ColorHeight, res.Box)
	ds, err := pointcloud.NewDataset(res.Attrs, pointcloud.DatasetInfo{
		Box:           res.Box,
		Sphere:        res.Sphere,
		Normalization: pointcloud.IdentityNormalization(),
		Format:        pointcloud.FormatXYZ,
		Source:        "grid.xyz",
		RenderColors:  colors,
		ColorMode:     mode,
	})
	require.NoError(t, err)
	return ds
}

func TestMemoryDevice(t *testing.T) {
	t.Parallel()

	d := NewMemoryDevice()
	buf, err := d.CreateBuffer("positions", make([]float32, 30))
	require.NoError(t, err)
	assert.Equal(t, int64(120), buf.EstimatedBytes())
	mat, err := d.CreateMaterial(pointcloud.ColorRGB)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Live())
	assert.Equal(t, int64(120+materialBytes), d.LiveBytes())

	require.NoError(t, buf.Release())
	assert.Error(t, buf.Release())
	assert.Equal(t, 1, d.DoubleFrees())

	d.Lose()
	_, err = d.CreateBuffer("colors", nil)
	assert.ErrorIs(t, err, ErrDeviceLost)
	require.NoError(t, mat.Release(), "release works while lost")

	restored := 0
	d.SetOnRestored(func() { restored++ })
	require.NoError(t, d.RequestRestore())
	assert.False(t, d.IsLost())
	assert.Equal(t, 1, restored)
	assert.Equal(t, 2, d.Created())
	assert.Equal(t, 0, d.Live())
}

type failing struct{ err error }

func (failing) Name() string { return "lod" }

func (f failing) Render(context.Context, *pointcloud.Dataset, int) (*Frame, error) {
	return nil, f.err
}

func TestChainFallsBack(t *testing.T) {
	t.Parallel()

	ds := testDataset(t, 1000)
	c := NewChain(failing{err: errors.Join(ErrUnavailable, errors.New("octree missing"))}, Summary{})
	assert.Equal(t, "lod+summary", c.Name())
	f, err := c.Render(context.Background(), ds, 100)
	require.NoError(t, err)
	assert.Equal(t, "summary", f.Renderer)
	assert.Equal(t, 100, f.Points)

	c = NewChain(failing{err: errors.New("shader compile")}, Summary{})
	_, err = c.Render(context.Background(), ds, 0)
	assert.ErrorContains(t, err, "lod: shader compile")

	c = NewChain(nil, nil)
	f, err = c.Render(context.Background(), ds, 0)
	require.NoError(t, err)
	assert.Equal(t, 1000, f.Points)
}

func TestPlotRenderer(t *testing.T) {
	t.Parallel()

	ds := testDataset(t, 500)
	p := NewPlotRenderer()
	p.MaxPoints = 200
	f, err := p.Render(context.Background(), ds, 0)
	require.NoError(t, err)
	assert.Equal(t, "plot", f.Renderer)
	assert.LessOrEqual(t, f.Points, 200)
	assert.Equal(t, ".png", f.ImageType)
	assert.True(t, bytes.HasPrefix(f.Image, []byte("\x89PNG")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Render(ctx, ds, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
