package render

import (
	"bytes"
	"context"
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/pointcloud/internal/pointcloud"
)

// DefaultPreviewPoints caps the points a PlotRenderer draws when no budget
// is given.
const DefaultPreviewPoints = 20_000

// View selects the plane a PlotRenderer projects onto.
type View int

const (
	ViewTop   View = iota // x/y
	ViewFront             // x/z
	ViewSide              // y/z
)

func (v View) axes() (int, int, string, string) {
	switch v {
	case ViewFront:
		return 0, 2, "X", "Z"
	case ViewSide:
		return 1, 2, "Y", "Z"
	}
	return 0, 1, "X", "Y"
}

// PlotRenderer draws a PNG scatter preview with gonum/plot.
type PlotRenderer struct {
	Width, Height vg.Length
	View          View
	PointRadius   vg.Length
	MaxPoints     int
}

// NewPlotRenderer returns a 6x6 inch top-view renderer.
func NewPlotRenderer() *PlotRenderer {
	return &PlotRenderer{Width: 6 * vg.Inch, Height: 6 * vg.Inch, PointRadius: vg.Points(0.6)}
}

func (p *PlotRenderer) Name() string { return "plot" }

func (p *PlotRenderer) Render(ctx context.Context, ds *pointcloud.Dataset, budget int) (*Frame, error) {
	limit := p.MaxPoints
	if limit <= 0 {
		limit = DefaultPreviewPoints
	}
	if budget > 0 && budget < limit {
		limit = budget
	}
	n := ds.PointCount()
	stride := 1
	if n > limit {
		stride = (n + limit - 1) / limit
	}

	ax, ay, xl, yl := p.View.axes()
	pos, rgb := ds.Positions(), ds.RenderColors()
	xys := make(plotter.XYs, 0, n/stride+1)
	cols := make([]color.Color, 0, n/stride+1)
	for i := 0; i < n; i += stride {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		xys = append(xys, plotter.XY{X: float64(pos[3*i+ax]), Y: float64(pos[3*i+ay])})
		cols = append(cols, toRGBA(rgb, i))
	}

	pl := plot.New()
	pl.Title.Text = ds.Source()
	pl.X.Label.Text = xl
	pl.Y.Label.Text = yl
	sc, err := plotter.NewScatter(xys)
	if err != nil {
		return nil, fmt.Errorf("build scatter: %w", err)
	}
	radius := p.PointRadius
	if radius <= 0 {
		radius = vg.Points(0.6)
	}
	sc.GlyphStyleFunc = func(i int) draw.GlyphStyle {
		return draw.GlyphStyle{Color: cols[i], Radius: radius, Shape: draw.CircleGlyph{}}
	}
	pl.Add(sc)

	w, h := p.Width, p.Height
	if w <= 0 || h <= 0 {
		w, h = 6*vg.Inch, 6*vg.Inch
	}
	wt, err := pl.WriterTo(w, h, "png")
	if err != nil {
		return nil, fmt.Errorf("png writer: %w", err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return &Frame{Renderer: p.Name(), Points: len(xys), Image: buf.Bytes(), ImageType: ".png"}, nil
}

func toRGBA(rgb []float32, i int) color.Color {
	if len(rgb) < 3*i+3 {
		return color.Gray{Y: 128}
	}
	c := func(v float32) uint8 {
		switch {
		case v <= 0:
			return 0
		case v >= 1:
			return 255
		}
		return uint8(v*255 + 0.5)
	}
	return color.RGBA{R: c(rgb[3*i]), G: c(rgb[3*i+1]), B: c(rgb[3*i+2]), A: 255}
}
