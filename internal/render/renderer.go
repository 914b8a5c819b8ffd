package render

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/pointcloud/internal/monitoring"
	"github.com/banshee-data/pointcloud/internal/pointcloud"
)

var logf = monitoring.Tagged("Render")

// ErrUnavailable is how a renderer reports that it cannot handle a dataset,
// so the chain can try its fallback.
var ErrUnavailable = errors.New("renderer unavailable")

// Frame is the outcome of offering a dataset to a renderer.
type Frame struct {
	Renderer string
	Points   int
	// Image is an encoded raster preview, or nil.
	Image []byte
	// ImageType is the file extension for Image, e.g. ".png".
	ImageType string
}

// PointCloudRenderer draws a loaded dataset. budget caps the points drawn;
// 0 is unlimited.
type PointCloudRenderer interface {
	Name() string
	Render(ctx context.Context, ds *pointcloud.Dataset, budget int) (*Frame, error)
}

// Chain offers a dataset to a primary renderer and falls back when the
// primary reports ErrUnavailable. The primary may be nil.
type Chain struct {
	primary  PointCloudRenderer
	fallback PointCloudRenderer
}

// NewChain returns a chain. fallback must not be nil.
func NewChain(primary, fallback PointCloudRenderer) *Chain {
	if fallback == nil {
		fallback = Summary{}
	}
	return &Chain{primary: primary, fallback: fallback}
}

// Name lists the renderers in order.
func (c *Chain) Name() string {
	if c.primary == nil {
		return c.fallback.Name()
	}
	return c.primary.Name() + "+" + c.fallback.Name()
}

// Render tries the primary, then the fallback.
func (c *Chain) Render(ctx context.Context, ds *pointcloud.Dataset, budget int) (*Frame, error) {
	if c.primary != nil {
		f, err := c.primary.Render(ctx, ds, budget)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return nil, fmt.Errorf("%s: %w", c.primary.Name(), err)
		}
		logf("%s unavailable, falling back to %s: %v", c.primary.Name(), c.fallback.Name(), err)
	}
	f, err := c.fallback.Render(ctx, ds, budget)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.fallback.Name(), err)
	}
	return f, nil
}

// Summary renders nothing and reports how many points would be drawn.
type Summary struct{}

func (Summary) Name() string { return "summary" }

func (Summary) Render(ctx context.Context, ds *pointcloud.Dataset, budget int) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Frame{Renderer: "summary", Points: drawn(ds.PointCount(), budget)}, nil
}

func drawn(n, budget int) int {
	if budget > 0 && n > budget {
		return budget
	}
	return n
}
