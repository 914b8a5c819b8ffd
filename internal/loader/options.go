package loader

import (
	"github.com/banshee-data/pointcloud/internal/config"
	"github.com/banshee-data/pointcloud/internal/pointcloud"
)

// LoadOptions configures one load.
type LoadOptions struct {
	// MaxPoints is the point budget before degradation. 0 keeps every point.
	MaxPoints int
	// Normalize recentres and rescales positions to TargetSpan.
	Normalize  bool
	TargetSpan float32
	ColorMode  pointcloud.ColorMode
	// Format forces a reader. FormatAuto detects from content and name.
	Format pointcloud.Format

	// OnProgress is called on the worker goroutine with monotonic values.
	OnProgress func(float64)
	// OnWarning is called on the worker goroutine for every reader warning
	// of a successful load.
	OnWarning func(pointcloud.Warning)
}

// OptionsFromConfig returns the per-load defaults held in cfg.
func OptionsFromConfig(cfg *config.LoaderConfig) LoadOptions {
	return LoadOptions{
		MaxPoints:  cfg.GetMaxPoints(),
		Normalize:  cfg.GetNormalize(),
		TargetSpan: cfg.GetTargetSpan(),
		ColorMode:  cfg.GetColorMode(),
		Format:     cfg.GetFormat(),
	}
}
