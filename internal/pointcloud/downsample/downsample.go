// Package downsample reduces a point cloud to a point budget.
package downsample

import "github.com/banshee-data/pointcloud/internal/pointcloud"

// Downsample keeps every stride-th point, stride = N/target, emitting at
// most target points with every present attribute carried along.
//
// It returns attrs unchanged when target <= 0 or N <= target. The output is
// deterministic. Because the stride is rounded down, the kept points cover
// only the head of the cloud when N/target is fractional: N=19, target=10
// keeps points 0..9.
func Downsample(attrs *pointcloud.RawAttributes, target int) *pointcloud.RawAttributes {
	n := attrs.PointCount()
	if target <= 0 || n <= target {
		return attrs
	}
	stride := n / target
	count := min(n/stride, target)

	out := &pointcloud.RawAttributes{
		Positions:      make([]float32, 0, 3*count),
		DeclaredCount:  attrs.DeclaredCount,
		SkippedRecords: attrs.SkippedRecords,
		Warnings:       attrs.Warnings,
		Metadata:       attrs.Metadata,
	}
	if attrs.Colors != nil {
		out.Colors = make([]float32, 0, 3*count)
	}
	if attrs.Intensity != nil {
		out.Intensity = make([]float32, 0, count)
	}
	if attrs.Classification != nil {
		out.Classification = make([]uint16, 0, count)
	}

	for k := 0; k < count; k++ {
		i := k * stride
		out.Positions = append(out.Positions, attrs.Positions[3*i:3*i+3]...)
		if out.Colors != nil {
			out.Colors = append(out.Colors, attrs.Colors[3*i:3*i+3]...)
		}
		if out.Intensity != nil {
			out.Intensity = append(out.Intensity, attrs.Intensity[i])
		}
		if out.Classification != nil {
			out.Classification = append(out.Classification, attrs.Classification[i])
		}
	}
	return out
}
