// Package quality scores how plausible a parsed point cloud is. The loader
// attaches the score to datasets produced by a fallback reader, where the
// bytes may have been accepted by a format they were not written in.
package quality

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/pointcloud/internal/pointcloud"
)

// MaxPlausibleCoordinate bounds believable coordinate magnitudes. Projected
// survey coordinates stay well below it; misread binary tends not to.
const MaxPlausibleCoordinate = 1e8

// outlierSigma is the per-axis distance beyond which a point counts as an
// outlier.
const outlierSigma = 6

// Report breaks the confidence score into its components, each in [0,1].
type Report struct {
	Finite    float64 // share of position components that are finite
	Records   float64 // parsed records over parsed+skipped
	Agreement float64 // parsed count against the declared count
	Spread    float64 // share of points within outlierSigma on every axis
	Magnitude float64 // share of complete points inside MaxPlausibleCoordinate
	Score     float64
}

// component weights, in Report field order.
var weights = []float64{3, 1, 1, 2, 3}

// Assess scores attrs before sanitization.
func Assess(attrs *pointcloud.RawAttributes) Report {
	n := attrs.PointCount()
	if n == 0 {
		return Report{}
	}
	r := Report{Records: 1, Agreement: 1}

	cols := [3][]float64{make([]float64, 0, n), make([]float64, 0, n), make([]float64, 0, n)}
	finite, inRange := 0, 0
	for i := 0; i < n; i++ {
		ok, small := true, true
		for axis := 0; axis < 3; axis++ {
			v := float64(attrs.Positions[3*i+axis])
			if math.IsNaN(v) || math.IsInf(v, 0) {
				ok = false
				continue
			}
			finite++
			if math.Abs(v) > MaxPlausibleCoordinate {
				small = false
			}
		}
		if ok {
			for axis := 0; axis < 3; axis++ {
				cols[axis] = append(cols[axis], float64(attrs.Positions[3*i+axis]))
			}
			if small {
				inRange++
			}
		}
	}
	r.Finite = float64(finite) / float64(3*n)
	if complete := len(cols[0]); complete > 0 {
		r.Magnitude = float64(inRange) / float64(complete)
	}

	if s := attrs.SkippedRecords; s > 0 {
		r.Records = float64(n) / float64(n+s)
	}
	if d := attrs.DeclaredCount; d > 0 {
		r.Agreement = float64(min(n, d)) / float64(max(n, d))
	}
	r.Spread = spread(cols)

	scores := []float64{r.Finite, r.Records, r.Agreement, r.Spread, r.Magnitude}
	r.Score = floats.Dot(scores, weights) / floats.Sum(weights)
	return r
}

// spread returns the share of complete points lying within outlierSigma
// standard deviations of the mean on every axis.
func spread(cols [3][]float64) float64 {
	m := len(cols[0])
	switch m {
	case 0:
		return 0
	case 1:
		// The sample deviation needs two points; one point is its own mean.
		return 1
	}
	var mean, sd [3]float64
	for axis := 0; axis < 3; axis++ {
		mean[axis], sd[axis] = stat.MeanStdDev(cols[axis], nil)
	}
	inside := 0
	for i := 0; i < m; i++ {
		ok := true
		for axis := 0; axis < 3; axis++ {
			if math.IsNaN(sd[axis]) || math.IsInf(sd[axis], 0) {
				ok = false
				break
			}
			if sd[axis] > 0 && math.Abs(cols[axis][i]-mean[axis]) > outlierSigma*sd[axis] {
				ok = false
				break
			}
		}
		if ok {
			inside++
		}
	}
	return float64(inside) / float64(m)
}
