package statusapi

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/google/uuid"

	"github.com/banshee-data/pointcloud/internal/httputil"
)

type datasetSummary struct {
	ID            uuid.UUID  `json:"id"`
	Source        string     `json:"source"`
	Format        string     `json:"format"`
	Points        int        `json:"points"`
	Repairs       int        `json:"repairs"`
	Confidence    float64    `json:"confidence"`
	ColorMode     string     `json:"color_mode"`
	BoundsMin     [3]float32 `json:"bounds_min"`
	BoundsMax     [3]float32 `json:"bounds_max"`
	Scale         float32    `json:"scale"`
	CenterOffset  [3]float32 `json:"center_offset"`
	Warnings      int        `json:"warnings"`
	Renderer      string     `json:"renderer,omitempty"`
	PreviewURI    string     `json:"preview_uri,omitempty"`
	EstimatedSize int64      `json:"estimated_bytes"`
}

func (s *Server) handleDatasets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	out := []datasetSummary{}
	for _, h := range s.cfg.Loader.Completed() {
		ds, err := h.Result()
		if err != nil || ds == nil {
			continue
		}
		box, norm := ds.BoundingBox(), ds.Normalization()
		sum := datasetSummary{
			ID:            h.ID(),
			Source:        ds.Source(),
			Format:        ds.Format().String(),
			Points:        ds.PointCount(),
			Repairs:       ds.Repairs(),
			Confidence:    ds.Confidence(),
			ColorMode:     ds.ColorMode().String(),
			BoundsMin:     box.Min,
			BoundsMax:     box.Max,
			Scale:         norm.Scale,
			CenterOffset:  norm.CenterOffset,
			Warnings:      len(ds.Warnings()),
			PreviewURI:    h.PreviewURI(),
			EstimatedSize: ds.EstimatedBytes(),
		}
		if f := h.Frame(); f != nil {
			sum.Renderer = f.Renderer
		}
		out = append(out, sum)
	}
	httputil.WriteJSONOK(w, out)
}

// handleDatasetPreview renders an HTML scatter of a loaded dataset.
// Query params:
//   - max_points (optional; default 8000, 100..50000)
//   - view (optional; top, front or side)
func (s *Server) handleDatasetPreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ds, err := h.Result()
	if err != nil || ds == nil {
		httputil.Conflict(w, fmt.Sprintf("session is %s", h.Status()))
		return
	}

	maxPoints := 8000
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v >= 100 && v <= 50000 {
			maxPoints = v
		}
	}
	a, b, depth, xName, yName := previewAxes(r.URL.Query().Get("view"))

	pos := ds.Positions()
	n := ds.PointCount()
	stride := 1
	if n > maxPoints {
		stride = int(math.Ceil(float64(n) / float64(maxPoints)))
	}

	data := make([]opts.ScatterData, 0, n/stride+1)
	minD, maxD := math.Inf(1), math.Inf(-1)
	for i := 0; i < n; i += stride {
		d := float64(pos[3*i+depth])
		minD, maxD = math.Min(minD, d), math.Max(maxD, d)
		data = append(data, opts.ScatterData{Value: []interface{}{pos[3*i+a], pos[3*i+b], d}})
	}
	if len(data) == 0 {
		minD, maxD = 0, 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Point cloud preview", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: ds.Source(), Subtitle: fmt.Sprintf("points=%d shown=%d stride=%d", n, len(data), stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: xName, NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: yName, NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(minD),
			Max:        float32(maxD),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#3e4989", "#26828e", "#35b779", "#fde725"}},
		}),
	)
	scatter.AddSeries(ds.Format().String(), data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 2}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	httputil.WriteHTML(w, http.StatusOK, buf.Bytes())
}

// previewAxes returns the plotted components, the depth component used for
// colour, and the axis names.
func previewAxes(view string) (a, b, depth int, xName, yName string) {
	switch view {
	case "front":
		return 0, 2, 1, "X", "Z"
	case "side":
		return 1, 2, 0, "Y", "Z"
	default:
		return 0, 1, 2, "X", "Y"
	}
}
