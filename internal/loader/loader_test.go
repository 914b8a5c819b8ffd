package loader

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pointcloud/internal/fsutil"
	"github.com/banshee-data/pointcloud/internal/monitoring"
	"github.com/banshee-data/pointcloud/internal/pointcloud"
	"github.com/banshee-data/pointcloud/internal/recovery"
	"github.com/banshee-data/pointcloud/internal/render"
	"github.com/banshee-data/pointcloud/internal/resources"
	"github.com/banshee-data/pointcloud/internal/source"
	"github.com/banshee-data/pointcloud/internal/testutil"
	"github.com/banshee-data/pointcloud/internal/timeutil"
)

func init() { monitoring.SetLogger(nil) }

func wait(t *testing.T, h *Handle) (*pointcloud.Dataset, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ds, err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return ds, err
}

func TestWellFormedLoad(t *testing.T) {
	t.Parallel()

	tr := resources.NewTracker(resources.TrackerConfig{})
	c := NewController(Config{Tracker: tr})
	pos := testutil.Grid(50_000, [3]float32{})
	h := c.Load(source.Memory("scan.ply", testutil.PLYBinary(pos, testutil.Colors(50_000), binary.LittleEndian)),
		LoadOptions{MaxPoints: 100_000, Normalize: true, TargetSpan: 10})

	ds, err := wait(t, h)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, h.Status())
	assert.Equal(t, 50_000, ds.PointCount())
	assert.Equal(t, 0, ds.Repairs())
	assert.Equal(t, pointcloud.FormatPLY, ds.Format())
	assert.InDelta(t, 10.0/4999.0, ds.Normalization().Scale, 1e-6)
	assert.InDelta(t, 10, ds.BoundingBox().MaxDim(), 1e-3)
	assert.Equal(t, 1.0, ds.Confidence())
	assert.Len(t, ds.Colors(), len(ds.Positions()))

	s := tr.Stats()
	assert.Equal(t, 2, s.Counts[resources.KindBuffer], "positions and colours")
	assert.Equal(t, 1, s.Counts[resources.KindMaterial])
	assert.Equal(t, 3, tr.OwnerCount(h.ID().String()))

	require.NoError(t, h.Release())
	assert.Equal(t, 0, tr.Stats().Live)
	_, ok := c.Get(h.ID())
	assert.False(t, ok)
}

func TestDownsampledLoad(t *testing.T) {
	t.Parallel()

	n := 1_000_000
	tr := resources.NewTracker(resources.TrackerConfig{})
	c := NewController(Config{Tracker: tr})
	h := c.Load(source.Memory("big.ply", testutil.PLYBinary(testutil.Grid(n, [3]float32{}), nil, binary.LittleEndian)),
		LoadOptions{MaxPoints: 200_000})

	ds, err := wait(t, h)
	require.NoError(t, err)
	assert.Equal(t, 200_000, ds.PointCount())
	assert.Len(t, ds.Positions(), 3*200_000)
	assert.Len(t, ds.RenderColors(), 3*200_000)
	// stride 5 keeps every fifth grid point
	assert.Equal(t, float32(5), ds.Positions()[3])
	assert.Equal(t, float32(0), ds.Positions()[6])
	assert.Equal(t, float32(1), ds.Positions()[7])
}

func TestNaNPositionsRepaired(t *testing.T) {
	t.Parallel()

	pos := testutil.Grid(100, [3]float32{})
	nan := float32(math.NaN())
	for i := 0; i < 10; i++ {
		pos[i*7] = nan
	}
	c := NewController(Config{})
	h := c.Load(source.Memory("nan.ply", testutil.PLYBinary(pos, nil, binary.BigEndian)), LoadOptions{Normalize: true})

	ds, err := wait(t, h)
	require.NoError(t, err)
	assert.Equal(t, 10, ds.Repairs())
	assert.True(t, ds.BoundingBox().IsFinite())
	for _, v := range ds.Positions() {
		require.False(t, math.IsNaN(float64(v)))
	}
}

func TestNormalizeIdenticalPoints(t *testing.T) {
	t.Parallel()

	c := NewController(Config{})
	h := c.Load(source.Memory("same.json", []byte(`{"positions":[100,100,100,100,100,100]}`)),
		LoadOptions{Normalize: true, TargetSpan: 10})

	ds, err := wait(t, h)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 0, 0, 0}, ds.Positions())
	assert.Equal(t, float32(1), ds.Normalization().Scale)
	assert.Equal(t, [3]float32{-100, -100, -100}, [3]float32(ds.Normalization().CenterOffset))

	box := ds.BoundingBox()
	for axis := 0; axis < 3; axis++ {
		assert.LessOrEqual(t, box.Min[axis], float32(0))
		assert.GreaterOrEqual(t, box.Max[axis], float32(0))
	}
	assert.Greater(t, ds.BoundingSphere().Radius, float32(0))
}

// gatedSource serves the first half of data, then blocks until the load's
// context is cancelled.
type gatedSource struct {
	name    string
	data    []byte
	reached chan struct{}
	once    sync.Once
}

func (g *gatedSource) Name() string { return g.name }

func (g *gatedSource) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	return io.NopCloser(&gatedReader{g: g, ctx: ctx, r: bytes.NewReader(g.data), limit: len(g.data) / 2}), int64(len(g.data)), nil
}

type gatedReader struct {
	g     *gatedSource
	ctx   context.Context
	r     *bytes.Reader
	read  int
	limit int
}

func (r *gatedReader) Read(p []byte) (int, error) {
	if r.read >= r.limit {
		r.g.once.Do(func() { close(r.g.reached) })
		<-r.ctx.Done()
		return 0, r.ctx.Err()
	}
	if len(p) > r.limit-r.read {
		p = p[:r.limit-r.read]
	}
	n, err := r.r.Read(p)
	r.read += n
	return n, err
}

func TestContextLossMidParse(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Now())
	mgr := recovery.NewManager(recovery.Config{Clock: clock})
	tr := resources.NewTracker(resources.TrackerConfig{Gate: mgr})
	dev := render.NewMemoryDevice()
	c := NewController(Config{Tracker: tr, Device: dev, Guard: mgr, ChunkSize: 4096})
	mgr.SetReleaser(tr)
	mgr.SetCanceller(c)

	small := c.Load(source.Memory("small.ply", testutil.PLYBinary(testutil.Grid(1000, [3]float32{}), nil, binary.LittleEndian)), LoadOptions{})
	_, err := wait(t, small)
	require.NoError(t, err)
	require.Equal(t, 3, tr.Stats().Live)
	require.Equal(t, 3, dev.Live())

	gs := &gatedSource{
		name:    "large.ply",
		data:    testutil.PLYBinary(testutil.Grid(200_000, [3]float32{}), nil, binary.LittleEndian),
		reached: make(chan struct{}),
	}
	big := c.Load(gs, LoadOptions{})
	select {
	case <-gs.reached:
	case <-time.After(30 * time.Second):
		t.Fatal("parse never reached the gate")
	}
	assert.Equal(t, StatusParsing, big.Status())
	assert.Greater(t, big.Session().Progress, 0.0)

	require.NoError(t, mgr.OnContextLost())

	_, err = wait(t, big)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, recovery.ErrContextLost)
	assert.Equal(t, StatusCancelled, big.Status())
	assert.True(t, big.Session().AbortRequested)

	s := tr.Stats()
	assert.Equal(t, 0, s.Live)
	assert.Equal(t, int64(0), s.TotalEstimatedBytes)
	assert.Equal(t, 0, dev.Live())
	assert.Equal(t, 0, dev.DoubleFrees())

	// New loads abort while the context is unusable.
	h := c.Load(source.Memory("again.ply", testutil.PLYBinary(testutil.Grid(10, [3]float32{}), nil, binary.LittleEndian)), LoadOptions{})
	_, err = wait(t, h)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, ErrAbortedByContext)
	assert.Equal(t, 0, tr.Stats().Live)
}

func TestCancelPendingAndRunning(t *testing.T) {
	t.Parallel()

	c := NewController(Config{MaxConcurrent: 1})
	gs := &gatedSource{
		name:    "slow.xyz",
		data:    testutil.XYZ(testutil.Grid(5000, [3]float32{}), nil),
		reached: make(chan struct{}),
	}
	running := c.Load(gs, LoadOptions{})
	<-gs.reached
	pending := c.Load(source.Memory("queued.xyz", testutil.XYZ(testutil.Grid(3, [3]float32{}), nil)), LoadOptions{})
	assert.Equal(t, StatusPending, pending.Status())

	pending.Cancel()
	_, err := wait(t, pending)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StatusCancelled, pending.Status())

	assert.Equal(t, 1, c.CancelAll(nil))
	_, err = wait(t, running)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, c.CancelAll(nil), "nothing left in flight")
}

func TestStallWatchdog(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Now())
	c := NewController(Config{Clock: clock, StallTimeout: 30 * time.Second})
	gs := &gatedSource{
		name:    "stuck.ply",
		data:    testutil.PLYBinary(testutil.Grid(50_000, [3]float32{}), nil, binary.LittleEndian),
		reached: make(chan struct{}),
	}
	h := c.Load(gs, LoadOptions{})
	<-gs.reached

	clock.Advance(29 * time.Second)
	assert.Equal(t, StatusParsing, h.Status())
	clock.Advance(time.Second)

	_, err := wait(t, h)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStalled)
	assert.NotErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StatusCancelled, h.Status())
}

type failingSource struct{ err error }

func (failingSource) Name() string { return "remote.ply" }

func (f failingSource) Open(context.Context) (io.ReadCloser, int64, error) { return nil, 0, f.err }

func TestNetworkError(t *testing.T) {
	t.Parallel()

	c := NewController(Config{})
	h := c.Load(failingSource{err: errors.New("connection refused")}, LoadOptions{})
	_, err := wait(t, h)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, StatusFailed, h.Status())
}

func TestFormatErrors(t *testing.T) {
	t.Parallel()

	c := NewController(Config{})
	h := c.Load(source.Memory("empty.ply", nil), LoadOptions{})
	_, err := wait(t, h)
	assert.ErrorIs(t, err, ErrFormat)
	assert.Equal(t, StatusFailed, h.Status())

	h = c.Load(source.Memory("broken.ply", []byte("ply\nformat ascii 1.0\nelement vertex 3\nend_header\n")), LoadOptions{})
	_, err = wait(t, h)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestFallbackReader(t *testing.T) {
	t.Parallel()

	c := NewController(Config{Fallback: pointcloud.FormatXYZ, FallbackEnabled: true})
	var warnings []pointcloud.Warning
	h := c.Load(source.Memory("export.dat", testutil.XYZ(testutil.Grid(100, [3]float32{}), nil)),
		LoadOptions{OnWarning: func(w pointcloud.Warning) { warnings = append(warnings, w) }})

	ds, err := wait(t, h)
	require.NoError(t, err)
	assert.Equal(t, pointcloud.FormatXYZ, ds.Format())
	assert.Equal(t, 100, ds.PointCount())
	assert.Greater(t, ds.Confidence(), 0.9)
	require.NotEmpty(t, warnings)
	assert.Equal(t, pointcloud.WarnFallbackReader, warnings[len(warnings)-1].Code)

	// One retry only: the fallback failing surfaces both failures.
	c = NewController(Config{Fallback: pointcloud.FormatPLY, FallbackEnabled: true})
	h = c.Load(source.Memory("export.dat", []byte("\x00\x01\x02 not a cloud")), LoadOptions{})
	_, err = wait(t, h)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFormat)
	assert.ErrorContains(t, err, "fallback ply")

	c = NewController(Config{})
	h = c.Load(source.Memory("export.dat", testutil.XYZ(testutil.Grid(3, [3]float32{}), nil)), LoadOptions{})
	_, err = wait(t, h)
	assert.ErrorIs(t, err, ErrFormat, "no fallback configured")
}

func TestOutOfBudget(t *testing.T) {
	t.Parallel()

	tr := resources.NewTracker(resources.TrackerConfig{MemoryBudget: 20_000})
	c := NewController(Config{Tracker: tr})
	h := c.Load(source.Memory("cloud.ply", testutil.PLYBinary(testutil.Grid(1000, [3]float32{}), nil, binary.LittleEndian)), LoadOptions{})

	_, err := wait(t, h)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutOfBudget)
	assert.ErrorIs(t, err, resources.ErrOutOfBudget)
	assert.Equal(t, StatusFailed, h.Status())
	assert.Equal(t, 0, tr.Stats().Live, "partial registrations are released")
}

func TestProgressStream(t *testing.T) {
	t.Parallel()

	c := NewController(Config{ChunkSize: 1024})
	var mu sync.Mutex
	var seen []float64
	h := c.Load(source.Memory("cloud.pcd", testutil.PCDBinary(testutil.Grid(20_000, [3]float32{}), nil)),
		LoadOptions{Normalize: true, OnProgress: func(p float64) {
			mu.Lock()
			seen = append(seen, p)
			mu.Unlock()
		}})

	var streamed []float64
	for p := range h.Progress() {
		streamed = append(streamed, p)
	}
	_, err := wait(t, h)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
	assert.Equal(t, 1.0, seen[len(seen)-1])
	assert.Contains(t, seen, progressSanitized)
	assert.Contains(t, seen, progressNormalized)
	for _, p := range seen {
		if p < progressSanitized {
			assert.LessOrEqual(t, p, progressParsed)
		}
	}
	require.NotEmpty(t, streamed)
	assert.Equal(t, 1.0, streamed[len(streamed)-1])
}

type stubGuard struct{ budget int }

func (stubGuard) ShouldAbort() bool { return false }

func (g stubGuard) PointBudget(base int) int { return g.budget }

func TestGuardDegradesBudget(t *testing.T) {
	t.Parallel()

	c := NewController(Config{Guard: stubGuard{budget: 100}})
	h := c.Load(source.Memory("cloud.xyz", testutil.XYZ(testutil.Grid(1000, [3]float32{}), nil)), LoadOptions{MaxPoints: 500})
	ds, err := wait(t, h)
	require.NoError(t, err)
	assert.Equal(t, 100, ds.PointCount())
}

type memJournal struct {
	mu   sync.Mutex
	recs []SessionRecord
}

func (j *memJournal) RecordSession(_ context.Context, rec SessionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recs = append(j.recs, rec)
	return nil
}

func TestJournalAndPreview(t *testing.T) {
	t.Parallel()

	j := &memJournal{}
	mfs := fsutil.NewMemoryFileSystem()
	tr := resources.NewTracker(resources.TrackerConfig{})
	c := NewController(Config{
		Tracker:    tr,
		Journal:    j,
		Renderer:   render.NewChain(nil, render.NewPlotRenderer()),
		PreviewFS:  mfs,
		PreviewDir: "/tmp/previews",
	})
	h := c.Load(source.Memory("cloud.json", testutil.JSONCloud(testutil.Grid(200, [3]float32{}), nil, nil, nil)),
		LoadOptions{ColorMode: pointcloud.ColorHeight})
	ds, err := wait(t, h)
	require.NoError(t, err)

	require.NotNil(t, h.Frame())
	assert.Equal(t, "plot", h.Frame().Renderer)
	assert.Contains(t, h.PreviewURI(), "file:///tmp/previews/preview-")
	assert.Equal(t, 1, mfs.FileCount())
	assert.Equal(t, 1, tr.Stats().Counts[resources.KindTransientURI])

	j.mu.Lock()
	require.Len(t, j.recs, 1)
	rec := j.recs[0]
	j.mu.Unlock()
	assert.Equal(t, h.ID(), rec.ID)
	assert.Equal(t, StatusComplete, rec.Status)
	assert.Equal(t, ds.PointCount(), rec.Points)
	assert.Equal(t, pointcloud.FormatJSON, rec.Format)

	require.NoError(t, h.Release())
	assert.Equal(t, 0, mfs.FileCount(), "preview file removed with the session")
}

func TestCloseRejectsNewLoads(t *testing.T) {
	t.Parallel()

	c := NewController(Config{})
	require.NoError(t, c.Close(context.Background()))
	h := c.Load(source.Memory("late.xyz", []byte("1 2 3\n")), LoadOptions{})
	_, err := wait(t, h)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, StatusCancelled, h.Status())
}

func TestSessionTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusParsing, true},
		{StatusPending, StatusSanitizing, false},
		{StatusParsing, StatusSanitizing, true},
		{StatusSanitizing, StatusRegistering, true},
		{StatusSanitizing, StatusNormalizing, true},
		{StatusDownsampling, StatusRegistering, true},
		{StatusRegistering, StatusComplete, true},
		{StatusParsing, StatusComplete, false},
		{StatusParsing, StatusFailed, true},
		{StatusRegistering, StatusFailed, true},
		{StatusSanitizing, StatusFailed, false},
		{StatusNormalizing, StatusCancelled, true},
		{StatusPending, StatusCancelled, true},
		{StatusComplete, StatusCancelled, false},
		{StatusCancelled, StatusFailed, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, canTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}
