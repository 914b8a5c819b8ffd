package statusapi

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/pointcloud/internal/journal"
	"github.com/banshee-data/pointcloud/internal/loader"
	"github.com/banshee-data/pointcloud/internal/monitoring"
	"github.com/banshee-data/pointcloud/internal/recovery"
	"github.com/banshee-data/pointcloud/internal/resources"
	"github.com/banshee-data/pointcloud/internal/source"
	"github.com/banshee-data/pointcloud/internal/testutil"
	"github.com/banshee-data/pointcloud/internal/timeutil"
)

func init() { monitoring.SetLogger(nil) }

type fixture struct {
	srv     *Server
	tracker *resources.Tracker
	manager *recovery.Manager
	loads   *loader.Controller
	clock   *timeutil.MockClock
}

func newFixture(t *testing.T, withJournal bool) *fixture {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	tr := resources.NewTracker(resources.TrackerConfig{})
	m := recovery.NewManager(recovery.Config{Clock: clock, Releaser: tr})
	tr.SetGate(m)
	var store *journal.Store
	if withJournal {
		var err error
		store, err = journal.Open(filepath.Join(t.TempDir(), "journal.db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
	}
	cfg := loader.Config{Tracker: tr, Guard: m}
	if store != nil {
		cfg.Journal = store
	}
	lc := loader.NewController(cfg)
	m.SetCanceller(lc)

	srv, err := New(Config{Tracker: tr, Manager: m, Loader: lc, Journal: store})
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Close()
		m.Close()
		lc.Close(context.Background())
	})
	return &fixture{srv: srv, tracker: tr, manager: m, loads: lc, clock: clock}
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) load(t *testing.T, n int) *loader.Handle {
	t.Helper()
	pos := testutil.Grid(n, [3]float32{})
	h := f.loads.Load(source.Memory("grid.ply", testutil.PLYBinary(pos, testutil.Colors(n), binary.LittleEndian)),
		loader.LoadOptions{Normalize: true, TargetSpan: 10})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := h.Wait(ctx)
	require.NoError(t, err)
	return h
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	assert.Error(t, err)
}

func TestStatsAndDatasets(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	h := f.load(t, 2_000)

	rec := f.do(t, http.MethodGet, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[map[string]any](t, rec)
	res := stats["resources"].(map[string]any)
	assert.EqualValues(t, 3, res["live"])
	assert.Equal(t, map[string]any{"complete": float64(1)}, stats["sessions"])
	assert.Equal(t, map[string]any{"complete": float64(1)}, stats["journal"])

	rec = f.do(t, http.MethodGet, "/api/datasets")
	require.Equal(t, http.StatusOK, rec.Code)
	sets := decode[[]datasetSummary](t, rec)
	require.Len(t, sets, 1)
	assert.Equal(t, h.ID(), sets[0].ID)
	assert.Equal(t, 2_000, sets[0].Points)
	assert.Equal(t, "ply", sets[0].Format)
	assert.InDelta(t, 10, sets[0].BoundsMax[0]-sets[0].BoundsMin[0], 1e-3)

	rec = f.do(t, http.MethodPost, "/api/stats")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSessionsEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	h := f.load(t, 500)

	rec := f.do(t, http.MethodGet, "/api/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	live := decode[[]loader.SessionInfo](t, rec)
	require.Len(t, live, 1)
	assert.Equal(t, loader.StatusComplete, live[0].Status)

	rec = f.do(t, http.MethodGet, "/api/sessions?history=1&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[[]journal.SessionRow](t, rec)
	require.Len(t, rows, 1)
	assert.Equal(t, h.ID(), rows[0].ID)

	rec = f.do(t, http.MethodGet, "/api/sessions/"+h.ID().String())
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/sessions/not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/sessions/"+h.ID().String())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, f.tracker.Stats().Live)
}

func TestHistoryWithoutJournal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	rec := f.do(t, http.MethodGet, "/api/sessions?history=1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDatasetPreview(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	h := f.load(t, 20_000)

	rec := f.do(t, http.MethodGet, "/api/datasets/"+h.ID().String()+"/preview?max_points=1000&view=front")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "grid.ply")
	assert.Contains(t, body, "scatter")

	rec = f.do(t, http.MethodGet, "/api/datasets/00000000-0000-0000-0000-000000000000/preview")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContextLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.load(t, 1_000)
	ctx := context.Background()

	status, err := f.srv.Health().Check(ctx, RenderService)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)

	rec := f.do(t, http.MethodPost, "/api/context/lost")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[map[string]any](t, rec)
	assert.Equal(t, "recovering", st["phase"])
	assert.Equal(t, 0, f.tracker.Stats().Live, "loss releases every resource")

	rec = f.do(t, http.MethodGet, "/api/datasets")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]datasetSummary](t, rec), 1, "completed datasets stay listed after their resources are freed")

	status, err = f.srv.Health().Check(ctx, RenderService)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)

	rec = f.do(t, http.MethodGet, "/api/context")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode[map[string]any](t, rec)["accepting_registrations"])

	rec = f.do(t, http.MethodPost, "/api/context/restored")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", decode[map[string]any](t, rec)["phase"])

	status, err = f.srv.Health().Check(ctx, RenderService)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)

	rec = f.do(t, http.MethodPost, "/api/context/reset")
	assert.Equal(t, http.StatusConflict, rec.Code, "reset outside failed")

	rec = f.do(t, http.MethodGet, "/api/context/lost")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestFailedContextThenReset(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	for i := 0; i < recovery.DefaultCeiling; i++ {
		f.do(t, http.MethodPost, "/api/context/lost")
		f.clock.Advance(time.Second)
	}
	require.Equal(t, recovery.PhaseFailed, f.manager.Phase())

	rec := f.do(t, http.MethodPost, "/api/context/lost")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/context/reset")
	require.Equal(t, http.StatusOK, rec.Code)
	status, err := f.srv.Health().Check(context.Background(), RenderService)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.load(t, 100)

	rec := f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, name := range []string{"pointcloud_resources_live", "pointcloud_context_phase", "go_goroutines"} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}
}
