package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pointcloud/internal/loader"
	"github.com/banshee-data/pointcloud/internal/monitoring"
	"github.com/banshee-data/pointcloud/internal/pointcloud"
	"github.com/banshee-data/pointcloud/internal/recovery"
	"github.com/banshee-data/pointcloud/internal/timeutil"
)

func init() { monitoring.SetLogger(nil) }

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplied(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	v, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
	assert.False(t, dirty)

	// Running again is a no-op.
	require.NoError(t, s.MigrateUp())
}

func TestReopenKeepsRows(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := Open(path)
	require.NoError(t, err)
	id := uuid.New()
	require.NoError(t, s.RecordSession(context.Background(), loader.SessionRecord{
		ID: id, Source: "a.ply", Format: pointcloud.FormatPLY, Status: loader.StatusComplete,
		Points: 10, Confidence: 1, Started: t0, Finished: t0.Add(time.Second),
	}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	rows, err := s.RecentSessions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].ID)
}

func TestRecordSession(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	ctx := context.Background()

	ok := loader.SessionRecord{
		ID: uuid.New(), Source: "scan.ply", Format: pointcloud.FormatPLY, Status: loader.StatusComplete,
		Points: 50_000, Repairs: 3, Confidence: 1, Warnings: 1,
		Started: t0, Finished: t0.Add(2 * time.Second),
	}
	failed := loader.SessionRecord{
		ID: uuid.New(), Source: "broken.pcd", Format: pointcloud.FormatPCD, Status: loader.StatusFailed,
		Err:     &loader.LoadError{Kind: loader.KindFormat, Source: "broken.pcd", Err: errors.New("bad header")},
		Started: t0.Add(time.Second), Finished: t0.Add(3 * time.Second),
	}
	require.NoError(t, s.RecordSession(ctx, ok))
	require.NoError(t, s.RecordSession(ctx, failed))

	rows, err := s.RecentSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, failed.ID, rows[0].ID, "newest first")
	assert.Equal(t, "failed", rows[0].Status)
	assert.Equal(t, loader.KindFormat.String(), rows[0].ErrorKind)
	assert.Contains(t, rows[0].Error, "bad header")

	assert.Equal(t, ok.ID, rows[1].ID)
	assert.Equal(t, 50_000, rows[1].Points)
	assert.Equal(t, 3, rows[1].Repairs)
	assert.Equal(t, pointcloud.FormatPLY.String(), rows[1].Format)
	assert.True(t, rows[1].Started.Equal(t0))
	assert.Empty(t, rows[1].Error)

	counts, err := s.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"complete": 1, "failed": 1}, counts)
}

func TestRecordSessionUpserts(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	ctx := context.Background()
	rec := loader.SessionRecord{ID: uuid.New(), Source: "x.xyz", Format: pointcloud.FormatXYZ,
		Status: loader.StatusCancelled, Started: t0, Finished: t0.Add(time.Second)}
	require.NoError(t, s.RecordSession(ctx, rec))
	rec.Status = loader.StatusComplete
	rec.Points = 7
	require.NoError(t, s.RecordSession(ctx, rec))

	rows, err := s.RecentSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "complete", rows[0].Status)
	assert.Equal(t, 7, rows[0].Points)
}

func TestWatchRecordsContextEvents(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	clock := timeutil.NewMockClock(t0)
	m := recovery.NewManager(recovery.Config{Clock: clock})
	t.Cleanup(m.Close)
	stop := s.Watch(m, clock.Now)

	require.NoError(t, m.OnContextLost())
	clock.Advance(time.Second)
	m.OnContextRestored()

	events, err := s.RecentContextEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventRestored, events[0].Event)
	assert.Equal(t, recovery.PhaseActive, events[0].Phase)
	assert.Equal(t, 1, events[0].RecoveryAttempts)
	assert.Equal(t, EventLost, events[1].Event)
	assert.Equal(t, recovery.PhaseLost, events[1].Phase)
	assert.Equal(t, 1, events[1].LossCount)
	assert.True(t, events[1].At.Equal(t0))

	stop()
	require.NoError(t, m.OnContextLost())
	events, err = s.RecentContextEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, events, 2, "no events after stop")
}

func TestFailedEventCarriesError(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	ev := NewContextEvent(EventFailed, recovery.ContextState{Phase: recovery.PhaseFailed, LossCount: 3},
		recovery.ErrCeilingExceeded, t0)
	require.NoError(t, s.RecordContextEvent(context.Background(), ev))

	events, err := s.RecentContextEvents(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ev.ID, events[0].ID)
	assert.Equal(t, recovery.PhaseFailed, events[0].Phase)
	assert.Equal(t, recovery.ErrCeilingExceeded.Error(), events[0].Error)
}

func TestMigrateDownAndTo(t *testing.T) {
	t.Parallel()

	latest, err := LatestVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), latest)

	s, err := OpenUnmigrated(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer s.Close()

	v, _, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), v, "nothing applied yet")

	require.NoError(t, s.MigrateTo(1))
	v, _, err = s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	_, err = s.RecentContextEvents(context.Background(), 1)
	assert.Error(t, err, "context_events arrives in version 2")

	require.NoError(t, s.MigrateUp())
	require.NoError(t, s.MigrateDown())
	v, _, err = s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), v)

	require.NoError(t, s.MigrateForce(2))
	v, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
	assert.False(t, dirty)
}
