// Package journal records load sessions and rendering context events in a
// SQLite database.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/pointcloud/internal/loader"
	"github.com/banshee-data/pointcloud/internal/monitoring"
	"github.com/banshee-data/pointcloud/internal/recovery"
)

var logf = monitoring.Tagged("Journal")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the journal database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the journal at path and migrates it to the latest
// schema. ":memory:" gives a private in-memory journal.
func Open(path string) (*Store, error) {
	s, err := OpenUnmigrated(path)
	if err != nil {
		return nil, err
	}
	if err := s.MigrateUp(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// OpenUnmigrated opens the journal without touching its schema, for the
// migration commands.
func OpenUnmigrated(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// One connection keeps an in-memory database alive and serialises writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure journal: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load journal migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("create sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// MigrateUp applies pending migrations. The migrate instance is not closed
// because that would close the shared database handle.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("journal migration up failed: %w", err)
	}
	return nil
}

// MigrateDown rolls back every migration.
func (s *Store) MigrateDown() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("journal migration down failed: %w", err)
	}
	return nil
}

// MigrateTo migrates up or down to version.
func (s *Store) MigrateTo(version uint) error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("journal migration to version %d failed: %w", version, err)
	}
	return nil
}

// MigrateForce records version as applied and clears the dirty flag
// without running any migration.
func (s *Store) MigrateForce(version int) error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Force(version); err != nil {
		return fmt.Errorf("force journal version %d: %w", version, err)
	}
	return nil
}

// LatestVersion returns the highest embedded migration version.
func LatestVersion() (uint, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return 0, err
	}
	defer src.Close()
	v, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		if err != nil {
			return 0, err
		}
		v = next
	}
}

// MigrateVersion returns the schema version, 0 when nothing is applied.
func (s *Store) MigrateVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) { logf("migrate: "+format, v...) }
func (migrateLogger) Verbose() bool                          { return false }

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// RecordSession stores the outcome of a load session. It satisfies
// loader.Journal.
func (s *Store) RecordSession(ctx context.Context, rec loader.SessionRecord) error {
	var kind, msg sql.NullString
	if rec.Err != nil {
		msg = sql.NullString{String: rec.Err.Error(), Valid: true}
		var le *loader.LoadError
		if errors.As(rec.Err, &le) {
			kind = sql.NullString{String: le.Kind.String(), Valid: true}
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO load_sessions (
			session_id, source, format, status, points, repairs, confidence,
			warnings, error_kind, error, started_ms, finished_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			points = excluded.points,
			repairs = excluded.repairs,
			confidence = excluded.confidence,
			warnings = excluded.warnings,
			error_kind = excluded.error_kind,
			error = excluded.error,
			finished_ms = excluded.finished_ms`,
		rec.ID.String(), rec.Source, rec.Format.String(), rec.Status.String(),
		rec.Points, rec.Repairs, rec.Confidence, rec.Warnings, kind, msg,
		toMillis(rec.Started), toMillis(rec.Finished))
	if err != nil {
		return fmt.Errorf("record session %s: %w", rec.ID, err)
	}
	return nil
}

// SessionRow is a stored session.
type SessionRow struct {
	ID         uuid.UUID `json:"id"`
	Source     string    `json:"source"`
	Format     string    `json:"format"`
	Status     string    `json:"status"`
	Points     int       `json:"points"`
	Repairs    int       `json:"repairs"`
	Confidence float64   `json:"confidence"`
	Warnings   int       `json:"warnings"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Started    time.Time `json:"started"`
	Finished   time.Time `json:"finished"`
}

// RecentSessions returns up to limit sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, source, format, status, points, repairs, confidence,
		       warnings, error_kind, error, started_ms, finished_ms
		FROM load_sessions
		ORDER BY finished_ms DESC, session_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var id string
		var kind, msg sql.NullString
		var started, finished int64
		if err := rows.Scan(&id, &r.Source, &r.Format, &r.Status, &r.Points, &r.Repairs,
			&r.Confidence, &r.Warnings, &kind, &msg, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("session id %q: %w", id, err)
		}
		r.ErrorKind, r.Error = kind.String, msg.String
		r.Started, r.Finished = fromMillis(started), fromMillis(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// StatusCounts returns the number of sessions per terminal status.
func (s *Store) StatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM load_sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// Context event names.
const (
	EventLost     = "lost"
	EventRestored = "restored"
	EventFailed   = "failed"
	EventReset    = "reset"
)

// ContextEvent is one rendering context transition.
type ContextEvent struct {
	ID               uuid.UUID      `json:"id"`
	Event            string         `json:"event"`
	Phase            recovery.Phase `json:"phase"`
	LossCount        int            `json:"loss_count"`
	RecoveryAttempts int            `json:"recovery_attempts"`
	Error            string         `json:"error,omitempty"`
	At               time.Time      `json:"at"`
}

// NewContextEvent builds an event from a manager snapshot.
func NewContextEvent(event string, st recovery.ContextState, err error, at time.Time) ContextEvent {
	ev := ContextEvent{
		ID:               uuid.New(),
		Event:            event,
		Phase:            st.Phase,
		LossCount:        st.LossCount,
		RecoveryAttempts: st.RecoveryAttempts,
		At:               at,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// RecordContextEvent stores ev.
func (s *Store) RecordContextEvent(ctx context.Context, ev ContextEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	var msg sql.NullString
	if ev.Error != "" {
		msg = sql.NullString{String: ev.Error, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO context_events (event_id, event, phase, loss_count, recovery_attempts, error, at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), ev.Event, ev.Phase.String(), ev.LossCount, ev.RecoveryAttempts, msg, toMillis(ev.At))
	if err != nil {
		return fmt.Errorf("record context event: %w", err)
	}
	return nil
}

// RecentContextEvents returns up to limit events, newest first.
func (s *Store) RecentContextEvents(ctx context.Context, limit int) ([]ContextEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event, phase, loss_count, recovery_attempts, error, at_ms
		FROM context_events
		ORDER BY at_ms DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query context events: %w", err)
	}
	defer rows.Close()

	var out []ContextEvent
	for rows.Next() {
		var ev ContextEvent
		var id, phase string
		var msg sql.NullString
		var at int64
		if err := rows.Scan(&id, &ev.Event, &phase, &ev.LossCount, &ev.RecoveryAttempts, &msg, &at); err != nil {
			return nil, fmt.Errorf("scan context event: %w", err)
		}
		if ev.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("event id %q: %w", id, err)
		}
		ev.Phase, _ = recovery.ParsePhase(phase)
		ev.Error = msg.String
		ev.At = fromMillis(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Watch records every loss, restoration and failure reported by m. The
// returned function stops recording.
func (s *Store) Watch(m *recovery.Manager, now func() time.Time) func() {
	record := func(ev ContextEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.RecordContextEvent(ctx, ev); err != nil {
			logf("%v", err)
		}
	}
	stops := []func(){
		m.SubscribeLost(func(st recovery.ContextState) { record(NewContextEvent(EventLost, st, nil, now())) }),
		m.SubscribeRestored(func(st recovery.ContextState) { record(NewContextEvent(EventRestored, st, nil, now())) }),
		m.SubscribeFailed(func(st recovery.ContextState, err error) { record(NewContextEvent(EventFailed, st, err, now())) }),
	}
	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}
