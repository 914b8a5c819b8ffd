// Package loader runs point cloud loads as cancellable sessions: parse,
// sanitize, downsample, normalize, then register the result with the
// resource tracker and offer it to the renderer.
package loader

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/pointcloud/internal/fsutil"
	"github.com/banshee-data/pointcloud/internal/monitoring"
	"github.com/banshee-data/pointcloud/internal/pointcloud"
	"github.com/banshee-data/pointcloud/internal/pointcloud/formats"
	"github.com/banshee-data/pointcloud/internal/render"
	"github.com/banshee-data/pointcloud/internal/resources"
	"github.com/banshee-data/pointcloud/internal/source"
	"github.com/banshee-data/pointcloud/internal/timeutil"
)

var logf = monitoring.Tagged("Loader")

const (
	DefaultStallTimeout  = 30 * time.Second
	DefaultMaxConcurrent = 4

	// maxFinished bounds how many cancelled or failed sessions are kept for
	// listing.
	maxFinished = 64
)

// Guard reports the rendering context's view of in-flight loads. The
// recovery manager implements it.
type Guard interface {
	// ShouldAbort reports whether loads must stop at their next boundary.
	ShouldAbort() bool
	// PointBudget degrades a point budget after recoveries.
	PointBudget(base int) int
}

// ErrAbortedByContext is the abort cause while the context is unusable.
var ErrAbortedByContext = errors.New("rendering context not active")

// SessionRecord is what a Journal receives when a session ends.
type SessionRecord struct {
	ID         uuid.UUID
	Source     string
	Format     pointcloud.Format
	Status     Status
	Points     int
	Repairs    int
	Confidence float64
	Warnings   int
	Err        error
	Started    time.Time
	Finished   time.Time
}

// Journal persists session outcomes.
type Journal interface {
	RecordSession(ctx context.Context, rec SessionRecord) error
}

// Config wires a Controller. Zero values select defaults.
type Config struct {
	Registry *formats.Registry
	Tracker  *resources.Tracker
	Device   render.Device
	Renderer render.PointCloudRenderer
	Guard    Guard
	Clock    timeutil.Clock
	Journal  Journal

	// Fallback is the reader retried once after a format failure, when
	// FallbackEnabled is set.
	Fallback        pointcloud.Format
	FallbackEnabled bool

	ChunkSize     int
	StallTimeout  time.Duration
	MaxConcurrent int

	// PreviewFS and PreviewDir hold rendered previews as transient files.
	// A nil PreviewFS discards preview images.
	PreviewFS  fsutil.FileSystem
	PreviewDir string
}

// Controller starts loads and tracks their sessions.
type Controller struct {
	cfg Config
	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	handles  map[uuid.UUID]*Handle
	finished []uuid.UUID
	closed   bool
}

// NewController returns a controller. cfg.Tracker is required.
func NewController(cfg Config) *Controller {
	if cfg.Registry == nil {
		cfg.Registry = formats.BuiltinRegistry()
	}
	if cfg.Tracker == nil {
		cfg.Tracker = resources.NewTracker(resources.TrackerConfig{})
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.NewChain(nil, render.Summary{})
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Controller{
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		handles: make(map[uuid.UUID]*Handle),
	}
}

// ErrClosed is returned by loads started after Close.
var ErrClosed = errors.New("loader closed")

// Load starts loading src and returns immediately.
func (c *Controller) Load(src source.ByteSource, opts LoadOptions) *Handle {
	ctx, cancel := context.WithCancelCause(context.Background())
	h := &Handle{
		session:  newSession(src.Name(), c.cfg.Clock.Now()),
		ctl:      c,
		ctx:      ctx,
		cancel:   cancel,
		progress: make(chan float64, 1),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		h.session.abortRequested.Store(true)
		cancel(ErrClosed)
		h.err = &LoadError{Kind: KindCancelled, Source: src.Name(), Err: ErrClosed}
		_ = h.session.transition(StatusCancelled, c.cfg.Clock.Now())
		close(h.progress)
		close(h.done)
		return h
	}
	c.handles[h.ID()] = h
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.run(h, src, opts)
	}()
	return h
}

// Get returns a known session.
func (c *Controller) Get(id uuid.UUID) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[id]
	return h, ok
}

// Sessions lists known sessions, oldest first.
func (c *Controller) Sessions() []SessionInfo {
	c.mu.Lock()
	hs := make([]*Handle, 0, len(c.handles))
	for _, h := range c.handles {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	out := make([]SessionInfo, len(hs))
	for i, h := range hs {
		out[i] = h.Session()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Completed returns the handles of completed loads that have not been
// released, oldest first. After a context loss their GPU resources may
// already be freed; the datasets remain readable.
func (c *Controller) Completed() []*Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Handle
	for _, h := range c.handles {
		if h.Status() == StatusComplete {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].session.Started.Before(out[j].session.Started) })
	return out
}

// CancelAll cancels every in-flight load with reason as the cause and
// returns how many were cancelled.
func (c *Controller) CancelAll(reason error) int {
	if reason == nil {
		reason = errCancelledByCaller
	}
	c.mu.Lock()
	hs := make([]*Handle, 0, len(c.handles))
	for _, h := range c.handles {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	n := 0
	for _, h := range hs {
		if h.abort(reason) {
			n++
		}
	}
	return n
}

// Close cancels in-flight loads and waits for their workers, or for ctx.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.CancelAll(ErrClosed)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// forget releases a finished session's resources and drops it.
func (c *Controller) forget(h *Handle) error {
	c.mu.Lock()
	delete(c.handles, h.ID())
	c.mu.Unlock()
	return c.cfg.Tracker.ReleaseOwner(h.ID().String())
}

// retire records a terminal session, pruning old unsuccessful ones.
func (c *Controller) retire(h *Handle) {
	if h.Status() == StatusComplete {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = append(c.finished, h.ID())
	for len(c.finished) > maxFinished {
		delete(c.handles, c.finished[0])
		c.finished = c.finished[1:]
	}
}
