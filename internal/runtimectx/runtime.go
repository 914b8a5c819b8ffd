// Package runtimectx builds the single RuntimeContext that owns the
// resource tracker, recovery manager, load controller and their optional
// journal and status server. Components receive their collaborators from
// here; nothing is held in package-level state.
package runtimectx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/pointcloud/internal/config"
	"github.com/banshee-data/pointcloud/internal/fsutil"
	"github.com/banshee-data/pointcloud/internal/httputil"
	"github.com/banshee-data/pointcloud/internal/journal"
	"github.com/banshee-data/pointcloud/internal/loader"
	"github.com/banshee-data/pointcloud/internal/monitoring"
	"github.com/banshee-data/pointcloud/internal/pointcloud/formats"
	"github.com/banshee-data/pointcloud/internal/recovery"
	"github.com/banshee-data/pointcloud/internal/render"
	"github.com/banshee-data/pointcloud/internal/resources"
	"github.com/banshee-data/pointcloud/internal/source"
	"github.com/banshee-data/pointcloud/internal/statusapi"
	"github.com/banshee-data/pointcloud/internal/timeutil"
)

var logf = monitoring.Tagged("Runtime")

// Options overrides the collaborators New would otherwise build from the
// configuration.
type Options struct {
	Config     *config.LoaderConfig
	Clock      timeutil.Clock
	FS         fsutil.FileSystem
	HTTPClient httputil.HTTPClient
	// Device defaults to a host-memory device.
	Device render.Device
	// Renderer defaults to a chain with no primary renderer and the plot
	// renderer as fallback.
	Renderer   render.PointCloudRenderer
	PreviewDir string
	Registry   *prometheus.Registry
	// Formats defaults to a registry of the built-in readers.
	Formats *formats.Registry
}

// Device capabilities used for context signalling, when the device has them.
type (
	losable interface{ Lose() }

	restorable interface {
		RequestRestore() error
		SetOnRestored(func())
	}
)

// RuntimeContext owns every long-lived component.
type RuntimeContext struct {
	Config  *config.LoaderConfig
	Clock   timeutil.Clock
	Tracker *resources.Tracker
	Manager *recovery.Manager
	Loader  *loader.Controller
	Device  render.Device
	Formats *formats.Registry
	Journal *journal.Store
	Status  *statusapi.Server

	fs       fsutil.FileSystem
	http     httputil.HTTPClient
	registry *prometheus.Registry
	journalC loader.Journal

	mu          sync.Mutex
	initialized bool
	closed      bool
	stopWatch   func()
}

// New constructs and wires the components. It performs no I/O; call Init
// before loading.
func New(opts Options) (*RuntimeContext, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.EmptyLoaderConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	fsys := opts.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	client := opts.HTTPClient
	if client == nil {
		client = httputil.NewStandardClient(&http.Client{Timeout: cfg.GetHTTPTimeout()})
	}
	dev := opts.Device
	if dev == nil {
		dev = render.NewMemoryDevice()
	}
	renderer := opts.Renderer
	if renderer == nil {
		renderer = render.NewChain(nil, render.NewPlotRenderer())
	}
	reg := opts.Formats
	if reg == nil {
		reg = formats.BuiltinRegistry()
	}
	previewDir := opts.PreviewDir
	if previewDir == "" {
		previewDir = os.TempDir()
	}

	rc := &RuntimeContext{
		Config:   cfg,
		Clock:    clock,
		Device:   dev,
		Formats:  reg,
		fs:       fsys,
		http:     client,
		registry: opts.Registry,
	}

	rc.Tracker = resources.NewTracker(resources.TrackerConfig{MemoryBudget: cfg.GetMemoryBudget()})
	rc.Manager = recovery.NewManager(recovery.Config{
		Policy: recovery.Policy{
			Cooldown:          cfg.GetRecoveryCooldown(),
			MaxBackoff:        cfg.GetRecoveryMaxBackoff(),
			Ceiling:           cfg.GetRecoveryCeiling(),
			StableWindow:      cfg.GetRecoveryStableWindow(),
			MinDegradedPoints: cfg.GetMinDegradedPoints(),
		},
		Clock:    clock,
		Releaser: rc.Tracker,
	})
	rc.Tracker.SetGate(rc.Manager)

	fallback, fallbackOK := cfg.GetFallbackFormat()
	rc.Loader = loader.NewController(loader.Config{
		Tracker:         rc.Tracker,
		Registry:        rc.Formats,
		Device:          dev,
		Renderer:        renderer,
		Guard:           rc.Manager,
		Clock:           clock,
		Journal:         journalFunc(rc.recordSession),
		Fallback:        fallback,
		FallbackEnabled: fallbackOK,
		ChunkSize:       cfg.GetChunkSize(),
		StallTimeout:    cfg.GetStallTimeout(),
		MaxConcurrent:   cfg.GetMaxConcurrentLoads(),
		PreviewFS:       fsys,
		PreviewDir:      previewDir,
	})
	rc.Manager.SetCanceller(rc.Loader)

	if r, ok := dev.(restorable); ok {
		r.SetOnRestored(rc.Manager.OnContextRestored)
		rc.Manager.SetRestorer(r)
	}
	return rc, nil
}

// journalFunc adapts a function to loader.Journal.
type journalFunc func(context.Context, loader.SessionRecord) error

func (f journalFunc) RecordSession(ctx context.Context, rec loader.SessionRecord) error {
	return f(ctx, rec)
}

func (rc *RuntimeContext) recordSession(ctx context.Context, rec loader.SessionRecord) error {
	rc.mu.Lock()
	j := rc.journalC
	rc.mu.Unlock()
	if j == nil {
		return nil
	}
	return j.RecordSession(ctx, rec)
}

// ErrClosed is returned after Shutdown.
var ErrClosed = errors.New("runtime context shut down")

// Init opens the journal, when one is configured, and builds the status
// server. It is safe to call once.
func (rc *RuntimeContext) Init(ctx context.Context) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return ErrClosed
	}
	if rc.initialized {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if path := rc.Config.GetJournalPath(); path != "" {
		store, err := journal.Open(path)
		if err != nil {
			return err
		}
		rc.Journal = store
		rc.journalC = store
		rc.stopWatch = store.Watch(rc.Manager, rc.Clock.Now)
		logf("journal at %s", path)
	}

	status, err := statusapi.New(statusapi.Config{
		Tracker:  rc.Tracker,
		Manager:  rc.Manager,
		Loader:   rc.Loader,
		Journal:  rc.Journal,
		Control:  rc,
		Registry: rc.registry,
	})
	if err != nil {
		if rc.Journal != nil {
			rc.stopWatch()
			rc.Journal.Close()
			rc.Journal, rc.journalC = nil, nil
		}
		return err
	}
	rc.Status = status
	rc.initialized = true
	return nil
}

// Source resolves ref to a byte source: an http(s) URL or a file path
// confined to the configured allowed directories. A ".lz4" suffix adds
// decompression.
func (rc *RuntimeContext) Source(ref string) (source.ByteSource, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		u, err := source.NewURL(ref, rc.http)
		if err != nil {
			return nil, err
		}
		return source.Auto(u), nil
	}
	return source.Auto(source.NewFile(ref,
		source.WithFileSystem(rc.fs),
		source.WithAllowedDirs(rc.Config.AllowedDirs),
	)), nil
}

// Load starts a load of ref with the configured per-load defaults.
func (rc *RuntimeContext) Load(ref string, adjust func(*loader.LoadOptions)) (*loader.Handle, error) {
	rc.mu.Lock()
	closed := rc.closed
	rc.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	src, err := rc.Source(ref)
	if err != nil {
		return nil, err
	}
	opts := loader.OptionsFromConfig(rc.Config)
	if adjust != nil {
		adjust(&opts)
	}
	return rc.Loader.Load(src, opts), nil
}

// LoseContext reports a context loss from the device.
func (rc *RuntimeContext) LoseContext() error {
	if d, ok := rc.Device.(losable); ok {
		d.Lose()
	}
	return rc.Manager.OnContextLost()
}

// RestoreContext asks the device to restore its context. Devices without a
// restore capability are assumed restored.
func (rc *RuntimeContext) RestoreContext() error {
	if r, ok := rc.Device.(restorable); ok {
		return r.RequestRestore()
	}
	rc.Manager.OnContextRestored()
	return nil
}

// ResetContext clears a failed context so loading can resume.
func (rc *RuntimeContext) ResetContext() error {
	if err := rc.Manager.ResetAfterFailure(); err != nil {
		return err
	}
	// The manager is Active again; a device still lost follows it. The
	// restored callback is ignored outside Lost and Recovering.
	if d, ok := rc.Device.(interface{ IsLost() bool }); ok && d.IsLost() {
		if r, ok := rc.Device.(restorable); ok {
			return r.RequestRestore()
		}
	}
	return nil
}

// Shutdown cancels running loads, releases every tracked resource and
// closes the journal. Later calls are no-ops.
func (rc *RuntimeContext) Shutdown(ctx context.Context) error {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil
	}
	rc.closed = true
	rc.mu.Unlock()

	var errs []error
	if err := rc.Loader.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close loader: %w", err))
	}
	if err := rc.Tracker.ReleaseAll(); err != nil {
		errs = append(errs, fmt.Errorf("release resources: %w", err))
	}
	rc.Manager.Close()
	if rc.Status != nil {
		rc.Status.Close()
	}

	rc.mu.Lock()
	store, stop := rc.Journal, rc.stopWatch
	rc.journalC = nil
	rc.mu.Unlock()
	if store != nil {
		stop()
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	return errors.Join(errs...)
}
