package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/banshee-data/pointcloud/internal/pointcloud"
	"github.com/banshee-data/pointcloud/internal/pointcloud/colorize"
	"github.com/banshee-data/pointcloud/internal/pointcloud/downsample"
	"github.com/banshee-data/pointcloud/internal/pointcloud/formats"
	"github.com/banshee-data/pointcloud/internal/pointcloud/normalize"
	"github.com/banshee-data/pointcloud/internal/pointcloud/quality"
	"github.com/banshee-data/pointcloud/internal/pointcloud/sanitize"
	"github.com/banshee-data/pointcloud/internal/render"
	"github.com/banshee-data/pointcloud/internal/resources"
	"github.com/banshee-data/pointcloud/internal/source"
	"github.com/banshee-data/pointcloud/internal/timeutil"
)

// Progress reached at the end of each stage. Parsing scales bytes read
// into [0, progressParsed].
const (
	progressParsed      = 0.85
	progressSanitized   = 0.90
	progressDownsampled = 0.93
	progressNormalized  = 0.96
	progressRegistered  = 0.99
)

// journalTimeout bounds how long a terminal session waits on the journal.
const journalTimeout = 5 * time.Second

type pipeline struct {
	c    *Controller
	h    *Handle
	s    *Session
	src  source.ByteSource
	opts LoadOptions

	watchdog timeutil.Timer

	format     pointcloud.Format
	confidence float64
	frame      *render.Frame
	preview    string
}

func (c *Controller) run(h *Handle, src source.ByteSource, opts LoadOptions) {
	p := &pipeline{c: c, h: h, s: h.session, src: src, opts: opts, format: opts.Format, confidence: 1}
	ds, err := p.execute()
	p.finish(ds, err)
}

func (p *pipeline) owner() string { return p.s.ID.String() }

func (p *pipeline) transition(to Status) {
	if err := p.s.transition(to, p.c.cfg.Clock.Now()); err != nil {
		logf("%v", err)
	}
}

// report records stage progress and feeds the stall watchdog.
func (p *pipeline) report(v float64) {
	p.beat()
	if !p.s.advance(v) {
		return
	}
	p.h.publish(v)
	if p.opts.OnProgress != nil {
		p.opts.OnProgress(v)
	}
}

func (p *pipeline) beat() {
	if p.watchdog != nil {
		p.watchdog.Reset(p.c.cfg.StallTimeout)
	}
}

// abortCheck is polled at every chunk and stage boundary.
func (p *pipeline) abortCheck() error {
	if err := p.h.ctx.Err(); err != nil {
		return context.Cause(p.h.ctx)
	}
	if p.s.AbortRequested() {
		return errCancelledByCaller
	}
	if g := p.c.cfg.Guard; g != nil && g.ShouldAbort() {
		return ErrAbortedByContext
	}
	return nil
}

// interrupted converts an abort into the session error.
func (p *pipeline) interrupted(cause error) error {
	if c := context.Cause(p.h.ctx); c != nil {
		cause = c
	}
	if errors.Is(cause, errStallTimeout) {
		return &LoadError{Kind: KindStalled, Source: p.src.Name(), Format: p.format,
			Err: fmt.Errorf("%w (%s)", errStallTimeout, p.c.cfg.StallTimeout)}
	}
	return &LoadError{Kind: KindCancelled, Source: p.src.Name(), Format: p.format, Err: cause}
}

// boundary is the stage-boundary check.
func (p *pipeline) boundary() error {
	if err := p.abortCheck(); err != nil {
		return p.interrupted(err)
	}
	return nil
}

func (p *pipeline) execute() (*pointcloud.Dataset, error) {
	select {
	case p.c.sem <- struct{}{}:
		defer func() { <-p.c.sem }()
	case <-p.h.ctx.Done():
		return nil, p.interrupted(context.Cause(p.h.ctx))
	}
	if err := p.boundary(); err != nil {
		return nil, err
	}

	p.transition(StatusParsing)
	p.h.publish(0)
	p.watchdog = p.c.cfg.Clock.AfterFunc(p.c.cfg.StallTimeout, func() {
		logf("session %s: no progress for %s, cancelling", p.s.ID, p.c.cfg.StallTimeout)
		p.h.abort(errStallTimeout)
	})

	attrs, err := p.parse()
	if err != nil {
		return nil, err
	}
	if err := p.boundary(); err != nil {
		return nil, err
	}

	p.transition(StatusSanitizing)
	res := sanitize.Sanitize(attrs)
	if res.Repairs > 0 || res.ColorRepairs > 0 {
		logf("session %s: repaired %d position and %d attribute values", p.s.ID, res.Repairs, res.ColorRepairs)
	}
	attrs, box, sphere := res.Attrs, res.Box, res.Sphere
	p.report(progressSanitized)
	if err := p.boundary(); err != nil {
		return nil, err
	}

	budget := p.opts.MaxPoints
	if g := p.c.cfg.Guard; g != nil {
		budget = g.PointBudget(budget)
	}
	if budget > 0 && attrs.PointCount() > budget {
		p.transition(StatusDownsampling)
		n := attrs.PointCount()
		attrs = downsample.Downsample(attrs, budget)
		box = sanitize.SafeBounds(attrs.Positions)
		sphere = sanitize.BoundingSphere(box)
		logf("session %s: downsampled %s to %s points", p.s.ID, humanize.Comma(int64(n)), humanize.Comma(int64(attrs.PointCount())))
		p.report(progressDownsampled)
		if err := p.boundary(); err != nil {
			return nil, err
		}
	}

	norm := normalize.Identity()
	if p.opts.Normalize {
		p.transition(StatusNormalizing)
		norm = normalize.Normalize(attrs, p.opts.TargetSpan)
		box = sanitize.SafeBounds(attrs.Positions)
		sphere = sanitize.BoundingSphere(box)
		p.report(progressNormalized)
		if err := p.boundary(); err != nil {
			return nil, err
		}
	}

	p.transition(StatusRegistering)
	colors, mode := colorize.Colorize(attrs, p.opts.ColorMode, box)
	ds, err := pointcloud.NewDataset(attrs, pointcloud.DatasetInfo{
		Box:           box,
		Sphere:        sphere,
		Normalization: norm,
		Format:        p.format,
		Source:        p.src.Name(),
		Repairs:       res.Repairs,
		Confidence:    &p.confidence,
		RenderColors:  colors,
		ColorMode:     mode,
	})
	if err != nil {
		return nil, &LoadError{Kind: KindFormat, Source: p.src.Name(), Format: p.format, Err: err}
	}
	if err := p.register(ds); err != nil {
		return nil, err
	}
	if err := p.present(ds, budget); err != nil {
		return nil, err
	}
	p.report(progressRegistered)
	if err := p.boundary(); err != nil {
		return nil, err
	}
	return ds, nil
}

// heartbeat resets the stall watchdog on every read, so sources of unknown
// size count as progressing while bytes arrive.
type heartbeat struct {
	r    io.Reader
	beat func()
}

func (h heartbeat) Read(b []byte) (int, error) {
	n, err := h.r.Read(b)
	if n > 0 {
		h.beat()
	}
	return n, err
}

func (p *pipeline) readOptions() formats.ReadOptions {
	return formats.ReadOptions{
		ChunkSize: p.c.cfg.ChunkSize,
		Progress:  func(f float64) { p.report(f * progressParsed) },
		Abort:     p.abortCheck,
	}
}

// parse reads the source with the detected or requested reader and, after a
// format failure, once more with the fallback reader.
func (p *pipeline) parse() (*pointcloud.RawAttributes, error) {
	attrs, err := p.parseAs(p.opts.Format)
	if err == nil {
		return attrs, nil
	}
	var fe *formats.FormatError
	if !errors.As(err, &fe) || fe.Kind == formats.KindEmpty {
		return nil, p.classify(err)
	}
	fb := p.c.cfg.Fallback
	if !p.c.cfg.FallbackEnabled || fb == pointcloud.FormatAuto || fb == fe.Format || fb == p.format {
		return nil, p.classify(err)
	}
	if err := p.boundary(); err != nil {
		return nil, err
	}

	logf("session %s: %v; retrying as %s", p.s.ID, err, fb)
	failed := p.format
	attrs, fbErr := p.parseAs(fb)
	if fbErr != nil {
		if p.abortCheck() != nil {
			return nil, p.interrupted(fbErr)
		}
		p.format = failed
		return nil, &LoadError{Kind: KindFormat, Source: p.src.Name(), Format: failed,
			Err: errors.Join(err, fmt.Errorf("fallback %s: %w", fb, fbErr))}
	}
	report := quality.Assess(attrs)
	p.confidence = report.Score
	attrs.Warn(pointcloud.WarnFallbackReader, "parsed as %s after %s failed (confidence %.2f)", fb, failed, report.Score)
	logf("session %s: fallback %s parsed %s points, confidence %.2f", p.s.ID, fb, humanize.Comma(int64(attrs.PointCount())), report.Score)
	return attrs, nil
}

// parseAs opens the source and reads it as f, detecting when f is
// FormatAuto. Errors are returned unclassified.
func (p *pipeline) parseAs(f pointcloud.Format) (*pointcloud.RawAttributes, error) {
	rc, size, err := p.src.Open(p.h.ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var r io.Reader = heartbeat{r: rc, beat: p.beat}
	if f == pointcloud.FormatAuto {
		detected, br, err := formats.DetectReader(p.src.Name(), r)
		if err != nil {
			return nil, err
		}
		f, r = detected, br
	}
	p.format = f
	reader, ok := p.c.cfg.Registry.Lookup(f)
	if !ok {
		return nil, &formats.FormatError{Format: f, Kind: formats.KindUnsupported, Msg: "no reader registered"}
	}
	return reader.Read(p.h.ctx, r, size, p.readOptions())
}

// classify maps a parse failure onto a LoadError.
func (p *pipeline) classify(err error) error {
	if cause := p.abortCheck(); cause != nil {
		return p.interrupted(cause)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return p.interrupted(err)
	}
	var fe *formats.FormatError
	if errors.As(err, &fe) {
		return &LoadError{Kind: KindFormat, Source: p.src.Name(), Format: p.format, Err: err}
	}
	return &LoadError{Kind: KindNetwork, Source: p.src.Name(), Format: p.format, Err: err}
}

// register realises the dataset on the device and hands every allocation to
// the tracker under the session's ownership.
func (p *pipeline) register(ds *pointcloud.Dataset) error {
	type alloc struct {
		name string
		kind resources.Kind
		data []float32
		mat  bool
	}
	allocs := []alloc{{name: "positions", kind: resources.KindBuffer, data: ds.Positions()}}
	if c := ds.RenderColors(); c != nil {
		allocs = append(allocs, alloc{name: "colors", kind: resources.KindBuffer, data: c})
	}
	if in := ds.Intensity(); in != nil {
		allocs = append(allocs, alloc{name: "intensity", kind: resources.KindBuffer, data: in})
	}
	allocs = append(allocs, alloc{name: "material", kind: resources.KindMaterial, mat: true})

	for _, a := range allocs {
		if err := p.boundary(); err != nil {
			return err
		}
		res, err := p.allocate(ds, a.name, a.data, a.mat)
		if err != nil {
			if errors.Is(err, render.ErrDeviceLost) {
				return p.interrupted(err)
			}
			return &LoadError{Kind: KindOutOfBudget, Source: p.src.Name(), Format: p.format, Err: err}
		}
		if _, err := p.c.cfg.Tracker.RegisterOwned(p.owner(), a.kind, res); err != nil {
			return p.registrationFailure(err)
		}
	}
	return nil
}

func (p *pipeline) allocate(ds *pointcloud.Dataset, name string, data []float32, material bool) (resources.Resource, error) {
	dev := p.c.cfg.Device
	if dev == nil {
		if material {
			return resources.Sized(0, nil), nil
		}
		return resources.Sized(int64(len(data))*4, nil), nil
	}
	if material {
		return dev.CreateMaterial(ds.ColorMode())
	}
	return dev.CreateBuffer(name, data)
}

func (p *pipeline) registrationFailure(err error) error {
	if errors.Is(err, resources.ErrRegistrationAfterContextLoss) {
		return p.interrupted(err)
	}
	// Budget refusals and device allocation failures alike.
	return &LoadError{Kind: KindOutOfBudget, Source: p.src.Name(), Format: p.format, Err: err}
}

// present offers the dataset to the renderer. A renderer failure is logged
// and the load still completes without a frame.
func (p *pipeline) present(ds *pointcloud.Dataset, budget int) error {
	if err := p.boundary(); err != nil {
		return err
	}
	frame, err := p.c.cfg.Renderer.Render(p.h.ctx, ds, budget)
	if err != nil {
		if cause := p.abortCheck(); cause != nil {
			return p.interrupted(cause)
		}
		logf("session %s: render failed: %v", p.s.ID, err)
		return nil
	}
	p.frame = frame
	if len(frame.Image) == 0 || p.c.cfg.PreviewFS == nil {
		return nil
	}
	tu, err := resources.CreateTransientFile(p.c.cfg.PreviewFS, p.c.cfg.PreviewDir, "preview-*"+frame.ImageType, frame.Image)
	if err != nil {
		logf("session %s: %v", p.s.ID, err)
		return nil
	}
	if _, err := p.c.cfg.Tracker.RegisterOwned(p.owner(), resources.KindTransientURI, tu); err != nil {
		return p.registrationFailure(err)
	}
	p.preview = tu.URI()
	return nil
}

// finish releases a failed session's resources, then publishes the outcome.
func (p *pipeline) finish(ds *pointcloud.Dataset, err error) {
	if p.watchdog != nil {
		p.watchdog.Stop()
		p.watchdog = nil
	}
	status := StatusComplete
	if err != nil {
		status = StatusFailed
		var le *LoadError
		if errors.As(err, &le) && (le.Kind == KindCancelled || le.Kind == KindStalled) {
			status = StatusCancelled
		}
		if relErr := p.c.cfg.Tracker.ReleaseOwner(p.owner()); relErr != nil {
			logf("session %s: release: %v", p.s.ID, relErr)
		}
		if status == StatusFailed && !canTransition(p.s.Status(), StatusFailed) {
			status = StatusCancelled
		}
	}
	if status == StatusComplete {
		p.report(1)
	}
	p.transition(status)

	p.h.mu.Lock()
	p.h.dataset, p.h.err = ds, err
	p.h.frame, p.h.preview = p.frame, p.preview
	p.h.mu.Unlock()

	if ds != nil && p.opts.OnWarning != nil {
		for _, w := range ds.Warnings() {
			p.opts.OnWarning(w)
		}
	}
	if err != nil {
		logf("session %s %s: %v", p.s.ID, status, err)
	} else {
		logf("session %s complete: %s points from %s (%s)", p.s.ID,
			humanize.Comma(int64(ds.PointCount())), p.src.Name(), p.format)
	}

	p.record(ds, status, err)
	close(p.h.progress)
	close(p.h.done)
	p.h.cancel(nil)
	p.c.retire(p.h)
}

func (p *pipeline) record(ds *pointcloud.Dataset, status Status, err error) {
	j := p.c.cfg.Journal
	if j == nil {
		return
	}
	info := p.s.Info()
	rec := SessionRecord{
		ID:         p.s.ID,
		Source:     p.src.Name(),
		Format:     p.format,
		Status:     status,
		Err:        err,
		Started:    info.Started,
		Finished:   info.Finished,
		Confidence: p.confidence,
	}
	if ds != nil {
		rec.Points = ds.PointCount()
		rec.Repairs = ds.Repairs()
		rec.Warnings = len(ds.Warnings())
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := j.RecordSession(ctx, rec); err != nil {
		logf("session %s: journal: %v", p.s.ID, err)
	}
}
