package loader

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/pointcloud/internal/pointcloud"
	"github.com/banshee-data/pointcloud/internal/render"
)

// Handle is the caller's view of an asynchronous load.
type Handle struct {
	session *Session
	ctl     *Controller
	ctx     context.Context
	cancel  context.CancelCauseFunc

	progress chan float64
	done     chan struct{}

	mu      sync.Mutex
	dataset *pointcloud.Dataset
	frame   *render.Frame
	preview string
	err     error
}

// ID returns the session id.
func (h *Handle) ID() uuid.UUID { return h.session.ID }

// Session returns a snapshot of the session.
func (h *Handle) Session() SessionInfo { return h.session.Info() }

// Status returns the session status.
func (h *Handle) Status() Status { return h.session.Status() }

// Progress streams progress values. Only the latest undelivered value is
// kept; the channel is closed when the load ends.
func (h *Handle) Progress() <-chan float64 { return h.progress }

// Done is closed when the load reaches a terminal status.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the load ends or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*pointcloud.Dataset, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome. Both values are nil while the load runs.
func (h *Handle) Result() (*pointcloud.Dataset, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dataset, h.err
}

// Frame returns what the renderer produced for a completed load.
func (h *Handle) Frame() *render.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frame
}

// PreviewURI returns the transient URI of the rendered preview, if any.
func (h *Handle) PreviewURI() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.preview
}

// Cancel requests cooperative cancellation. It has no effect once the load
// has ended.
func (h *Handle) Cancel() { h.abort(errCancelledByCaller) }

func (h *Handle) abort(cause error) bool {
	if h.session.Status().Terminal() {
		return false
	}
	h.cancel(cause)
	h.session.abortRequested.Store(true)
	return true
}

// Release frees the GPU resources of a completed load and forgets it.
func (h *Handle) Release() error {
	h.Cancel()
	<-h.done
	return h.ctl.forget(h)
}

// publish delivers p to the progress stream, replacing an unread value.
func (h *Handle) publish(p float64) {
	select {
	case h.progress <- p:
		return
	default:
	}
	select {
	case <-h.progress:
	default:
	}
	select {
	case h.progress <- p:
	default:
	}
}
