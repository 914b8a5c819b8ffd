package resources

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/banshee-data/pointcloud/internal/monitoring"
)

var logf = monitoring.Tagged("Resources")

// Gate decides whether new registrations are accepted.
type Gate interface {
	AcceptingRegistrations() bool
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// Gate refuses registrations while the rendering context is unusable.
	// Nil accepts everything.
	Gate Gate

	// MemoryBudget caps TotalEstimatedBytes. 0 is unlimited.
	MemoryBudget int64
}

type entry struct {
	id       uuid.UUID
	kind     Kind
	owner    string
	res      Resource
	bytes    int64
	released bool
	tracker  *Tracker
}

// Stats is a snapshot of the tracker.
type Stats struct {
	Counts              map[Kind]int `json:"counts"`
	Live                int          `json:"live"`
	TotalEstimatedBytes int64        `json:"total_estimated_bytes"`
	MemoryBudget        int64        `json:"memory_budget"`
	Registered          uint64       `json:"registered"`
	Released            uint64       `json:"released"`
	Refused             uint64       `json:"refused"`
	DoubleReleases      uint64       `json:"double_releases"`
	ReleaseFailures     uint64       `json:"release_failures"`
}

// Tracker is the registry of live resources. All methods are safe for
// concurrent use.
type Tracker struct {
	mu     sync.Mutex
	gate   Gate
	budget int64
	live   map[uuid.UUID]*entry
	bytes  int64

	registered, released, refused uint64
	doubleReleases, failures      uint64
}

// NewTracker returns an empty tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	return &Tracker{
		gate:   cfg.Gate,
		budget: cfg.MemoryBudget,
		live:   make(map[uuid.UUID]*entry),
	}
}

// SetGate replaces the registration gate.
func (t *Tracker) SetGate(g Gate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gate = g
}

// Register tracks res with no owner.
func (t *Tracker) Register(kind Kind, res Resource) (Handle, error) {
	return t.RegisterOwned("", kind, res)
}

// RegisterOwned tracks res on behalf of owner so ReleaseOwner can release it
// with the rest of the owner's resources.
//
// A refused resource is released immediately and never reaches the caller's
// hands again.
func (t *Tracker) RegisterOwned(owner string, kind Kind, res Resource) (Handle, error) {
	if res == nil {
		return Handle{}, fmt.Errorf("register %s: nil resource", kind)
	}
	bytes := res.EstimatedBytes()

	t.mu.Lock()
	var refusal error
	switch {
	case t.gate != nil && !t.gate.AcceptingRegistrations():
		refusal = ErrRegistrationAfterContextLoss
	case t.budget > 0 && t.bytes+bytes > t.budget:
		refusal = fmt.Errorf("%w: %s requested, %s of %s in use", ErrOutOfBudget,
			humanize.IBytes(uint64(bytes)), humanize.IBytes(uint64(t.bytes)), humanize.IBytes(uint64(t.budget)))
	}
	if refusal != nil {
		t.refused++
		t.mu.Unlock()
		if err := safeRelease(res); err != nil {
			logf("refused %s release failed: %v", kind, err)
		}
		return Handle{}, refusal
	}

	e := &entry{id: uuid.New(), kind: kind, owner: owner, res: res, bytes: bytes, tracker: t}
	t.live[e.id] = e
	t.bytes += bytes
	t.registered++
	t.mu.Unlock()
	return Handle{e: e}, nil
}

// Release releases the resource behind h. Releasing an already released
// handle is a no-op counted in Stats.DoubleReleases.
func (t *Tracker) Release(h Handle) error {
	if h.e == nil || h.e.tracker != t {
		return ErrInvalidHandle
	}
	t.mu.Lock()
	if h.e.released {
		t.doubleReleases++
		t.mu.Unlock()
		return nil
	}
	t.retire(h.e)
	t.mu.Unlock()

	if err := safeRelease(h.e.res); err != nil {
		t.mu.Lock()
		t.failures++
		t.mu.Unlock()
		return fmt.Errorf("release %s: %w", h, err)
	}
	return nil
}

// ReleaseOwner releases every live resource registered by owner.
func (t *Tracker) ReleaseOwner(owner string) error {
	return t.releaseMatching(func(e *entry) bool { return e.owner == owner })
}

// ReleaseAll releases every live resource. It continues past failing or
// panicking release callbacks and returns a *ReleaseErrors describing them.
// When it returns, the tracker holds no resources.
func (t *Tracker) ReleaseAll() error {
	return t.releaseMatching(func(*entry) bool { return true })
}

func (t *Tracker) releaseMatching(match func(*entry) bool) error {
	t.mu.Lock()
	var batch []*entry
	for _, e := range t.live {
		if match(e) {
			batch = append(batch, e)
		}
	}
	for _, e := range batch {
		t.retire(e)
	}
	t.mu.Unlock()

	var failed []ReleaseFailure
	for _, e := range batch {
		if err := safeRelease(e.res); err != nil {
			failed = append(failed, ReleaseFailure{ID: e.id, Kind: e.kind, Owner: e.owner, Err: err})
		}
	}
	if len(failed) == 0 {
		return nil
	}
	t.mu.Lock()
	t.failures += uint64(len(failed))
	t.mu.Unlock()
	return &ReleaseErrors{Failures: failed}
}

// retire removes e from the live set. Callers hold t.mu.
func (t *Tracker) retire(e *entry) {
	e.released = true
	delete(t.live, e.id)
	t.bytes -= e.bytes
	t.released++
}

// safeRelease runs the release callback, converting a panic into an error.
func safeRelease(res Resource) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("release panicked: %v", r)
		}
	}()
	return res.Release()
}

// Stats returns a snapshot of live resources and lifetime counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{
		Counts:              make(map[Kind]int, len(Kinds)),
		Live:                len(t.live),
		TotalEstimatedBytes: t.bytes,
		MemoryBudget:        t.budget,
		Registered:          t.registered,
		Released:            t.released,
		Refused:             t.refused,
		DoubleReleases:      t.doubleReleases,
		ReleaseFailures:     t.failures,
	}
	for _, k := range Kinds {
		s.Counts[k] = 0
	}
	for _, e := range t.live {
		s.Counts[e.kind]++
	}
	return s
}

// OwnerCount returns how many live resources owner holds.
func (t *Tracker) OwnerCount(owner string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.live {
		if e.owner == owner {
			n++
		}
	}
	return n
}
