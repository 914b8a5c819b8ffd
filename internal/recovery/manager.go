package recovery

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/pointcloud/internal/monitoring"
	"github.com/banshee-data/pointcloud/internal/timeutil"
)

var logf = monitoring.Tagged("Recovery")

// Releaser frees every GPU-side resource. The resource tracker implements it.
type Releaser interface {
	ReleaseAll() error
}

// SessionCanceller cancels in-flight loads. The load controller implements it.
type SessionCanceller interface {
	CancelAll(reason error) int
}

// Restorer asks the rendering layer to recreate its context. Success is
// reported back through OnContextRestored.
type Restorer interface {
	RequestRestore() error
}

// Config wires a Manager.
type Config struct {
	Policy    Policy
	Clock     timeutil.Clock
	Releaser  Releaser
	Canceller SessionCanceller
	Restorer  Restorer
}

type subscribers[F any] struct {
	next int
	fns  map[int]F
}

func (s *subscribers[F]) add(f F) int {
	if s.fns == nil {
		s.fns = make(map[int]F)
	}
	s.next++
	s.fns[s.next] = f
	return s.next
}

func (s *subscribers[F]) snapshot() []F {
	out := make([]F, 0, len(s.fns))
	for i := 1; i <= s.next; i++ {
		if f, ok := s.fns[i]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Manager owns the ContextState. Signal handlers are serialised; the phase
// is also mirrored in an atomic so the resource gate never waits on a
// transition in progress.
type Manager struct {
	policy Policy
	clock  timeutil.Clock

	// signal serialises OnContextLost, OnContextRestored, attempts and resets.
	signal sync.Mutex

	mu        sync.Mutex
	state     ContextState
	pending   timeutil.Timer
	releaser  Releaser
	canceller SessionCanceller
	restorer  Restorer
	onLost    subscribers[func(ContextState)]
	onRestore subscribers[func(ContextState)]
	onFailed  subscribers[func(ContextState, error)]

	phase atomic.Int32
}

// NewManager returns a manager in PhaseActive.
func NewManager(cfg Config) *Manager {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Manager{
		policy:    cfg.Policy.withDefaults(),
		clock:     clock,
		releaser:  cfg.Releaser,
		canceller: cfg.Canceller,
		restorer:  cfg.Restorer,
	}
}

// Policy returns the effective policy.
func (m *Manager) Policy() Policy { return m.policy }

// SetReleaser replaces the resource releaser.
func (m *Manager) SetReleaser(r Releaser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaser = r
}

// SetCanceller replaces the load canceller.
func (m *Manager) SetCanceller(c SessionCanceller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceller = c
}

// SetRestorer replaces the rendering-context restorer.
func (m *Manager) SetRestorer(r Restorer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restorer = r
}

// CurrentState returns a snapshot of the context state.
func (m *Manager) CurrentState() ContextState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Phase returns the current phase without waiting on a transition.
func (m *Manager) Phase() Phase { return Phase(m.phase.Load()) }

// AcceptingRegistrations reports whether new resources may be registered.
func (m *Manager) AcceptingRegistrations() bool { return m.Phase().Usable() }

// ShouldAbort reports whether in-flight loads must stop at their next stage
// boundary.
func (m *Manager) ShouldAbort() bool {
	switch m.Phase() {
	case PhaseLost, PhaseRecovering, PhaseFailed:
		return true
	}
	return false
}

// PointBudget degrades base by the number of recoveries so far.
func (m *Manager) PointBudget(base int) int {
	m.mu.Lock()
	attempts := m.state.RecoveryAttempts
	m.mu.Unlock()
	return DegradedBudget(base, attempts, m.policy.MinDegradedPoints)
}

// SubscribeLost registers f to run after each loss has been handled. The
// returned function unsubscribes.
func (m *Manager) SubscribeLost(f func(ContextState)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.onLost.add(f)
	return func() { m.mu.Lock(); delete(m.onLost.fns, id); m.mu.Unlock() }
}

// SubscribeRestored registers f to run after the context is active again.
func (m *Manager) SubscribeRestored(f func(ContextState)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.onRestore.add(f)
	return func() { m.mu.Lock(); delete(m.onRestore.fns, id); m.mu.Unlock() }
}

// SubscribeFailed registers f to run when automatic recovery gives up.
func (m *Manager) SubscribeFailed(f func(ContextState, error)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.onFailed.add(f)
	return func() { m.mu.Lock(); delete(m.onFailed.fns, id); m.mu.Unlock() }
}

func (m *Manager) setPhase(p Phase) {
	m.state.Phase = p
	m.phase.Store(int32(p))
}

// OnContextLost handles a context-loss signal. Resources are released and
// loads cancelled before the phase can leave PhaseLost. It returns a
// *RecoveryError when the ceiling is reached.
func (m *Manager) OnContextLost() error {
	m.signal.Lock()

	m.mu.Lock()
	if m.state.Phase == PhaseFailed {
		err := &RecoveryError{Kind: KindCeilingExceeded, LossCount: m.state.LossCount, Attempts: m.state.AutoAttempts}
		m.mu.Unlock()
		m.signal.Unlock()
		logf("context loss ignored: automatic recovery has failed, reset required")
		return err
	}
	now := m.clock.Now()
	m.stopPendingLocked()
	m.setPhase(PhaseLost)
	m.state.LossCount = m.policy.EffectiveLossCount(m.state.LossCount, m.state.LastLossTimestamp, now) + 1
	m.state.LastLossTimestamp = now
	releaser, canceller := m.releaser, m.canceller
	lossCount := m.state.LossCount
	m.mu.Unlock()

	logf("context lost (loss %d of %d)", lossCount, m.policy.Ceiling)
	if releaser != nil {
		if err := releaser.ReleaseAll(); err != nil {
			logf("release after context loss: %v", err)
		}
	}
	if canceller != nil {
		if n := canceller.CancelAll(ErrContextLost); n > 0 {
			logf("cancelled %d in-flight loads", n)
		}
	}

	m.mu.Lock()
	lost := m.onLost.snapshot()
	snap := m.state
	m.mu.Unlock()

	failed, failErr := m.decideLocked()
	m.signal.Unlock()

	for _, f := range lost {
		f(snap)
	}
	m.notifyFailed(failed, failErr)
	if failErr != nil {
		return failErr
	}
	return nil
}

// decideLocked moves a lost context to Recovering with an attempt scheduled,
// or to Failed. The caller holds m.signal.
func (m *Manager) decideLocked() ([]func(ContextState, error), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	d := m.policy.Decide(m.state.LossCount, m.state.AutoAttempts, m.state.LastAttemptTimestamp, now)
	if d.Fail {
		m.setPhase(PhaseFailed)
		logf("automatic recovery stopped: %v", d.Err)
		return m.onFailed.snapshot(), d.Err
	}
	m.setPhase(PhaseRecovering)
	if d.Err != nil {
		logf("%v", d.Err)
	}
	m.pending = m.clock.AfterFunc(d.Delay, m.attempt)
	return nil, nil
}

func (m *Manager) notifyFailed(fns []func(ContextState, error), err error) {
	if len(fns) == 0 {
		return
	}
	snap := m.CurrentState()
	for _, f := range fns {
		f(snap, err)
	}
}

func (m *Manager) stopPendingLocked() {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
}

// attempt runs one scheduled restore attempt and schedules the next. The
// restorer runs without the signal lock so it may report success
// synchronously through OnContextRestored.
func (m *Manager) attempt() {
	m.signal.Lock()
	m.mu.Lock()
	if m.state.Phase != PhaseRecovering {
		m.mu.Unlock()
		m.signal.Unlock()
		return
	}
	m.pending = nil
	m.state.AutoAttempts++
	m.state.LastAttemptTimestamp = m.clock.Now()
	n, lossAt, restorer := m.state.AutoAttempts, m.state.LastLossTimestamp, m.restorer
	m.mu.Unlock()
	m.signal.Unlock()

	logf("restore attempt %d", n)
	if restorer != nil {
		if err := restorer.RequestRestore(); err != nil {
			logf("restore attempt %d: %v", n, err)
		}
	}

	m.signal.Lock()
	m.mu.Lock()
	stale := m.state.Phase != PhaseRecovering || m.pending != nil ||
		m.state.AutoAttempts != n || !m.state.LastLossTimestamp.Equal(lossAt)
	m.mu.Unlock()
	var failed []func(ContextState, error)
	var failErr error
	if !stale {
		failed, failErr = m.decideLocked()
	}
	m.signal.Unlock()
	m.notifyFailed(failed, failErr)
}

// OnContextRestored handles a restoration signal. From Lost or Recovering the
// context passes through Restored to Active and RecoveryAttempts grows by
// one. In any other phase the signal is ignored.
func (m *Manager) OnContextRestored() {
	m.signal.Lock()
	snap, fns, ok := m.restored()
	m.signal.Unlock()
	if !ok {
		return
	}
	logf("context restored (recovery %d)", snap.RecoveryAttempts)
	for _, f := range fns {
		f(snap)
	}
}

func (m *Manager) restored() (ContextState, []func(ContextState), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state.Phase {
	case PhaseLost, PhaseRecovering:
	default:
		logf("context restored signal ignored in phase %s", m.state.Phase)
		return m.state, nil, false
	}
	m.stopPendingLocked()
	m.setPhase(PhaseRestored)
	m.state.RecoveryAttempts++
	m.state.AutoAttempts = 0
	m.setPhase(PhaseActive)
	return m.state, m.onRestore.snapshot(), true
}

// ResetAfterFailure returns a failed context to PhaseActive with fresh
// counters. It is the only exit from PhaseFailed.
func (m *Manager) ResetAfterFailure() error {
	m.signal.Lock()
	defer m.signal.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase != PhaseFailed {
		return fmt.Errorf("%w: phase is %s", ErrNotFailed, m.state.Phase)
	}
	m.stopPendingLocked()
	m.state = ContextState{}
	m.setPhase(PhaseActive)
	logf("context reset after failure")
	return nil
}

// Close stops any scheduled attempt.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopPendingLocked()
}
