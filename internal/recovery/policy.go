package recovery

import "time"

const (
	DefaultCooldown          = 10 * time.Second
	DefaultMaxBackoff        = 2 * time.Minute
	DefaultCeiling           = 3
	DefaultStableWindow      = 60 * time.Second
	DefaultMinDegradedPoints = 50_000
)

// Policy holds the retry limits. Its methods are pure functions of their
// arguments.
type Policy struct {
	// Cooldown is the minimum gap between two restore attempts.
	Cooldown time.Duration
	// MaxBackoff caps the exponential gap between attempts.
	MaxBackoff time.Duration
	// Ceiling is the number of losses, or automatic attempts without a
	// restore, that moves the context to PhaseFailed.
	Ceiling int
	// StableWindow is how long the context must stay up before earlier
	// losses stop counting towards Ceiling.
	StableWindow time.Duration
	// MinDegradedPoints is the floor for DegradedBudget.
	MinDegradedPoints int
}

// DefaultPolicy returns the standard limits.
func DefaultPolicy() Policy {
	return Policy{
		Cooldown:          DefaultCooldown,
		MaxBackoff:        DefaultMaxBackoff,
		Ceiling:           DefaultCeiling,
		StableWindow:      DefaultStableWindow,
		MinDegradedPoints: DefaultMinDegradedPoints,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Cooldown <= 0 {
		p.Cooldown = d.Cooldown
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.MaxBackoff < p.Cooldown {
		p.MaxBackoff = p.Cooldown
	}
	if p.Ceiling <= 0 {
		p.Ceiling = d.Ceiling
	}
	if p.StableWindow <= 0 {
		p.StableWindow = d.StableWindow
	}
	if p.MinDegradedPoints < 0 {
		p.MinDegradedPoints = 0
	}
	return p
}

// EffectiveLossCount returns the loss count to build on at now: zero once the
// context has been quiet for StableWindow since the last loss.
func (p Policy) EffectiveLossCount(lossCount int, lastLoss, now time.Time) int {
	if lastLoss.IsZero() || now.Sub(lastLoss) >= p.StableWindow {
		return 0
	}
	return lossCount
}

// Backoff is the minimum gap after the previous attempt when attempts
// automatic attempts have already been made since the last restore:
// Cooldown * 2^attempts, capped at MaxBackoff.
func (p Policy) Backoff(attempts int) time.Duration {
	d := p.Cooldown
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Decision is the outcome of Decide.
type Decision struct {
	// Fail is set when the ceiling has been reached.
	Fail bool
	// Delay is how long to wait before the next attempt.
	Delay time.Duration
	// Err explains a failure or a cooldown wait.
	Err *RecoveryError
}

// Decide chooses the next step for a context that is lost or recovering.
// lossCount is the effective loss count including the current loss.
func (p Policy) Decide(lossCount, autoAttempts int, lastAttempt, now time.Time) Decision {
	if lossCount >= p.Ceiling || autoAttempts >= p.Ceiling {
		return Decision{Fail: true, Err: &RecoveryError{
			Kind: KindCeilingExceeded, LossCount: lossCount, Attempts: autoAttempts,
		}}
	}
	if lastAttempt.IsZero() {
		return Decision{}
	}
	wait := lastAttempt.Add(p.Backoff(autoAttempts)).Sub(now)
	if wait <= 0 {
		return Decision{}
	}
	return Decision{Delay: wait, Err: &RecoveryError{
		Kind: KindCooldownActive, LossCount: lossCount, Attempts: autoAttempts, RetryIn: wait,
	}}
}

// DegradedBudget shrinks a point budget after recoveries:
// max(floor, base/(1+attempts)), never above base. A base of 0 or less is
// unlimited and returned unchanged.
func DegradedBudget(base, attempts, floor int) int {
	if base <= 0 || attempts <= 0 {
		return base
	}
	b := base / (1 + attempts)
	if b < floor {
		b = floor
	}
	if b > base {
		b = base
	}
	return b
}
