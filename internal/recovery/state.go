// Package recovery drives the rendering context through loss and restoration:
// it releases GPU resources, cancels in-flight loads, schedules restore
// attempts with cooldown and backoff, and degrades point budgets after each
// recovery.
package recovery

import (
	"errors"
	"fmt"
	"time"
)

// Phase is the lifecycle phase of the rendering context.
type Phase int32

const (
	PhaseActive Phase = iota
	PhaseLost
	PhaseRecovering
	PhaseRestored
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseLost:
		return "lost"
	case PhaseRecovering:
		return "recovering"
	case PhaseRestored:
		return "restored"
	case PhaseFailed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	v, ok := ParsePhase(string(b))
	if !ok {
		return fmt.Errorf("unknown context phase %q", b)
	}
	*p = v
	return nil
}

// ParsePhase returns the phase named s.
func ParsePhase(s string) (Phase, bool) {
	for v := PhaseActive; v <= PhaseFailed; v++ {
		if v.String() == s {
			return v, true
		}
	}
	return PhaseActive, false
}

// Usable reports whether resources may be created in this phase.
func (p Phase) Usable() bool { return p == PhaseActive }

// ContextState is a snapshot of the manager.
type ContextState struct {
	Phase                Phase     `json:"phase"`
	LossCount            int       `json:"loss_count"`
	LastLossTimestamp    time.Time `json:"last_loss_timestamp"`
	RecoveryAttempts     int       `json:"recovery_attempts"`
	AutoAttempts         int       `json:"auto_attempts"`
	LastAttemptTimestamp time.Time `json:"last_attempt_timestamp"`
}

// ErrorKind classifies a RecoveryError.
type ErrorKind int

const (
	KindCooldownActive ErrorKind = iota
	KindCeilingExceeded
)

func (k ErrorKind) String() string {
	switch k {
	case KindCooldownActive:
		return "cooldown active"
	case KindCeilingExceeded:
		return "ceiling exceeded"
	}
	return "unknown"
}

var (
	ErrCooldownActive  = errors.New("recovery cooldown active")
	ErrCeilingExceeded = errors.New("recovery ceiling exceeded")

	// ErrContextLost is the cancellation cause handed to in-flight loads.
	ErrContextLost = errors.New("rendering context lost")

	// ErrNotFailed is returned by ResetAfterFailure outside PhaseFailed.
	ErrNotFailed = errors.New("context is not in the failed phase")
)

// RecoveryError reports why automatic recovery did not proceed.
type RecoveryError struct {
	Kind      ErrorKind
	LossCount int
	Attempts  int
	RetryIn   time.Duration
}

func (e *RecoveryError) Error() string {
	switch e.Kind {
	case KindCooldownActive:
		return fmt.Sprintf("recovery cooldown active: next attempt in %s", e.RetryIn)
	case KindCeilingExceeded:
		return fmt.Sprintf("recovery ceiling exceeded after %d losses and %d attempts", e.LossCount, e.Attempts)
	}
	return "recovery error"
}

func (e *RecoveryError) Is(target error) bool {
	switch e.Kind {
	case KindCooldownActive:
		return target == ErrCooldownActive
	case KindCeilingExceeded:
		return target == ErrCeilingExceeded
	}
	return false
}
