package loader

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status is the state of a load session.
type Status int

const (
	StatusPending Status = iota
	StatusParsing
	StatusSanitizing
	StatusDownsampling
	StatusNormalizing
	StatusRegistering
	StatusComplete
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusParsing:
		return "parsing"
	case StatusSanitizing:
		return "sanitizing"
	case StatusDownsampling:
		return "downsampling"
	case StatusNormalizing:
		return "normalizing"
	case StatusRegistering:
		return "registering"
	case StatusComplete:
		return "complete"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for v := StatusPending; v <= StatusFailed; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown session status %q", b)
}

// Terminal reports whether s is Complete, Cancelled or Failed.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusCancelled || s == StatusFailed
}

// canTransition encodes the session state machine. Stages only move
// forward; Downsampling and Normalizing may be skipped.
func canTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusCancelled:
		return true
	case StatusFailed:
		return from == StatusParsing || from == StatusRegistering
	case StatusComplete:
		return from == StatusRegistering
	case StatusParsing:
		return from == StatusPending
	case StatusSanitizing:
		return from == StatusParsing
	case StatusDownsampling:
		return from == StatusSanitizing
	case StatusNormalizing:
		return from == StatusSanitizing || from == StatusDownsampling
	case StatusRegistering:
		return from >= StatusSanitizing && from <= StatusNormalizing
	}
	return false
}

// Session is the mutable state of one load.
type Session struct {
	ID      uuid.UUID
	Source  string
	Started time.Time

	mu       sync.Mutex
	status   Status
	progress float64
	finished time.Time

	abortRequested atomic.Bool
}

func newSession(source string, now time.Time) *Session {
	return &Session{ID: uuid.New(), Source: source, Started: now}
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Progress returns the last reported progress in [0,1].
func (s *Session) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// AbortRequested reports whether cancellation has been requested.
func (s *Session) AbortRequested() bool { return s.abortRequested.Load() }

func (s *Session) transition(to Status, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.status, to) {
		return fmt.Errorf("session %s: invalid transition %s -> %s", s.ID, s.status, to)
	}
	s.status = to
	if to.Terminal() {
		s.finished = now
	}
	return nil
}

// advance raises progress to p and reports whether it moved.
func (s *Session) advance(p float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p <= s.progress {
		return false
	}
	if p > 1 {
		p = 1
	}
	s.progress = p
	return true
}

// SessionInfo is a snapshot of a session.
type SessionInfo struct {
	ID             uuid.UUID `json:"id"`
	Source         string    `json:"source"`
	Status         Status    `json:"status"`
	Progress       float64   `json:"progress"`
	AbortRequested bool      `json:"abort_requested"`
	Started        time.Time `json:"started"`
	Finished       time.Time `json:"finished,omitzero"`
}

// Info returns a snapshot.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:             s.ID,
		Source:         s.Source,
		Status:         s.status,
		Progress:       s.progress,
		AbortRequested: s.abortRequested.Load(),
		Started:        s.Started,
		Finished:       s.finished,
	}
}
