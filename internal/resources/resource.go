// Package resources owns the lifetime of GPU-side allocations and transient
// URIs. A Tracker is the only component that releases them.
package resources

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Resource is one allocation the tracker can release.
type Resource interface {
	Release() error
	EstimatedBytes() int64
}

// ReleaseFunc adapts a function to a Resource with no size estimate.
type ReleaseFunc func() error

func (f ReleaseFunc) Release() error        { return f() }
func (f ReleaseFunc) EstimatedBytes() int64 { return 0 }

type sized struct {
	bytes   int64
	release func() error
}

func (s sized) Release() error {
	if s.release == nil {
		return nil
	}
	return s.release()
}

func (s sized) EstimatedBytes() int64 { return s.bytes }

// Sized returns a Resource of the given size whose release calls fn.
func Sized(bytes int64, fn func() error) Resource {
	return sized{bytes: bytes, release: fn}
}

// Kind classifies a tracked resource.
type Kind int

const (
	KindBuffer Kind = iota
	KindTexture
	KindMaterial
	KindTransientURI
)

// Kinds lists every kind in display order.
var Kinds = []Kind{KindBuffer, KindTexture, KindMaterial, KindTransientURI}

func (k Kind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindTexture:
		return "texture"
	case KindMaterial:
		return "material"
	case KindTransientURI:
		return "transient_uri"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Handle identifies one registration. The zero Handle is invalid.
type Handle struct {
	e *entry
}

// ID returns the registration id, or uuid.Nil for the zero Handle.
func (h Handle) ID() uuid.UUID {
	if h.e == nil {
		return uuid.Nil
	}
	return h.e.id
}

// Kind returns the resource kind.
func (h Handle) Kind() Kind {
	if h.e == nil {
		return KindBuffer
	}
	return h.e.kind
}

// IsValid reports whether h came from a successful registration.
func (h Handle) IsValid() bool { return h.e != nil }

func (h Handle) String() string {
	if h.e == nil {
		return "handle(invalid)"
	}
	return h.e.kind.String() + ":" + h.e.id.String()
}

var (
	// ErrRegistrationAfterContextLoss is returned while the rendering
	// context is not active.
	ErrRegistrationAfterContextLoss = errors.New("resource registration refused: rendering context not active")

	// ErrOutOfBudget is returned when a registration would exceed the
	// memory budget.
	ErrOutOfBudget = errors.New("resource registration refused: memory budget exceeded")

	// ErrInvalidHandle is returned for the zero Handle or a handle from
	// another tracker.
	ErrInvalidHandle = errors.New("invalid resource handle")
)

// ReleaseFailure records one resource whose release callback failed.
type ReleaseFailure struct {
	ID    uuid.UUID
	Kind  Kind
	Owner string
	Err   error
}

// ReleaseErrors aggregates failures from a bulk release. Every resource has
// still been removed from the tracker.
type ReleaseErrors struct {
	Failures []ReleaseFailure
}

func (e *ReleaseErrors) Error() string {
	if len(e.Failures) == 1 {
		f := e.Failures[0]
		return fmt.Sprintf("release %s %s: %v", f.Kind, f.ID, f.Err)
	}
	return fmt.Sprintf("%d resources failed to release (first: %s %s: %v)",
		len(e.Failures), e.Failures[0].Kind, e.Failures[0].ID, e.Failures[0].Err)
}

// Unwrap exposes every underlying error to errors.Is and errors.As.
func (e *ReleaseErrors) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Err
	}
	return out
}

// MarshalText encodes the kind name, so Stats.Counts serialises with
// readable keys.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }
