package loader

import (
	"errors"
	"fmt"

	"github.com/banshee-data/pointcloud/internal/pointcloud"
)

// ErrorKind classifies a LoadError.
type ErrorKind int

const (
	KindFormat ErrorKind = iota
	KindNetwork
	KindStalled
	KindCancelled
	KindOutOfBudget
)

func (k ErrorKind) String() string {
	switch k {
	case KindFormat:
		return "format"
	case KindNetwork:
		return "network"
	case KindStalled:
		return "stalled"
	case KindCancelled:
		return "cancelled"
	case KindOutOfBudget:
		return "out_of_budget"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k ErrorKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Sentinels matched by errors.Is against a *LoadError of the same kind.
var (
	ErrFormat      = errors.New("point cloud format error")
	ErrNetwork     = errors.New("point cloud source error")
	ErrStalled     = errors.New("point cloud load stalled")
	ErrCancelled   = errors.New("point cloud load cancelled")
	ErrOutOfBudget = errors.New("point cloud load exceeds memory budget")
)

// LoadError is the single error type a session surfaces.
type LoadError struct {
	Kind   ErrorKind
	Source string
	Format pointcloud.Format
	Err    error
}

func (e *LoadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("load %s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("load %s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func (e *LoadError) Is(target error) bool {
	switch target {
	case ErrFormat:
		return e.Kind == KindFormat
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrStalled:
		return e.Kind == KindStalled
	case ErrCancelled:
		return e.Kind == KindCancelled
	case ErrOutOfBudget:
		return e.Kind == KindOutOfBudget
	}
	return false
}

// errCancelledByCaller is the cause recorded by Handle.Cancel.
var errCancelledByCaller = errors.New("cancelled by caller")

// errStallTimeout is the cause recorded by the stall watchdog.
var errStallTimeout = errors.New("no progress within the stall timeout")
