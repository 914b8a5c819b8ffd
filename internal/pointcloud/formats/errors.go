package formats

import (
	"errors"
	"fmt"

	"github.com/banshee-data/pointcloud/internal/pointcloud"
)

// ErrorKind classifies a reader failure.
type ErrorKind int

const (
	KindMalformed ErrorKind = iota
	KindEmpty
	KindUnsupported
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindEmpty:
		return "empty"
	case KindUnsupported:
		return "unsupported"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels matched by errors.Is against any *FormatError of the same kind.
var (
	ErrMalformed   = errors.New("malformed point cloud")
	ErrEmpty       = errors.New("empty point cloud input")
	ErrUnsupported = errors.New("unsupported point cloud encoding")
)

// FormatError reports why a payload could not be parsed.
type FormatError struct {
	Format pointcloud.Format
	Kind   ErrorKind
	Msg    string
	Err    error
}

func (e *FormatError) Error() string {
	s := fmt.Sprintf("%s %s: %s", e.Format, e.Kind, e.Msg)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *FormatError) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *FormatError) Is(target error) bool {
	switch target {
	case ErrMalformed:
		return e.Kind == KindMalformed
	case ErrEmpty:
		return e.Kind == KindEmpty
	case ErrUnsupported:
		return e.Kind == KindUnsupported
	}
	return false
}

func malformed(f pointcloud.Format, format string, args ...any) *FormatError {
	return &FormatError{Format: f, Kind: KindMalformed, Msg: fmt.Sprintf(format, args...)}
}

func unsupported(f pointcloud.Format, format string, args ...any) *FormatError {
	return &FormatError{Format: f, Kind: KindUnsupported, Msg: fmt.Sprintf(format, args...)}
}

func empty(f pointcloud.Format) *FormatError {
	return &FormatError{Format: f, Kind: KindEmpty, Msg: "no bytes to read"}
}

// ioFailure classifies an error raised while reading: caller aborts are
// returned unchanged, early end of stream is malformed input, and anything
// else is a source failure wrapped with context.
func ioFailure(f pointcloud.Format, what string, err error) error {
	if cause, ok := abortCause(err); ok {
		return cause
	}
	if isTruncation(err) {
		return &FormatError{Format: f, Kind: KindMalformed, Msg: what + " truncated", Err: err}
	}
	return fmt.Errorf("%s: reading %s: %w", f, what, err)
}
