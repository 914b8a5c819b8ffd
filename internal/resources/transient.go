package resources

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/banshee-data/pointcloud/internal/fsutil"
)

// TransientURI is a temporary file exposed to the renderer by URI. Its
// release deletes the file.
type TransientURI struct {
	fs   fsutil.FileSystem
	path string
	size int64
}

// NewTransientURI wraps an existing file.
func NewTransientURI(fsys fsutil.FileSystem, path string, size int64) *TransientURI {
	return &TransientURI{fs: fsys, path: path, size: size}
}

// CreateTransientFile writes data to a new file in dir named after pattern,
// with the last "*" replaced by a random id.
func CreateTransientFile(fsys fsutil.FileSystem, dir, pattern string, data []byte) (*TransientURI, error) {
	id := uuid.NewString()
	name := pattern + id
	if i := strings.LastIndex(pattern, "*"); i >= 0 {
		name = pattern[:i] + id + pattern[i+1:]
	}
	if strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("transient file pattern %q must not contain a path separator", pattern)
	}
	path := filepath.Join(dir, name)
	if err := fsys.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write transient file: %w", err)
	}
	return &TransientURI{fs: fsys, path: path, size: int64(len(data))}, nil
}

// Path returns the file path.
func (u *TransientURI) Path() string { return u.path }

// URI returns the file:// URI handed to consumers.
func (u *TransientURI) URI() string {
	return "file://" + filepath.ToSlash(u.path)
}

// Release removes the file. A file that is already gone is not an error.
func (u *TransientURI) Release() error {
	if err := u.fs.Remove(u.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// EstimatedBytes returns the file size.
func (u *TransientURI) EstimatedBytes() int64 { return u.size }
