package source

import (
	"context"
	"errors"
	"io"
	"io/fs"

	"github.com/banshee-data/pointcloud/internal/fsutil"
	"github.com/banshee-data/pointcloud/internal/security"
)

// File is a source backed by a file.
type File struct {
	fs          fsutil.FileSystem
	path        string
	allowedDirs []string
}

// FileOption configures a File source.
type FileOption func(*File)

// WithFileSystem reads through fsys instead of the operating system.
func WithFileSystem(fsys fsutil.FileSystem) FileOption {
	return func(f *File) { f.fs = fsys }
}

// WithAllowedDirs restricts the file to one of dirs.
func WithAllowedDirs(dirs []string) FileOption {
	return func(f *File) { f.allowedDirs = dirs }
}

// NewFile returns a source for path.
func NewFile(path string, opts ...FileOption) *File {
	f := &File{fs: fsutil.OSFileSystem{}, path: path}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *File) Name() string { return baseName(f.path) }

// Path returns the file path.
func (f *File) Path() string { return f.path }

func (f *File) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if len(f.allowedDirs) > 0 {
		if err := security.ValidatePathWithinAllowedDirs(f.path, f.allowedDirs); err != nil {
			return nil, 0, &Error{Source: f.path, Op: "open", Err: err}
		}
	}
	file, err := f.fs.Open(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = errors.Join(ErrNotFound, err)
		}
		return nil, 0, &Error{Source: f.path, Op: "open", Err: err}
	}
	size := UnknownSize
	if info, err := file.Stat(); err == nil {
		if info.IsDir() {
			file.Close()
			return nil, 0, &Error{Source: f.path, Op: "open", Err: errors.New("is a directory")}
		}
		size = info.Size()
	}
	return file, size, nil
}
