// Package fs abstracts the filesystem operations the feature writer needs so
// that tests can inject I/O failures.
package fs

import (
	"io"
	"os"
)

// File is an open file being written
type File interface {
	io.Writer
	io.Closer
	Name() string
	Sync() error
}

// FileSystem is the set of operations used for atomic writes
type FileSystem interface {
	CreateTemp(dir, pattern string) (File, error)
	Open(name string) (io.ReadCloser, error)
	Remove(name string) error
	Rename(oldpath, newpath string) error
	Stat(name string) (os.FileInfo, error)
	MkdirAll(path string, perm os.FileMode) error
}

// LocalFS implements FileSystem on top of the os package
type LocalFS struct{}

func (LocalFS) CreateTemp(dir, pattern string) (File, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (LocalFS) Open(name string) (io.ReadCloser, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (LocalFS) Remove(name string) error              { return os.Remove(name) }
func (LocalFS) Rename(oldpath, newpath string) error  { return os.Rename(oldpath, newpath) }
func (LocalFS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }
func (LocalFS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Default is the local filesystem
var Default FileSystem = LocalFS{}
