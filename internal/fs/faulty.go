package fs

import (
	"errors"
	"io"
	"os"
	"sync"
)

// ErrInjected is the default error returned by FaultyFS
var ErrInjected = errors.New("injected fault error")

// Fault describes which operations of a FaultyFS fail
type Fault struct {
	FailCreate     bool
	FailAfterBytes int64 // -1 disables the write limit
	FailOnSync     bool
	FailOnClose    bool
	FailOnRename   bool
	Err            error
}

// FaultyFS wraps a FileSystem and injects failures for tests
type FaultyFS struct {
	FS FileSystem

	mu      sync.Mutex
	fault   Fault
	written int64
}

// NewFaultyFS creates a FaultyFS wrapping fs (or Default if nil) with no faults armed
func NewFaultyFS(fs FileSystem) *FaultyFS {
	if fs == nil {
		fs = Default
	}
	return &FaultyFS{FS: fs, fault: Fault{FailAfterBytes: -1}}
}

// Arm replaces the active fault
func (f *FaultyFS) Arm(fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fault.Err == nil {
		fault.Err = ErrInjected
	}
	f.fault = fault
}

// Written returns the number of bytes written through the wrapper
func (f *FaultyFS) Written() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written
}

func (f *FaultyFS) current() Fault {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fault
}

func (f *FaultyFS) CreateTemp(dir, pattern string) (File, error) {
	fault := f.current()
	if fault.FailCreate {
		return nil, fault.Err
	}
	file, err := f.FS.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, fs: f, fault: fault}, nil
}

func (f *FaultyFS) Open(name string) (io.ReadCloser, error) { return f.FS.Open(name) }
func (f *FaultyFS) Remove(name string) error               { return f.FS.Remove(name) }
func (f *FaultyFS) Stat(name string) (os.FileInfo, error)  { return f.FS.Stat(name) }

func (f *FaultyFS) Rename(oldpath, newpath string) error {
	if fault := f.current(); fault.FailOnRename {
		return fault.Err
	}
	return f.FS.Rename(oldpath, newpath)
}

func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}

type faultyFile struct {
	File
	fs      *FaultyFS
	fault   Fault
	written int64
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if ff.fault.FailAfterBytes >= 0 && ff.written+int64(len(p)) > ff.fault.FailAfterBytes {
		return 0, ff.fault.Err
	}
	n, err := ff.File.Write(p)
	ff.written += int64(n)

	ff.fs.mu.Lock()
	ff.fs.written += int64(n)
	ff.fs.mu.Unlock()
	return n, err
}

func (ff *faultyFile) Sync() error {
	if ff.fault.FailOnSync {
		return ff.fault.Err
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Close() error {
	if ff.fault.FailOnClose {
		ff.File.Close()
		return ff.fault.Err
	}
	return ff.File.Close()
}
