package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// errInjected is used when a rule does not carry its own error.
var errInjected = errors.New("injected fault error")

// Fault defines failure behavior for files whose name matches a rule.
type Fault struct {
	FailAfterBytes int64 // Fail writes after this many bytes written to the file. -1 disables.
	FailOnSync     bool
	FailOnClose    bool
	Err            error
}

// FaultyFS is a FileSystem wrapper that injects errors and counts open
// file handles, so tests can assert that every handle is closed.
type FaultyFS struct {
	FS FileSystem

	mu        sync.Mutex
	rules     map[string]Fault // filename substring -> fault
	renameErr error
	mkdirErr  error
	openErr   error
	open      int
	closes    int
	reclosed  int
}

// NewFaultyFS creates a new FaultyFS wrapping fs (or Default if nil).
func NewFaultyFS(fs FileSystem) *FaultyFS {
	if fs == nil {
		fs = Default
	}
	return &FaultyFS{
		FS:    fs,
		rules: make(map[string]Fault),
	}
}

// AddRule adds a fault for every file whose name contains pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = fault
}

// FailRename makes every Rename return err. A nil err clears the fault.
func (f *FaultyFS) FailRename(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renameErr = err
}

// FailMkdir makes every MkdirAll return err. A nil err clears the fault.
func (f *FaultyFS) FailMkdir(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirErr = err
}

// FailOpen makes every OpenFile return err. A nil err clears the fault.
func (f *FaultyFS) FailOpen(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// OpenFiles returns the number of files opened through f and not yet closed.
func (f *FaultyFS) OpenFiles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// DoubleCloses returns how many times an already closed file was closed again.
func (f *FaultyFS) DoubleCloses() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reclosed
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	f.mu.Lock()
	openErr := f.openErr
	f.mu.Unlock()
	if openErr != nil {
		return nil, &os.PathError{Op: "open", Path: name, Err: openErr}
	}

	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	fault := Fault{FailAfterBytes: -1}
	for pattern, rule := range f.rules {
		if strings.Contains(name, pattern) {
			fault = rule
		}
	}
	if fault.Err == nil {
		fault.Err = errInjected
	}
	f.open++
	return &faultyFile{File: file, fs: f, fault: fault}, nil
}

func (f *FaultyFS) Remove(name string) error {
	return f.FS.Remove(name)
}

func (f *FaultyFS) Rename(oldpath, newpath string) error {
	f.mu.Lock()
	err := f.renameErr
	f.mu.Unlock()
	if err != nil {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: err}
	}
	return f.FS.Rename(oldpath, newpath)
}

func (f *FaultyFS) Stat(name string) (os.FileInfo, error) {
	return f.FS.Stat(name)
}

func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	f.mu.Lock()
	err := f.mkdirErr
	f.mu.Unlock()
	if err != nil {
		return &os.PathError{Op: "mkdir", Path: path, Err: err}
	}
	return f.FS.MkdirAll(path, perm)
}

type faultyFile struct {
	File
	fs      *FaultyFS
	fault   Fault
	written int64
	closed  bool
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if ff.fault.FailAfterBytes >= 0 && ff.written+int64(len(p)) > ff.fault.FailAfterBytes {
		return 0, ff.fault.Err
	}
	n, err := ff.File.Write(p)
	ff.written += int64(n)
	return n, err
}

func (ff *faultyFile) Sync() error {
	if ff.fault.FailOnSync {
		return ff.fault.Err
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Close() error {
	ff.fs.mu.Lock()
	if ff.closed {
		ff.fs.reclosed++
	} else {
		ff.closed = true
		ff.fs.open--
		ff.fs.closes++
	}
	ff.fs.mu.Unlock()

	err := ff.File.Close()
	if ff.fault.FailOnClose {
		return ff.fault.Err
	}
	return err
}
