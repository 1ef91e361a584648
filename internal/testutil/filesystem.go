package testutil

import (
	"io"
	"io/fs"
	"sync"

	"duper/internal/duper"
	dfs "duper/internal/fs"
)

// FaultyFilesystem wraps a real OSFilesystemManager and injects failures
// for selected paths. Keys are absolute paths.
type FaultyFilesystem struct {
	*dfs.OSFilesystemManager

	mu       sync.Mutex
	openErr  map[string]error
	moveErr  map[string]error // keyed by source path
	beforeMv func(src, dst string)
	opened   map[string]int
}

// NewFaultyFilesystem wraps a manager with no ignore patterns.
func NewFaultyFilesystem() *FaultyFilesystem {
	return &FaultyFilesystem{
		OSFilesystemManager: dfs.NewOSFilesystemManager(nil),
		openErr:             make(map[string]error),
		moveErr:             make(map[string]error),
		opened:              make(map[string]int),
	}
}

// FailOpen makes Open(path) return err.
func (f *FaultyFilesystem) FailOpen(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr[path] = err
}

// FailMove makes Move(src, ...) return err without touching the disk.
func (f *FaultyFilesystem) FailMove(src string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moveErr[src] = err
}

// BeforeMove registers a hook run ahead of every Move, e.g. to race a
// file into the destination.
func (f *FaultyFilesystem) BeforeMove(hook func(src, dst string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeMv = hook
}

// Opens returns how many times path was opened for hashing.
func (f *FaultyFilesystem) Opens(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[path]
}

func (f *FaultyFilesystem) Open(path string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.opened[path]++
	err := f.openErr[path]
	f.mu.Unlock()
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: path, Err: err}
	}
	return f.OSFilesystemManager.Open(path)
}

func (f *FaultyFilesystem) Move(src, dst, expectedHash string) error {
	f.mu.Lock()
	err := f.moveErr[src]
	hook := f.beforeMv
	f.mu.Unlock()
	if hook != nil {
		hook(src, dst)
	}
	if err != nil {
		return err
	}
	return f.OSFilesystemManager.Move(src, dst, expectedHash)
}

var _ duper.FilesystemManager = (*FaultyFilesystem)(nil)
