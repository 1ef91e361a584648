package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"duper/internal/duper"
)

// IgnoreFileName is the per-root ignore file read during scans.
const IgnoreFileName = ".duperignore"

// OSFilesystemManager is the real filesystem implementation of FilesystemManager.
// It performs actual filesystem operations using the os package.
type OSFilesystemManager struct {
	patterns []string // configured ignore patterns, applied under every root

	mu       sync.Mutex
	matchers map[string]*IgnoreMatcher // keyed by scan root

	// rename is swapped in tests to simulate cross-device moves.
	rename func(oldpath, newpath string) error
}

// NewOSFilesystemManager creates a filesystem manager that operates on the
// real filesystem. patterns are the configured ignore globs.
func NewOSFilesystemManager(patterns []string) *OSFilesystemManager {
	return &OSFilesystemManager{
		patterns: patterns,
		matchers: make(map[string]*IgnoreMatcher),
		rename:   renameNoReplace,
	}
}

// ReadDir lists a directory's entries sorted by name.
func (m *OSFilesystemManager) ReadDir(path string) ([]fs.DirEntry, error) {
	return os.ReadDir(path)
}

// Open opens a file for reading.
func (m *OSFilesystemManager) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// Stat returns fresh file info for a path without following symlinks.
func (m *OSFilesystemManager) Stat(path string) (fs.FileInfo, error) {
	return os.Lstat(path)
}

// IsIgnored reports whether path matches the configured patterns or the
// .duperignore file at root. Matching is relative to root.
func (m *OSFilesystemManager) IsIgnored(path string, root string) (bool, error) {
	matcher, err := m.matcherFor(root)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false, fmt.Errorf("relative path: %w", err)
	}
	return matcher.Match(rel), nil
}

func (m *OSFilesystemManager) matcherFor(root string) (*IgnoreMatcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if matcher, ok := m.matchers[root]; ok {
		return matcher, nil
	}

	fromFile, err := ParseIgnoreFile(filepath.Join(root, IgnoreFileName))
	if err != nil {
		return nil, err
	}
	all := append(append(append([]string{}, defaultIgnorePatterns...), m.patterns...), fromFile...)
	matcher := NewIgnoreMatcher(all)
	m.matchers[root] = matcher
	return matcher, nil
}

// Move relocates src to dst without overwriting. A rename across devices
// falls back to copy, fsync, verify against expectedHash and delete.
// An occupied dst yields an error matching fs.ErrExist.
func (m *OSFilesystemManager) Move(src, dst, expectedHash string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}

	err := m.rename(src, dst)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return err
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("renaming %s: %w", src, err)
	}

	if err := copyVerified(src, dst, expectedHash); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("removing source after copy: %w", err)
	}
	return nil
}

// copyVerified copies src to a new file at dst, syncs it, and re-reads the
// copy to compare its digest with expectedHash. dst is removed on failure.
func copyVerified(src, dst, expectedHash string) (err error) {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return &fs.PathError{Op: "move", Path: dst, Err: fs.ErrExist}
		}
		return fmt.Errorf("creating destination: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	written, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return fmt.Errorf("copying: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("syncing copy: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing copy: %w", err)
	}
	if written != info.Size() {
		return fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", info.Size(), written)
	}

	copied, err := os.Open(dst)
	if err != nil {
		return fmt.Errorf("reopening copy: %w", err)
	}
	got, _, err := duper.HashContent(context.Background(), copied)
	copied.Close()
	if err != nil {
		return fmt.Errorf("verifying copy: %w", err)
	}
	if got != expectedHash {
		return fmt.Errorf("copy hash mismatch: got %s, want %s", got, expectedHash)
	}

	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("preserving modification time: %w", err)
	}
	return nil
}

// Remove deletes a single file.
func (m *OSFilesystemManager) Remove(path string) error {
	return os.Remove(path)
}

// Compile-time check that OSFilesystemManager implements duper.FilesystemManager interface
var _ duper.FilesystemManager = (*OSFilesystemManager)(nil)
