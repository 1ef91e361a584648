package duper

import (
	"io"
	"io/fs"
	"time"
)

// FilesystemManager provides an interface for filesystem operations.
// It abstracts file access so the engine can be exercised against
// alternative implementations in tests.
type FilesystemManager interface {
	// ReadDir lists a directory's entries sorted by name.
	ReadDir(path string) ([]fs.DirEntry, error)

	// Open opens a file for reading.
	Open(path string) (io.ReadCloser, error)

	// Stat returns fresh file info for a path without following symlinks.
	Stat(path string) (fs.FileInfo, error)

	// CreatedAt extracts the creation time the platform reports for info.
	CreatedAt(info fs.FileInfo) time.Time

	// IsIgnored reports whether path matches the user ignore patterns
	// relative to the scan root.
	IsIgnored(path string, root string) (bool, error)

	// Move relocates src to dst without ever overwriting dst. It renames
	// when possible and otherwise copies, verifies the copy against
	// expectedHash, then removes src. On failure src is left untouched.
	Move(src, dst, expectedHash string) error

	// Remove deletes a single file.
	Remove(path string) error
}
