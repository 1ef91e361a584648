//go:build !linux

package fs

import (
	"io/fs"
	"time"
)

// CreatedAt falls back to the modification time.
func (m *OSFilesystemManager) CreatedAt(info fs.FileInfo) time.Time {
	return info.ModTime()
}
