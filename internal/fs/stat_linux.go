//go:build linux

package fs

import (
	"io/fs"
	"syscall"
	"time"
)

// CreatedAt returns the inode change time, the closest thing to a creation
// time most Unix filesystems expose through stat.
func (m *OSFilesystemManager) CreatedAt(info fs.FileInfo) time.Time {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime()
	}
	return time.Unix(int64(stat.Ctim.Sec), int64(stat.Ctim.Nsec))
}
