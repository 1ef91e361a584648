package fs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// checkAndRename refuses an existing newpath and then renames. A file
// created at newpath between the two steps is overwritten, so it is only
// used where the kernel offers no atomic alternative.
func checkAndRename(oldpath, newpath string) error {
	if _, err := os.Lstat(newpath); err == nil {
		return &fs.PathError{Op: "move", Path: newpath, Err: fs.ErrExist}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checking destination: %w", err)
	}
	return os.Rename(oldpath, newpath)
}
