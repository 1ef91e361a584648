package duper

import (
	"errors"
	"fmt"

	"duper/internal/model"
)

// Per-file failure kinds. Every one of them is recovered locally by the
// batch that produced it and reported back through a FileError.
var (
	// ErrUnreadableFile indicates a candidate could not be opened or read to completion
	ErrUnreadableFile = errors.New("unreadable file")

	// ErrMoveConflict indicates the quarantine destination could not be claimed
	ErrMoveConflict = errors.New("move conflict")

	// ErrMoveIO indicates a filesystem failure while quarantining
	ErrMoveIO = errors.New("move i/o error")

	// ErrRestoreConflict indicates the original path holds different content
	ErrRestoreConflict = errors.New("restore conflict")

	// ErrRestoreIO indicates a filesystem failure while restoring
	ErrRestoreIO = errors.New("restore i/o error")

	// ErrUnknownRecord indicates a restore of a nonexistent or already restored record
	ErrUnknownRecord = errors.New("unknown record")
)

// FileError is a classified per-file failure. errors.Is matches both the
// kind sentinel and the underlying cause.
type FileError struct {
	Path string
	Kind error
	Err  error
}

func newFileError(path string, kind error, err error) *FileError {
	return &FileError{Path: path, Kind: kind, Err: err}
}

func (e *FileError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Path, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Path, e.Kind, e.Err)
}

func (e *FileError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Entry converts the error into its persisted form.
func (e *FileError) Entry() model.FileErrorEntry {
	entry := model.FileErrorEntry{Path: e.Path, Kind: e.Kind.Error()}
	if e.Err != nil {
		entry.Error = e.Err.Error()
	}
	return entry
}

// IsFileError reports whether err is a classified per-file failure.
// Anything else coming out of the engine is a catalog or programming error.
func IsFileError(err error) bool {
	var fe *FileError
	return errors.As(err, &fe)
}
