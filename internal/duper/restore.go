package duper

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"duper/internal/model"
)

// RestoreResult is the outcome for one record of a RestoreAll batch.
type RestoreResult struct {
	ID   int64
	Path string
	Err  *FileError // nil on success
}

// Restore moves a quarantined file back to its original path and marks its
// record restored. When the original path already holds identical content
// the quarantined copy is discarded instead. Different content at the
// original path is a conflict and nothing is touched.
func (s *Service) Restore(ctx context.Context, id int64) error {
	moved, err := s.catalog.FindMovedFileByID(id)
	if err != nil {
		return fmt.Errorf("looking up moved file %d: %w", id, err)
	}
	if moved == nil {
		return newFileError(fmt.Sprintf("#%d", id), ErrUnknownRecord, nil)
	}
	if !moved.IsMoved() {
		return newFileError(moved.OriginalPath, ErrUnknownRecord, fmt.Errorf("record %d already restored", id))
	}
	return s.restore(ctx, moved)
}

func (s *Service) restore(ctx context.Context, moved *model.MovedFileRecord) error {
	original := moved.OriginalPath

	if _, err := s.fsmgr.Stat(moved.QuarantinePath); err != nil {
		return newFileError(original, ErrRestoreIO, fmt.Errorf("quarantined copy: %w", err))
	}

	info, err := s.fsmgr.Stat(original)
	switch {
	case err == nil:
		same, err := s.sameContent(ctx, original, info, moved.ContentHash)
		if err != nil {
			return newFileError(original, ErrRestoreIO, err)
		}
		if !same {
			return newFileError(original, ErrRestoreConflict, fmt.Errorf("original path holds different content"))
		}
		if err := s.fsmgr.Remove(moved.QuarantinePath); err != nil {
			return newFileError(original, ErrRestoreIO, fmt.Errorf("removing redundant copy: %w", err))
		}
		s.logger.Info("redundant quarantined copy removed", "path", original, "quarantine_path", moved.QuarantinePath)
	case errors.Is(err, fs.ErrNotExist):
		if err := s.fsmgr.Move(moved.QuarantinePath, original, moved.ContentHash); err != nil {
			if errors.Is(err, fs.ErrExist) {
				return newFileError(original, ErrRestoreConflict, err)
			}
			return newFileError(original, ErrRestoreIO, err)
		}
	default:
		return newFileError(original, ErrRestoreIO, err)
	}

	return s.finishRestore(moved)
}

// finishRestore records a restore whose file is already back in place.
func (s *Service) finishRestore(moved *model.MovedFileRecord) error {
	info, err := s.fsmgr.Stat(moved.OriginalPath)
	if err != nil {
		return newFileError(moved.OriginalPath, ErrRestoreIO, err)
	}

	name := filepath.Base(moved.OriginalPath)
	rec := &model.FileRecord{
		Path:        moved.OriginalPath,
		Name:        name,
		Extension:   Extension(name),
		ContentHash: moved.ContentHash,
		Size:        info.Size(),
		CreatedAt:   s.fsmgr.CreatedAt(info).UTC(),
		ModifiedAt:  info.ModTime().UTC(),
		Status:      model.FileActive,
	}
	if err := s.catalog.RecordRestore(moved.ID, s.clock.Now(), rec); err != nil {
		return fmt.Errorf("recording restore of %d: %w", moved.ID, err)
	}

	s.logger.Info("file restored", "id", moved.ID, "path", moved.OriginalPath)
	return nil
}

// sameContent reports whether the regular file at path hashes to want.
func (s *Service) sameContent(ctx context.Context, path string, info fs.FileInfo, want string) (bool, error) {
	if !info.Mode().IsRegular() {
		return false, nil
	}
	got, err := hashFile(ctx, s.fsmgr, path)
	if err != nil {
		return false, err
	}
	return got == want, nil
}

// RestoreAll restores every record still in quarantine in ascending ID
// order. Each record is attempted independently; cancellation stops
// dispatching. A catalog failure aborts the batch.
func (s *Service) RestoreAll(ctx context.Context) ([]*RestoreResult, error) {
	records, err := s.catalog.ListMovedFiles(model.FilterMoved)
	if err != nil {
		return nil, fmt.Errorf("listing moved files: %w", err)
	}

	var results []*RestoreResult
	for _, moved := range records {
		if ctx.Err() != nil {
			s.logger.Info("restore interrupted", "attempted", len(results), "remaining", len(records)-len(results))
			break
		}
		result := &RestoreResult{ID: moved.ID, Path: moved.OriginalPath}
		results = append(results, result)

		err := s.restore(context.WithoutCancel(ctx), moved)
		var fe *FileError
		switch {
		case err == nil:
		case errors.As(err, &fe):
			s.logger.Warn("restore failed", "id", moved.ID, "path", moved.OriginalPath, "error", err)
			result.Err = fe
		default:
			return results, err
		}
	}
	return results, nil
}
