package duper

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"duper/internal/model"
)

// QuarantineResult is the outcome for one loser of a QuarantineAll batch.
type QuarantineResult struct {
	Path   string
	Record *model.MovedFileRecord // set on success
	Err    *FileError             // set on a per-file failure
}

// QuarantineAll relocates every loser of groups into the quarantine root.
// Groups are processed in order; per-file failures are reported in the
// results and do not stop the batch. Cancellation stops dispatching new
// moves. A catalog failure aborts the batch and is returned along with the
// results gathered so far.
func (s *Service) QuarantineAll(ctx context.Context, groups DuplicateGroups, opts QuarantineOptions) ([]*QuarantineResult, error) {
	var results []*QuarantineResult
	for _, group := range groups {
		if ctx.Err() != nil {
			s.logger.Info("quarantine interrupted", "moved", countMoved(results))
			break
		}

		keeperOK, err := s.keeperUnchanged(group.Keeper)
		if err != nil {
			return results, err
		}

		for _, loser := range group.Losers {
			if ctx.Err() != nil {
				break
			}
			result := &QuarantineResult{Path: loser.Path}
			results = append(results, result)

			if !keeperOK {
				result.Err = newFileError(loser.Path, ErrMoveConflict,
					fmt.Errorf("keeper %s changed since resolution", group.Keeper.Path))
				continue
			}

			moved, err := s.Quarantine(ctx, loser, opts)
			var fe *FileError
			switch {
			case err == nil:
				result.Record = moved
			case errors.As(err, &fe):
				s.logger.Warn("quarantine failed", "path", loser.Path, "error", err)
				result.Err = fe
			default:
				return results, err
			}
		}
	}
	return results, nil
}

// keeperUnchanged reports whether the group's keeper is still cataloged as
// active with the same content.
func (s *Service) keeperUnchanged(keeper *model.FileRecord) (bool, error) {
	current, err := s.catalog.FindFileByPath(keeper.Path)
	if err != nil {
		return false, fmt.Errorf("looking up keeper %s: %w", keeper.Path, err)
	}
	return current != nil && current.IsActive() && current.ContentHash == keeper.ContentHash, nil
}

// Quarantine moves a single loser into the quarantine root and records the
// action. The file must still match its cataloged state.
func (s *Service) Quarantine(ctx context.Context, loser *model.FileRecord, opts QuarantineOptions) (*model.MovedFileRecord, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("quarantine root is not configured")
	}

	current, err := s.catalog.FindFileByPath(loser.Path)
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", loser.Path, err)
	}
	if current == nil || !current.IsActive() || current.ContentHash != loser.ContentHash {
		return nil, newFileError(loser.Path, ErrMoveConflict, fmt.Errorf("catalog record is stale"))
	}

	info, err := s.fsmgr.Stat(loser.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, newFileError(loser.Path, ErrMoveConflict, fmt.Errorf("file no longer exists"))
		}
		return nil, newFileError(loser.Path, ErrMoveIO, err)
	}
	if info.Size() != current.Size || !info.ModTime().Equal(current.ModifiedAt) {
		return nil, newFileError(loser.Path, ErrMoveConflict, fmt.Errorf("file changed since it was scanned"))
	}

	base, err := quarantineBase(loser.Path, opts)
	if err != nil {
		return nil, newFileError(loser.Path, ErrMoveConflict, err)
	}

	dst, err := s.moveToFreeSlot(loser.Path, base, current.ContentHash)
	if err != nil {
		return nil, err
	}

	moved, err := s.catalog.RecordQuarantine(loser.Path, &model.MovedFileRecord{
		OriginalPath:   loser.Path,
		QuarantinePath: dst,
		ContentHash:    current.ContentHash,
		Size:           current.Size,
		MovedAt:        s.clock.Now(),
		State:          model.MoveMoved,
	})
	if err != nil {
		if rbErr := s.fsmgr.Move(dst, loser.Path, current.ContentHash); rbErr != nil {
			s.logger.Error("rolling back quarantine failed", "path", loser.Path, "quarantine_path", dst, "error", rbErr)
		}
		return nil, fmt.Errorf("recording quarantine of %s: %w", loser.Path, err)
	}

	s.logger.Info("file quarantined", "path", loser.Path, "quarantine_path", dst, "id", moved.ID)
	return moved, nil
}

// moveToFreeSlot moves src to base, or to the first free name_N.ext
// variant of it, and returns the destination used.
func (s *Service) moveToFreeSlot(src, base, hash string) (string, error) {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for n := 0; n <= maxSuffix; n++ {
		dst := base
		if n > 0 {
			dst = fmt.Sprintf("%s_%d%s", stem, n, ext)
		}

		err := s.fsmgr.Move(src, dst, hash)
		if err == nil {
			return dst, nil
		}
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		return "", newFileError(src, ErrMoveIO, err)
	}
	return "", newFileError(src, ErrMoveConflict, fmt.Errorf("no free quarantine name for %s", filepath.Base(base)))
}

// Destination returns where path would be quarantined when the
// destination is free.
func (o QuarantineOptions) Destination(path string) (string, error) {
	return quarantineBase(path, o)
}

// quarantineBase computes the unsuffixed destination of path.
func quarantineBase(path string, opts QuarantineOptions) (string, error) {
	if !opts.Sparse {
		return filepath.Join(opts.Root, filepath.Base(path)), nil
	}
	if opts.ScanRoot == "" {
		return "", fmt.Errorf("sparse quarantine requires a scan root")
	}
	rel, err := filepath.Rel(opts.ScanRoot, path)
	if err != nil {
		return "", fmt.Errorf("relative path: %w", err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside scan root %s", path, opts.ScanRoot)
	}
	return filepath.Join(opts.Root, rel), nil
}

func countMoved(results []*QuarantineResult) int {
	n := 0
	for _, r := range results {
		if r.Record != nil {
			n++
		}
	}
	return n
}
