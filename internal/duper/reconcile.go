package duper

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"duper/internal/model"
)

// ReconcileReport lists the fix-ups applied by Reconcile.
type ReconcileReport struct {
	RestoresCompleted   []int64  // moved-file IDs whose interrupted restore was finished
	QuarantinesRecorded []string // original paths whose interrupted quarantine was recorded
	Errors              []*FileError
}

// Changed reports whether any fix-up was applied.
func (r *ReconcileReport) Changed() bool {
	return len(r.RestoresCompleted) > 0 || len(r.QuarantinesRecorded) > 0
}

// Reconcile brings the catalog back in line with the filesystem after an
// interrupted quarantine or restore. A move that happened on disk but was
// never recorded is recorded; nothing on disk is moved.
func (s *Service) Reconcile(ctx context.Context, quarantineRoot string) (*ReconcileReport, error) {
	report := &ReconcileReport{}

	if err := s.reconcileRestores(ctx, report); err != nil {
		return report, err
	}
	if quarantineRoot != "" {
		if err := s.reconcileQuarantines(ctx, quarantineRoot, report); err != nil {
			return report, err
		}
	}

	if report.Changed() {
		s.logger.Info("catalog reconciled",
			"restores", len(report.RestoresCompleted),
			"quarantines", len(report.QuarantinesRecorded),
		)
	}
	return report, nil
}

// reconcileRestores completes restores whose file was moved back but whose
// record still says moved.
func (s *Service) reconcileRestores(ctx context.Context, report *ReconcileReport) error {
	moved, err := s.catalog.ListMovedFiles(model.FilterMoved)
	if err != nil {
		return fmt.Errorf("listing moved files: %w", err)
	}

	for _, rec := range moved {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := s.fsmgr.Stat(rec.QuarantinePath); !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		info, err := s.fsmgr.Stat(rec.OriginalPath)
		if err != nil {
			continue
		}
		same, err := s.sameContent(ctx, rec.OriginalPath, info, rec.ContentHash)
		if err != nil {
			report.Errors = append(report.Errors, newFileError(rec.OriginalPath, ErrUnreadableFile, err))
			continue
		}
		if !same {
			continue
		}

		if err := s.finishRestore(rec); err != nil {
			var fe *FileError
			if errors.As(err, &fe) {
				report.Errors = append(report.Errors, fe)
				continue
			}
			return err
		}
		report.RestoresCompleted = append(report.RestoresCompleted, rec.ID)
	}
	return nil
}

// reconcileQuarantines records files that reached the quarantine root but
// whose move was never written to the catalog.
func (s *Service) reconcileQuarantines(ctx context.Context, root string, report *ReconcileReport) error {
	if _, err := s.fsmgr.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		report.Errors = append(report.Errors, newFileError(root, ErrUnreadableFile, err))
		return nil
	}

	files, errs := s.listTree(root)
	report.Errors = append(report.Errors, errs...)

	claimed := make(map[string]bool)
	for _, qpath := range files {
		if ctx.Err() != nil {
			return nil
		}
		ref, err := s.catalog.FindMovedFileByQuarantinePath(qpath)
		if err != nil {
			return fmt.Errorf("looking up quarantine path %s: %w", qpath, err)
		}
		if ref != nil {
			continue
		}

		info, err := s.fsmgr.Stat(qpath)
		if err != nil {
			report.Errors = append(report.Errors, newFileError(qpath, ErrUnreadableFile, err))
			continue
		}
		hash, err := hashFile(ctx, s.fsmgr, qpath)
		if err != nil {
			report.Errors = append(report.Errors, newFileError(qpath, ErrUnreadableFile, err))
			continue
		}

		rel, err := filepath.Rel(root, qpath)
		if err != nil {
			report.Errors = append(report.Errors, newFileError(qpath, ErrUnreadableFile, err))
			continue
		}
		origin, err := s.vanishedOrigin(hash, rel, claimed)
		if err != nil {
			return err
		}
		if origin == nil {
			s.logger.Debug("unreferenced quarantine file left alone", "path", qpath)
			continue
		}
		claimed[origin.Path] = true

		if _, err := s.catalog.RecordQuarantine(origin.Path, &model.MovedFileRecord{
			OriginalPath:   origin.Path,
			QuarantinePath: qpath,
			ContentHash:    hash,
			Size:           info.Size(),
			MovedAt:        s.clock.Now(),
			State:          model.MoveMoved,
		}); err != nil {
			return fmt.Errorf("recording quarantine of %s: %w", origin.Path, err)
		}
		s.logger.Info("interrupted quarantine recorded", "path", origin.Path, "quarantine_path", qpath)
		report.QuarantinesRecorded = append(report.QuarantinesRecorded, origin.Path)
	}
	return nil
}

// vanishedOrigin picks the active record with hash whose file no longer
// exists and which a quarantine could have moved to rel, the path relative
// to the quarantine root. Files that match no such record are orphans (for
// example left behind by a catalog reset) and are never claimed.
func (s *Service) vanishedOrigin(hash, rel string, claimed map[string]bool) (*model.FileRecord, error) {
	records, err := s.catalog.FindFilesByHash(hash)
	if err != nil {
		return nil, fmt.Errorf("looking up hash %s: %w", hash, err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })

	for _, rec := range records {
		if !rec.IsActive() || claimed[rec.Path] || !couldBeDestination(rel, rec.Path) {
			continue
		}
		if _, err := s.fsmgr.Stat(rec.Path); !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return rec, nil
	}
	return nil, nil
}

// couldBeDestination reports whether quarantining original could have
// produced rel: its base name, or a name_N variant of it, either at the top
// of the quarantine root (flat) or below the same trailing directories
// (sparse).
func couldBeDestination(rel, original string) bool {
	dir, name := filepath.Split(rel)
	base := filepath.Base(original)
	if name != base && unsuffixed(name) != base {
		return false
	}
	if dir == "" {
		return true
	}
	dir = filepath.Clean(dir)
	parent := filepath.Dir(original)
	return parent == dir || strings.HasSuffix(parent, string(filepath.Separator)+dir)
}

// unsuffixed strips a name_N suffix added to avoid a collision.
func unsuffixed(name string) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	i := strings.LastIndexByte(stem, '_')
	if i <= 0 {
		return name
	}
	n, err := strconv.Atoi(stem[i+1:])
	if err != nil || n < 1 || n > maxSuffix || stem[i+1] == '0' {
		return name
	}
	return stem[:i] + ext
}

// listTree returns every regular file below root in walk order.
func (s *Service) listTree(root string) ([]string, []*FileError) {
	var files []string
	var errs []*FileError

	var visit func(dir string)
	visit = func(dir string) {
		entries, err := s.fsmgr.ReadDir(dir)
		if err != nil {
			errs = append(errs, newFileError(dir, ErrUnreadableFile, err))
			return
		}
		for _, entry := range entries {
			full := filepath.Join(dir, entry.Name())
			switch {
			case entry.IsDir():
				visit(full)
			case entry.Type().IsRegular():
				files = append(files, full)
			}
		}
	}
	visit(root)
	return files, errs
}
