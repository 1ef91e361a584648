package duper

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"duper/internal/model"
)

// errChangedDuringRead reports a file modified while it was being hashed.
var errChangedDuringRead = errors.New("changed while fingerprinting")

// Fingerprinter computes content hashes and keeps the catalog in sync.
type Fingerprinter struct {
	catalog Catalog
	fsmgr   FilesystemManager
	logger  Logger
}

// NewFingerprinter creates a Fingerprinter.
func NewFingerprinter(catalog Catalog, fsmgr FilesystemManager, logger Logger) *Fingerprinter {
	return &Fingerprinter{catalog: catalog, fsmgr: fsmgr, logger: logger}
}

// Fingerprint hashes the file at path and upserts its record as active.
// An unchanged file (same size and mtime as its active record) keeps its
// cataloged hash without being read. Per-file failures are returned as
// *FileError; any other error comes from the catalog.
func (f *Fingerprinter) Fingerprint(ctx context.Context, path string) (*model.FileRecord, error) {
	info, err := f.fsmgr.Stat(path)
	if err != nil {
		return nil, newFileError(path, ErrUnreadableFile, err)
	}
	if !info.Mode().IsRegular() {
		return nil, newFileError(path, ErrUnreadableFile, fmt.Errorf("not a regular file"))
	}

	existing, err := f.catalog.FindFileByPath(path)
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", path, err)
	}

	var hash string
	if existing != nil && existing.IsActive() && existing.ContentHash != "" &&
		existing.Size == info.Size() && existing.ModifiedAt.Equal(info.ModTime().UTC()) {
		hash = existing.ContentHash
		f.logger.Debug("fingerprint reused", "path", path)
	} else {
		hash, err = hashFile(ctx, f.fsmgr, path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, newFileError(path, ErrUnreadableFile, err)
		}

		after, err := f.fsmgr.Stat(path)
		if err != nil {
			return nil, newFileError(path, ErrUnreadableFile, err)
		}
		if after.Size() != info.Size() || !after.ModTime().Equal(info.ModTime()) {
			return nil, newFileError(path, ErrUnreadableFile, errChangedDuringRead)
		}
	}

	name := filepath.Base(path)
	rec := &model.FileRecord{
		Path:        path,
		Name:        name,
		Extension:   Extension(name),
		ContentHash: hash,
		Size:        info.Size(),
		CreatedAt:   f.fsmgr.CreatedAt(info).UTC(),
		ModifiedAt:  info.ModTime().UTC(),
		Status:      model.FileActive,
	}
	if err := f.catalog.UpsertFile(rec); err != nil {
		return nil, fmt.Errorf("storing record for %s: %w", path, err)
	}
	return rec, nil
}
