package duper

import (
	"time"

	"duper/internal/model"
)

// Catalog provides an interface for the persistent store of file records,
// scan history and quarantine actions.
// Every mutating method runs in its own write transaction.
type Catalog interface {
	// File records

	// UpsertFile inserts or replaces the record keyed by rec.Path.
	UpsertFile(rec *model.FileRecord) error

	// FindFileByPath returns the record for an absolute path, or nil if unknown.
	FindFileByPath(path string) (*model.FileRecord, error)

	// FindFilesByHash returns every record (any status) with the given content hash.
	FindFilesByHash(hash string) ([]*model.FileRecord, error)

	// ListActiveFiles returns all active records ordered by path.
	ListActiveFiles() ([]*model.FileRecord, error)

	// ListActiveFilesUnder returns active records whose path lies below dir.
	ListActiveFilesUnder(dir string) ([]*model.FileRecord, error)

	// CountFiles returns the number of records with the given status.
	CountFiles(status model.FileStatus) (int64, error)

	// DeleteFile removes the record for path. Unknown paths are a no-op.
	DeleteFile(path string) error

	// Quarantine actions

	// RecordQuarantine atomically marks the file at path quarantined and
	// appends moved. The returned record carries its assigned ID.
	RecordQuarantine(path string, moved *model.MovedFileRecord) (*model.MovedFileRecord, error)

	// RecordRestore atomically transitions moved record id to restored and
	// upserts rec as active.
	RecordRestore(id int64, restoredAt time.Time, rec *model.FileRecord) error

	// FindMovedFileByID returns a moved-file record, or nil if unknown.
	FindMovedFileByID(id int64) (*model.MovedFileRecord, error)

	// FindMovedFileByQuarantinePath returns the moved record (state moved)
	// occupying a quarantine path, or nil.
	FindMovedFileByQuarantinePath(path string) (*model.MovedFileRecord, error)

	// ListMovedFiles returns moved-file records matching filter, ordered by ID.
	ListMovedFiles(filter model.MoveFilter) ([]*model.MovedFileRecord, error)

	// Scan history

	// RecordScanHistory upserts the history entry keyed by entry.Directory.
	RecordScanHistory(entry *model.ScanHistoryEntry) error

	// ListScanHistory returns every history entry ordered by directory.
	ListScanHistory() ([]*model.ScanHistoryEntry, error)

	// CreateScanRun appends the log of one scan invocation.
	CreateScanRun(run *model.ScanRun) error

	// ListScanRuns returns the most recent scan runs, newest first.
	ListScanRuns(limit int) ([]*model.ScanRun, error)

	// Reset irreversibly discards all records and history.
	Reset() error

	// Close closes the catalog.
	Close() error
}
