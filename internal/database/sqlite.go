package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"duper/internal/database/migrations"
	"duper/internal/duper"
	"duper/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// busyTimeoutMillis is how long a writer waits on a locked catalog.
const busyTimeoutMillis = 5000

// SQLiteCatalog implements duper.Catalog using SQLite.
type SQLiteCatalog struct {
	db   *sql.DB
	path string
}

// NewSQLiteCatalog opens the catalog at path and brings its schema up to
// date. path can be a file path or ":memory:".
func NewSQLiteCatalog(path string) (*SQLiteCatalog, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteCatalog{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection. The pool is
// limited to one connection: writes are serialized through it and an
// in-memory catalog stays a single database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis),
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}
	return db, nil
}

// withTx runs fn inside a write transaction.
func (s *SQLiteCatalog) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// File records

const fileColumns = "path, name, extension, content_hash, size, created_at, modified_at, status"

const upsertFileSQL = `INSERT INTO files (` + fileColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (path) DO UPDATE SET
    name = excluded.name,
    extension = excluded.extension,
    content_hash = excluded.content_hash,
    size = excluded.size,
    created_at = excluded.created_at,
    modified_at = excluded.modified_at,
    status = excluded.status`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertFile(e execer, rec *model.FileRecord) error {
	_, err := e.Exec(upsertFileSQL,
		rec.Path, rec.Name, rec.Extension, rec.ContentHash, rec.Size,
		rec.CreatedAt.UTC(), rec.ModifiedAt.UTC(), string(rec.Status))
	return err
}

func (s *SQLiteCatalog) UpsertFile(rec *model.FileRecord) error {
	return s.withTx(func(tx *sql.Tx) error {
		if err := upsertFile(tx, rec); err != nil {
			return fmt.Errorf("upserting file %s: %w", rec.Path, err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*model.FileRecord, error) {
	var rec model.FileRecord
	var status string
	if err := row.Scan(&rec.Path, &rec.Name, &rec.Extension, &rec.ContentHash, &rec.Size,
		&rec.CreatedAt, &rec.ModifiedAt, &status); err != nil {
		return nil, err
	}
	rec.Status = model.FileStatus(status)
	return &rec, nil
}

func (s *SQLiteCatalog) queryFiles(query string, args ...any) ([]*model.FileRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*model.FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *SQLiteCatalog) FindFileByPath(path string) (*model.FileRecord, error) {
	row := s.db.QueryRow("SELECT "+fileColumns+" FROM files WHERE path = ?", path)
	rec, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding file by path: %w", err)
	}
	return rec, nil
}

func (s *SQLiteCatalog) FindFilesByHash(hash string) ([]*model.FileRecord, error) {
	recs, err := s.queryFiles("SELECT "+fileColumns+" FROM files WHERE content_hash = ? ORDER BY path", hash)
	if err != nil {
		return nil, fmt.Errorf("finding files by hash: %w", err)
	}
	return recs, nil
}

func (s *SQLiteCatalog) ListActiveFiles() ([]*model.FileRecord, error) {
	recs, err := s.queryFiles("SELECT "+fileColumns+" FROM files WHERE status = ? ORDER BY path", string(model.FileActive))
	if err != nil {
		return nil, fmt.Errorf("listing active files: %w", err)
	}
	return recs, nil
}

func (s *SQLiteCatalog) ListActiveFilesUnder(dir string) ([]*model.FileRecord, error) {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	recs, err := s.queryFiles("SELECT "+fileColumns+` FROM files
		WHERE status = ? AND substr(path, 1, length(?)) = ? ORDER BY path`,
		string(model.FileActive), prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing active files under %s: %w", dir, err)
	}
	return recs, nil
}

func (s *SQLiteCatalog) CountFiles(status model.FileStatus) (int64, error) {
	var n int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM files WHERE status = ?", string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting files: %w", err)
	}
	return n, nil
}

func (s *SQLiteCatalog) DeleteFile(path string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM files WHERE path = ?", path); err != nil {
			return fmt.Errorf("deleting file %s: %w", path, err)
		}
		return nil
	})
}

// Quarantine actions

const movedColumns = "id, original_path, quarantine_path, content_hash, size, moved_at, state, restored_at"

func scanMoved(row rowScanner) (*model.MovedFileRecord, error) {
	var m model.MovedFileRecord
	var state string
	var restoredAt sql.NullTime
	if err := row.Scan(&m.ID, &m.OriginalPath, &m.QuarantinePath, &m.ContentHash, &m.Size,
		&m.MovedAt, &state, &restoredAt); err != nil {
		return nil, err
	}
	m.State = model.MoveState(state)
	if restoredAt.Valid {
		t := restoredAt.Time
		m.RestoredAt = &t
	}
	return &m, nil
}

func (s *SQLiteCatalog) RecordQuarantine(path string, moved *model.MovedFileRecord) (*model.MovedFileRecord, error) {
	var result *model.MovedFileRecord
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE files SET status = ? WHERE path = ? AND status = ?",
			string(model.FileQuarantined), path, string(model.FileActive))
		if err != nil {
			return fmt.Errorf("marking %s quarantined: %w", path, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("marking %s quarantined: %w", path, err)
		} else if n != 1 {
			return fmt.Errorf("marking %s quarantined: no active record", path)
		}

		res, err = tx.Exec(`INSERT INTO moved_files
			(original_path, quarantine_path, content_hash, size, moved_at, state)
			VALUES (?, ?, ?, ?, ?, ?)`,
			moved.OriginalPath, moved.QuarantinePath, moved.ContentHash, moved.Size,
			moved.MovedAt.UTC(), string(model.MoveMoved))
		if err != nil {
			return fmt.Errorf("inserting moved file: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading moved file id: %w", err)
		}

		out := *moved
		out.ID = id
		out.State = model.MoveMoved
		out.RestoredAt = nil
		result = &out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteCatalog) RecordRestore(id int64, restoredAt time.Time, rec *model.FileRecord) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE moved_files SET state = ?, restored_at = ? WHERE id = ? AND state = ?",
			string(model.MoveRestored), restoredAt.UTC(), id, string(model.MoveMoved))
		if err != nil {
			return fmt.Errorf("marking moved file %d restored: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("marking moved file %d restored: %w", id, err)
		} else if n != 1 {
			return fmt.Errorf("marking moved file %d restored: not in moved state", id)
		}

		if err := upsertFile(tx, rec); err != nil {
			return fmt.Errorf("reactivating %s: %w", rec.Path, err)
		}
		return nil
	})
}

func (s *SQLiteCatalog) FindMovedFileByID(id int64) (*model.MovedFileRecord, error) {
	m, err := scanMoved(s.db.QueryRow("SELECT "+movedColumns+" FROM moved_files WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding moved file %d: %w", id, err)
	}
	return m, nil
}

func (s *SQLiteCatalog) FindMovedFileByQuarantinePath(path string) (*model.MovedFileRecord, error) {
	m, err := scanMoved(s.db.QueryRow("SELECT "+movedColumns+
		" FROM moved_files WHERE quarantine_path = ? AND state = ? ORDER BY id DESC LIMIT 1",
		path, string(model.MoveMoved)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding moved file by quarantine path: %w", err)
	}
	return m, nil
}

func (s *SQLiteCatalog) ListMovedFiles(filter model.MoveFilter) ([]*model.MovedFileRecord, error) {
	query := "SELECT " + movedColumns + " FROM moved_files"
	var args []any
	switch filter {
	case model.FilterMoved, model.FilterRestored:
		query += " WHERE state = ?"
		args = append(args, string(filter))
	case model.FilterAll, "":
	default:
		return nil, fmt.Errorf("unknown moved file filter: %q", filter)
	}
	query += " ORDER BY id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing moved files: %w", err)
	}
	defer rows.Close()

	var result []*model.MovedFileRecord
	for rows.Next() {
		m, err := scanMoved(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning moved file: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// Scan history

func (s *SQLiteCatalog) RecordScanHistory(entry *model.ScanHistoryEntry) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO scan_history
			(directory, last_scan_started_at, last_scan_finished_at, files_scanned, errors_encountered)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (directory) DO UPDATE SET
			    last_scan_started_at = excluded.last_scan_started_at,
			    last_scan_finished_at = excluded.last_scan_finished_at,
			    files_scanned = excluded.files_scanned,
			    errors_encountered = excluded.errors_encountered`,
			entry.Directory, entry.LastScanStartedAt.UTC(), entry.LastScanFinishedAt.UTC(),
			entry.FilesScanned, entry.ErrorsEncountered)
		if err != nil {
			return fmt.Errorf("recording scan history for %s: %w", entry.Directory, err)
		}
		return nil
	})
}

func (s *SQLiteCatalog) ListScanHistory() ([]*model.ScanHistoryEntry, error) {
	rows, err := s.db.Query(`SELECT directory, last_scan_started_at, last_scan_finished_at,
		files_scanned, errors_encountered FROM scan_history ORDER BY directory`)
	if err != nil {
		return nil, fmt.Errorf("listing scan history: %w", err)
	}
	defer rows.Close()

	var result []*model.ScanHistoryEntry
	for rows.Next() {
		var e model.ScanHistoryEntry
		if err := rows.Scan(&e.Directory, &e.LastScanStartedAt, &e.LastScanFinishedAt,
			&e.FilesScanned, &e.ErrorsEncountered); err != nil {
			return nil, fmt.Errorf("scanning history entry: %w", err)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

func (s *SQLiteCatalog) CreateScanRun(run *model.ScanRun) error {
	errorLog := run.ErrorLog
	if errorLog == nil {
		errorLog = []model.FileErrorEntry{}
	}
	errorJSON, err := json.Marshal(errorLog)
	if err != nil {
		return fmt.Errorf("encoding error log: %w", err)
	}
	summary := run.DuplicateSummary
	if summary == nil {
		summary = map[string][]string{}
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encoding duplicate summary: %w", err)
	}

	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO scan_runs
			(id, directory, started_at, finished_at, files_scanned, errors_encountered,
			 duplicate_groups, pruned, cancelled, error_log, duplicate_summary)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.Directory, run.StartedAt.UTC(), run.FinishedAt.UTC(),
			run.FilesScanned, run.ErrorsEncountered, run.DuplicateGroups, run.Pruned,
			run.Cancelled, string(errorJSON), string(summaryJSON))
		if err != nil {
			return fmt.Errorf("inserting scan run: %w", err)
		}
		return nil
	})
}

func (s *SQLiteCatalog) ListScanRuns(limit int) ([]*model.ScanRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT id, directory, started_at, finished_at, files_scanned,
		errors_encountered, duplicate_groups, pruned, cancelled, error_log, duplicate_summary
		FROM scan_runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing scan runs: %w", err)
	}
	defer rows.Close()

	var result []*model.ScanRun
	for rows.Next() {
		var run model.ScanRun
		var errorJSON, summaryJSON string
		if err := rows.Scan(&run.ID, &run.Directory, &run.StartedAt, &run.FinishedAt,
			&run.FilesScanned, &run.ErrorsEncountered, &run.DuplicateGroups, &run.Pruned,
			&run.Cancelled, &errorJSON, &summaryJSON); err != nil {
			return nil, fmt.Errorf("scanning scan run: %w", err)
		}
		if err := json.Unmarshal([]byte(errorJSON), &run.ErrorLog); err != nil {
			return nil, fmt.Errorf("decoding error log of run %s: %w", run.ID, err)
		}
		if err := json.Unmarshal([]byte(summaryJSON), &run.DuplicateSummary); err != nil {
			return nil, fmt.Errorf("decoding duplicate summary of run %s: %w", run.ID, err)
		}
		result = append(result, &run)
	}
	return result, rows.Err()
}

// Reset deletes every catalog row and restarts moved-file IDs. The
// operation log is kept: it versions catalog snapshots.
func (s *SQLiteCatalog) Reset() error {
	return s.withTx(func(tx *sql.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM files",
			"DELETE FROM scan_history",
			"DELETE FROM moved_files",
			"DELETE FROM scan_runs",
			"DELETE FROM sqlite_sequence WHERE name = 'moved_files'",
		} {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("resetting catalog: %w", err)
			}
		}
		return nil
	})
}

// Operations

func (s *SQLiteCatalog) CreateOperation(operation string, parameters string) (*model.Operation, error) {
	startedAt := time.Now().UTC()
	res, err := s.db.Exec("INSERT INTO operations (operation, parameters, started_at) VALUES (?, ?, ?)",
		operation, parameters, startedAt)
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading operation id: %w", err)
	}
	return &model.Operation{
		ID:         id,
		Operation:  operation,
		Parameters: parameters,
		StartedAt:  startedAt,
		Status:     "running",
	}, nil
}

func (s *SQLiteCatalog) FinishOperation(id int64, status string) error {
	_, err := s.db.Exec("UPDATE operations SET finished_at = ?, status = ? WHERE id = ?",
		time.Now().UTC(), status, id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return nil
}

func (s *SQLiteCatalog) ListOperations(limit int) ([]*model.Operation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT id, operation, parameters, started_at, finished_at, status
		FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var result []*model.Operation
	for rows.Next() {
		var op model.Operation
		var finishedAt sql.NullTime
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.StartedAt, &finishedAt, &op.Status); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			op.FinishedAt = &t
		}
		result = append(result, &op)
	}
	return result, rows.Err()
}

// MaxOperationID returns the highest operation ID, or 0 for an empty log.
func (s *SQLiteCatalog) MaxOperationID() (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(id) FROM operations").Scan(&id); err != nil {
		return 0, fmt.Errorf("getting max operation id: %w", err)
	}
	return id.Int64, nil
}

func (s *SQLiteCatalog) Path() string {
	return s.path
}

// CheckMigrations verifies the catalog schema is up to date.
func (s *SQLiteCatalog) CheckMigrations() error {
	return migrations.CheckStatus(s.db)
}

// BackupTo writes a consistent copy of the catalog to destPath using VACUUM INTO.
func (s *SQLiteCatalog) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up catalog: %w", err)
	}
	return nil
}

// Close closes the catalog connection.
func (s *SQLiteCatalog) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ duper.Catalog = (*SQLiteCatalog)(nil)
