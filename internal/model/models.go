package model

import "time"

// FileStatus is the lifecycle state of a cataloged file path.
type FileStatus string

const (
	FileActive      FileStatus = "active"
	FileQuarantined FileStatus = "quarantined"
)

// MoveState is the lifecycle state of a quarantine action.
type MoveState string

const (
	MoveMoved    MoveState = "moved"
	MoveRestored MoveState = "restored"
)

// MoveFilter selects moved-file records by state.
type MoveFilter string

const (
	FilterMoved    MoveFilter = "moved"
	FilterRestored MoveFilter = "restored"
	FilterAll      MoveFilter = "all"
)

// FileRecord represents one file path known to the catalog.
type FileRecord struct {
	Path        string     // Absolute path, primary key
	Name        string     // Base name including extension
	Extension   string     // Lowercase extension without the dot
	ContentHash string     // MD5 of the full content, lowercase hex
	Size        int64      // Bytes
	CreatedAt   time.Time  // ctime on unix, mtime elsewhere
	ModifiedAt  time.Time  // mtime
	Status      FileStatus // active or quarantined
}

// IsActive reports whether the record still lives at its path.
func (r *FileRecord) IsActive() bool {
	return r.Status == FileActive
}

// ScanHistoryEntry is the latest scan summary for one root directory.
type ScanHistoryEntry struct {
	Directory          string
	LastScanStartedAt  time.Time
	LastScanFinishedAt time.Time
	FilesScanned       int64
	ErrorsEncountered  int64
}

// MovedFileRecord is one quarantine action.
type MovedFileRecord struct {
	ID             int64 // Monotonic, assigned by the catalog
	OriginalPath   string
	QuarantinePath string
	ContentHash    string
	Size           int64
	MovedAt        time.Time
	State          MoveState
	RestoredAt     *time.Time // Set once State is restored
}

// IsMoved reports whether the file is still in quarantine.
func (m *MovedFileRecord) IsMoved() bool {
	return m.State == MoveMoved
}

// FileErrorEntry is a persisted per-file failure.
type FileErrorEntry struct {
	Path  string `json:"path"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// ScanRun is the full log of one scan invocation.
type ScanRun struct {
	ID                string // UUID
	Directory         string
	StartedAt         time.Time
	FinishedAt        time.Time
	FilesScanned      int64
	ErrorsEncountered int64
	DuplicateGroups   int64
	Pruned            int64
	Cancelled         bool
	ErrorLog          []FileErrorEntry
	DuplicateSummary  map[string][]string // content hash (plus "/<keeper name>" when shared) -> paths, keeper first
}

// Operation tracks a CLI command that mutated the catalog.
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string // "success" or "error"
}
