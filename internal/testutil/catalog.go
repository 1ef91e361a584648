package testutil

import (
	"sync"
	"testing"
	"time"

	"duper/internal/database"
	"duper/internal/duper"
	"duper/internal/model"
)

// NewTestCatalog creates a migrated in-memory SQLite catalog.
// The catalog is closed when the test completes.
func NewTestCatalog(t *testing.T) *database.SQLiteCatalog {
	t.Helper()

	catalog, err := database.NewSQLiteCatalog(":memory:")
	if err != nil {
		t.Fatalf("failed to open catalog: %v", err)
	}
	t.Cleanup(func() {
		catalog.Close()
	})
	return catalog
}

// FaultyCatalog wraps a Catalog and fails selected writes. Unset errors
// pass through to the wrapped catalog.
type FaultyCatalog struct {
	duper.Catalog

	mu                  sync.Mutex
	UpsertErr           error
	RecordQuarantineErr error
	RecordRestoreErr    error
	upserts             int
}

// NewFaultyCatalog wraps c.
func NewFaultyCatalog(c duper.Catalog) *FaultyCatalog {
	return &FaultyCatalog{Catalog: c}
}

func (f *FaultyCatalog) UpsertFile(rec *model.FileRecord) error {
	f.mu.Lock()
	f.upserts++
	err := f.UpsertErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Catalog.UpsertFile(rec)
}

func (f *FaultyCatalog) RecordQuarantine(path string, moved *model.MovedFileRecord) (*model.MovedFileRecord, error) {
	if f.RecordQuarantineErr != nil {
		return nil, f.RecordQuarantineErr
	}
	return f.Catalog.RecordQuarantine(path, moved)
}

func (f *FaultyCatalog) RecordRestore(id int64, restoredAt time.Time, rec *model.FileRecord) error {
	if f.RecordRestoreErr != nil {
		return f.RecordRestoreErr
	}
	return f.Catalog.RecordRestore(id, restoredAt, rec)
}

// Upserts returns how many UpsertFile calls were attempted.
func (f *FaultyCatalog) Upserts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts
}
