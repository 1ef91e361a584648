package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryStore keeps snapshots in memory. It is useful for testing and is
// safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte // hostID -> snapshot
	versions  map[string]int64  // hostID -> version
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string][]byte),
		versions:  make(map[string]int64),
	}
}

// PutSnapshot stores the snapshot for hostID.
func (m *MemoryStore) PutSnapshot(_ context.Context, hostID string, r io.Reader, size int64, version int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[hostID] = data
	m.versions[hostID] = version
	return nil
}

// GetSnapshot writes the snapshot for hostID to w.
func (m *MemoryStore) GetSnapshot(_ context.Context, hostID string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.snapshots[hostID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("host %s: %w", hostID, ErrNotFound)
	}

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// GetVersion returns the snapshot version for hostID, or 0.
func (m *MemoryStore) GetVersion(_ context.Context, hostID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[hostID], nil
}

// ValidateSetup always succeeds for the in-memory store.
func (m *MemoryStore) ValidateSetup(context.Context) error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
