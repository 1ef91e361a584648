package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FileSystemStore keeps snapshots as files in a directory, typically on a
// mounted external or network drive:
//
//	<root>/
//	  <hostID>.db       (latest catalog snapshot)
//	  <hostID>.version  (operation ID the snapshot was taken at)
type FileSystemStore struct {
	root string
}

// NewFileSystemStore creates a store rooted at root, creating it if needed.
func NewFileSystemStore(root string) (*FileSystemStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileSystemStore{root: root}, nil
}

func (s *FileSystemStore) snapshotPath(hostID string) string {
	return filepath.Join(s.root, hostID+".db")
}

func (s *FileSystemStore) versionPath(hostID string) string {
	return filepath.Join(s.root, hostID+".version")
}

// PutSnapshot writes the snapshot and then its version marker. A reader
// never observes a version newer than the snapshot it describes.
func (s *FileSystemStore) PutSnapshot(_ context.Context, hostID string, r io.Reader, size int64, version int64) error {
	if err := s.writeFile(s.snapshotPath(hostID), r, size); err != nil {
		return err
	}
	data := strconv.FormatInt(version, 10)
	return s.writeFile(s.versionPath(hostID), strings.NewReader(data), int64(len(data)))
}

// GetSnapshot copies the stored snapshot for hostID to w.
func (s *FileSystemStore) GetSnapshot(_ context.Context, hostID string, w io.Writer) error {
	f, err := os.Open(s.snapshotPath(hostID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("host %s: %w", hostID, ErrNotFound)
		}
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	return nil
}

// GetVersion returns the snapshot version for a host, or 0 if none exists.
func (s *FileSystemStore) GetVersion(_ context.Context, hostID string) (int64, error) {
	data, err := os.ReadFile(s.versionPath(hostID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading version file: %w", err)
	}

	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// ValidateSetup verifies that the root exists and is a directory.
func (s *FileSystemStore) ValidateSetup(_ context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("snapshot root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("snapshot root is not a directory: %s", s.root)
	}
	return nil
}

// writeFile writes r to destPath through a temp file in the same directory.
func (s *FileSystemStore) writeFile(destPath string, r io.Reader, expectedSize int64) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}

var _ Store = (*FileSystemStore)(nil)
