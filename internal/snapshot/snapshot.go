package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrNotFound is returned by GetSnapshot when no snapshot exists for a host.
var ErrNotFound = errors.New("snapshot not found")

// Store provides an interface for catalog snapshot backends.
// All operations stream through io.Reader/io.Writer so a large catalog is
// never held in memory by the caller.
type Store interface {
	// PutSnapshot stores the catalog snapshot for a host.
	// size is the number of bytes that will be read from r.
	// version is stored alongside the snapshot for consistency checks.
	PutSnapshot(ctx context.Context, hostID string, r io.Reader, size int64, version int64) error

	// GetSnapshot writes the stored snapshot for a host to w.
	// Returns an error matching ErrNotFound if none was pushed.
	GetSnapshot(ctx context.Context, hostID string, w io.Writer) error

	// GetVersion returns the version stored with a host's snapshot.
	// Returns 0 if no snapshot has been stored for this host.
	GetVersion(ctx context.Context, hostID string) (int64, error)

	// ValidateSetup verifies that the store is accessible and properly configured.
	ValidateSetup(ctx context.Context) error
}

// Encryptor encrypts snapshots with a public key and unlocks the private
// key for decryption with a passphrase.
type Encryptor interface {
	// Setup generates a key pair. The private key is stored encrypted
	// with passphrase.
	Setup(passphrase string) error

	// Encrypt encrypts data read from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key and returns a DecryptionContext.
	// Returns an error if the passphrase is incorrect.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured returns true if both key files exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key for the duration of a pull.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}

// Source produces a consistent copy of the catalog on disk.
type Source interface {
	BackupTo(destPath string) error
}

// Push copies src into a temp file, encrypts it when enc is non-nil and
// uploads it under hostID with the given version. It returns the number
// of bytes uploaded.
func Push(ctx context.Context, store Store, src Source, enc Encryptor, hostID string, version int64) (int64, error) {
	dir, err := os.MkdirTemp("", "duper-snapshot-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp directory: %w", err)
	}
	defer os.RemoveAll(dir)

	plainPath := filepath.Join(dir, "catalog.db")
	if err := src.BackupTo(plainPath); err != nil {
		return 0, fmt.Errorf("snapshotting catalog: %w", err)
	}

	uploadPath := plainPath
	if enc != nil {
		uploadPath = filepath.Join(dir, "catalog.db.age")
		if err := encryptFile(enc, plainPath, uploadPath); err != nil {
			return 0, err
		}
	}

	f, err := os.Open(uploadPath)
	if err != nil {
		return 0, fmt.Errorf("opening snapshot for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat snapshot: %w", err)
	}

	if err := store.PutSnapshot(ctx, hostID, f, info.Size(), version); err != nil {
		return 0, fmt.Errorf("uploading snapshot: %w", err)
	}
	return info.Size(), nil
}

func encryptFile(enc Encryptor, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening snapshot for encryption: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating encrypted snapshot: %w", err)
	}
	if err := enc.Encrypt(in, out); err != nil {
		out.Close()
		return fmt.Errorf("encrypting snapshot: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing encrypted snapshot: %w", err)
	}
	return nil
}

// Pull downloads the snapshot for hostID, decrypts it when dc is non-nil
// and installs it at destPath. destPath is replaced only once the whole
// snapshot has been written.
func Pull(ctx context.Context, store Store, hostID string, dc DecryptionContext, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("creating catalog directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".pull-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if dc == nil {
		err = store.GetSnapshot(ctx, hostID, tmp)
	} else {
		err = pullDecrypted(ctx, store, hostID, dc, tmp)
	}
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing snapshot: %w", err)
	}

	// Stale WAL files would be replayed over the new catalog.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(destPath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", destPath+suffix, err)
		}
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("installing snapshot: %w", err)
	}
	success = true
	return nil
}

func pullDecrypted(ctx context.Context, store Store, hostID string, dc DecryptionContext, w io.Writer) error {
	pr, pw := io.Pipe()
	fetched := make(chan error, 1)
	go func() {
		err := store.GetSnapshot(ctx, hostID, pw)
		pw.CloseWithError(err)
		fetched <- err
	}()

	err := dc.Decrypt(pr, w)
	pr.Close()
	fetchErr := <-fetched
	if fetchErr != nil && !errors.Is(fetchErr, io.ErrClosedPipe) {
		return fetchErr
	}
	if err != nil {
		return fmt.Errorf("decrypting snapshot: %w", err)
	}
	return nil
}
