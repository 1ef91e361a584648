package duper

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
)

const hashBufferSize = 32 * 1024

// HashContent streams r through MD5 and returns the lowercase hex digest
// and the number of bytes read. ctx is checked between chunks.
func HashContent(ctx context.Context, r io.Reader) (string, int64, error) {
	h := md5.New()
	buffer := make([]byte, hashBufferSize)
	var total int64

	for {
		select {
		case <-ctx.Done():
			return "", total, ctx.Err()
		default:
		}

		n, err := r.Read(buffer)
		if n > 0 {
			total += int64(n)
			h.Write(buffer[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", total, fmt.Errorf("read error: %w", err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), total, nil
}

// hashFile opens path through fsmgr and hashes its content.
func hashFile(ctx context.Context, fsmgr FilesystemManager, path string) (string, error) {
	file, err := fsmgr.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash, _, err := HashContent(ctx, file)
	return hash, err
}
