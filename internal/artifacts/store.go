// Package artifacts stores trained adapter files content-addressed by their
// SHA-256 hash, with an optional object-storage mirror. Downstream consumers
// re-verify the hash before use.
package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Store writes artifacts to a local directory, named by hash so a file can
// never disagree with its recorded digest without detection.
type Store struct {
	dir    string
	mirror *Mirror // nil when no object storage is configured
}

// New creates an artifact store rooted at dir.
func New(dir string, mirror *Mirror) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir %s: %w", dir, err)
	}
	return &Store{dir: dir, mirror: mirror}, nil
}

// Hash returns the hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Save persists artifact bytes and returns the storage path and size. The
// caller has already verified the platform-reported hash; Save re-derives it
// from the bytes so the filename and the content can never drift apart.
func (s *Store) Save(ctx context.Context, data []byte) (path string, size int64, hash string, err error) {
	hash = Hash(data)
	path = filepath.Join(s.dir, hash+".safetensors")

	tmp, err := os.CreateTemp(s.dir, ".artifact-*")
	if err != nil {
		return "", 0, "", fmt.Errorf("failed to create temp artifact: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", 0, "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", 0, "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", 0, "", fmt.Errorf("failed to place artifact: %w", err)
	}

	if s.mirror != nil {
		if err := s.mirror.Put(ctx, hash, bytes.NewReader(data), int64(len(data))); err != nil {
			// The local copy is authoritative; a failed mirror upload is
			// degraded, not fatal.
			return path, int64(len(data)), hash, fmt.Errorf("artifact saved but mirror upload failed: %w", err)
		}
	}

	return path, int64(len(data)), hash, nil
}

// Open returns a reader over a stored artifact.
func (s *Store) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// Verify recomputes the hash of the file at path and compares it to want.
func (s *Store) Verify(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash artifact: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != want {
		return fmt.Errorf("artifact hash mismatch: got %s, want %s", got, want)
	}
	return nil
}
