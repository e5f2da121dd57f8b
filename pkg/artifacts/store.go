// Package artifacts stores content-addressed blobs: archived evidence
// packs and ledger checkpoints. Blobs are keyed by "sha256:<hex>" of
// their bytes, so a stored artifact can never be silently replaced and
// re-storing the same bytes is a no-op.
package artifacts

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bequest-labs/bequest/pkg/canonicalize"
)

// Store is the contract for content-addressed blob storage.
type Store interface {
	// Put persists data and returns its content address.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by its content address.
	Get(ctx context.Context, addr string) ([]byte, error)
	// Exists checks whether an artifact is present.
	Exists(ctx context.Context, addr string) (bool, error)
	// Delete removes an artifact. Deleting an absent artifact is a
	// no-op; retention sweeps call this repeatedly.
	Delete(ctx context.Context, addr string) error
}

// Address returns the content address of data.
func Address(data []byte) string {
	return "sha256:" + canonicalize.HashBytes(data)
}

// parseAddress validates an address and returns its raw hex digest.
func parseAddress(addr string) (string, error) {
	raw, ok := strings.CutPrefix(addr, "sha256:")
	if !ok {
		return "", fmt.Errorf("artifacts: invalid address format: %s", addr)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("artifacts: invalid address hex: %w", err)
	}
	return raw, nil
}

// FileStore keeps blobs as files under a base directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the base directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: creating blob dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(rawHex string) string {
	return filepath.Join(s.baseDir, rawHex+".blob")
}

// Put writes data under its content address. The write goes through a
// temp file and a rename so a crash never leaves a half-written blob
// at a valid address.
func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := Address(data)
	path := s.path(strings.TrimPrefix(addr, "sha256:"))

	if _, err := os.Stat(path); err == nil {
		return addr, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: writing blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("artifacts: committing blob: %w", err)
	}
	return addr, nil
}

func (s *FileStore) Get(_ context.Context, addr string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(s.path(raw))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifacts: not found: %s", addr)
		}
		return nil, fmt.Errorf("artifacts: opening blob: %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *FileStore) Exists(_ context.Context, addr string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseAddress(addr)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(s.path(raw))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("artifacts: stat blob: %w", err)
}

func (s *FileStore) Delete(_ context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := parseAddress(addr)
	if err != nil {
		return err
	}

	if err := os.Remove(s.path(raw)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifacts: deleting blob: %w", err)
	}
	return nil
}
