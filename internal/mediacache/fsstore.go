package mediacache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FSStore persists fetched artifacts on the local filesystem, keyed by
// fingerprint. Its Stat method satisfies StoreStat, so a Cache configured
// with it can skip re-fetching artifacts already on disk.
type FSStore struct {
	baseDir string
}

// NewFSStore creates the store rooted at baseDir, creating it if needed.
func NewFSStore(baseDir string) (*FSStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("%s is not a directory", baseDir)
	}
	return &FSStore{baseDir: baseDir}, nil
}

// Put writes one artifact. Fingerprints are hex strings, so the path needs
// no sanitizing; the first two characters shard the directory.
func (s *FSStore) Put(_ context.Context, fingerprint string, body []byte) error {
	if len(fingerprint) < 2 {
		return fmt.Errorf("fingerprint %q too short", fingerprint)
	}
	dir := filepath.Join(s.baseDir, fingerprint[:2])
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create shard directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, fingerprint), body, 0o600); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}

// Stat implements StoreStat. The stored bytes are returned as the payload
// so a fresh artifact serves waiters without a re-fetch.
func (s *FSStore) Stat(_ context.Context, fingerprint string) (StatInfo, error) {
	if len(fingerprint) < 2 {
		return StatInfo{}, fmt.Errorf("fingerprint %q too short", fingerprint)
	}
	path := filepath.Join(s.baseDir, fingerprint[:2], fingerprint)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return StatInfo{}, nil
	}
	if err != nil {
		return StatInfo{}, fmt.Errorf("stat artifact: %w", err)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return StatInfo{}, fmt.Errorf("read artifact: %w", err)
	}
	return StatInfo{
		Exists:  true,
		Age:     time.Since(info.ModTime()),
		Payload: body,
	}, nil
}
