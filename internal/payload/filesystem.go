package payload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/furrow-io/furrow/internal/canonical"
	"github.com/furrow-io/furrow/internal/config"
)

const (
	// payloadDirPerm is the permission for fan-out directories.
	payloadDirPerm = 0o750
	// payloadFilePerm is the permission for stored payload files.
	payloadFilePerm = 0o640
	// fanOutChars is how many leading hash characters form each fan-out level.
	fanOutChars = 2
)

// FilesystemStore is a content-addressable payload store backed by a local
// directory tree.
//
// Layout fans out on the first two hash character pairs to keep directory
// sizes bounded under large runs:
//
//	<base>/ab/cd/abcd...ef.bin
//
// Writes go to a temp file first and are moved into place with rename, so a
// payload path never holds partially written bytes. Reads re-hash the file
// and return ErrIntegrity on mismatch.
type FilesystemStore struct {
	basePath string
	tmpPath  string
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewFilesystemStore creates a payload store rooted at basePath, creating
// the directory if needed.
func NewFilesystemStore(basePath string) (*FilesystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("payload store base path cannot be empty")
	}

	tmpPath := filepath.Join(basePath, "tmp")
	if err := os.MkdirAll(tmpPath, payloadDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create payload store directories: %w", err)
	}

	store := &FilesystemStore{
		basePath: basePath,
		tmpPath:  tmpPath,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	store.logger.Debug("Opened filesystem payload store", slog.String("base_path", basePath))

	return store, nil
}

// Put stores data under its SHA-256 address. Storing bytes that are already
// present is a no-op returning the same address.
func (s *FilesystemStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	hash := canonical.HashBytes(data)

	path := s.pathFor(hash)
	if _, err := os.Stat(path); err == nil {
		// Content-addressed: identical bytes are already on disk.
		return hash, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), payloadDirPerm); err != nil {
		return "", fmt.Errorf("failed to create payload directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.tmpPath, hash+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp payload file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return "", fmt.Errorf("failed to write payload: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return "", fmt.Errorf("failed to sync payload: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)

		return "", fmt.Errorf("failed to close temp payload file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)

		return "", fmt.Errorf("failed to move payload into place: %w", err)
	}

	return hash, nil
}

// Get retrieves the bytes stored under hash, verifying them against their
// address before returning.
func (s *FilesystemStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := validateHash(hash); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	data, err := os.ReadFile(s.pathFor(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("payload %s: %w", hash, ErrNotFound)
		}

		return nil, fmt.Errorf("failed to read payload %s: %w", hash, err)
	}

	if actual := canonical.HashBytes(data); actual != hash {
		s.logger.Error("Payload integrity violation",
			slog.String("expected_hash", hash),
			slog.String("actual_hash", actual),
		)

		return nil, fmt.Errorf("payload %s rehashed to %s: %w", hash, actual, ErrIntegrity)
	}

	return data, nil
}

// Exists reports whether a payload is stored under hash.
func (s *FilesystemStore) Exists(ctx context.Context, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if err := validateHash(hash); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	if _, err := os.Stat(s.pathFor(hash)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("failed to stat payload %s: %w", hash, err)
	}

	return true, nil
}

// Delete removes the payload stored under hash, reporting whether it existed.
func (s *FilesystemStore) Delete(ctx context.Context, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if err := validateHash(hash); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	if err := os.Remove(s.pathFor(hash)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("failed to delete payload %s: %w", hash, err)
	}

	return true, nil
}

// Close marks the store closed. Stored payloads remain on disk.
func (s *FilesystemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	return nil
}

// pathFor maps a hash to its fan-out location under the base path.
func (s *FilesystemStore) pathFor(hash string) string {
	return filepath.Join(
		s.basePath,
		hash[:fanOutChars],
		hash[fanOutChars:2*fanOutChars],
		hash+".bin",
	)
}
