package payload

import (
	"context"
	"sync"

	"github.com/furrow-io/furrow/internal/canonical"
)

// MemoryStore provides thread-safe in-memory payload storage.
//
// Intended for tests and for runs where audit persistence is disabled.
// Contents are lost when the process exits.
type MemoryStore struct {
	// payloads maps content hashes to stored bytes
	payloads map[string][]byte
	// mutex protects concurrent access to the payload map
	mutex sync.RWMutex
	// closed marks the store as shut down
	closed bool
}

// NewMemoryStore creates a new thread-safe in-memory payload store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payloads: make(map[string][]byte),
	}
}

// Put stores data under its SHA-256 address.
func (s *MemoryStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	hash := canonical.HashBytes(data)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	if _, exists := s.payloads[hash]; !exists {
		// Copy to prevent external mutation of stored bytes.
		stored := make([]byte, len(data))
		copy(stored, data)
		s.payloads[hash] = stored
	}

	return hash, nil
}

// Get retrieves the bytes stored under hash.
func (s *MemoryStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := validateHash(hash); err != nil {
		return nil, err
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	data, exists := s.payloads[hash]
	if !exists {
		return nil, ErrNotFound
	}

	if err := s.verify(hash, data); err != nil {
		return nil, err
	}

	out := make([]byte, len(data))
	copy(out, data)

	return out, nil
}

// Exists reports whether a payload is stored under hash.
func (s *MemoryStore) Exists(ctx context.Context, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if err := validateHash(hash); err != nil {
		return false, err
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	_, exists := s.payloads[hash]

	return exists, nil
}

// Delete removes the payload stored under hash, reporting whether it existed.
func (s *MemoryStore) Delete(ctx context.Context, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if err := validateHash(hash); err != nil {
		return false, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	if _, exists := s.payloads[hash]; !exists {
		return false, nil
	}

	delete(s.payloads, hash)

	return true, nil
}

// Close marks the store closed and releases stored payloads.
func (s *MemoryStore) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.closed = true
	s.payloads = nil

	return nil
}

// Corrupt overwrites the bytes stored under hash without changing the
// address. Test helper for exercising integrity detection.
func (s *MemoryStore) Corrupt(hash string, data []byte) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.payloads[hash]; exists {
		s.payloads[hash] = data
	}
}

// verify re-hashes stored bytes against their address so corrupted entries
// fail on read, matching the filesystem backend.
func (s *MemoryStore) verify(hash string, data []byte) error {
	if actual := canonical.HashBytes(data); actual != hash {
		return ErrIntegrity
	}

	return nil
}
