// Package payload provides content-addressable storage for row and
// aggregate payloads that are too large to inline in audit records.
//
// Payloads are addressed by the SHA-256 hex of their bytes, so storage is
// idempotent: putting the same bytes twice yields the same address and at
// most one physical copy. Reads re-hash the stored bytes and fail loudly
// on mismatch, because a payload that silently changed under its address
// would poison the audit trail it backs.
package payload

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no payload exists for the requested hash.
	ErrNotFound = errors.New("payload not found")
	// ErrIntegrity is returned when stored bytes no longer hash to their address.
	ErrIntegrity = errors.New("payload integrity violation")
	// ErrInvalidHash is returned when a hash is not 64 lowercase hex characters.
	ErrInvalidHash = errors.New("invalid payload hash")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("payload store is closed")
)

// Kind classifies what a stored payload represents. It is carried on
// references in audit records, not in the store itself.
type Kind string

const (
	// KindRow marks a single row payload.
	KindRow Kind = "row"
	// KindAggregate marks a multi-row aggregate payload.
	KindAggregate Kind = "aggregate"
	// KindError marks serialized error detail.
	KindError Kind = "error"
	// KindContext marks serialized node context.
	KindContext Kind = "context"
)

// Ref is a content-addressed reference to an externalized payload.
type Ref struct {
	ContentHash string `json:"contentHash"`
	SizeBytes   int64  `json:"sizeBytes"`
	Kind        Kind   `json:"kind"`
}

// Store defines content-addressable payload storage.
//
// Implementations must guarantee that Get(Put(b)) returns b byte-identically
// or fails with ErrIntegrity. Put is idempotent for identical bytes.
type Store interface {
	// Put stores data and returns its SHA-256 hex address.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves the bytes stored under hash.
	// Returns ErrNotFound if absent, ErrIntegrity on corruption.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists reports whether a payload is stored under hash.
	Exists(ctx context.Context, hash string) (bool, error)
	// Delete removes the payload under hash, reporting whether it existed.
	Delete(ctx context.Context, hash string) (bool, error)
	// Close releases store resources. Safe to call multiple times.
	Close() error
}

// hashHexLength is the length of a SHA-256 hex digest.
const hashHexLength = 64

// validateHash rejects addresses that cannot be SHA-256 hex digests before
// they reach the filesystem or a query path.
func validateHash(hash string) error {
	if len(hash) != hashHexLength {
		return ErrInvalidHash
	}

	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return ErrInvalidHash
		}
	}

	return nil
}
