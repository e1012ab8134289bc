// Package canonical produces deterministic, cross-process identical hashes
// for JSON-compatible values.
//
// Every *_hash column in the audit schema is produced here, which makes this
// package the basis of all identity in the system: rows, node inputs and
// outputs, configurations, batch outputs, and payload references all resolve
// to the SHA-256 of an RFC 8785 (JSON Canonicalization Scheme) rendering of
// the value. Identical semantic content yields identical hashes regardless of
// map iteration order, numeric Go type, or the process that computed them.
//
// Serialization is delegated to the RFC 8785 reference implementation
// (github.com/cyberphone/json-canonicalization) after a normalization pass
// that maps Go-native types onto JSON primitives and rejects values with no
// canonical form (NaN, ±Inf, integers beyond the JSON safe-integer range).
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// Version identifies the canonicalization scheme. It is recorded on every run
// so that hashes can be re-verified years later even if the scheme evolves.
const Version = "jcs-sha256/1"

// ErrInvalidValue indicates a value that has no canonical JSON form and
// therefore no stable identity. Callers must not swallow this: an unhashable
// value inside the audit path is a bug, not a degraded mode.
var ErrInvalidValue = errors.New("value has no canonical form")

// Canonicalize serializes a JSON-compatible value to its RFC 8785 canonical
// byte form.
//
// Accepted inputs: nil, bool, string, all Go integer and float types,
// json.Number, time.Time (rendered as RFC 3339 UTC), []byte (rendered as
// base64), maps with string keys, slices/arrays, pointers, and structs with
// JSON tags (normalized through encoding/json).
//
// Numeric rules (RFC 8785 plus audit-trail hardening):
//   - NaN and ±Infinity fail with ErrInvalidValue.
//   - Integers outside ±(2^53−1) fail with ErrInvalidValue: they cannot
//     round-trip through an IEEE 754 double, so two readers could disagree
//     about the value behind a hash.
//   - Floats are emitted in ECMAScript shortest round-trip form.
//
// Returns the canonical bytes, or ErrInvalidValue (wrapped with detail) when
// the value cannot be represented.
func Canonicalize(value any) ([]byte, error) {
	normalized, err := normalizeValue(value)
	if err != nil {
		return nil, err
	}

	// Transform only parses objects and arrays. Scalars ride through a
	// one-element array and come back unwrapped, so string escaping and
	// ES6 number formatting stay with the reference implementation.
	scalar := false

	switch normalized.(type) {
	case map[string]any, []any:
	default:
		normalized = []any{normalized}
		scalar = true
	}

	raw, err := json.Marshal(normalized)
	if err != nil {
		// Normalization guarantees a marshalable tree; reaching this means a
		// case slipped through and must surface as an invalid value.
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}

	canonicalized, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: rfc 8785 transform: %v", ErrInvalidValue, err)
	}

	if scalar {
		canonicalized = canonicalized[1 : len(canonicalized)-1]
	}

	return canonicalized, nil
}

// StableHash returns the SHA-256 hex digest (64 lowercase hex characters) of
// the canonical form of value.
//
// Determinism contract: StableHash(v) == StableHash(deepCopy(v)) for every
// valid v, and the result is invariant under map key ordering and numeric
// type widening that preserves the mathematical value (int64(2) and
// float64(2.0) hash identically, as both canonicalize to "2").
func StableHash(value any) (string, error) {
	canonicalized, err := Canonicalize(value)
	if err != nil {
		return "", err
	}

	return HashBytes(canonicalized), nil
}

// ReprHash returns a fallback identity for values that cannot be
// canonicalized, hashing their Go syntax representation.
//
// This exists for quarantined tier-3 data only: external rows may legitimately
// contain NaN or other non-canonical values, and the audit trail still needs
// some identity for them. The result is NOT stable across Go releases or
// struct layout changes and must never be used where StableHash succeeds.
func ReprHash(value any) string {
	return HashBytes([]byte(fmt.Sprintf("%#v", value)))
}

// HashBytes returns the SHA-256 hex digest of raw bytes. This is the single
// definition of byte hashing shared by the payload store (content addresses)
// and artifact recording (content_hash).
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}
