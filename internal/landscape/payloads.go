package landscape

import (
	"context"
	"fmt"

	"github.com/furrow-io/furrow/internal/canonical"
	"github.com/furrow-io/furrow/internal/payload"
)

// DefaultInlineThresholdBytes is the size above which payloads leave the
// audit tables for the content-addressed store.
const DefaultInlineThresholdBytes = 8192

// storedPayload is the recorder's normalized form of one payload: its
// identity hash plus either the inline JSON or an external reference.
type storedPayload struct {
	hash   string
	inline *string
	ref    *string
}

// encodePayload canonicalizes a value, hashes it, and decides between
// inline storage and externalization through the payload store.
//
// Quarantined values may contain data with no canonical form (NaN from an
// external feed, say); those fall back to the representation hash and are
// stored through plain JSON best effort. Every other canonicalization
// failure is an audit error: a value the engine produced must hash.
func encodePayload(
	ctx context.Context,
	store payload.Store,
	threshold int,
	value any,
	quarantined bool,
) (storedPayload, error) {
	raw, err := canonical.Canonicalize(value)
	if err != nil {
		if !quarantined {
			return storedPayload{}, fmt.Errorf("%w: canonicalize payload: %w", ErrAudit, err)
		}

		return storedPayload{hash: canonical.ReprHash(value)}, nil
	}

	hash := canonical.HashBytes(raw)

	if store != nil && len(raw) > threshold {
		ref, err := store.Put(ctx, raw)
		if err != nil {
			return storedPayload{}, fmt.Errorf("%w: externalize payload: %w", ErrAudit, err)
		}

		return storedPayload{hash: hash, ref: &ref}, nil
	}

	inline := string(raw)

	return storedPayload{hash: hash, inline: &inline}, nil
}

// encodeJSON canonicalizes a value to a JSON string for the *_json columns
// that are always inline (reasons, errors, contexts). The canonical pass
// doubles as the defensive copy: the stored string cannot alias the
// caller's maps.
func encodeJSON(value any) (*string, error) {
	if value == nil {
		return nil, nil
	}

	// A nil map means "absent", not an empty object.
	if m, ok := value.(map[string]any); ok && m == nil {
		return nil, nil
	}

	raw, err := canonical.Canonicalize(value)
	if err != nil {
		return nil, fmt.Errorf("%w: encode json: %w", ErrAudit, err)
	}

	s := string(raw)

	return &s, nil
}
