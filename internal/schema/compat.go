package schema

import (
	"fmt"
	"sort"
	"strings"
)

// TypeCompatible reports whether a value of the produced type satisfies a
// consumer declaring the expected type.
//
// Compatibility rules:
//   - Exact match.
//   - Numeric widening: int satisfies float.
//   - TypeAny on either side satisfies anything.
func TypeCompatible(produced, expected FieldType) bool {
	if produced == expected {
		return true
	}

	if produced == TypeAny || expected == TypeAny {
		return true
	}

	if produced == TypeInt && expected == TypeFloat {
		return true
	}

	return false
}

// Mismatch records one field whose produced and expected types differ.
type Mismatch struct {
	Field    string
	Produced FieldType
	Expected FieldType
}

// CompatibilityResult is the outcome of checking a producer schema against
// a consumer schema along one graph edge.
type CompatibilityResult struct {
	Compatible    bool
	MissingFields []string
	Mismatches    []Mismatch
}

// Err renders the result as an error, or nil if compatible.
func (r *CompatibilityResult) Err(producer, consumer string) error {
	if r.Compatible {
		return nil
	}

	var parts []string

	if len(r.MissingFields) > 0 {
		parts = append(parts, fmt.Sprintf("missing fields: %s", strings.Join(r.MissingFields, ", ")))
	}

	for _, m := range r.Mismatches {
		parts = append(parts, fmt.Sprintf("field %q: producer has %s, consumer expects %s", m.Field, m.Produced, m.Expected))
	}

	return fmt.Errorf("%w: %s -> %s: %s", ErrIncompatible, producer, consumer, strings.Join(parts, "; "))
}

// CheckCompatibility verifies that a producer schema satisfies a consumer
// schema. Every field the consumer requires without a default must be
// guaranteed by the producer with a compatible type. An optional consumer
// field accepts the plain type, absence, or nil.
//
// Dynamic sides relax the check: a dynamic producer only constrains fields
// it explicitly guarantees; a dynamic consumer only demands fields it
// explicitly requires.
func CheckCompatibility(producer, consumer *Schema) *CompatibilityResult {
	result := &CompatibilityResult{Compatible: true}

	guaranteed := producer.EffectiveGuaranteed()
	required := consumer.EffectiveRequired()

	// A fully dynamic producer with no guarantees cannot be checked; the
	// consumer's requirements are deferred to runtime validation.
	if producer.Dynamic() && len(guaranteed) == 0 {
		return result
	}

	names := make([]string, 0, len(required))
	for name := range required {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		want := required[name]

		produced, ok := guaranteed[name]
		if !ok {
			// A free-mode producer may emit extras beyond its declaration,
			// so absence is only definite for strict producers.
			if producer.AllowsExtraFields() {
				continue
			}

			result.Compatible = false
			result.MissingFields = append(result.MissingFields, name)

			continue
		}

		if !TypeCompatible(produced.Type, want.Type) {
			result.Compatible = false
			result.Mismatches = append(result.Mismatches, Mismatch{
				Field:    name,
				Produced: produced.Type,
				Expected: want.Type,
			})
		}
	}

	return result
}
