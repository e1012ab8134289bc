package canonical

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

// maxSafeInteger is the largest integer an IEEE 754 double represents
// exactly (2^53 − 1). RFC 8785 serializes all numbers through the ECMAScript
// Number type, so integers beyond this range silently lose precision; the
// audit trail rejects them instead.
const maxSafeInteger = int64(1)<<53 - 1

// normalizeValue maps a Go value onto the JSON primitive tree that feeds the
// RFC 8785 serializer: nil, bool, string, int64, float64, []any, and
// map[string]any. It fails with ErrInvalidValue for values that have no
// canonical form.
func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool:
		return v, nil
	case string:
		return v, nil
	case int:
		return normalizeInt(int64(v))
	case int8:
		return normalizeInt(int64(v))
	case int16:
		return normalizeInt(int64(v))
	case int32:
		return normalizeInt(int64(v))
	case int64:
		return normalizeInt(v)
	case uint:
		return normalizeUint(uint64(v))
	case uint8:
		return normalizeUint(uint64(v))
	case uint16:
		return normalizeUint(uint64(v))
	case uint32:
		return normalizeUint(uint64(v))
	case uint64:
		return normalizeUint(v)
	case float32:
		return normalizeFloat(float64(v))
	case float64:
		return normalizeFloat(v)
	case json.Number:
		return normalizeNumber(v)
	case time.Time:
		// All timestamps are rendered in UTC so that the same instant hashes
		// identically regardless of the zone it was observed in.
		return v.UTC().Format(time.RFC3339Nano), nil
	case []byte:
		return base64.StdEncoding.EncodeToString(v), nil
	case map[string]any:
		return normalizeMap(v)
	case []any:
		return normalizeSlice(v)
	default:
		return normalizeReflected(value)
	}
}

func normalizeInt(v int64) (any, error) {
	if v > maxSafeInteger || v < -maxSafeInteger {
		return nil, fmt.Errorf("%w: integer %d outside the safe range ±(2^53−1)", ErrInvalidValue, v)
	}

	return v, nil
}

func normalizeUint(v uint64) (any, error) {
	if v > uint64(maxSafeInteger) {
		return nil, fmt.Errorf("%w: integer %d outside the safe range ±(2^53−1)", ErrInvalidValue, v)
	}

	return int64(v), nil
}

func normalizeFloat(v float64) (any, error) {
	if math.IsNaN(v) {
		return nil, fmt.Errorf("%w: NaN", ErrInvalidValue)
	}

	if math.IsInf(v, 0) {
		return nil, fmt.Errorf("%w: infinity", ErrInvalidValue)
	}

	return v, nil
}

// normalizeNumber keeps integral json.Number values on the integer path so
// the safe-range check applies to them too.
func normalizeNumber(v json.Number) (any, error) {
	if i, err := strconv.ParseInt(v.String(), 10, 64); err == nil {
		return normalizeInt(i)
	}

	f, err := v.Float64()
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable number %q", ErrInvalidValue, v.String())
	}

	return normalizeFloat(f)
}

func normalizeMap(v map[string]any) (any, error) {
	out := make(map[string]any, len(v))

	for key, val := range v {
		normalized, err := normalizeValue(val)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}

		out[key] = normalized
	}

	return out, nil
}

func normalizeSlice(v []any) (any, error) {
	out := make([]any, len(v))

	for i, val := range v {
		normalized, err := normalizeValue(val)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}

		out[i] = normalized
	}

	return out, nil
}

// normalizeReflected handles typed containers (map[string]string,
// []SomeStruct, *T, named types) the fast paths above do not cover.
func normalizeReflected(value any) (any, error) {
	rv := reflect.ValueOf(value)

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}

		return normalizeValue(rv.Elem().Interface())

	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map keys must be strings, got %s", ErrInvalidValue, rv.Type().Key())
		}

		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()

		for iter.Next() {
			normalized, err := normalizeValue(iter.Value().Interface())
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", iter.Key().String(), err)
			}

			out[iter.Key().String()] = normalized
		}

		return out, nil

	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())

		for i := 0; i < rv.Len(); i++ {
			normalized, err := normalizeValue(rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}

			out[i] = normalized
		}

		return out, nil

	case reflect.Struct:
		return normalizeStruct(value)

	case reflect.String:
		return rv.String(), nil

	case reflect.Bool:
		return rv.Bool(), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return normalizeInt(rv.Int())

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return normalizeUint(rv.Uint())

	case reflect.Float32, reflect.Float64:
		return normalizeFloat(rv.Float())

	default:
		return nil, fmt.Errorf("%w: unsupported kind %s", ErrInvalidValue, rv.Kind())
	}
}

// normalizeStruct round-trips a struct through encoding/json so that field
// tags, omitempty, and embedded fields behave exactly as they would anywhere
// else in the codebase, then re-normalizes the generic tree (UseNumber keeps
// integers off the float path).
func normalizeStruct(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: struct marshal: %v", ErrInvalidValue, err)
	}

	var tree any

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	if err := decoder.Decode(&tree); err != nil {
		return nil, fmt.Errorf("%w: struct decode: %v", ErrInvalidValue, err)
	}

	return normalizeValue(tree)
}
