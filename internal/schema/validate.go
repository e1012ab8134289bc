package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Violation describes one way a row failed schema validation. A row can
// accumulate several violations; all are reported so quarantined rows carry
// the full picture.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// ValidateRow checks a row against the schema and returns all violations.
// A nil or empty result means the row is valid.
//
// Strict mode rejects undeclared fields. Free mode checks only the declared
// fields. Dynamic schemas check presence of their explicit required fields
// and nothing else. Optional fields may be absent or nil.
func (s *Schema) ValidateRow(row map[string]any) []Violation {
	var violations []Violation

	if s.Dynamic() {
		for _, name := range sortedNames(s) {
			if value, ok := row[name]; !ok || value == nil {
				violations = append(violations, Violation{
					Field:   name,
					Message: "required field is missing",
				})
			}
		}

		return violations
	}

	for _, f := range s.Fields {
		value, present := row[f.Name]

		if !present || value == nil {
			if f.Required {
				violations = append(violations, Violation{
					Field:   f.Name,
					Message: "required field is missing",
				})
			}

			continue
		}

		if !valueMatches(value, f.Type) {
			violations = append(violations, Violation{
				Field:   f.Name,
				Message: fmt.Sprintf("expected %s, got %T", f.Type, value),
			})
		}
	}

	if !s.AllowsExtraFields() {
		extras := make([]string, 0)

		for name := range row {
			if _, declared := s.FieldByName(name); !declared {
				extras = append(extras, name)
			}
		}

		sort.Strings(extras)

		for _, name := range extras {
			violations = append(violations, Violation{
				Field:   name,
				Message: "field is not declared in strict schema",
			})
		}
	}

	return violations
}

func sortedNames(s *Schema) []string {
	if s == nil {
		return nil
	}

	names := make([]string, len(s.RequiredFields))
	copy(names, s.RequiredFields)
	sort.Strings(names)

	return names
}

// valueMatches reports whether a runtime value satisfies the declared type.
// Rows that crossed a JSON boundary carry all numbers as float64, so an
// integral float satisfies an int field.
func valueMatches(value any, t FieldType) bool {
	switch t {
	case TypeAny:
		return true
	case TypeString:
		_, ok := value.(string)

		return ok
	case TypeBool:
		_, ok := value.(bool)

		return ok
	case TypeInt:
		return isIntValue(value)
	case TypeFloat:
		return isFloatValue(value)
	default:
		return false
	}
}

func isIntValue(value any) bool {
	switch v := value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		return v == math.Trunc(v) && !math.IsInf(v, 0) && !math.IsNaN(v)
	case float32:
		f := float64(v)

		return f == math.Trunc(f)
	case json.Number:
		_, err := v.Int64()

		return err == nil
	default:
		return false
	}
}

func isFloatValue(value any) bool {
	switch v := value.(type) {
	case float32, float64:
		return true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		// Numeric widening mirrors the compile-time rule.
		return true
	case json.Number:
		_, err := v.Float64()

		return err == nil
	default:
		return false
	}
}
