// Package schema provides the field schema model used to declare what rows
// a plugin consumes and produces, plus the compatibility rules the graph
// compiler enforces between adjacent stages.
//
// A schema is one of three shapes:
//   - dynamic: accepts any fields (observed, logged for audit)
//   - strict: accepts exactly the declared fields
//   - free: accepts at least the declared fields, extras allowed
package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Sentinel errors for schema parsing and validation failures.
var (
	ErrInvalidFieldSpec = errors.New("invalid field spec")
	ErrUnknownFieldType = errors.New("unknown field type")
	ErrInvalidFieldName = errors.New("invalid field name")
	ErrDuplicateField   = errors.New("duplicate field name")
	ErrMissingMode      = errors.New("mode is required for explicit schemas")
	ErrInvalidMode      = errors.New("invalid schema mode")
	ErrNoFields         = errors.New("schema must declare at least one field")
	ErrIncompatible     = errors.New("schemas are incompatible")
)

// FieldType enumerates the supported field types.
type FieldType string

// Supported field types.
const (
	TypeString FieldType = "str"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeAny    FieldType = "any"
)

// Mode controls how a schema treats undeclared fields.
type Mode string

// Schema modes. ModeDynamic accepts any fields at all.
const (
	ModeStrict  Mode = "strict"
	ModeFree    Mode = "free"
	ModeDynamic Mode = "dynamic"
)

// fieldSpecPattern matches "field_name: type" with an optional trailing "?"
// marking the field optional. Field names are identifiers only; hyphens and
// dots are rejected because names map directly to row keys and audit columns.
var fieldSpecPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*):\s*(str|int|float|bool|any)(\?)?$`)

// Field is a single declared field.
type Field struct {
	Name     string    `json:"name" yaml:"name"`
	Type     FieldType `json:"type" yaml:"type"`
	Required bool      `json:"required" yaml:"required"`
}

// ParseField parses a field specification string like "name: str" or
// "score: float?". The trailing "?" marks the field optional.
func ParseField(spec string) (Field, error) {
	spec = strings.TrimSpace(spec)

	match := fieldSpecPattern.FindStringSubmatch(spec)
	if match == nil {
		// Distinguish a bad type from a bad shape for a clearer message.
		if name, typePart, found := strings.Cut(spec, ":"); found {
			typePart = strings.TrimSuffix(strings.TrimSpace(typePart), "?")
			if !isValidType(FieldType(typePart)) {
				return Field{}, fmt.Errorf("%w: %q in spec %q (supported: any, bool, float, int, str)",
					ErrUnknownFieldType, typePart, spec)
			}

			return Field{}, fmt.Errorf("%w: %q in spec %q (letters, digits, underscores only)",
				ErrInvalidFieldName, strings.TrimSpace(name), spec)
		}

		return Field{}, fmt.Errorf("%w: %q (expected \"field_name: type\" or \"field_name: type?\")",
			ErrInvalidFieldSpec, spec)
	}

	return Field{
		Name:     match[1],
		Type:     FieldType(match[2]),
		Required: match[3] == "",
	}, nil
}

func isValidType(t FieldType) bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeAny:
		return true
	default:
		return false
	}
}

// Schema declares the fields a plugin consumes or produces.
//
// Contract fields exist for dynamic schemas that still have known
// requirements: GuaranteedFields are what a producer promises downstream,
// RequiredFields are what a consumer demands of upstream. For explicit
// schemas the required declared fields imply both.
type Schema struct {
	Mode             Mode
	Fields           []Field
	GuaranteedFields []string
	RequiredFields   []string
}

// Dynamic reports whether this schema accepts any fields.
func (s *Schema) Dynamic() bool {
	return s == nil || s.Mode == ModeDynamic
}

// AllowsExtraFields reports whether fields beyond the declared set pass
// validation.
func (s *Schema) AllowsExtraFields() bool {
	return s.Dynamic() || s.Mode == ModeFree
}

// FieldByName returns the declared field with the given name.
func (s *Schema) FieldByName(name string) (Field, bool) {
	if s == nil {
		return Field{}, false
	}

	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}

	return Field{}, false
}

// EffectiveGuaranteed returns every field name this schema promises will
// exist in its output. Declared required fields are implicitly guaranteed;
// optional fields are not, since producers may omit them.
func (s *Schema) EffectiveGuaranteed() map[string]Field {
	out := make(map[string]Field)

	if s == nil {
		return out
	}

	for _, name := range s.GuaranteedFields {
		out[name] = Field{Name: name, Type: TypeAny, Required: true}
	}

	for _, f := range s.Fields {
		if f.Required {
			out[f.Name] = f
		}
	}

	return out
}

// EffectiveRequired returns every field name this schema demands of its
// input, mapped to the declared field.
func (s *Schema) EffectiveRequired() map[string]Field {
	out := make(map[string]Field)

	if s == nil {
		return out
	}

	for _, name := range s.RequiredFields {
		out[name] = Field{Name: name, Type: TypeAny, Required: true}
	}

	for _, f := range s.Fields {
		if f.Required {
			out[f.Name] = f
		}
	}

	return out
}

// rawSchema is the YAML shape of a schema declaration. The fields key is
// either the scalar "dynamic" or a list of field specs, so it needs a
// custom decode step.
type rawSchema struct {
	Mode             string    `yaml:"mode"`
	Fields           yaml.Node `yaml:"fields"`
	GuaranteedFields []string  `yaml:"guaranteed_fields"`
	RequiredFields   []string  `yaml:"required_fields"`
}

// UnmarshalYAML decodes a schema declaration.
//
// Accepted forms:
//
//	schema:
//	  fields: dynamic
//
//	schema:
//	  mode: strict
//	  fields:
//	    - "id: int"
//	    - "score: float?"
func (s *Schema) UnmarshalYAML(node *yaml.Node) error {
	var raw rawSchema
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("failed to decode schema: %w", err)
	}

	parsed, err := fromRaw(&raw)
	if err != nil {
		return err
	}

	*s = *parsed

	return nil
}

func fromRaw(raw *rawSchema) (*Schema, error) {
	if err := validateFieldNames(raw.GuaranteedFields, "guaranteed_fields"); err != nil {
		return nil, err
	}

	if err := validateFieldNames(raw.RequiredFields, "required_fields"); err != nil {
		return nil, err
	}

	// Dynamic: fields is the scalar "dynamic" (or mode says so).
	var dynamicMarker string
	if raw.Fields.Kind == yaml.ScalarNode {
		_ = raw.Fields.Decode(&dynamicMarker)
	}

	if dynamicMarker == "dynamic" || raw.Mode == "dynamic" {
		return &Schema{
			Mode:             ModeDynamic,
			GuaranteedFields: raw.GuaranteedFields,
			RequiredFields:   raw.RequiredFields,
		}, nil
	}

	if raw.Mode == "" {
		return nil, ErrMissingMode
	}

	mode := Mode(raw.Mode)
	if mode != ModeStrict && mode != ModeFree {
		return nil, fmt.Errorf("%w: %q (expected strict or free)", ErrInvalidMode, raw.Mode)
	}

	var specs []string
	if err := raw.Fields.Decode(&specs); err != nil {
		return nil, fmt.Errorf("schema fields must be \"dynamic\" or a list of field specs: %w", err)
	}

	if len(specs) == 0 {
		return nil, ErrNoFields
	}

	fields := make([]Field, 0, len(specs))
	seen := make(map[string]bool, len(specs))

	for _, spec := range specs {
		field, err := ParseField(spec)
		if err != nil {
			return nil, err
		}

		if seen[field.Name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateField, field.Name)
		}

		seen[field.Name] = true
		fields = append(fields, field)
	}

	// Contract fields on explicit schemas must reference declared fields,
	// otherwise typos become false audit claims.
	for _, name := range raw.GuaranteedFields {
		if !seen[name] {
			return nil, fmt.Errorf("%w: guaranteed_fields names undeclared field %q", ErrInvalidFieldName, name)
		}
	}

	for _, name := range raw.RequiredFields {
		if !seen[name] {
			return nil, fmt.Errorf("%w: required_fields names undeclared field %q", ErrInvalidFieldName, name)
		}
	}

	return &Schema{
		Mode:             mode,
		Fields:           fields,
		GuaranteedFields: raw.GuaranteedFields,
		RequiredFields:   raw.RequiredFields,
	}, nil
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateFieldNames(names []string, key string) error {
	seen := make(map[string]bool, len(names))

	for _, name := range names {
		if !identifierPattern.MatchString(name) {
			return fmt.Errorf("%w: %q in %s", ErrInvalidFieldName, name, key)
		}

		if seen[name] {
			return fmt.Errorf("%w: %q in %s", ErrDuplicateField, name, key)
		}

		seen[name] = true
	}

	return nil
}

// Parse decodes a YAML schema declaration from raw bytes.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}

	return &s, nil
}

// AuditMap renders the schema for audit records. Dynamic schemas serialize
// with mode "dynamic" so the trail is explicit about what was accepted.
func (s *Schema) AuditMap() map[string]any {
	if s.Dynamic() {
		out := map[string]any{"mode": string(ModeDynamic), "fields": nil}
		addContractFields(out, s)

		return out
	}

	fields := make([]map[string]any, 0, len(s.Fields))
	for _, f := range s.Fields {
		fields = append(fields, map[string]any{
			"name":     f.Name,
			"type":     string(f.Type),
			"required": f.Required,
		})
	}

	out := map[string]any{"mode": string(s.Mode), "fields": fields}
	addContractFields(out, s)

	return out
}

func addContractFields(out map[string]any, s *Schema) {
	if s == nil {
		return
	}

	if len(s.GuaranteedFields) > 0 {
		out["guaranteed_fields"] = s.GuaranteedFields
	}

	if len(s.RequiredFields) > 0 {
		out["required_fields"] = s.RequiredFields
	}
}
