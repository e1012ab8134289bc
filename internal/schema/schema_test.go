// Package schema provides field schema declarations and compatibility rules.
package schema

import (
	"errors"
	"testing"
)

// ==============================================================================
// Unit Tests: Field Spec Parsing
// ==============================================================================

func TestParseField(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name      string
		spec      string
		want      Field
		expectErr error
	}{
		{
			name: "required string",
			spec: "customer_id: str",
			want: Field{Name: "customer_id", Type: TypeString, Required: true},
		},
		{
			name: "optional float",
			spec: "score: float?",
			want: Field{Name: "score", Type: TypeFloat, Required: false},
		},
		{
			name: "int with extra whitespace",
			spec: "  count:   int  ",
			want: Field{Name: "count", Type: TypeInt, Required: true},
		},
		{
			name: "bool field",
			spec: "active: bool",
			want: Field{Name: "active", Type: TypeBool, Required: true},
		},
		{
			name: "any field",
			spec: "metadata: any",
			want: Field{Name: "metadata", Type: TypeAny, Required: true},
		},
		{
			name:      "unknown type",
			spec:      "when: datetime",
			expectErr: ErrUnknownFieldType,
		},
		{
			name:      "hyphenated name",
			spec:      "user-id: int",
			expectErr: ErrInvalidFieldName,
		},
		{
			name:      "dotted name",
			spec:      "data.field: str",
			expectErr: ErrInvalidFieldName,
		},
		{
			name:      "digit-prefixed name",
			spec:      "1field: str",
			expectErr: ErrInvalidFieldName,
		},
		{
			name:      "no colon",
			spec:      "just_a_name",
			expectErr: ErrInvalidFieldSpec,
		},
		{
			name:      "empty",
			spec:      "",
			expectErr: ErrInvalidFieldSpec,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseField(tt.spec)

			if tt.expectErr != nil {
				if !errors.Is(err, tt.expectErr) {
					t.Errorf("ParseField(%q) error = %v, want %v", tt.spec, err, tt.expectErr)
				}

				return
			}

			if err != nil {
				t.Fatalf("ParseField(%q) error = %v", tt.spec, err)
			}

			if got != tt.want {
				t.Errorf("ParseField(%q) = %+v, want %+v", tt.spec, got, tt.want)
			}
		})
	}
}

// ==============================================================================
// Unit Tests: YAML Schema Declarations
// ==============================================================================

func TestParse_Dynamic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s, err := Parse([]byte("fields: dynamic\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if !s.Dynamic() {
		t.Error("Parse(fields: dynamic) produced non-dynamic schema")
	}

	if !s.AllowsExtraFields() {
		t.Error("dynamic schema should allow extra fields")
	}
}

func TestParse_DynamicWithContracts(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	yamlDoc := `
fields: dynamic
guaranteed_fields: [customer_id, timestamp]
required_fields: [customer_id]
`

	s, err := Parse([]byte(yamlDoc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if !s.Dynamic() {
		t.Fatal("expected dynamic schema")
	}

	guaranteed := s.EffectiveGuaranteed()
	if _, ok := guaranteed["customer_id"]; !ok {
		t.Error("guaranteed_fields not reflected in EffectiveGuaranteed()")
	}

	required := s.EffectiveRequired()
	if _, ok := required["customer_id"]; !ok {
		t.Error("required_fields not reflected in EffectiveRequired()")
	}
}

func TestParse_Strict(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	yamlDoc := `
mode: strict
fields:
  - "id: int"
  - "name: str"
  - "score: float?"
`

	s, err := Parse([]byte(yamlDoc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if s.Mode != ModeStrict {
		t.Errorf("Mode = %s, want strict", s.Mode)
	}

	if len(s.Fields) != 3 {
		t.Fatalf("len(Fields) = %d, want 3", len(s.Fields))
	}

	if s.AllowsExtraFields() {
		t.Error("strict schema should not allow extra fields")
	}

	score, ok := s.FieldByName("score")
	if !ok {
		t.Fatal("FieldByName(score) not found")
	}

	if score.Required {
		t.Error("score marked required despite trailing ?")
	}
}

func TestParse_Errors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name      string
		yamlDoc   string
		expectErr error
	}{
		{
			name:      "explicit fields without mode",
			yamlDoc:   "fields:\n  - \"id: int\"\n",
			expectErr: ErrMissingMode,
		},
		{
			name:      "bad mode",
			yamlDoc:   "mode: lenient\nfields:\n  - \"id: int\"\n",
			expectErr: ErrInvalidMode,
		},
		{
			name:      "empty field list",
			yamlDoc:   "mode: strict\nfields: []\n",
			expectErr: ErrNoFields,
		},
		{
			name:      "duplicate fields",
			yamlDoc:   "mode: strict\nfields:\n  - \"id: int\"\n  - \"id: str\"\n",
			expectErr: ErrDuplicateField,
		},
		{
			name:      "contract names undeclared field",
			yamlDoc:   "mode: strict\nfields:\n  - \"id: int\"\nguaranteed_fields: [missing]\n",
			expectErr: ErrInvalidFieldName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yamlDoc))
			if !errors.Is(err, tt.expectErr) {
				t.Errorf("Parse() error = %v, want %v", err, tt.expectErr)
			}
		})
	}
}

// ==============================================================================
// Unit Tests: Type Compatibility
// ==============================================================================

func TestTypeCompatible(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		produced FieldType
		expected FieldType
		want     bool
	}{
		{"exact int", TypeInt, TypeInt, true},
		{"exact string", TypeString, TypeString, true},
		{"int widens to float", TypeInt, TypeFloat, true},
		{"float does not narrow to int", TypeFloat, TypeInt, false},
		{"any produced", TypeAny, TypeString, true},
		{"any expected", TypeBool, TypeAny, true},
		{"string vs int", TypeString, TypeInt, false},
		{"bool vs float", TypeBool, TypeFloat, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TypeCompatible(tt.produced, tt.expected); got != tt.want {
				t.Errorf("TypeCompatible(%s, %s) = %v, want %v", tt.produced, tt.expected, got, tt.want)
			}
		})
	}
}

func TestCheckCompatibility(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	strictProducer := &Schema{
		Mode: ModeStrict,
		Fields: []Field{
			{Name: "id", Type: TypeInt, Required: true},
			{Name: "name", Type: TypeString, Required: true},
			{Name: "score", Type: TypeFloat, Required: false},
		},
	}

	tests := []struct {
		name         string
		producer     *Schema
		consumer     *Schema
		wantOK       bool
		wantMissing  int
		wantMismatch int
	}{
		{
			name:     "satisfied consumer",
			producer: strictProducer,
			consumer: &Schema{
				Mode: ModeFree,
				Fields: []Field{
					{Name: "id", Type: TypeInt, Required: true},
				},
			},
			wantOK: true,
		},
		{
			name:     "int widening accepted",
			producer: strictProducer,
			consumer: &Schema{
				Mode: ModeFree,
				Fields: []Field{
					{Name: "id", Type: TypeFloat, Required: true},
				},
			},
			wantOK: true,
		},
		{
			name:     "missing required field",
			producer: strictProducer,
			consumer: &Schema{
				Mode: ModeFree,
				Fields: []Field{
					{Name: "region", Type: TypeString, Required: true},
				},
			},
			wantOK:      false,
			wantMissing: 1,
		},
		{
			name:     "type mismatch",
			producer: strictProducer,
			consumer: &Schema{
				Mode: ModeFree,
				Fields: []Field{
					{Name: "name", Type: TypeInt, Required: true},
				},
			},
			wantOK:       false,
			wantMismatch: 1,
		},
		{
			name:     "optional producer field not guaranteed",
			producer: strictProducer,
			consumer: &Schema{
				Mode: ModeFree,
				Fields: []Field{
					{Name: "score", Type: TypeFloat, Required: true},
				},
			},
			wantOK:      false,
			wantMissing: 1,
		},
		{
			name:     "optional consumer field may be absent",
			producer: strictProducer,
			consumer: &Schema{
				Mode: ModeFree,
				Fields: []Field{
					{Name: "region", Type: TypeString, Required: false},
				},
			},
			wantOK: true,
		},
		{
			name:     "dynamic producer defers to runtime",
			producer: &Schema{Mode: ModeDynamic},
			consumer: &Schema{
				Mode: ModeFree,
				Fields: []Field{
					{Name: "anything", Type: TypeString, Required: true},
				},
			},
			wantOK: true,
		},
		{
			name: "dynamic producer with guarantees is checked",
			producer: &Schema{
				Mode:             ModeDynamic,
				GuaranteedFields: []string{"customer_id"},
			},
			consumer: &Schema{
				Mode:           ModeDynamic,
				RequiredFields: []string{"customer_id"},
			},
			wantOK: true,
		},
		{
			name:     "dynamic consumer requires nothing",
			producer: strictProducer,
			consumer: &Schema{Mode: ModeDynamic},
			wantOK:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CheckCompatibility(tt.producer, tt.consumer)

			if result.Compatible != tt.wantOK {
				t.Errorf("Compatible = %v, want %v", result.Compatible, tt.wantOK)
			}

			if len(result.MissingFields) != tt.wantMissing {
				t.Errorf("MissingFields = %v, want %d entries", result.MissingFields, tt.wantMissing)
			}

			if len(result.Mismatches) != tt.wantMismatch {
				t.Errorf("Mismatches = %v, want %d entries", result.Mismatches, tt.wantMismatch)
			}

			err := result.Err("producer", "consumer")
			if tt.wantOK && err != nil {
				t.Errorf("Err() = %v, want nil", err)
			}

			if !tt.wantOK && !errors.Is(err, ErrIncompatible) {
				t.Errorf("Err() = %v, want ErrIncompatible", err)
			}
		})
	}
}

// ==============================================================================
// Unit Tests: Row Validation
// ==============================================================================

func TestValidateRow_Strict(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := &Schema{
		Mode: ModeStrict,
		Fields: []Field{
			{Name: "id", Type: TypeInt, Required: true},
			{Name: "name", Type: TypeString, Required: true},
			{Name: "score", Type: TypeFloat, Required: false},
		},
	}

	tests := []struct {
		name           string
		row            map[string]any
		wantViolations int
	}{
		{
			name: "valid row",
			row:  map[string]any{"id": 1, "name": "widget", "score": 0.5},
		},
		{
			name: "optional field absent",
			row:  map[string]any{"id": 1, "name": "widget"},
		},
		{
			name: "optional field nil",
			row:  map[string]any{"id": 1, "name": "widget", "score": nil},
		},
		{
			name: "json numbers satisfy int",
			row:  map[string]any{"id": float64(7), "name": "widget"},
		},
		{
			name: "int satisfies float",
			row:  map[string]any{"id": 1, "name": "widget", "score": 3},
		},
		{
			name:           "missing required field",
			row:            map[string]any{"id": 1},
			wantViolations: 1,
		},
		{
			name:           "wrong type",
			row:            map[string]any{"id": "not-an-int", "name": "widget"},
			wantViolations: 1,
		},
		{
			name:           "fractional value for int field",
			row:            map[string]any{"id": 1.5, "name": "widget"},
			wantViolations: 1,
		},
		{
			name:           "undeclared field in strict mode",
			row:            map[string]any{"id": 1, "name": "widget", "extra": true},
			wantViolations: 1,
		},
		{
			name:           "multiple violations reported together",
			row:            map[string]any{"id": "bad", "extra": true},
			wantViolations: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violations := s.ValidateRow(tt.row)

			if len(violations) != tt.wantViolations {
				t.Errorf("ValidateRow() = %v, want %d violations", violations, tt.wantViolations)
			}
		})
	}
}

func TestValidateRow_Free(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := &Schema{
		Mode: ModeFree,
		Fields: []Field{
			{Name: "id", Type: TypeInt, Required: true},
		},
	}

	violations := s.ValidateRow(map[string]any{"id": 1, "anything": "goes"})
	if len(violations) != 0 {
		t.Errorf("ValidateRow() = %v, want no violations for extras in free mode", violations)
	}
}

func TestValidateRow_Dynamic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := &Schema{
		Mode:           ModeDynamic,
		RequiredFields: []string{"customer_id"},
	}

	if v := s.ValidateRow(map[string]any{"customer_id": "c-1", "extra": 1}); len(v) != 0 {
		t.Errorf("ValidateRow() = %v, want none", v)
	}

	if v := s.ValidateRow(map[string]any{"extra": 1}); len(v) != 1 {
		t.Errorf("ValidateRow() = %v, want 1 violation for missing required field", v)
	}
}

func TestAuditMap(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dynamic := &Schema{Mode: ModeDynamic, GuaranteedFields: []string{"id"}}

	m := dynamic.AuditMap()
	if m["mode"] != "dynamic" {
		t.Errorf("AuditMap()[mode] = %v, want dynamic", m["mode"])
	}

	strict := &Schema{
		Mode:   ModeStrict,
		Fields: []Field{{Name: "id", Type: TypeInt, Required: true}},
	}

	m = strict.AuditMap()
	if m["mode"] != "strict" {
		t.Errorf("AuditMap()[mode] = %v, want strict", m["mode"])
	}

	fields, ok := m["fields"].([]map[string]any)
	if !ok || len(fields) != 1 {
		t.Fatalf("AuditMap()[fields] = %v, want 1 field entry", m["fields"])
	}

	if fields[0]["name"] != "id" {
		t.Errorf("field name = %v, want id", fields[0]["name"])
	}
}
