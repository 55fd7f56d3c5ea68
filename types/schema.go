package types

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// SchemaType represents JSON Schema types.
type SchemaType string

const (
	SchemaTypeString  SchemaType = "string"
	SchemaTypeNumber  SchemaType = "number"
	SchemaTypeInteger SchemaType = "integer"
	SchemaTypeBoolean SchemaType = "boolean"
	SchemaTypeNull    SchemaType = "null"
	SchemaTypeObject  SchemaType = "object"
	SchemaTypeArray   SchemaType = "array"
)

// JSONSchema represents a structural contract for tool inputs and outputs.
type JSONSchema struct {
	Title       string `json:"title,omitempty" yaml:"title,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	Type SchemaType `json:"type,omitempty" yaml:"type,omitempty"`

	// Object properties
	Properties map[string]*JSONSchema `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required   []string               `json:"required,omitempty" yaml:"required,omitempty"`

	// Array items
	Items *JSONSchema `json:"items,omitempty" yaml:"items,omitempty"`

	// Enum values
	Enum []any `json:"enum,omitempty" yaml:"enum,omitempty"`

	// String constraints
	MinLength *int   `json:"minLength,omitempty" yaml:"min_length,omitempty"`
	MaxLength *int   `json:"maxLength,omitempty" yaml:"max_length,omitempty"`
	Pattern   string `json:"pattern,omitempty" yaml:"pattern,omitempty"`

	// Numeric constraints
	Minimum *float64 `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum *float64 `json:"maximum,omitempty" yaml:"maximum,omitempty"`
}

// NewObjectSchema creates a new object schema.
func NewObjectSchema() *JSONSchema {
	return &JSONSchema{
		Type:       SchemaTypeObject,
		Properties: make(map[string]*JSONSchema),
	}
}

// NewArraySchema creates a new array schema.
func NewArraySchema(items *JSONSchema) *JSONSchema {
	return &JSONSchema{
		Type:  SchemaTypeArray,
		Items: items,
	}
}

// NewStringSchema creates a new string schema.
func NewStringSchema() *JSONSchema {
	return &JSONSchema{Type: SchemaTypeString}
}

// NewNumberSchema creates a new number schema.
func NewNumberSchema() *JSONSchema {
	return &JSONSchema{Type: SchemaTypeNumber}
}

// NewIntegerSchema creates a new integer schema.
func NewIntegerSchema() *JSONSchema {
	return &JSONSchema{Type: SchemaTypeInteger}
}

// NewBooleanSchema creates a new boolean schema.
func NewBooleanSchema() *JSONSchema {
	return &JSONSchema{Type: SchemaTypeBoolean}
}

// NewEnumSchema creates a new enum schema.
func NewEnumSchema(values ...any) *JSONSchema {
	return &JSONSchema{Enum: values}
}

// AddProperty adds a property to an object schema.
func (s *JSONSchema) AddProperty(name string, prop *JSONSchema) *JSONSchema {
	if s.Properties == nil {
		s.Properties = make(map[string]*JSONSchema)
	}
	s.Properties[name] = prop
	return s
}

// AddRequired adds required field names.
func (s *JSONSchema) AddRequired(names ...string) *JSONSchema {
	s.Required = append(s.Required, names...)
	return s
}

// WithDescription sets the description.
func (s *JSONSchema) WithDescription(desc string) *JSONSchema {
	s.Description = desc
	return s
}

// ToJSON serializes the schema to JSON.
func (s *JSONSchema) ToJSON() ([]byte, error) {
	return json.Marshal(s)
}

// FromJSON deserializes a schema from JSON.
func FromJSON(data []byte) (*JSONSchema, error) {
	var schema JSONSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON schema: %w", err)
	}
	return &schema, nil
}

// Validate checks a decoded value against the schema and returns every
// violation found rather than stopping at the first one. A nil schema
// accepts any value.
func (s *JSONSchema) Validate(value any) []string {
	if s == nil {
		return nil
	}
	return s.validate(value, "$")
}

func (s *JSONSchema) validate(value any, path string) []string {
	var violations []string

	if len(s.Enum) > 0 {
		if !enumContains(s.Enum, value) {
			violations = append(violations, fmt.Sprintf("%s: value %v not in enum %v", path, value, s.Enum))
		}
		return violations
	}

	switch s.Type {
	case SchemaTypeObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return append(violations, fmt.Sprintf("%s: expected object, got %T", path, value))
		}
		for _, name := range s.Required {
			if _, exists := obj[name]; !exists {
				violations = append(violations, fmt.Sprintf("%s: missing required field %q", path, name))
			}
		}
		for name, prop := range s.Properties {
			fieldValue, exists := obj[name]
			if !exists {
				continue
			}
			violations = append(violations, prop.validate(fieldValue, path+"."+name)...)
		}

	case SchemaTypeArray:
		arr, ok := value.([]any)
		if !ok {
			return append(violations, fmt.Sprintf("%s: expected array, got %T", path, value))
		}
		if s.Items != nil {
			for i, item := range arr {
				violations = append(violations, s.Items.validate(item, fmt.Sprintf("%s[%d]", path, i))...)
			}
		}

	case SchemaTypeString:
		str, ok := value.(string)
		if !ok {
			return append(violations, fmt.Sprintf("%s: expected string, got %T", path, value))
		}
		if s.MinLength != nil && len(str) < *s.MinLength {
			violations = append(violations, fmt.Sprintf("%s: length %d below minLength %d", path, len(str), *s.MinLength))
		}
		if s.MaxLength != nil && len(str) > *s.MaxLength {
			violations = append(violations, fmt.Sprintf("%s: length %d above maxLength %d", path, len(str), *s.MaxLength))
		}
		if s.Pattern != "" {
			if re, err := regexp.Compile(s.Pattern); err == nil && !re.MatchString(str) {
				violations = append(violations, fmt.Sprintf("%s: value does not match pattern %q", path, s.Pattern))
			}
		}

	case SchemaTypeNumber, SchemaTypeInteger:
		num, ok := asFloat(value)
		if !ok {
			return append(violations, fmt.Sprintf("%s: expected %s, got %T", path, s.Type, value))
		}
		if s.Type == SchemaTypeInteger && num != float64(int64(num)) {
			violations = append(violations, fmt.Sprintf("%s: expected integer, got %v", path, value))
		}
		if s.Minimum != nil && num < *s.Minimum {
			violations = append(violations, fmt.Sprintf("%s: value %v below minimum %v", path, num, *s.Minimum))
		}
		if s.Maximum != nil && num > *s.Maximum {
			violations = append(violations, fmt.Sprintf("%s: value %v above maximum %v", path, num, *s.Maximum))
		}

	case SchemaTypeBoolean:
		if _, ok := value.(bool); !ok {
			violations = append(violations, fmt.Sprintf("%s: expected boolean, got %T", path, value))
		}

	case SchemaTypeNull:
		if value != nil {
			violations = append(violations, fmt.Sprintf("%s: expected null, got %T", path, value))
		}
	}

	return violations
}

// asFloat normalizes the numeric types produced by JSON and YAML decoding.
func asFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func enumContains(enum []any, value any) bool {
	for _, candidate := range enum {
		if candidate == value {
			return true
		}
		// 1 and 1.0 compare equal across decoder representations
		cf, cok := asFloat(candidate)
		vf, vok := asFloat(value)
		if cok && vok && cf == vf {
			return true
		}
	}
	return false
}
