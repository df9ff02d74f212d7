// Package metaschema validates event metadata payloads against
// per-event-type field specs. Specs are YAML configuration, one file per
// event type, so the metadata contract can tighten without a redeploy.
package metaschema

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Spec is a compiled metadata specification for one event type.
type Spec struct {
	EventType   string            `yaml:"event_type"`
	Description string            `yaml:"description,omitempty"`
	StrictMode  bool              `yaml:"strict_mode,omitempty"`
	Fields      map[string]*Field `yaml:"fields"`

	// Fingerprint is the SHA-256 of the raw file, stamped at load time.
	Fingerprint string `yaml:"-"`
}

// Field defines one metadata field.
//
// Two declaration styles are supported:
//
//	shorthand (scalar): account_id: string!
//	long form (mapping): amount:
//	                       type: number!
//	                       min: 0
//
// Append "!" to mark a field required.
type Field struct {
	// Type is the internal type tag: "string", "boolean", or "number".
	Type string `yaml:"type"`

	// Required indicates the field must be present (default false).
	Required bool `yaml:"required,omitempty"`

	// Enum restricts values to a specific set.
	Enum []interface{} `yaml:"enum,omitempty"`

	// Min/Max constraints for numbers.
	Min *float64 `yaml:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty"`

	// String constraints.
	MinLength *int   `yaml:"minLength,omitempty"`
	MaxLength *int   `yaml:"maxLength,omitempty"`
	Pattern   string `yaml:"pattern,omitempty"`

	compiledPattern *regexp.Regexp `yaml:"-"`
}

// UnmarshalYAML supports both shorthand and long-form field declarations.
func (f *Field) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return f.parseTypeString(value.Value)
	}

	// Long form: decode via alias to avoid infinite recursion, then
	// normalize the type string.
	type fieldAlias Field
	var alias fieldAlias
	if err := value.Decode(&alias); err != nil {
		return err
	}
	*f = Field(alias)

	if f.Type == "" {
		return fmt.Errorf("field missing 'type'")
	}
	return f.parseTypeString(f.Type)
}

func (f *Field) parseTypeString(s string) error {
	if strings.HasSuffix(s, "!") {
		f.Required = true
		s = strings.TrimSuffix(s, "!")
	}

	switch s {
	case "string":
		f.Type = "string"
	case "bool":
		f.Type = "boolean"
	case "number", "int", "float":
		f.Type = "number"
	default:
		return fmt.Errorf("unsupported type %q (must be: string, bool, number, int, float)", s)
	}
	return nil
}

// Compile checks structural validity and compiles regex patterns.
// Called once at load time so per-event validation stays allocation-free.
func (s *Spec) Compile() error {
	if s.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("spec %q: at least one field is required", s.EventType)
	}
	for name, field := range s.Fields {
		if field == nil {
			return fmt.Errorf("spec %q: field %q has no definition", s.EventType, name)
		}
		if field.Pattern != "" {
			re, err := regexp.Compile(field.Pattern)
			if err != nil {
				return fmt.Errorf("spec %q: field %q: invalid pattern: %w", s.EventType, name, err)
			}
			field.compiledPattern = re
		}
	}
	return nil
}

// ValidatePayload checks a raw metadata payload against the spec.
// StrictMode additionally rejects fields the spec does not declare.
func (s *Spec) ValidatePayload(payload map[string]interface{}) error {
	for name, field := range s.Fields {
		v, present := payload[name]
		if !present || v == nil {
			if field.Required {
				return fmt.Errorf("metadata field %q is required", name)
			}
			continue
		}
		if err := field.check(name, v); err != nil {
			return err
		}
	}

	if s.StrictMode {
		for name := range payload {
			if _, declared := s.Fields[name]; !declared {
				return fmt.Errorf("unknown metadata field %q (strict mode)", name)
			}
		}
	}
	return nil
}

func (f *Field) check(name string, v interface{}) error {
	switch f.Type {
	case "string":
		sv, ok := v.(string)
		if !ok {
			return fmt.Errorf("metadata field %q: expected string, got %T", name, v)
		}
		if f.MinLength != nil && len(sv) < *f.MinLength {
			return fmt.Errorf("metadata field %q: shorter than minLength %d", name, *f.MinLength)
		}
		if f.MaxLength != nil && len(sv) > *f.MaxLength {
			return fmt.Errorf("metadata field %q: longer than maxLength %d", name, *f.MaxLength)
		}
		if f.compiledPattern != nil && !f.compiledPattern.MatchString(sv) {
			return fmt.Errorf("metadata field %q: does not match pattern %q", name, f.Pattern)
		}
		return f.checkEnum(name, sv)

	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("metadata field %q: expected bool, got %T", name, v)
		}
		return nil

	case "number":
		nv, ok := numericValue(v)
		if !ok {
			return fmt.Errorf("metadata field %q: expected number, got %T", name, v)
		}
		if f.Min != nil && nv < *f.Min {
			return fmt.Errorf("metadata field %q: below min %v", name, *f.Min)
		}
		if f.Max != nil && nv > *f.Max {
			return fmt.Errorf("metadata field %q: above max %v", name, *f.Max)
		}
		return f.checkEnum(name, nv)
	}
	return nil
}

func (f *Field) checkEnum(name string, v interface{}) error {
	if len(f.Enum) == 0 {
		return nil
	}
	for _, allowed := range f.Enum {
		if equalEnum(allowed, v) {
			return nil
		}
	}
	return fmt.Errorf("metadata field %q: value %v not in enum", name, v)
}

func equalEnum(allowed, v interface{}) bool {
	if an, ok := numericValue(allowed); ok {
		if vn, ok2 := numericValue(v); ok2 {
			return an == vn
		}
		return false
	}
	return allowed == v
}

// numericValue tolerates the numeric types JSON and YAML decoding produce.
func numericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
