// Package schema describes entity types: which attributes a record of a type
// may carry, their kinds, and which of them are indexed. Records are validated
// against their schema at the write boundary so query code never has to
// second-guess the shape of stored attributes.
package schema

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Kind is the value kind of a field.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBool    Kind = "bool"
	KindStrings Kind = "strings"
)

// IndexKind selects the shape of a secondary index.
type IndexKind string

const (
	// Membership indexes map each value to the set of ids holding it.
	Membership IndexKind = "membership"
	// Ordered indexes keep ids in one sorted collection scored by a number.
	Ordered IndexKind = "ordered"
)

// Reserved field names carried by every record.
const (
	FieldID        = "id"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

var (
	typeNamePattern  = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	fieldNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)
)

// IndexSpec declares a secondary index over a field.
type IndexSpec struct {
	// Name is global across all schemas and becomes part of the index key.
	Name string
	Kind IndexKind
	// Fold lower-cases values before they become part of a key.
	Fold bool
}

// Field declares one attribute of an entity type.
type Field struct {
	Name     string
	Kind     Kind
	Required bool
	Index    *IndexSpec
}

// Schema is the declared shape of one entity type.
type Schema struct {
	Type   string
	Fields []Field
	byName map[string]int
}

// New builds a schema and checks its declaration.
func New(entityType string, fields ...Field) (*Schema, error) {
	if !typeNamePattern.MatchString(entityType) {
		return nil, fmt.Errorf("schema: invalid entity type name %q", entityType)
	}
	if entityType == "idx" {
		return nil, fmt.Errorf("schema: entity type name %q is reserved", entityType)
	}
	s := &Schema{Type: entityType, Fields: fields, byName: make(map[string]int, len(fields))}
	for i, f := range fields {
		if err := f.check(); err != nil {
			return nil, fmt.Errorf("schema %s: %w", entityType, err)
		}
		if _, dup := s.byName[f.Name]; dup {
			return nil, fmt.Errorf("schema %s: duplicate field %q", entityType, f.Name)
		}
		s.byName[f.Name] = i
	}
	return s, nil
}

// MustNew is New for package-level schema declarations.
func MustNew(entityType string, fields ...Field) *Schema {
	s, err := New(entityType, fields...)
	if err != nil {
		panic(err)
	}
	return s
}

func (f Field) check() error {
	if !fieldNamePattern.MatchString(f.Name) {
		return fmt.Errorf("invalid field name %q", f.Name)
	}
	if isReserved(f.Name) {
		return fmt.Errorf("field name %q is reserved", f.Name)
	}
	switch f.Kind {
	case KindString, KindNumber, KindBool, KindStrings:
	default:
		return fmt.Errorf("field %q: unknown kind %q", f.Name, f.Kind)
	}
	if f.Index == nil {
		return nil
	}
	if !typeNamePattern.MatchString(f.Index.Name) {
		return fmt.Errorf("field %q: invalid index name %q", f.Name, f.Index.Name)
	}
	switch f.Index.Kind {
	case Membership:
		if f.Index.Fold && f.Kind != KindString && f.Kind != KindStrings {
			return fmt.Errorf("field %q: fold requires a string kind", f.Name)
		}
	case Ordered:
		if f.Kind != KindNumber {
			return fmt.Errorf("field %q: ordered index requires kind number", f.Name)
		}
	default:
		return fmt.Errorf("field %q: unknown index kind %q", f.Name, f.Index.Kind)
	}
	return nil
}

// Field returns the declared field with the given name.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Field{}, false
	}
	return s.Fields[i], true
}

// Indexed returns the fields that carry an index, in declaration order.
func (s *Schema) Indexed() []Field {
	var out []Field
	for _, f := range s.Fields {
		if f.Index != nil {
			out = append(out, f)
		}
	}
	return out
}

// Validate checks attrs against the schema and returns a normalized copy.
// Nil values are treated as absent. All problems are reported together in a
// *ValidationError.
func (s *Schema) Validate(attrs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(attrs))
	errs := make(map[string]string)
	for name, v := range attrs {
		if isReserved(name) {
			errs[name] = "field is managed by the store"
			continue
		}
		f, ok := s.Field(name)
		if !ok {
			errs[name] = "unknown field"
			continue
		}
		if v == nil {
			continue
		}
		nv, err := f.Normalize(v)
		if err != nil {
			errs[name] = err.Error()
			continue
		}
		if f.Required && nv == "" {
			errs[name] = "field is required"
			continue
		}
		out[name] = nv
	}
	for _, f := range s.Fields {
		if _, ok := out[f.Name]; !ok && f.Required {
			if _, bad := errs[f.Name]; !bad {
				errs[f.Name] = "field is required"
			}
		}
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}
	return out, nil
}

// ValidateField checks a single attribute value. A nil value clears the field
// and is allowed only when the field is optional.
func (s *Schema) ValidateField(name string, v any) (any, error) {
	if isReserved(name) {
		return nil, &ValidationError{Fields: map[string]string{name: "field is managed by the store"}}
	}
	f, ok := s.Field(name)
	if !ok {
		return nil, &ValidationError{Fields: map[string]string{name: "unknown field"}}
	}
	if v == nil {
		if f.Required {
			return nil, &ValidationError{Fields: map[string]string{name: "field is required"}}
		}
		return nil, nil
	}
	nv, err := f.Normalize(v)
	if err != nil {
		return nil, &ValidationError{Fields: map[string]string{name: err.Error()}}
	}
	if f.Required && nv == "" {
		return nil, &ValidationError{Fields: map[string]string{name: "field is required"}}
	}
	return nv, nil
}

// Decode normalizes attributes read back from the store. Values that no
// longer match their declared kind, and fields no longer declared, are kept
// as they are so old documents stay readable.
func (s *Schema) Decode(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for name, v := range attrs {
		if v == nil {
			continue
		}
		if f, ok := s.Field(name); ok {
			if nv, err := f.Normalize(v); err == nil {
				out[name] = nv
				continue
			}
		}
		out[name] = v
	}
	return out
}

// Normalize converts v to the canonical Go type of the field's kind:
// string, float64, bool or []string.
func (f Field) Normalize(v any) (any, error) {
	switch f.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("must be a string")
		}
		return s, nil
	case KindNumber:
		n, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("must be a number")
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, fmt.Errorf("must be a finite number")
		}
		return n, nil
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("must be a boolean")
		}
		return b, nil
	case KindStrings:
		switch vs := v.(type) {
		case []string:
			return append([]string(nil), vs...), nil
		case []any:
			out := make([]string, 0, len(vs))
			for _, e := range vs {
				s, ok := e.(string)
				if !ok {
					return nil, fmt.Errorf("must be a list of strings")
				}
				out = append(out, s)
			}
			return out, nil
		}
		return nil, fmt.Errorf("must be a list of strings")
	}
	return nil, fmt.Errorf("unknown kind %q", f.Kind)
}

// Parse converts a raw query-string value to the field's kind. For list
// fields a single element is returned, since indexes match elements.
func (f Field) Parse(raw string) (any, error) {
	switch f.Kind {
	case KindNumber:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, fmt.Errorf("%s must be a finite number", f.Name)
		}
		return n, nil
	case KindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%s must be a boolean", f.Name)
		}
		return b, nil
	default:
		return raw, nil
	}
}

// Values returns the index key components for v under a membership index:
// one per list element, none for nil or empty strings. Folding is applied
// when the index asks for it.
func (f Field) Values(v any) []string {
	if f.Index == nil || v == nil {
		return nil
	}
	var raw []string
	switch tv := v.(type) {
	case string:
		raw = []string{tv}
	case []string:
		raw = tv
	case float64:
		raw = []string{strconv.FormatFloat(tv, 'f', -1, 64)}
	case bool:
		raw = []string{strconv.FormatBool(tv)}
	default:
		if n, ok := toFloat(v); ok {
			raw = []string{strconv.FormatFloat(n, 'f', -1, 64)}
		} else {
			raw = []string{fmt.Sprint(v)}
		}
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if f.Index.Fold {
			s = strings.ToLower(s)
		}
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Score returns the ordered-index score of v.
func (f Field) Score(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	n, ok := toFloat(v)
	if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

func isReserved(name string) bool {
	return name == FieldID || name == FieldCreatedAt || name == FieldUpdatedAt
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
