// ABOUTME: Structural input shapes for operations: declared or derived from Go types.
// ABOUTME: Shapes compile to JSON Schema and validate call arguments before dispatch.

package registry

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// Field types used in input shapes.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

// FieldShape describes one argument field.
type FieldShape struct {
	Name        string
	Type        string
	Description string
	Items       *FieldShape // element shape for arrays
	Enum        []any
}

// InputShape is the structural schema of an operation's arguments: an object
// whose fields have primitive, array, or object types.
type InputShape struct {
	Fields   []FieldShape
	Required []string

	document map[string]any
	schema   *gojsonschema.Schema
}

// NewInputShape builds a shape from declared fields. Required names must refer
// to declared fields.
func NewInputShape(fields []FieldShape, required ...string) (*InputShape, error) {
	known := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("%w: field without a name", ErrInvalidRegistration)
		}
		if _, dup := known[f.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrInvalidRegistration, f.Name)
		}
		known[f.Name] = struct{}{}
	}
	for _, r := range required {
		if _, ok := known[r]; !ok {
			return nil, fmt.Errorf("%w: required field %q is not declared", ErrInvalidRegistration, r)
		}
	}

	props := make(map[string]any, len(fields))
	for _, f := range fields {
		props[f.Name] = fieldDocument(f)
	}
	doc := map[string]any{
		"type":                 TypeObject,
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = append([]string(nil), required...)
	}

	return compileShape(fields, required, doc)
}

// MustInputShape is NewInputShape that panics on error, for static declarations.
func MustInputShape(fields []FieldShape, required ...string) *InputShape {
	s, err := NewInputShape(fields, required...)
	if err != nil {
		panic(err)
	}
	return s
}

// EmptyShape accepts an empty object (or no arguments at all).
func EmptyShape() *InputShape {
	return MustInputShape(nil)
}

// ShapeOf derives the shape of struct type T. Each exported field becomes an
// argument named by its json tag; fields without omitempty are required.
func ShapeOf[T any]() (*InputShape, error) {
	return shapeOfType(reflect.TypeFor[T]())
}

func shapeOfType(t reflect.Type) (*InputShape, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: input type %s is not a struct", ErrInvalidRegistration, t)
	}

	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	reflected := r.ReflectFromType(t)

	var fields []FieldShape
	if reflected.Properties != nil {
		for pair := reflected.Properties.Oldest(); pair != nil; pair = pair.Next() {
			fields = append(fields, fieldFromSchema(pair.Key, pair.Value))
		}
	}

	raw, err := json.Marshal(reflected)
	if err != nil {
		return nil, fmt.Errorf("encoding schema for %s: %w", t, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding schema for %s: %w", t, err)
	}
	// Listing clients only need the structural part.
	delete(doc, "$schema")
	delete(doc, "$id")

	return compileShape(fields, reflected.Required, doc)
}

func fieldFromSchema(name string, s *jsonschema.Schema) FieldShape {
	f := FieldShape{Name: name, Type: s.Type, Description: s.Description, Enum: s.Enum}
	if s.Items != nil {
		item := fieldFromSchema("", s.Items)
		f.Items = &item
	}
	return f
}

func fieldDocument(f FieldShape) map[string]any {
	doc := map[string]any{}
	if f.Type != "" {
		doc["type"] = f.Type
	}
	if f.Description != "" {
		doc["description"] = f.Description
	}
	if len(f.Enum) > 0 {
		doc["enum"] = f.Enum
	}
	if f.Items != nil {
		doc["items"] = fieldDocument(*f.Items)
	}
	return doc
}

func compileShape(fields []FieldShape, required []string, doc map[string]any) (*InputShape, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: compiling input shape: %v", ErrInvalidRegistration, err)
	}
	return &InputShape{
		Fields:   fields,
		Required: append([]string(nil), required...),
		document: doc,
		schema:   schema,
	}, nil
}

// JSONSchema returns the shape as a JSON Schema object for listings.
func (s *InputShape) JSONSchema() map[string]any {
	return s.document
}

// Validate checks args against the shape. Empty or null arguments are treated
// as an empty object.
func (s *InputShape) Validate(args json.RawMessage) error {
	if isEmptyArgs(args) {
		args = json.RawMessage("{}")
	}

	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return fmt.Errorf("%w: arguments are not valid JSON: %v", ErrInvalidArguments, err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(msgs, "; "))
}

func isEmptyArgs(args json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(args))
	return trimmed == "" || trimmed == "null"
}

