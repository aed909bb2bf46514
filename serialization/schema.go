package serialization

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaDeserializer validates payloads against a JSON schema before decoding them
type SchemaDeserializer struct {
	schema *gojsonschema.Schema
	inner  BodyDeserializer
}

// NewSchemaDeserializer compiles schema and returns a deserializer that decodes valid payloads with inner.
// A nil inner uses a lenient JSONDeserializer.
func NewSchemaDeserializer(schema string, inner BodyDeserializer) (*SchemaDeserializer, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	if inner == nil {
		inner = NewJSONDeserializer()
	}
	return &SchemaDeserializer{schema: compiled, inner: inner}, nil
}

// MustSchemaDeserializer is like NewSchemaDeserializer but panics on an invalid schema
func MustSchemaDeserializer(schema string, inner BodyDeserializer) *SchemaDeserializer {
	d, err := NewSchemaDeserializer(schema, inner)
	if err != nil {
		panic(err)
	}
	return d
}

// Deserialize implements BodyDeserializer
func (d *SchemaDeserializer) Deserialize(raw []byte, target reflect.Type) (any, error) {
	result, err := d.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, &DeserializeError{Target: target, Err: err}
	}
	if !result.Valid() {
		return nil, &DeserializeError{Target: target, Err: schemaViolation(result)}
	}
	return d.inner.Deserialize(raw, target)
}

func schemaViolation(result *gojsonschema.Result) error {
	parts := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		parts = append(parts, desc.String())
	}
	return fmt.Errorf("%w: %s", ErrSchemaViolation, strings.Join(parts, "; "))
}
