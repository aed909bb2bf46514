package serialization

import (
	"bytes"
	"reflect"

	"github.com/bytedance/sonic"
)

var nullLiteral = []byte("null")

// JSONDeserializer decodes JSON payloads with sonic
type JSONDeserializer struct {
	strict bool
	api    sonic.API
}

// JSONOption configures the JSON deserializer
type JSONOption func(*JSONDeserializer)

// WithStrictMembers rejects payloads carrying members the target type does not declare
func WithStrictMembers() JSONOption {
	return func(d *JSONDeserializer) {
		d.strict = true
	}
}

// NewJSONDeserializer creates a JSON deserializer that ignores unknown members by default
func NewJSONDeserializer(options ...JSONOption) *JSONDeserializer {
	d := &JSONDeserializer{}
	for _, opt := range options {
		opt(d)
	}

	d.api = sonic.Config{
		CopyString:            true,
		ValidateString:        true,
		DisallowUnknownFields: d.strict,
	}.Froze()

	return d
}

// Strict reports whether unknown members are rejected
func (d *JSONDeserializer) Strict() bool {
	return d.strict
}

// Deserialize implements BodyDeserializer
func (d *JSONDeserializer) Deserialize(raw []byte, target reflect.Type) (any, error) {
	if target == nil {
		return nil, ErrNilTarget
	}
	if target == RawType {
		return raw, nil
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &DeserializeError{Target: target, Err: ErrEmptyBody}
	}
	if bytes.Equal(trimmed, nullLiteral) && !nullable(target) {
		return nil, &DeserializeError{Target: target, Err: ErrNullBody}
	}

	ptr := reflect.New(target)
	if err := d.api.Unmarshal(trimmed, ptr.Interface()); err != nil {
		return nil, &DeserializeError{Target: target, Err: err}
	}

	return ptr.Elem().Interface(), nil
}

func nullable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice:
		return true
	default:
		return false
	}
}
