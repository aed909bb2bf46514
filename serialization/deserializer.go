package serialization

import (
	"errors"
	"reflect"
)

var (
	ErrEmptyBody          = errors.New("serialization: empty body")
	ErrNullBody           = errors.New("serialization: null body")
	ErrNilTarget          = errors.New("serialization: target type is nil")
	ErrTypeMismatch       = errors.New("serialization: decoded value does not match target type")
	ErrSchemaInvalid      = errors.New("serialization: invalid schema")
	ErrSchemaViolation    = errors.New("serialization: payload violates schema")
	ErrDeserializerPanics = errors.New("serialization: deserializer panicked")
)

// RawType is the target type that receives the payload bytes untouched
var RawType = reflect.TypeOf([]byte(nil))

// BodyDeserializer decodes a raw payload into a value of the target type
type BodyDeserializer interface {
	Deserialize(raw []byte, target reflect.Type) (any, error)
}

// BodyDeserializerFunc is a function adapter for BodyDeserializer
type BodyDeserializerFunc func(raw []byte, target reflect.Type) (any, error)

// Deserialize implements BodyDeserializer
func (f BodyDeserializerFunc) Deserialize(raw []byte, target reflect.Type) (any, error) {
	return f(raw, target)
}

// DeserializeError describes why a payload could not be decoded into a target type
type DeserializeError struct {
	Target reflect.Type
	Err    error
}

func (e *DeserializeError) Error() string {
	name := "<nil>"
	if e.Target != nil {
		name = e.Target.String()
	}
	return "serialization: cannot deserialize into " + name + ": " + e.Err.Error()
}

func (e *DeserializeError) Unwrap() error {
	return e.Err
}
