package serialization

import (
	"fmt"
	"log/slog"
	"reflect"
)

// BodyResolver picks the deserializer for a handler and reports whether the payload fits it
type BodyResolver struct {
	fallback BodyDeserializer
	logger   *slog.Logger
}

// ResolverOption configures the BodyResolver
type ResolverOption func(*BodyResolver)

// WithDefaultDeserializer replaces the default JSON deserializer
func WithDefaultDeserializer(d BodyDeserializer) ResolverOption {
	return func(r *BodyResolver) {
		r.fallback = d
	}
}

// WithResolverLogger sets the logger
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *BodyResolver) {
		r.logger = logger
	}
}

// NewBodyResolver creates a resolver backed by a lenient JSON deserializer
func NewBodyResolver(options ...ResolverOption) *BodyResolver {
	r := &BodyResolver{
		fallback: NewJSONDeserializer(),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// TryDeserialize decodes raw into target, trying custom first when it is set.
// A successful custom result is authoritative; a failing or panicking one falls through to the default.
func (r *BodyResolver) TryDeserialize(raw []byte, target reflect.Type, custom BodyDeserializer) (any, bool) {
	if target == nil {
		return nil, false
	}

	if custom != nil {
		v, err := safeDeserialize(custom, raw, target)
		if err == nil {
			if coerced, ok := coerce(v, target); ok {
				return coerced, true
			}
			err = ErrTypeMismatch
		}
		r.logger.Debug("custom deserializer rejected payload, falling back to default",
			"target", target.String(),
			"error", err,
		)
	}

	v, err := safeDeserialize(r.fallback, raw, target)
	if err != nil {
		r.logger.Debug("payload does not fit target type",
			"target", target.String(),
			"error", err,
		)
		return nil, false
	}
	return coerce(v, target)
}

func safeDeserialize(d BodyDeserializer, raw []byte, target reflect.Type) (v any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			v = nil
			err = fmt.Errorf("%w: %v", ErrDeserializerPanics, rec)
		}
	}()
	return d.Deserialize(raw, target)
}

// coerce accepts values of the target type or pointers to it
func coerce(v any, target reflect.Type) (any, bool) {
	if v == nil {
		return nil, false
	}

	vt := reflect.TypeOf(v)
	if vt.AssignableTo(target) {
		return v, true
	}

	if vt.Kind() == reflect.Ptr && vt.Elem().AssignableTo(target) {
		rv := reflect.ValueOf(v)
		if rv.IsNil() {
			return nil, false
		}
		return rv.Elem().Interface(), true
	}

	return nil, false
}
