package serialization

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderV1 struct {
	ID string `json:"id"`
}

type batch struct {
	Items []orderV1 `json:"items"`
}

var (
	orderType = reflect.TypeOf(orderV1{})
	batchType = reflect.TypeOf(batch{})
)

func TestJSONDeserializer(t *testing.T) {
	t.Run("decodes into value of target type", func(t *testing.T) {
		d := NewJSONDeserializer()
		v, err := d.Deserialize([]byte(`{"id":"1"}`), orderType)
		require.NoError(t, err)
		assert.Equal(t, orderV1{ID: "1"}, v)
	})

	t.Run("ignores unknown members by default", func(t *testing.T) {
		d := NewJSONDeserializer()
		assert.False(t, d.Strict())

		v, err := d.Deserialize([]byte(`{"id":"1","addedLater":true}`), orderType)
		require.NoError(t, err)
		assert.Equal(t, orderV1{ID: "1"}, v)
	})

	t.Run("strict members rejects unknown members", func(t *testing.T) {
		d := NewJSONDeserializer(WithStrictMembers())
		assert.True(t, d.Strict())

		_, err := d.Deserialize([]byte(`{"id":"1","addedLater":true}`), orderType)
		assert.Error(t, err)
	})

	t.Run("malformed payload fails", func(t *testing.T) {
		d := NewJSONDeserializer()
		_, err := d.Deserialize([]byte(`{"id":`), orderType)

		var deserErr *DeserializeError
		require.ErrorAs(t, err, &deserErr)
		assert.Equal(t, orderType, deserErr.Target)
	})

	t.Run("empty and null bodies fail for structs", func(t *testing.T) {
		d := NewJSONDeserializer()

		_, err := d.Deserialize([]byte("  "), orderType)
		assert.ErrorIs(t, err, ErrEmptyBody)

		_, err = d.Deserialize([]byte("null"), orderType)
		assert.ErrorIs(t, err, ErrNullBody)
	})

	t.Run("raw target gets the payload back", func(t *testing.T) {
		d := NewJSONDeserializer()
		v, err := d.Deserialize([]byte("not json"), RawType)
		require.NoError(t, err)
		assert.Equal(t, []byte("not json"), v)
	})

	t.Run("nil target is rejected", func(t *testing.T) {
		_, err := NewJSONDeserializer().Deserialize([]byte(`{}`), nil)
		assert.ErrorIs(t, err, ErrNilTarget)
	})
}

func TestSchemaDeserializer(t *testing.T) {
	schema := `{
		"type": "object",
		"properties": {"id": {"type": "string", "minLength": 1}},
		"required": ["id"]
	}`

	t.Run("valid payload decodes", func(t *testing.T) {
		d, err := NewSchemaDeserializer(schema, nil)
		require.NoError(t, err)

		v, err := d.Deserialize([]byte(`{"id":"42"}`), orderType)
		require.NoError(t, err)
		assert.Equal(t, orderV1{ID: "42"}, v)
	})

	t.Run("schema violation fails", func(t *testing.T) {
		d := MustSchemaDeserializer(schema, nil)

		_, err := d.Deserialize([]byte(`{"other":"x"}`), orderType)
		assert.ErrorIs(t, err, ErrSchemaViolation)
	})

	t.Run("invalid schema is rejected at construction", func(t *testing.T) {
		_, err := NewSchemaDeserializer(`{"type": 12}`, nil)
		assert.ErrorIs(t, err, ErrSchemaInvalid)

		assert.Panics(t, func() {
			MustSchemaDeserializer(`{"type": 12}`, nil)
		})
	})
}

func TestBodyResolver(t *testing.T) {
	t.Run("default deserializer is used without custom", func(t *testing.T) {
		r := NewBodyResolver()
		v, ok := r.TryDeserialize([]byte(`{"id":"7"}`), orderType, nil)
		assert.True(t, ok)
		assert.Equal(t, orderV1{ID: "7"}, v)
	})

	t.Run("custom result is authoritative", func(t *testing.T) {
		single := BodyDeserializerFunc(func(raw []byte, target reflect.Type) (any, error) {
			return batch{Items: []orderV1{{ID: "wrapped"}}}, nil
		})

		r := NewBodyResolver()
		v, ok := r.TryDeserialize([]byte(`{"items":[]}`), batchType, single)
		assert.True(t, ok)
		assert.Equal(t, batch{Items: []orderV1{{ID: "wrapped"}}}, v)
	})

	t.Run("custom pointer result is dereferenced", func(t *testing.T) {
		custom := BodyDeserializerFunc(func(raw []byte, target reflect.Type) (any, error) {
			return &orderV1{ID: "ptr"}, nil
		})

		v, ok := NewBodyResolver().TryDeserialize([]byte(`{}`), orderType, custom)
		assert.True(t, ok)
		assert.Equal(t, orderV1{ID: "ptr"}, v)
	})

	t.Run("failing custom falls through to default", func(t *testing.T) {
		custom := BodyDeserializerFunc(func(raw []byte, target reflect.Type) (any, error) {
			return nil, errors.New("not my shape")
		})

		v, ok := NewBodyResolver().TryDeserialize([]byte(`{"id":"fallthrough"}`), orderType, custom)
		assert.True(t, ok)
		assert.Equal(t, orderV1{ID: "fallthrough"}, v)
	})

	t.Run("panicking custom falls through to default", func(t *testing.T) {
		custom := BodyDeserializerFunc(func(raw []byte, target reflect.Type) (any, error) {
			panic("boom")
		})

		v, ok := NewBodyResolver().TryDeserialize([]byte(`{"id":"safe"}`), orderType, custom)
		assert.True(t, ok)
		assert.Equal(t, orderV1{ID: "safe"}, v)
	})

	t.Run("custom returning wrong type falls through", func(t *testing.T) {
		custom := BodyDeserializerFunc(func(raw []byte, target reflect.Type) (any, error) {
			return "a string", nil
		})

		v, ok := NewBodyResolver().TryDeserialize([]byte(`{"id":"typed"}`), orderType, custom)
		assert.True(t, ok)
		assert.Equal(t, orderV1{ID: "typed"}, v)
	})

	t.Run("malformed payload reports failure without panicking", func(t *testing.T) {
		r := NewBodyResolver()
		assert.NotPanics(t, func() {
			_, ok := r.TryDeserialize([]byte(`<xml/>`), orderType, nil)
			assert.False(t, ok)
		})
	})

	t.Run("custom default deserializer replaces json", func(t *testing.T) {
		strict := NewJSONDeserializer(WithStrictMembers())
		r := NewBodyResolver(WithDefaultDeserializer(strict))

		_, ok := r.TryDeserialize([]byte(`{"id":"1","extra":1}`), orderType, nil)
		assert.False(t, ok)
	})

	t.Run("nil target never matches", func(t *testing.T) {
		_, ok := NewBodyResolver().TryDeserialize([]byte(`{}`), nil, nil)
		assert.False(t, ok)
	})
}
