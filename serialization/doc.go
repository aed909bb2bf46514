// Package serialization turns raw message payloads into the typed bodies handlers expect.
//
// A BodyDeserializer decodes a payload into a target type. JSONDeserializer is the default and
// ignores members the target type does not declare, so a producer can add fields without breaking
// older consumers; WithStrictMembers disables that. SchemaDeserializer validates the payload
// against a JSON schema before decoding.
//
// BodyResolver is what the router uses: it tries a handler's own deserializer first and falls back
// to the default, reporting a plain success flag. A payload that does not fit a handler is a
// non-match, never an error.
package serialization
