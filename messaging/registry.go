package messaging

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/msgpump/contracts"
	"github.com/glimte/msgpump/serialization"
)

// MatchKind describes how a message was matched
type MatchKind int

const (
	// MatchNone means neither a handler nor a fallback accepted the message
	MatchNone MatchKind = iota
	// MatchHandler means a registered handler accepted the message
	MatchHandler
	// MatchFallback means only the fallback accepted the message
	MatchFallback
)

// Match is the result of resolving a message against the registry
type Match struct {
	Kind  MatchKind
	Entry HandlerEntry
	Body  any
	Index int
}

// HandlerRegistry holds handler entries in registration order plus an optional fallback
type HandlerRegistry struct {
	entries  []HandlerEntry
	fallback *HandlerEntry
	bodies   *serialization.BodyResolver
	logger   *slog.Logger
	mu       sync.RWMutex
}

// RegistryOption configures the HandlerRegistry
type RegistryOption func(*HandlerRegistry)

// WithBodyResolver sets the resolver used to decode message bodies
func WithBodyResolver(resolver *serialization.BodyResolver) RegistryOption {
	return func(r *HandlerRegistry) {
		r.bodies = resolver
	}
}

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *HandlerRegistry) {
		r.logger = logger
	}
}

// NewHandlerRegistry creates an empty registry
func NewHandlerRegistry(options ...RegistryOption) *HandlerRegistry {
	r := &HandlerRegistry{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	if r.bodies == nil {
		r.bodies = serialization.NewBodyResolver(serialization.WithResolverLogger(r.logger))
	}

	return r
}

// Register appends a handler entry
func (r *HandlerRegistry) Register(entry HandlerEntry) error {
	if err := entry.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, entry)
	r.logger.Debug("registered handler",
		"handler", entry.Name,
		"messageType", entry.MessageType.String(),
		"position", len(r.entries)-1,
	)
	return nil
}

// RegisterFallback sets the catch-all handler. Its filters are ignored and it
// always receives the raw payload.
func (r *HandlerRegistry) RegisterFallback(entry HandlerEntry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	if entry.MessageType != serialization.RawType {
		return fmt.Errorf("%w: fallback %q must accept []byte, got %s", ErrInvalidEntry, entry.Name, entry.MessageType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fallback != nil {
		return ErrFallbackAlreadyRegistered
	}
	r.fallback = &entry
	r.logger.Debug("registered fallback handler", "handler", entry.Name)
	return nil
}

// Entries returns a copy of the registered entries in order
func (r *HandlerRegistry) Entries() []HandlerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]HandlerEntry, len(r.entries))
	copy(entries, r.entries)
	return entries
}

// Fallback returns the fallback entry if one is registered
func (r *HandlerRegistry) Fallback() (HandlerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.fallback == nil {
		return HandlerEntry{}, false
	}
	return *r.fallback, true
}

// Len returns the number of non-fallback entries
func (r *HandlerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Resolve finds the first entry whose context filter, deserialization and body
// filter all accept the message. Malformed payloads and panicking filters are
// treated as non-matches.
func (r *HandlerRegistry) Resolve(raw []byte, mc contracts.MessageContext) Match {
	r.mu.RLock()
	entries := r.entries
	fallback := r.fallback
	r.mu.RUnlock()

	for i, entry := range entries {
		if !r.accepts(entry.Name, func() bool { return entry.ContextFilter == nil || entry.ContextFilter(mc) }) {
			continue
		}

		body, ok := r.bodies.TryDeserialize(raw, entry.MessageType, entry.Deserializer)
		if !ok {
			continue
		}

		if !r.accepts(entry.Name, func() bool { return entry.BodyFilter == nil || entry.BodyFilter(body) }) {
			continue
		}

		return Match{Kind: MatchHandler, Entry: entry, Body: body, Index: i}
	}

	if fallback != nil {
		return Match{Kind: MatchFallback, Entry: *fallback, Body: raw, Index: -1}
	}

	return Match{Kind: MatchNone, Index: -1}
}

func (r *HandlerRegistry) accepts(name string, filter func() bool) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("handler filter panicked, treating as non-match",
				"handler", name,
				"panic", rec,
			)
			ok = false
		}
	}()
	return filter()
}
