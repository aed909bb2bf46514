// Package correlation derives CorrelationInfo from message properties, using
// W3C trace context when a traceparent is present and the hierarchical
// Operation-Id / Transaction-Id headers otherwise.
package correlation

import (
	"strings"

	"github.com/glimte/msgpump/contracts"
	"github.com/google/uuid"
)

const (
	HeaderTraceparent       = "traceparent"
	HeaderOperationID       = "Operation-Id"
	HeaderTransactionID     = "Transaction-Id"
	HeaderOperationParentID = "Operation-Parent-Id"
	HeaderCycleID           = "Cycle-Id"
)

// Provider builds CorrelationInfo for inbound messages
type Provider struct {
	newID func() string
}

// Option configures the Provider
type Option func(*Provider)

// WithIDGenerator replaces the uuid generator used for missing ids
func WithIDGenerator(fn func() string) Option {
	return func(p *Provider) {
		p.newID = fn
	}
}

// NewProvider creates a correlation provider
func NewProvider(opts ...Option) *Provider {
	p := &Provider{newID: uuid.NewString}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Correlate returns the correlation ids carried by mc, generating an
// operation id when none is present. A message without a transaction id
// starts a new transaction rooted at its operation.
func (p *Provider) Correlate(mc contracts.MessageContext) contracts.CorrelationInfo {
	var info contracts.CorrelationInfo

	if traceID, spanID, ok := ParseTraceparent(property(mc, HeaderTraceparent)); ok {
		info.OperationID = traceID
		info.OperationParentID = spanID
		info.TransactionID = property(mc, HeaderTransactionID)
		if info.TransactionID == "" {
			info.TransactionID = traceID
		}
	} else {
		info.OperationID = property(mc, HeaderOperationID)
		info.TransactionID = property(mc, HeaderTransactionID)
		info.OperationParentID = property(mc, HeaderOperationParentID)
	}
	info.CycleID = property(mc, HeaderCycleID)

	if info.OperationID == "" {
		info.OperationID = p.newID()
	}
	if info.TransactionID == "" {
		info.TransactionID = info.OperationID
	}
	return info
}

// Headers returns the hierarchical headers that propagate info to outgoing messages
func Headers(info contracts.CorrelationInfo) map[string]string {
	h := map[string]string{
		HeaderOperationID:   info.OperationID,
		HeaderTransactionID: info.TransactionID,
	}
	if info.OperationParentID != "" {
		h[HeaderOperationParentID] = info.OperationParentID
	}
	if info.CycleID != "" {
		h[HeaderCycleID] = info.CycleID
	}
	return h
}

// ParseTraceparent extracts the trace id and parent span id from a W3C
// traceparent value
func ParseTraceparent(value string) (traceID, spanID string, ok bool) {
	parts := strings.Split(strings.TrimSpace(value), "-")
	if len(parts) < 4 {
		return "", "", false
	}
	version, traceID, spanID, flags := parts[0], parts[1], parts[2], parts[3]

	if len(version) != 2 || !isHex(version) || version == "ff" {
		return "", "", false
	}
	if version == "00" && len(parts) != 4 {
		return "", "", false
	}
	if len(traceID) != 32 || !isHex(traceID) || allZero(traceID) {
		return "", "", false
	}
	if len(spanID) != 16 || !isHex(spanID) || allZero(spanID) {
		return "", "", false
	}
	if len(flags) != 2 || !isHex(flags) {
		return "", "", false
	}
	return traceID, spanID, true
}

// property looks key up exactly first, then case-insensitively
func property(mc contracts.MessageContext, key string) string {
	if v := mc.PropertyString(key); v != "" {
		return v
	}
	for k := range mc.Properties {
		if strings.EqualFold(k, key) {
			return mc.PropertyString(k)
		}
	}
	return ""
}

func isHex(s string) bool {
	for _, r := range s {
		if !('0' <= r && r <= '9' || 'a' <= r && r <= 'f') {
			return false
		}
	}
	return true
}

func allZero(s string) bool {
	return strings.Trim(s, "0") == ""
}
