package contracts

import (
	"fmt"
	"time"
)

// MessageContext carries transport metadata for a single delivery
type MessageContext struct {
	MessageID     string         `json:"messageId"`
	JobID         string         `json:"jobId"`
	ContentType   string         `json:"contentType,omitempty"`
	DeliveryCount int            `json:"deliveryCount"`
	EnqueuedAt    time.Time      `json:"enqueuedAt,omitempty"`
	Properties    map[string]any `json:"properties,omitempty"`
}

// NewMessageContext creates a message context for the given job and message id
func NewMessageContext(jobID, messageID string) MessageContext {
	return MessageContext{
		MessageID:     messageID,
		JobID:         jobID,
		DeliveryCount: 1,
		Properties:    make(map[string]any),
	}
}

// Property returns the application property stored under key
func (c MessageContext) Property(key string) (any, bool) {
	if c.Properties == nil {
		return nil, false
	}
	v, ok := c.Properties[key]
	return v, ok
}

// PropertyString returns the property under key formatted as a string, or "" when absent
func (c MessageContext) PropertyString(key string) string {
	v, ok := c.Property(key)
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

// WithProperty returns a copy of the context with key set to value
func (c MessageContext) WithProperty(key string, value any) MessageContext {
	props := make(map[string]any, len(c.Properties)+1)
	for k, v := range c.Properties {
		props[k] = v
	}
	props[key] = value
	c.Properties = props
	return c
}
