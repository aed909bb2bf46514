package contracts

// CorrelationInfo identifies the operation a message belongs to.
// It is produced once per delivery and passed through unchanged to handlers and logs.
type CorrelationInfo struct {
	OperationID       string `json:"operationId"`
	TransactionID     string `json:"transactionId"`
	OperationParentID string `json:"operationParentId,omitempty"`
	CycleID           string `json:"cycleId,omitempty"`
}

// IsZero reports whether no identifier is set
func (c CorrelationInfo) IsZero() bool {
	return c == CorrelationInfo{}
}

// LogAttrs returns the identifiers as slog key/value pairs
func (c CorrelationInfo) LogAttrs() []any {
	attrs := []any{
		"operationId", c.OperationID,
		"transactionId", c.TransactionID,
	}
	if c.OperationParentID != "" {
		attrs = append(attrs, "operationParentId", c.OperationParentID)
	}
	if c.CycleID != "" {
		attrs = append(attrs, "cycleId", c.CycleID)
	}
	return attrs
}
