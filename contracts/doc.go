// Package contracts provides the value types shared by every layer of the message pump.
//
// This package defines the data that flows between a transport and a handler:
//   - MessageContext: Transport metadata for one delivery (id, job, delivery count, properties)
//   - CorrelationInfo: Operation/transaction identifiers attached to every routed message
//   - Outcome: The tagged result of a handler invocation (success, failure, explicit disposition)
//   - DispositionAction: The transport acknowledgment to apply (complete, abandon, dead-letter)
//
// Handlers signal that a downstream dependency is failing by returning an error that wraps
// ErrDependencyUnavailable, usually built with DependencyUnavailable. Only those errors feed the
// circuit breaker; every other error is an ordinary message failure.
package contracts
