// Package rabbitmq holds the AMQP plumbing behind the RabbitMQ receiver.
//
// This package includes:
//   - ConnectionManager: owns the connection and reconnects with exponential backoff
//   - DeclareDeadLetterTopology: declares a work queue with its dead-letter exchange and queue
//   - Typed errors carrying the failing operation, plus SanitizeURL for logging
package rabbitmq
