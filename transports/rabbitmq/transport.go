package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/msgpump/internal/rabbitmq"
)

// DialConfig holds configuration for Dial
type DialConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	ReceiverOptions   []ReceiverOption
	DeclareTopology   bool
	Logger            *slog.Logger
}

// DialOption configures Dial
type DialOption func(*DialConfig)

// WithConnectionOptions sets connection manager options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) DialOption {
	return func(cfg *DialConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithReceiverOptions sets receiver options
func WithReceiverOptions(opts ...ReceiverOption) DialOption {
	return func(cfg *DialConfig) {
		cfg.ReceiverOptions = append(cfg.ReceiverOptions, opts...)
	}
}

// WithTopology declares the queue together with its dead-letter exchange and
// dead-letter queue before receiving
func WithTopology(declare bool) DialOption {
	return func(cfg *DialConfig) {
		cfg.DeclareTopology = declare
	}
}

// WithLogger sets the logger for both the connection and the receiver
func WithLogger(logger *slog.Logger) DialOption {
	return func(cfg *DialConfig) {
		cfg.Logger = logger
	}
}

// Dial connects to the broker at url and returns a receiver for queue. The
// connection is closed together with the receiver.
func Dial(ctx context.Context, url, queue string, options ...DialOption) (*Receiver, error) {
	cfg := &DialConfig{Logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, err
	}

	recvOpts := []ReceiverOption{
		WithReceiverLogger(cfg.Logger),
		WithCloser(manager.Close),
		WithConnectionState(manager.IsConnected),
	}
	if cfg.DeclareTopology {
		ch, err := manager.Channel()
		if err != nil {
			manager.Close()
			return nil, fmt.Errorf("rabbitmq: open topology channel: %w", err)
		}
		topology, err := rabbitmq.DeclareDeadLetterTopology(ch, rabbitmq.DeadLetterTopology{Queue: queue})
		ch.Close()
		if err != nil {
			manager.Close()
			return nil, err
		}
		recvOpts = append(recvOpts, WithDeadLetterExchange(topology.Exchange, queue))
	}
	recvOpts = append(recvOpts, cfg.ReceiverOptions...)

	open := func() (Channel, error) {
		return manager.Channel()
	}
	return NewReceiver(open, queue, recvOpts...), nil
}
