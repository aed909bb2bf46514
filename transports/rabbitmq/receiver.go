// Package rabbitmq implements pump.Receiver on top of RabbitMQ.
//
// Messages are pulled with basic.get, so a paused job issues no broker calls
// at all. Complete acks. Abandon republishes the message to the tail of its
// queue with an incremented x-retry-count header and acks the original, which
// gives classic queues a real delivery count. DeadLetter either republishes to
// a dead-letter exchange with the reason attached before acking, or nacks
// without requeue so the queue's own dead-letter policy applies.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/msgpump/contracts"
	"github.com/glimte/msgpump/pump"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// HeaderDeliveryCount is maintained by quorum queues
	HeaderDeliveryCount = "x-delivery-count"
	// HeaderRetryCount carries the deliveries a message had before the receiver
	// requeued it
	HeaderRetryCount = "x-retry-count"
	// HeaderDeadLetterReason carries the reason on dead-lettered copies
	HeaderDeadLetterReason = "x-dead-letter-reason"
	// HeaderOriginalQueue carries the source queue on dead-lettered copies
	HeaderOriginalQueue = "x-original-queue"
)

// Channel is the subset of *amqp.Channel the receiver uses
type Channel interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelOpener opens a fresh channel
type ChannelOpener func() (Channel, error)

// Receiver pulls messages from one queue
type Receiver struct {
	queue         string
	jobID         string
	dlxExchange   string
	dlxRoutingKey string
	open          ChannelOpener
	closeFn       func() error
	connected     func() bool
	nackRequeue   bool
	logger        *slog.Logger

	mu      sync.Mutex
	channel Channel
	stale   bool
	closed  bool
}

// ReceiverOption configures the Receiver
type ReceiverOption func(*Receiver)

// WithJobID sets the job id stamped on message contexts
func WithJobID(jobID string) ReceiverOption {
	return func(r *Receiver) {
		r.jobID = jobID
	}
}

// WithDeadLetterExchange republishes dead-lettered messages to exchange with
// routingKey. An empty routing key uses the queue name.
func WithDeadLetterExchange(exchange, routingKey string) ReceiverOption {
	return func(r *Receiver) {
		r.dlxExchange = exchange
		r.dlxRoutingKey = routingKey
	}
}

// WithNackRequeue makes Abandon nack with requeue instead of republishing.
// Only quorum queues report a delivery count for such redeliveries.
func WithNackRequeue() ReceiverOption {
	return func(r *Receiver) {
		r.nackRequeue = true
	}
}

// WithReceiverLogger sets the logger
func WithReceiverLogger(logger *slog.Logger) ReceiverOption {
	return func(r *Receiver) {
		r.logger = logger
	}
}

// WithCloser runs fn when the receiver is closed
func WithCloser(fn func() error) ReceiverOption {
	return func(r *Receiver) {
		r.closeFn = fn
	}
}

// WithConnectionState reports broker connectivity through IsConnected
func WithConnectionState(connected func() bool) ReceiverOption {
	return func(r *Receiver) {
		r.connected = connected
	}
}

// NewReceiver creates a receiver for queue using channels from open
func NewReceiver(open ChannelOpener, queue string, options ...ReceiverOption) *Receiver {
	r := &Receiver{
		queue:  queue,
		jobID:  queue,
		open:   open,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	if r.dlxExchange != "" && r.dlxRoutingKey == "" {
		r.dlxRoutingKey = queue
	}

	return r
}

// Receive implements pump.Receiver
func (r *Receiver) Receive(ctx context.Context, max int) ([]pump.Delivery, error) {
	if max < 1 {
		max = 1
	}

	ch, err := r.receiveChannel()
	if err != nil {
		return nil, err
	}

	deliveries := make([]pump.Delivery, 0, max)
	for len(deliveries) < max {
		if err := ctx.Err(); err != nil {
			return deliveries, nil
		}

		msg, ok, err := ch.Get(r.queue, false)
		if err != nil {
			if len(deliveries) > 0 {
				// the channel still owns the fetched deliveries
				r.retireChannel(ch)
				r.logger.Warn("get failed, returning partial batch",
					"queue", r.queue,
					"count", len(deliveries),
					"error", err,
				)
				return deliveries, nil
			}
			r.dropChannel(ch)
			return nil, fmt.Errorf("rabbitmq: get from %s: %w", r.queue, err)
		}
		if !ok {
			break
		}
		deliveries = append(deliveries, r.wrap(msg))
	}
	return deliveries, nil
}

// Close stops the receiver; later Receive calls return pump.ErrReceiverClosed
func (r *Receiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ch := r.channel
	r.channel = nil
	r.mu.Unlock()

	var err error
	if ch != nil {
		err = ch.Close()
	}
	if r.closeFn != nil {
		if cerr := r.closeFn(); err == nil {
			err = cerr
		}
	}
	return err
}

// IsConnected reports whether the broker connection is up. Receivers built
// without connection state report true until closed.
func (r *Receiver) IsConnected() bool {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return false
	}
	if r.connected == nil {
		return true
	}
	return r.connected()
}

// receiveChannel replaces a retired channel before handing out the current one
func (r *Receiver) receiveChannel() (Channel, error) {
	r.mu.Lock()
	var retired Channel
	if r.stale && r.channel != nil {
		retired = r.channel
		r.channel = nil
	}
	r.stale = false
	r.mu.Unlock()

	if retired != nil {
		_ = retired.Close()
	}
	return r.currentChannel()
}

func (r *Receiver) currentChannel() (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, pump.ErrReceiverClosed
	}
	if r.channel != nil {
		return r.channel, nil
	}

	ch, err := r.open()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	r.channel = ch
	return ch, nil
}

func (r *Receiver) dropChannel(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel == ch {
		r.channel = nil
		r.stale = false
		_ = ch.Close()
	}
}

func (r *Receiver) retireChannel(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel == ch {
		r.stale = true
	}
}

func (r *Receiver) wrap(msg amqp.Delivery) *delivery {
	props := make(map[string]any, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		props[k] = v
	}
	if msg.Type != "" {
		if _, ok := props["type"]; !ok {
			props["type"] = msg.Type
		}
	}
	if msg.CorrelationId != "" {
		props["correlationId"] = msg.CorrelationId
	}

	id := msg.MessageId
	if id == "" {
		id = uuid.NewString()
	}

	return &delivery{
		receiver: r,
		msg:      msg,
		mc: contracts.MessageContext{
			MessageID:     id,
			JobID:         r.jobID,
			ContentType:   msg.ContentType,
			DeliveryCount: deliveryCount(msg),
			EnqueuedAt:    msg.Timestamp,
			Properties:    props,
		},
	}
}

// deliveryCount adds the receiver's own requeues to the attempt number of the
// current copy. The attempt comes from the quorum queue counter, else from the
// redelivered flag.
func deliveryCount(msg amqp.Delivery) int {
	return retryCount(msg.Headers) + attempt(msg)
}

func attempt(msg amqp.Delivery) int {
	if v, ok := msg.Headers[HeaderDeliveryCount]; ok {
		if n, ok := toInt(v); ok && n >= 0 {
			return n + 1
		}
	}
	if msg.Redelivered {
		return 2
	}
	return 1
}

func retryCount(headers amqp.Table) int {
	n, ok := toInt(headers[HeaderRetryCount])
	if !ok || n < 0 {
		return 0
	}
	return n
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}

type delivery struct {
	receiver *Receiver
	msg      amqp.Delivery
	mc       contracts.MessageContext
}

func (d *delivery) Body() []byte {
	return d.msg.Body
}

func (d *delivery) Context() contracts.MessageContext {
	return d.mc
}

func (d *delivery) Complete(ctx context.Context) error {
	return d.msg.Ack(false)
}

// Abandon requeues the message at the tail of its queue with the retry count
// incremented. When the copy cannot be published, the original is nacked with
// requeue so it is not lost.
func (d *delivery) Abandon(ctx context.Context) error {
	r := d.receiver
	if r.nackRequeue {
		return d.msg.Nack(false, true)
	}

	ch, err := r.currentChannel()
	if err == nil {
		headers := d.headers()
		headers[HeaderRetryCount] = int32(d.mc.DeliveryCount)
		err = ch.PublishWithContext(ctx, "", r.queue, false, false, d.publishing(headers, d.msg.Timestamp))
		if err == nil {
			return d.msg.Ack(false)
		}
	}

	r.logger.Warn("could not republish abandoned message, requeueing",
		"queue", r.queue,
		"messageId", d.mc.MessageID,
		"error", err,
	)
	if nackErr := d.msg.Nack(false, true); nackErr != nil {
		return fmt.Errorf("rabbitmq: abandon %s: %w", d.mc.MessageID, errors.Join(err, nackErr))
	}
	return nil
}

func (d *delivery) DeadLetter(ctx context.Context, reason string) error {
	r := d.receiver
	if r.dlxExchange == "" {
		return d.msg.Nack(false, false)
	}

	ch, err := r.currentChannel()
	if err != nil {
		return err
	}

	headers := d.headers()
	headers[HeaderDeadLetterReason] = reason
	headers[HeaderOriginalQueue] = r.queue

	publishing := d.publishing(headers, time.Now())
	if err := ch.PublishWithContext(ctx, r.dlxExchange, r.dlxRoutingKey, false, false, publishing); err != nil {
		return fmt.Errorf("rabbitmq: publish dead letter to %s: %w", r.dlxExchange, err)
	}
	return d.msg.Ack(false)
}

func (d *delivery) headers() amqp.Table {
	headers := make(amqp.Table, len(d.msg.Headers)+2)
	for k, v := range d.msg.Headers {
		headers[k] = v
	}
	delete(headers, HeaderDeliveryCount)
	return headers
}

func (d *delivery) publishing(headers amqp.Table, timestamp time.Time) amqp.Publishing {
	return amqp.Publishing{
		Headers:       headers,
		ContentType:   d.msg.ContentType,
		CorrelationId: d.msg.CorrelationId,
		MessageId:     d.mc.MessageID,
		Type:          d.msg.Type,
		Priority:      d.msg.Priority,
		Timestamp:     timestamp,
		DeliveryMode:  amqp.Persistent,
		Body:          d.msg.Body,
	}
}

// RenewLock is a no-op: unacked AMQP deliveries stay locked until the channel closes
func (d *delivery) RenewLock(ctx context.Context) error {
	return nil
}
