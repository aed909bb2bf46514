// Package sqs implements pump.Receiver on top of Amazon SQS.
//
// Receive long-polls ReceiveMessage. Complete deletes the message, Abandon
// makes it visible again immediately and RenewLock extends its visibility
// timeout. DeadLetter copies the message to a dead-letter queue with the
// reason attached and deletes the original; without a dead-letter queue the
// message is made visible so the queue's redrive policy moves it once
// maxReceiveCount is exceeded.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/glimte/msgpump/contracts"
	"github.com/glimte/msgpump/pump"
)

const (
	// MaxMessages is the SQS limit per ReceiveMessage call
	MaxMessages = 10

	// DefaultWaitTime is the long-poll duration
	DefaultWaitTime = 10 * time.Second

	// DefaultVisibilityTimeout is applied on receive and on lock renewal
	DefaultVisibilityTimeout = 30 * time.Second

	// AttributeDeadLetterReason carries the reason on dead-lettered copies
	AttributeDeadLetterReason = "DeadLetterReason"

	// AttributeContentType is read as the message content type when present
	AttributeContentType = "ContentType"

	// MaxMessageAttributes is the SQS limit of message attributes per message
	MaxMessageAttributes = 10
)

// ErrInvalidQueueURL is returned when no queue URL is configured
var ErrInvalidQueueURL = errors.New("sqs: queue url is required")

// SQSClient is the subset of *sqs.Client the receiver uses
type SQSClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Receiver pulls messages from one SQS queue
type Receiver struct {
	client             SQSClient
	queueURL           string
	deadLetterQueueURL string
	jobID              string
	waitTime           time.Duration
	visibilityTimeout  time.Duration
	logger             *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Option configures the Receiver
type Option func(*Receiver)

// WithJobID sets the job id stamped on message contexts
func WithJobID(jobID string) Option {
	return func(r *Receiver) {
		r.jobID = jobID
	}
}

// WithDeadLetterQueue sets the queue dead-lettered messages are copied to
func WithDeadLetterQueue(queueURL string) Option {
	return func(r *Receiver) {
		r.deadLetterQueueURL = queueURL
	}
}

// WithWaitTime sets the long-poll duration, capped at 20s by SQS
func WithWaitTime(d time.Duration) Option {
	return func(r *Receiver) {
		r.waitTime = d
	}
}

// WithVisibilityTimeout sets the visibility timeout
func WithVisibilityTimeout(d time.Duration) Option {
	return func(r *Receiver) {
		r.visibilityTimeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Receiver) {
		r.logger = logger
	}
}

// NewReceiver creates a receiver for queueURL
func NewReceiver(client SQSClient, queueURL string, options ...Option) (*Receiver, error) {
	if queueURL == "" {
		return nil, ErrInvalidQueueURL
	}

	r := &Receiver{
		client:            client,
		queueURL:          queueURL,
		jobID:             queueURL,
		waitTime:          DefaultWaitTime,
		visibilityTimeout: DefaultVisibilityTimeout,
		logger:            slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}

	if r.waitTime > 20*time.Second {
		r.waitTime = 20 * time.Second
	}
	return r, nil
}

// QueueURL returns the source queue
func (r *Receiver) QueueURL() string {
	return r.queueURL
}

// Receive implements pump.Receiver
func (r *Receiver) Receive(ctx context.Context, max int) ([]pump.Delivery, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, pump.ErrReceiverClosed
	}

	if max < 1 {
		max = 1
	}
	if max > MaxMessages {
		max = MaxMessages
	}

	output, err := r.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(r.queueURL),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       int32(r.waitTime / time.Second),
		VisibilityTimeout:     int32(r.visibilityTimeout / time.Second),
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("sqs: receive from %s: %w", r.queueURL, err)
	}

	deliveries := make([]pump.Delivery, 0, len(output.Messages))
	for _, msg := range output.Messages {
		if msg.ReceiptHandle == nil {
			r.logger.Warn("Skipping SQS message without receipt handle", "messageId", aws.ToString(msg.MessageId))
			continue
		}
		deliveries = append(deliveries, r.wrap(msg))
	}
	return deliveries, nil
}

// Close stops the receiver; later Receive calls return pump.ErrReceiverClosed
func (r *Receiver) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *Receiver) wrap(msg types.Message) *delivery {
	props := make(map[string]any, len(msg.MessageAttributes))
	for name, attr := range msg.MessageAttributes {
		switch {
		case attr.StringValue != nil:
			props[name] = aws.ToString(attr.StringValue)
		case attr.BinaryValue != nil:
			props[name] = attr.BinaryValue
		}
	}

	contentType := "application/json"
	if ct, ok := props[AttributeContentType].(string); ok && ct != "" {
		contentType = ct
	}

	count := 1
	if v, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			count = n
		}
	}

	var enqueuedAt time.Time
	if v, ok := msg.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			enqueuedAt = time.UnixMilli(ms).UTC()
		}
	}

	return &delivery{
		receiver: r,
		msg:      msg,
		mc: contracts.MessageContext{
			MessageID:     aws.ToString(msg.MessageId),
			JobID:         r.jobID,
			ContentType:   contentType,
			DeliveryCount: count,
			EnqueuedAt:    enqueuedAt,
			Properties:    props,
		},
	}
}

type delivery struct {
	receiver *Receiver
	msg      types.Message
	mc       contracts.MessageContext
}

func (d *delivery) Body() []byte {
	return []byte(aws.ToString(d.msg.Body))
}

func (d *delivery) Context() contracts.MessageContext {
	return d.mc
}

func (d *delivery) Complete(ctx context.Context) error {
	_, err := d.receiver.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.receiver.queueURL),
		ReceiptHandle: d.msg.ReceiptHandle,
	})
	if err != nil {
		return fmt.Errorf("sqs: delete %s: %w", d.mc.MessageID, err)
	}
	return nil
}

func (d *delivery) Abandon(ctx context.Context) error {
	return d.changeVisibility(ctx, 0)
}

func (d *delivery) DeadLetter(ctx context.Context, reason string) error {
	r := d.receiver
	if r.deadLetterQueueURL == "" {
		return d.changeVisibility(ctx, 0)
	}

	attrs, dropped := deadLetterAttributes(d.msg.MessageAttributes, reason)
	if len(dropped) > 0 {
		r.logger.Warn("dropping message attributes from dead-lettered copy",
			"queueUrl", r.deadLetterQueueURL,
			"messageId", d.mc.MessageID,
			"dropped", dropped,
		)
	}

	_, err := r.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(r.deadLetterQueueURL),
		MessageBody:       d.msg.Body,
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("sqs: send %s to dead-letter queue: %w", d.mc.MessageID, err)
	}
	return d.Complete(ctx)
}

// deadLetterAttributes copies src and adds the reason. When the copy would
// exceed MaxMessageAttributes it keeps the content type and then the lowest
// keys, returning the names it dropped.
func deadLetterAttributes(src map[string]types.MessageAttributeValue, reason string) (map[string]types.MessageAttributeValue, []string) {
	keys := make([]string, 0, len(src))
	for k := range src {
		if k != AttributeDeadLetterReason {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i] == AttributeContentType || keys[j] == AttributeContentType {
			return keys[i] == AttributeContentType
		}
		return keys[i] < keys[j]
	})

	var dropped []string
	if len(keys) > MaxMessageAttributes-1 {
		dropped = keys[MaxMessageAttributes-1:]
		keys = keys[:MaxMessageAttributes-1]
	}

	attrs := make(map[string]types.MessageAttributeValue, len(keys)+1)
	for _, k := range keys {
		attrs[k] = src[k]
	}
	attrs[AttributeDeadLetterReason] = types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(reason),
	}
	return attrs, dropped
}

func (d *delivery) RenewLock(ctx context.Context) error {
	return d.changeVisibility(ctx, d.receiver.visibilityTimeout)
}

func (d *delivery) changeVisibility(ctx context.Context, timeout time.Duration) error {
	_, err := d.receiver.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(d.receiver.queueURL),
		ReceiptHandle:     d.msg.ReceiptHandle,
		VisibilityTimeout: int32(timeout / time.Second),
	})
	if err != nil {
		return fmt.Errorf("sqs: change visibility of %s: %w", d.mc.MessageID, err)
	}
	return nil
}
