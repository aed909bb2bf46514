// Package memory provides an in-process queue that implements pump.Receiver.
// It tracks delivery counts, dead letters and every receive call, which makes
// it useful for tests and local demos.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/msgpump/contracts"
	"github.com/glimte/msgpump/pump"
	"github.com/google/uuid"
)

// ErrNotInFlight is returned when settling a delivery that was already settled
var ErrNotInFlight = errors.New("memory: delivery is not in flight")

// ReceiveCall records one call to Receive
type ReceiveCall struct {
	At  time.Time
	Max int
}

// DeadLetter is a message moved to the dead-letter store
type DeadLetter struct {
	MessageID     string
	Body          []byte
	Reason        string
	DeliveryCount int
	Properties    map[string]any
}

type message struct {
	id            string
	body          []byte
	properties    map[string]any
	deliveryCount int
	enqueuedAt    time.Time
}

// Queue is a FIFO queue with at-least-once delivery semantics
type Queue struct {
	mu          sync.Mutex
	name        string
	contentType string
	ready       []*message
	inFlight    map[string]*message
	completed   []string
	deadLetters []DeadLetter
	calls       []ReceiveCall
	renewals    map[string]int
	closed      bool
	now         func() time.Time
}

// Option configures a Queue
type Option func(*Queue)

// WithName sets the job id stamped on message contexts
func WithName(name string) Option {
	return func(q *Queue) {
		q.name = name
	}
}

// WithContentType sets the content type stamped on message contexts
func WithContentType(contentType string) Option {
	return func(q *Queue) {
		q.contentType = contentType
	}
}

// NewQueue creates an empty queue
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		contentType: "application/json",
		inFlight:    make(map[string]*message),
		renewals:    make(map[string]int),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Publish enqueues body with the given properties and returns its message id
func (q *Queue) Publish(body []byte, properties map[string]any) string {
	props := make(map[string]any, len(properties))
	for k, v := range properties {
		props[k] = v
	}

	m := &message{
		id:         uuid.NewString(),
		body:       append([]byte(nil), body...),
		properties: props,
		enqueuedAt: q.now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = append(q.ready, m)
	return m.id
}

// Receive implements pump.Receiver
func (q *Queue) Receive(ctx context.Context, max int) ([]pump.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, pump.ErrReceiverClosed
	}
	q.calls = append(q.calls, ReceiveCall{At: q.now(), Max: max})

	if max < 1 {
		max = 1
	}
	n := min(max, len(q.ready))
	batch := q.ready[:n]
	q.ready = append([]*message(nil), q.ready[n:]...)

	deliveries := make([]pump.Delivery, 0, n)
	for _, m := range batch {
		m.deliveryCount++
		q.inFlight[m.id] = m
		deliveries = append(deliveries, &delivery{queue: q, msg: m, mc: q.messageContext(m)})
	}
	return deliveries, nil
}

// Close makes subsequent Receive calls return pump.ErrReceiverClosed
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Len returns the number of messages waiting to be received
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// InFlight returns the number of received but unsettled messages
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Completed returns the ids of completed messages in completion order
func (q *Queue) Completed() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.completed...)
}

// DeadLetters returns the dead-lettered messages
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.deadLetters...)
}

// ReceiveCalls returns every Receive call made so far
func (q *Queue) ReceiveCalls() []ReceiveCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]ReceiveCall(nil), q.calls...)
}

// Renewals returns how often the lock of messageID was renewed
func (q *Queue) Renewals(messageID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.renewals[messageID]
}

func (q *Queue) messageContext(m *message) contracts.MessageContext {
	props := make(map[string]any, len(m.properties))
	for k, v := range m.properties {
		props[k] = v
	}
	return contracts.MessageContext{
		MessageID:     m.id,
		JobID:         q.name,
		ContentType:   q.contentType,
		DeliveryCount: m.deliveryCount,
		EnqueuedAt:    m.enqueuedAt,
		Properties:    props,
	}
}

// take removes m from the in-flight set; must be called with mu held
func (q *Queue) take(m *message) error {
	if _, ok := q.inFlight[m.id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotInFlight, m.id)
	}
	delete(q.inFlight, m.id)
	return nil
}

type delivery struct {
	queue *Queue
	msg   *message
	mc    contracts.MessageContext
}

func (d *delivery) Body() []byte {
	return d.msg.body
}

func (d *delivery) Context() contracts.MessageContext {
	return d.mc
}

func (d *delivery) Complete(ctx context.Context) error {
	q := d.queue
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.take(d.msg); err != nil {
		return err
	}
	q.completed = append(q.completed, d.msg.id)
	return nil
}

// Abandon puts the message back at the tail of the queue
func (d *delivery) Abandon(ctx context.Context) error {
	q := d.queue
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.take(d.msg); err != nil {
		return err
	}
	q.ready = append(q.ready, d.msg)
	return nil
}

func (d *delivery) DeadLetter(ctx context.Context, reason string) error {
	q := d.queue
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.take(d.msg); err != nil {
		return err
	}
	q.deadLetters = append(q.deadLetters, DeadLetter{
		MessageID:     d.msg.id,
		Body:          d.msg.body,
		Reason:        reason,
		DeliveryCount: d.msg.deliveryCount,
		Properties:    d.msg.properties,
	})
	return nil
}

func (d *delivery) RenewLock(ctx context.Context) error {
	q := d.queue
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inFlight[d.msg.id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotInFlight, d.msg.id)
	}
	q.renewals[d.msg.id]++
	return nil
}
