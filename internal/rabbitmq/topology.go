package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyChannel is the subset of *amqp.Channel used to declare topology
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeadLetterTopology describes a work queue whose rejected messages are routed
// through a dead-letter exchange to a dead-letter queue
type DeadLetterTopology struct {
	Queue           string
	Exchange        string
	DeadLetterQueue string
}

func (t DeadLetterTopology) withDefaults() DeadLetterTopology {
	if t.Exchange == "" {
		t.Exchange = t.Queue + ".dlx"
	}
	if t.DeadLetterQueue == "" {
		t.DeadLetterQueue = t.Queue + ".dlq"
	}
	return t
}

// DeclareDeadLetterTopology declares the dead-letter exchange and queue first,
// then the work queue pointing at them. The dead-letter queue is bound with the
// work queue name as routing key.
func DeclareDeadLetterTopology(ch TopologyChannel, topology DeadLetterTopology) (DeadLetterTopology, error) {
	if topology.Queue == "" {
		return topology, fmt.Errorf("%w: queue name is required", ErrInvalidTopology)
	}
	t := topology.withDefaults()

	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return t, &TopologyError{Component: "exchange", Name: t.Exchange, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return t, &TopologyError{Component: "queue", Name: t.DeadLetterQueue, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	if err := ch.QueueBind(t.DeadLetterQueue, t.Queue, t.Exchange, false, nil); err != nil {
		return t, &TopologyError{Component: "binding", Name: t.DeadLetterQueue, Op: "bind", Err: err, Timestamp: time.Now()}
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    t.Exchange,
		"x-dead-letter-routing-key": t.Queue,
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, args); err != nil {
		return t, &TopologyError{Component: "queue", Name: t.Queue, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return t, nil
}
