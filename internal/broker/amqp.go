package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the slice of the AMQP channel API the pipeline uses. It exists
// so the publisher and consumer state machines can be driven by fakes in
// tests; *amqp091.Channel satisfies it directly.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// Connection is the slice of the AMQP connection API the pipeline uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens a broker connection; swapped for a fake in tests.
type Dialer func(url string) (Connection, error)

// Dial is the production Dialer backed by amqp091-go.
func Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	return amqpConnection{conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	return ch, nil
}

// QueueArgs builds the declaration arguments shared by the publisher and the
// consumer. Both ends must declare the queue identically or the broker
// rejects the second declaration.
func QueueArgs(maxLength int) amqp.Table {
	return amqp.Table{
		"x-max-length": int32(maxLength),
		"x-overflow":   "reject-publish",
	}
}

func declareQueue(ch Channel, name string, maxLength int) error {
	_, err := ch.QueueDeclare(name, true, false, false, false, QueueArgs(maxLength))
	if err != nil {
		return fmt.Errorf("declare queue %q: %w", name, err)
	}
	return nil
}
