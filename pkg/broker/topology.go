package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultDeadLetterExchange = "dlx_exchange_duplicate"

// Declarer is what topology declaration needs from a channel.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Topology describes the work queues and their dead-letter wiring.
type Topology struct {
	DeadLetterExchange string
	MessageTTLMs       int
	MaxLength          int
}

// DeadLetterQueue names the queue that collects rejected messages of queue.
func DeadLetterQueue(queue string) string {
	return "dead_letter_" + queue
}

// QueueArgs are the arguments a work queue is declared with.
func (t Topology) QueueArgs(queue string) amqp.Table {
	args := amqp.Table{
		"x-dead-letter-exchange":    t.exchange(),
		"x-dead-letter-routing-key": DeadLetterQueue(queue),
	}
	if t.MessageTTLMs > 0 {
		args["x-message-ttl"] = int32(t.MessageTTLMs)
	}
	if t.MaxLength > 0 {
		args["x-max-length"] = int32(t.MaxLength)
	}
	return args
}

func (t Topology) exchange() string {
	if t.DeadLetterExchange == "" {
		return DefaultDeadLetterExchange
	}
	return t.DeadLetterExchange
}

// Declare creates the dead-letter exchange, the queue's dead-letter queue and the
// queue itself. Every declaration is idempotent.
func (t Topology) Declare(ch Declarer, queue string) error {
	dlx := t.exchange()
	if err := ch.ExchangeDeclare(dlx, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", dlx, err)
	}

	dlq := DeadLetterQueue(queue)
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, dlq, dlx, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", dlq, err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, t.QueueArgs(queue)); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return nil
}
