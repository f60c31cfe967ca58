// Package broker is the RabbitMQ substrate: topology, reliable consumption with
// bounded retries and dead-lettering, publishing and request/reply RPC.
package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the broker uses.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// ChannelSource opens channels on a shared connection.
type ChannelSource interface {
	Channel(ctx context.Context) (Channel, error)
}

// ErrConnectionClosed is returned after Close.
var ErrConnectionClosed = errors.New("amqp connection closed")

// Connection holds one AMQP connection and re-dials it lazily when it drops.
type Connection struct {
	url    string
	name   string
	logger ectologger.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

func NewConnection(url, name string, logger ectologger.Logger) *Connection {
	return &Connection{
		url:    url,
		name:   name,
		logger: logger,
	}
}

// Connect dials eagerly so startup fails fast on a bad url.
func (c *Connection) Connect(ctx context.Context) error {
	_, err := c.connection(ctx)
	return err
}

func (c *Connection) connection(ctx context.Context) (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConnectionClosed
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(c.name)

	conn, err := amqp.DialConfig(c.url, amqp.Config{
		Heartbeat:  10 * time.Second,
		Properties: props,
	})
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Error("Failed to connect to RabbitMQ")
		return nil, err
	}

	c.logger.WithContext(ctx).Info("Connected to RabbitMQ")
	c.conn = conn
	return conn, nil
}

// Channel opens a new channel, re-dialing first if the connection is gone.
func (c *Connection) Channel(ctx context.Context) (Channel, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Ping reports whether the connection is usable.
func (c *Connection) Ping(ctx context.Context) error {
	_, err := c.connection(ctx)
	return err
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
