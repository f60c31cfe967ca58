package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	dcerrors "github.com/matvik19/duplicate-contacts/pkg/errors"
	"github.com/matvik19/duplicate-contacts/pkg/metrics"
	"github.com/matvik19/duplicate-contacts/pkg/tracing"
)

const (
	DefaultPrefetch       = 10
	DefaultMaxRetries     = 3
	DefaultReconnectDelay = 10 * time.Second
)

// TxFunc runs fn inside one database transaction, committing when fn succeeds.
type TxFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// ConsumerConfig tunes delivery handling.
type ConsumerConfig struct {
	Prefetch       int
	MaxRetries     int
	ReconnectDelay time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Prefetch <= 0 {
		c.Prefetch = DefaultPrefetch
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	return c
}

// Consumer runs one pump per registered queue.
type Consumer struct {
	source   ChannelSource
	topology Topology
	config   ConsumerConfig
	inTx     TxFunc
	logger   ectologger.Logger

	queues   []string
	handlers map[string]HandlerFunc
}

func NewConsumer(source ChannelSource, topology Topology, config ConsumerConfig, inTx TxFunc, logger ectologger.Logger) *Consumer {
	return &Consumer{
		source:   source,
		topology: topology,
		config:   config.withDefaults(),
		inTx:     inTx,
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers the handler of a queue. Registering a queue twice replaces its handler.
func (c *Consumer) Handle(queue string, h HandlerFunc) {
	if _, ok := c.handlers[queue]; !ok {
		c.queues = append(c.queues, queue)
	}
	c.handlers[queue] = h
}

// Run consumes every registered queue until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if len(c.queues) == 0 {
		return errors.New("no queues registered")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, queue := range c.queues {
		queue := queue
		g.Go(func() error {
			c.consume(ctx, queue, c.handlers[queue])
			return nil
		})
	}
	return g.Wait()
}

// consume keeps a pump alive for queue, waiting ReconnectDelay after every failure.
func (c *Consumer) consume(ctx context.Context, queue string, h HandlerFunc) {
	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"method": "consume",
		"queue":  queue,
	})
	log.Info("Consumer started")

	for {
		err := c.pump(ctx, queue, h)
		if ctx.Err() != nil {
			log.Info("Consumer stopped")
			return
		}

		metrics.Reconnects.WithLabelValues(queue).Inc()
		log.WithError(err).Warnf("Consumer interrupted, reconnecting in %s", c.config.ReconnectDelay)

		select {
		case <-ctx.Done():
			log.Info("Consumer stopped")
			return
		case <-time.After(c.config.ReconnectDelay):
		}
	}
}

func (c *Consumer) pump(ctx context.Context, queue string, h HandlerFunc) error {
	ch, err := c.source.Channel(ctx)
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := c.topology.Declare(ch, queue); err != nil {
		return err
	}
	if err := ch.Qos(c.config.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queue, err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				return amqpErr
			}
			return errors.New("channel closed")
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.process(ctx, queue, ch, d, h)
		}
	}
}

// process runs the handler in a transaction and settles the delivery.
func (c *Consumer) process(ctx context.Context, queue string, sender Sender, d amqp.Delivery, h HandlerFunc) {
	ctx, span := tracing.StartSpan(ctx, "broker.Consumer.process")
	defer span.End()

	start := time.Now()
	metrics.MessagesInFlight.WithLabelValues(queue).Inc()
	defer func() {
		metrics.MessagesInFlight.WithLabelValues(queue).Dec()
		metrics.MessageDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())
	}()

	retry := RetryCount(d.Headers)
	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"method": "process",
		"queue":  queue,
		"retry":  retry,
	})

	msg := Message{
		Queue:         queue,
		Body:          d.Body,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		RetryCount:    retry,
	}

	err := c.inTx(ctx, func(txCtx context.Context) error {
		return h(txCtx, msg)
	})

	if err != nil && ctx.Err() != nil {
		// left unacked so the broker redelivers it
		log.WithError(err).Warn("Message interrupted by shutdown")
		metrics.MessagesTotal.WithLabelValues(queue, "interrupted").Inc()
		return
	}

	outcome := Decide(err, retry, c.config.MaxRetries)
	switch outcome {
	case Ack:
		if ackErr := d.Ack(false); ackErr != nil {
			log.WithError(ackErr).Error("Failed to ack message")
		}
		log.Debug("Message processed")

	case Retry:
		log.WithError(err).Warnf("Transient failure, retry #%d", retry+1)
		if pubErr := Republish(ctx, sender, queue, d, retry+1); pubErr != nil {
			log.WithError(pubErr).Error("Failed to republish message, requeueing")
			if nackErr := d.Nack(false, true); nackErr != nil {
				log.WithError(nackErr).Error("Failed to nack message")
			}
			break
		}
		if ackErr := d.Ack(false); ackErr != nil {
			log.WithError(ackErr).Error("Failed to ack republished message")
		}

	case DeadLetter:
		kind := dcerrors.KindOf(err)
		switch {
		case kind == dcerrors.KindUnknown:
			log.WithError(err).Error("Unexpected failure, dead-lettering message")
		case kind.Retryable():
			log.WithError(err).Errorf("Retry limit of %d reached, dead-lettering message", c.config.MaxRetries)
		default:
			log.WithError(err).WithField("kind", string(kind)).Error("Permanent failure, dead-lettering message")
		}
		if nackErr := d.Nack(false, false); nackErr != nil {
			log.WithError(nackErr).Error("Failed to reject message")
		}
	}

	metrics.MessagesTotal.WithLabelValues(queue, outcome.String()).Inc()
}
