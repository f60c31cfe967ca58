package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Gobusters/ectologger"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/matvik19/duplicate-contacts/pkg/tracing"
)

const contentTypeJSON = "application/json"

// Sender is what publishing needs from a channel.
type Sender interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Republish sends the delivery back to its queue through the default exchange with
// the retry header set to retry.
func Republish(ctx context.Context, s Sender, queue string, d amqp.Delivery, retry int) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[RetryHeader] = int32(retry)

	contentType := d.ContentType
	if contentType == "" {
		contentType = contentTypeJSON
	}

	return s.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		Headers:       headers,
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		Body:          d.Body,
	})
}

// Publisher sends messages on a dedicated channel that is reopened after failures.
type Publisher struct {
	source ChannelSource
	logger ectologger.Logger

	mu sync.Mutex
	ch Channel
}

func NewPublisher(source ChannelSource, logger ectologger.Logger) *Publisher {
	return &Publisher{
		source: source,
		logger: logger,
	}
}

// Publish sends a JSON body to routingKey through the default exchange.
func (p *Publisher) Publish(ctx context.Context, routingKey, correlationID string, body []byte) error {
	ctx, span := tracing.StartSpan(ctx, "broker.Publisher.Publish")
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		ch, err := p.source.Channel(ctx)
		if err != nil {
			return fmt.Errorf("failed to open publish channel: %w", err)
		}
		p.ch = ch
	}

	err := p.ch.PublishWithContext(ctx, "", routingKey, false, false, amqp.Publishing{
		ContentType:   contentTypeJSON,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: correlationID,
		Body:          body,
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish to %s", routingKey)
		_ = p.ch.Close()
		p.ch = nil
		return err
	}
	return nil
}

// Reply marshals v and sends it to a caller's reply queue.
func (p *Publisher) Reply(ctx context.Context, replyTo, correlationID string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}
	return p.Publish(ctx, replyTo, correlationID, body)
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}
