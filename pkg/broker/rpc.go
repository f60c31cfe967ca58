package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	dcerrors "github.com/matvik19/duplicate-contacts/pkg/errors"
	"github.com/matvik19/duplicate-contacts/pkg/metrics"
	"github.com/matvik19/duplicate-contacts/pkg/tracing"
)

// ErrRPCTimeout is the cause of a TransportError when no reply arrives in time.
var ErrRPCTimeout = errors.New("rpc timeout")

// RPC sends a request and waits for the correlated reply on a private queue.
type RPC struct {
	source ChannelSource
	logger ectologger.Logger
}

func NewRPC(source ChannelSource, logger ectologger.Logger) *RPC {
	return &RPC{
		source: source,
		logger: logger,
	}
}

// Call publishes request as JSON to routingKey and returns the raw reply body. The
// reply queue is deleted whatever the result. There is no retry.
func (r *RPC) Call(ctx context.Context, routingKey string, request any, timeout time.Duration) ([]byte, error) {
	ctx, span := tracing.StartSpan(ctx, "broker.RPC.Call")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"method":      "Call",
		"routing_key": routingKey,
	})

	body, err := json.Marshal(request)
	if err != nil {
		return nil, dcerrors.Wrap(dcerrors.KindValidation, err, "failed to marshal rpc request")
	}

	ch, err := r.source.Channel(ctx)
	if err != nil {
		metrics.RPCCallsTotal.WithLabelValues(routingKey, "error").Inc()
		return nil, dcerrors.NewTransportError("failed to open rpc channel", err)
	}
	defer ch.Close()

	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		metrics.RPCCallsTotal.WithLabelValues(routingKey, "error").Inc()
		return nil, dcerrors.NewTransportError("failed to declare reply queue", err)
	}
	defer func() {
		if _, delErr := ch.QueueDelete(queue.Name, false, false, false); delErr != nil {
			log.WithError(delErr).Debugf("Failed to delete reply queue %s", queue.Name)
		}
	}()

	replies, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		metrics.RPCCallsTotal.WithLabelValues(routingKey, "error").Inc()
		return nil, dcerrors.NewTransportError("failed to consume reply queue", err)
	}

	correlationID := uuid.NewString()
	err = ch.PublishWithContext(ctx, "", routingKey, false, false, amqp.Publishing{
		ContentType:   contentTypeJSON,
		CorrelationId: correlationID,
		ReplyTo:       queue.Name,
		Body:          body,
	})
	if err != nil {
		metrics.RPCCallsTotal.WithLabelValues(routingKey, "error").Inc()
		return nil, dcerrors.NewTransportError(fmt.Sprintf("failed to publish rpc request to %s", routingKey), err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			metrics.RPCCallsTotal.WithLabelValues(routingKey, "timeout").Inc()
			return nil, dcerrors.NewTransportError("no reply from "+routingKey, fmt.Errorf("%w: %w", ErrRPCTimeout, ctx.Err()))
		case <-timer.C:
			metrics.RPCCallsTotal.WithLabelValues(routingKey, "timeout").Inc()
			log.Errorf("No reply within %s", timeout)
			return nil, dcerrors.NewTransportError("no reply from "+routingKey, ErrRPCTimeout)
		case d, ok := <-replies:
			if !ok {
				metrics.RPCCallsTotal.WithLabelValues(routingKey, "error").Inc()
				return nil, dcerrors.NewTransportError("reply queue closed", nil)
			}
			if d.CorrelationId != correlationID {
				log.Debugf("Ignoring reply with correlation id %s", d.CorrelationId)
				continue
			}
			metrics.RPCCallsTotal.WithLabelValues(routingKey, "ok").Inc()
			return d.Body, nil
		}
	}
}
