package broker

import (
	"context"
	"encoding/json"

	"github.com/go-playground/validator/v10"

	dcerrors "github.com/matvik19/duplicate-contacts/pkg/errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Message is the handler's view of a delivery.
type Message struct {
	Queue         string
	Body          []byte
	CorrelationID string
	ReplyTo       string
	RetryCount    int
}

// HandlerFunc processes one message. Its context carries the message transaction.
type HandlerFunc func(ctx context.Context, msg Message) error

// JSON decodes and validates the body into T before calling fn. Decode and
// validation failures are validation errors, so they are dead-lettered at once.
func JSON[T any](fn func(ctx context.Context, cmd T, msg Message) error) HandlerFunc {
	return func(ctx context.Context, msg Message) error {
		var cmd T
		if err := json.Unmarshal(msg.Body, &cmd); err != nil {
			return dcerrors.Wrap(dcerrors.KindValidation, err, "malformed message")
		}
		if err := validate.StructCtx(ctx, cmd); err != nil {
			return dcerrors.Wrap(dcerrors.KindValidation, err, "invalid message")
		}
		return fn(ctx, cmd, msg)
	}
}
