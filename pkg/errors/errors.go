package errors

import (
	"context"
	goerrors "errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Kind classifies a failure for delivery decisions.
type Kind string

const (
	KindUnknown       Kind = "unknown"
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindRemoteService Kind = "remote_service"
	KindTransport     Kind = "transport"
	KindToken         Kind = "token"
)

// Retryable reports whether a failure of this kind may succeed on redelivery.
func (k Kind) Retryable() bool {
	return k == KindTransport || k == KindToken
}

type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Cause.Error()
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

func (e *Error) ToHTTPError() *httperror.HTTPError {
	status := http.StatusInternalServerError
	switch e.Kind {
	case KindValidation:
		status = http.StatusBadRequest
	case KindNotFound:
		status = http.StatusNotFound
	case KindRemoteService:
		status = http.StatusBadGateway
	case KindTransport, KindToken:
		status = http.StatusServiceUnavailable
	}
	return httperror.NewHTTPError(status, e.Error()).AddMetaValue("kind", string(e.Kind))
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func NewValidationError(msg string) *Error {
	return newError(KindValidation, msg, nil)
}

func NewValidationErrorf(format string, args ...any) *Error {
	return newError(KindValidation, fmt.Sprintf(format, args...), nil)
}

func NewNotFoundError(msg string) *Error {
	return newError(KindNotFound, msg, nil)
}

func NewNotFoundErrorf(format string, args ...any) *Error {
	return newError(KindNotFound, fmt.Sprintf(format, args...), nil)
}

func NewRemoteServiceError(msg string) *Error {
	return newError(KindRemoteService, msg, nil)
}

func NewRemoteServiceErrorf(format string, args ...any) *Error {
	return newError(KindRemoteService, fmt.Sprintf(format, args...), nil)
}

func NewTransportError(msg string, cause error) *Error {
	return newError(KindTransport, msg, cause)
}

func NewTokenError(msg string, cause error) *Error {
	return newError(KindToken, msg, cause)
}

// Wrap attaches a kind to an arbitrary error.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return newError(kind, msg, err)
}

// KindOf walks the error chain and returns the first classification found.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var typed *Error
	if goerrors.As(err, &typed) {
		return typed.Kind
	}

	if goerrors.Is(err, context.DeadlineExceeded) {
		return KindTransport
	}

	var amqpErr *amqp.Error
	if goerrors.As(err, &amqpErr) {
		return KindTransport
	}

	if httperror.IsHTTPError(err) {
		switch code := httperror.GetStatusCode(err); {
		case code == http.StatusNotFound:
			return KindNotFound
		case code == http.StatusBadRequest:
			return KindValidation
		}
	}

	return KindUnknown
}

func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
