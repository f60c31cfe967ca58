package broker

import (
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"

	dcerrors "github.com/matvik19/duplicate-contacts/pkg/errors"
)

// RetryHeader carries how many times a message was republished.
const RetryHeader = "x-retry"

// Outcome is what happens to a delivery after its handler returns.
type Outcome int

const (
	Ack Outcome = iota
	Retry
	DeadLetter
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Decide maps a handler result to an outcome. Transient failures are retried while
// retry < maxRetries; everything else is dead-lettered.
func Decide(err error, retry, maxRetries int) Outcome {
	if err == nil {
		return Ack
	}
	if dcerrors.KindOf(err).Retryable() && retry < maxRetries {
		return Retry
	}
	return DeadLetter
}

// RetryCount reads the retry header. Missing or unreadable values count as zero.
func RetryCount(headers amqp.Table) int {
	raw, ok := headers[RetryHeader]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case float32:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
