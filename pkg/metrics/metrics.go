// Package metrics provides Prometheus metrics for the duplicate contacts service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dedup"

var (
	// MessagesTotal tracks consumed messages by queue and outcome (ack, retry, dead_letter)
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_total",
			Help:      "Total number of consumed messages by outcome",
		},
		[]string{"queue", "outcome"},
	)

	// MessageDuration tracks handler duration per queue
	MessageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "message_duration_seconds",
			Help:      "Duration of message handling in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"queue"},
	)

	// MessagesInFlight tracks messages currently being handled
	MessagesInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_in_flight",
			Help:      "Number of messages currently being handled",
		},
		[]string{"queue"},
	)

	// Reconnects tracks broker reconnect attempts
	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "reconnects_total",
			Help:      "Total number of broker reconnect attempts",
		},
		[]string{"queue"},
	)

	// MergeGroupsTotal tracks duplicate groups by merge status
	MergeGroupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_groups_total",
			Help:      "Total number of duplicate groups processed by status",
		},
		[]string{"mode", "status"},
	)

	// RPCCallsTotal tracks RPC calls by routing key and status
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Total number of RPC calls",
		},
		[]string{"routing_key", "status"},
	)

	// HTTPRequestsTotal tracks outbound HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of outbound HTTP requests",
		},
		[]string{"method", "status_code"},
	)

	// HTTPRequestDuration tracks outbound HTTP request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound HTTP requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method"},
	)

	// TokenLookups tracks token cache hits and misses
	TokenLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "lookups_total",
			Help:      "Total number of token lookups by result",
		},
		[]string{"result"},
	)

	// KafkaMessagesPublished tracks merge events published to Kafka
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)
)
