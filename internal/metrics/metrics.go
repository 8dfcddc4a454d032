// Package metrics exposes Prometheus collectors shared by the broker and
// the agent: queue depth, subscription churn, handshake timing, message
// throughput and cryptographic operation counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "simplexmq"

// Registry is the process-wide Prometheus registry used by both binaries.
var Registry = prometheus.NewRegistry()

var (
	// QueuesActive tracks the number of non-disabled queues known to a server.
	QueuesActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queues",
			Name:      "active",
			Help:      "Number of queues not in Disabled status",
		},
	)

	// QueueBufferDepth tracks per-queue buffered message counts.
	QueueBufferDepth = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queues",
			Name:      "buffer_depth",
			Help:      "Observed message buffer depth at enqueue time",
			Buckets:   prometheus.LinearBuckets(0, 8, 17), // 0..128
		},
	)

	// QueueQuotaRejections counts SEND rejected with QUOTA.
	QueueQuotaRejections = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queues",
			Name:      "quota_rejections_total",
			Help:      "Total number of SEND commands rejected with QUOTA",
		},
	)

	// SubscriptionEvictions counts subscribers evicted by a newer SUB.
	SubscriptionEvictions = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "evictions_total",
			Help:      "Total number of subscribers evicted by a later SUB",
		},
	)

	// CommandsProcessed counts server commands by name and result code.
	CommandsProcessed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "commands_total",
			Help:      "Total number of server commands processed",
		},
		[]string{"command", "result"},
	)

	// ReconnectAttempts counts the agent client's reconnection attempts.
	ReconnectAttempts = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of agent server-client reconnect attempts",
		},
		[]string{"server"},
	)
)
