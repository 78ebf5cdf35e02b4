// Package metrics provides Prometheus metrics collection for NebulaFaaS.
//
// The package exposes metrics at /metrics on the executor and lease manager:
//
// Invocation Metrics:
//   - nebulafaas_invocations_total: Invocations by side (client/worker) and status
//   - nebulafaas_invocation_duration_seconds: Client-observed round trip latency
//
// Worker Metrics:
//   - nebulafaas_worker_mode_transitions_total: Hot/warm polling transitions
//   - nebulafaas_worker_hot_polling_seconds_total: Billed hot polling time
//   - nebulafaas_worker_execution_seconds_total: Billed execution time
//
// Fabric Metrics:
//   - nebulafaas_completion_errors_total: Failed work completions by queue and status
//   - nebulafaas_protocol_violations_total: Dropped completions by violation kind
//   - nebulafaas_connections_active: Established fabric connections by role
//
// Hot paths only touch these collectors on faults or once per invocation.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InvocationsTotal counts completed invocations
	InvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulafaas_invocations_total",
			Help: "Total number of invocations",
		},
		[]string{"side", "status"},
	)

	// InvocationDuration tracks client-side invocation latency
	InvocationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nebulafaas_invocation_duration_seconds",
			Help:    "Invocation round trip in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000002, 2, 20),
		},
	)

	// ModeTransitions counts worker polling mode transitions
	ModeTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulafaas_worker_mode_transitions_total",
			Help: "Total number of worker polling mode transitions",
		},
		[]string{"from", "to"},
	)

	// HotPollingSeconds accumulates flushed hot polling time
	HotPollingSeconds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nebulafaas_worker_hot_polling_seconds_total",
			Help: "Total hot polling time reported by workers",
		},
	)

	// ExecutionSeconds accumulates flushed execution time
	ExecutionSeconds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nebulafaas_worker_execution_seconds_total",
			Help: "Total function execution time reported by workers",
		},
	)

	// CompletionErrors counts failed work completions
	CompletionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulafaas_completion_errors_total",
			Help: "Total number of failed work completions",
		},
		[]string{"queue", "status"},
	)

	// ProtocolViolations counts completions dropped as protocol faults
	ProtocolViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulafaas_protocol_violations_total",
			Help: "Total number of dropped protocol violations",
		},
		[]string{"kind"},
	)

	// ConnectionsActive tracks established fabric connections
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebulafaas_connections_active",
			Help: "Number of established fabric connections",
		},
		[]string{"role"},
	)

	// RecvRefills counts batched receive queue refills
	RecvRefills = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nebulafaas_recv_refills_total",
			Help: "Total number of receive queue refills",
		},
	)

	// AccountingFlushes counts fetch-and-add flushes per bucket
	AccountingFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulafaas_accounting_flushes_total",
			Help: "Total number of accounting flushes",
		},
		[]string{"bucket"},
	)

	// LeasesActive tracks leases held by the lease manager
	LeasesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nebulafaas_leases_active",
			Help: "Number of active leases",
		},
	)

	// WorkersActive tracks running polling workers
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nebulafaas_workers_active",
			Help: "Number of running polling workers",
		},
	)

	// AdminRequests counts admin API requests
	AdminRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulafaas_admin_requests_total",
			Help: "Total number of admin API requests",
		},
		[]string{"method", "route", "status"},
	)

	// AdminRequestDuration tracks admin API latency
	AdminRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nebulafaas_admin_request_duration_seconds",
			Help:    "Admin API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// NodeInfo provides node information
	NodeInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebulafaas_node_info",
			Help: "Node information",
		},
		[]string{"node_id", "role"},
	)
)

// Init initializes metrics with node information
func Init(nodeID, role string) {
	NodeInfo.WithLabelValues(nodeID, role).Set(1)
}

// RecordInvocation records a resolved invocation
func RecordInvocation(side string, status uint16, duration time.Duration) {
	InvocationsTotal.WithLabelValues(side, strconv.Itoa(int(status))).Inc()

	if duration > 0 {
		InvocationDuration.Observe(duration.Seconds())
	}
}

// RecordModeTransition records a worker polling mode change
func RecordModeTransition(from, to string) {
	ModeTransitions.WithLabelValues(from, to).Inc()
}

// RecordCompletionError records a failed work completion
func RecordCompletionError(queue, status string) {
	CompletionErrors.WithLabelValues(queue, status).Inc()
}

// RecordProtocolViolation records a dropped completion
func RecordProtocolViolation(kind string) {
	ProtocolViolations.WithLabelValues(kind).Inc()
}

// RecordAccountingFlush records a flushed accounting bucket
func RecordAccountingFlush(bucket string, d time.Duration) {
	AccountingFlushes.WithLabelValues(bucket).Inc()

	switch bucket {
	case "hot_polling":
		HotPollingSeconds.Add(d.Seconds())
	case "execution":
		ExecutionSeconds.Add(d.Seconds())
	}
}

// ConnectionOpened increments the active connection gauge
func ConnectionOpened(role string) {
	ConnectionsActive.WithLabelValues(role).Inc()
}

// ConnectionClosed decrements the active connection gauge
func ConnectionClosed(role string) {
	ConnectionsActive.WithLabelValues(role).Dec()
}

// RecordAdminRequest records a served admin API request
func RecordAdminRequest(method, route string, status int, duration time.Duration) {
	AdminRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	AdminRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
