// Package metrics exposes the process's Prometheus collectors: executor
// queue depth, scheduler lag, guest-poller failure counts, and RPC
// latency. Grounded on the client_golang usage pattern in the pack's
// service examples (a single registry-backed struct constructed once at
// the composition root and threaded into the components that feed it).
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the core components report to. All
// fields are safe to call on a nil *Metrics (every method no-ops), so
// components can hold an optional *Metrics without a presence check at
// every call site.
type Metrics struct {
	executorQueueDepth *prometheus.GaugeVec
	executorSpawned    *prometheus.CounterVec
	schedulerLag       prometheus.Histogram
	pollerFailures     *prometheus.CounterVec
	rpcLatency         *prometheus.HistogramVec
	rpcErrors          *prometheus.CounterVec
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executorQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aegisd",
			Subsystem: "executor",
			Name:      "queue_depth",
			Help:      "Pending tasks in an executor's bounded queue.",
		}, []string{"executor"}),
		executorSpawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aegisd",
			Subsystem: "executor",
			Name:      "workers_spawned_total",
			Help:      "Lifetime worker goroutines created by an executor, including replacements.",
		}, []string{"executor"}),
		schedulerLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aegisd",
			Subsystem: "scheduler",
			Name:      "fire_lag_seconds",
			Help:      "Delay between a scheduled entry's deadline and its actual firing time.",
			Buckets:   prometheus.DefBuckets,
		}),
		pollerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aegisd",
			Subsystem: "guestpoll",
			Name:      "failures_total",
			Help:      "Guest-agent command failures observed by the poller, by vm.",
		}, []string{"vm_id"}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aegisd",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "RPC method execution latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		rpcErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aegisd",
			Subsystem: "rpc",
			Name:      "errors_total",
			Help:      "RPC responses carrying a JSON-RPC error, by method and code.",
		}, []string{"method", "code"}),
	}
	reg.MustRegister(
		m.executorQueueDepth,
		m.executorSpawned,
		m.schedulerLag,
		m.pollerFailures,
		m.rpcLatency,
		m.rpcErrors,
	)
	return m
}

func (m *Metrics) ObserveExecutorQueueDepth(executor string, depth int) {
	if m == nil {
		return
	}
	m.executorQueueDepth.WithLabelValues(executor).Set(float64(depth))
}

func (m *Metrics) IncExecutorWorkerSpawned(executor string) {
	if m == nil {
		return
	}
	m.executorSpawned.WithLabelValues(executor).Inc()
}

func (m *Metrics) ObserveSchedulerLag(d time.Duration) {
	if m == nil {
		return
	}
	m.schedulerLag.Observe(d.Seconds())
}

func (m *Metrics) IncPollerFailure(vmID string) {
	if m == nil {
		return
	}
	m.pollerFailures.WithLabelValues(vmID).Inc()
}

func (m *Metrics) ObserveRPCLatency(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.rpcLatency.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) IncRPCError(method string, code int) {
	if m == nil {
		return
	}
	m.rpcErrors.WithLabelValues(method, strconv.Itoa(code)).Inc()
}
