package core

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "mqpulse"

// Metrics are the prometheus collectors shared by a node's subsystems. Every
// collector carries a constant "node" label.
type Metrics struct {
	EnvelopesSent     *prometheus.CounterVec
	EnvelopesReceived *prometheus.CounterVec
	EnvelopesDropped  *prometheus.CounterVec
	SendFailures      *prometheus.CounterVec
	CallbackPanics    prometheus.Counter
	PendingCalls      prometheus.Gauge
	CallTimeouts      prometheus.Counter
	Peers             prometheus.Gauge
}

// NewMetrics builds the collectors for node and registers them with reg. A
// nil reg yields working, unregistered collectors.
func NewMetrics(reg prometheus.Registerer, node string) *Metrics {
	labels := prometheus.Labels{"node": node}

	return &Metrics{
		EnvelopesSent: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "envelopes_sent_total",
			Help:        "Envelopes handed to the transport, by type.",
			ConstLabels: labels,
		}, []string{"type"})),
		EnvelopesReceived: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "envelopes_received_total",
			Help:        "Envelopes dispatched to a handler, by type.",
			ConstLabels: labels,
		}, []string{"type"})),
		EnvelopesDropped: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "envelopes_dropped_total",
			Help:        "Inbound payloads discarded before reaching a handler, by reason.",
			ConstLabels: labels,
		}, []string{"reason"})),
		SendFailures: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "send_failures_total",
			Help:        "Transport delivery failures, by error kind.",
			ConstLabels: labels,
		}, []string{"error"})),
		CallbackPanics: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "callback_panics_total",
			Help:        "Handler and callback panics recovered by the dispatcher.",
			ConstLabels: labels,
		})),
		PendingCalls: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "rpc",
			Name:        "pending_calls",
			Help:        "RPC calls awaiting a response.",
			ConstLabels: labels,
		})),
		CallTimeouts: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "rpc",
			Name:        "timeouts_total",
			Help:        "RPC calls completed by the timeout sweep.",
			ConstLabels: labels,
		})),
		Peers: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "presence",
			Name:        "peers",
			Help:        "Peers currently inside the staleness window.",
			ConstLabels: labels,
		})),
	}
}

// register adds c to reg, reusing an identical collector registered earlier.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}
