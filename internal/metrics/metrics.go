// Package metrics provides Prometheus metrics collection for the risk engine. It
// defines and registers every gauge/counter/histogram exposed on the metrics endpoint
// for monitoring breach rates, enforcement latency, and connection health, built on the
// same promauto factory pattern used throughout this codebase.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the risk engine exposes.
type Metrics struct {
	// Rule and enforcement metrics
	RuleBreachesTotal    *prometheus.CounterVec // breaches per rule id
	VerdictsTotal        *prometheus.CounterVec // verdicts per kind
	EnforcementFailures  prometheus.Counter     // SDK commands that exhausted retries
	EnforcementLatency   prometheus.Histogram   // time from verdict to SDK ack
	LockoutsActive       prometheus.Gauge       // currently active lockouts, all accounts
	CooldownsActive      prometheus.Gauge       // currently active cooldown timers
	GateShortCircuits    prometheus.Counter     // pre-trade gate interventions

	// Event pipeline metrics
	EventsProcessedTotal *prometheus.CounterVec // per event kind
	EventsMalformedTotal prometheus.Counter     // dropped wire events
	EventQueueDepth      *prometheus.GaugeVec   // per-account bus backlog

	// SDK connectivity metrics
	WSReconnects   prometheus.Counter   // stream reconnect attempts
	SDKCommandFail *prometheus.CounterVec
	SDKLatency     prometheus.Histogram

	// Store metrics
	StoreWriteErrors prometheus.Counter
	StoreWriteLatency prometheus.Histogram
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry, for isolated test collection.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		RuleBreachesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rule_breaches_total",
			Help: "Total number of breaches raised, by rule id",
		}, []string{"rule_id"}),
		VerdictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "verdicts_total",
			Help: "Total number of verdicts emitted, by kind",
		}, []string{"kind"}),
		EnforcementFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "enforcement_failures_total",
			Help: "Total number of enforcement commands that exhausted retries",
		}),
		EnforcementLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "enforcement_latency_seconds",
			Help:    "Time from verdict to SDK command acknowledgement",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		LockoutsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lockouts_active",
			Help: "Number of currently active lockouts across all accounts",
		}),
		CooldownsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cooldowns_active",
			Help: "Number of currently active cooldown timers across all accounts",
		}),
		GateShortCircuits: factory.NewCounter(prometheus.CounterOpts{
			Name: "gate_short_circuits_total",
			Help: "Total number of pre-trade gate interventions",
		}),
		EventsProcessedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "events_processed_total",
			Help: "Total number of risk events processed, by kind",
		}, []string{"kind"}),
		EventsMalformedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "events_malformed_total",
			Help: "Total number of malformed wire events dropped",
		}),
		EventQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "event_queue_depth",
			Help: "Current per-account event bus backlog",
		}, []string{"account"}),
		WSReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_reconnects_total",
			Help: "Total number of SDK stream reconnect attempts",
		}),
		SDKCommandFail: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sdk_command_failures_total",
			Help: "Total number of failed SDK commands, by command name",
		}, []string{"command"}),
		SDKLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sdk_command_latency_seconds",
			Help:    "SDK command round-trip latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		StoreWriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "store_write_errors_total",
			Help: "Total number of failed store writes",
		}),
		StoreWriteLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "store_write_latency_seconds",
			Help:    "Store write latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
}
