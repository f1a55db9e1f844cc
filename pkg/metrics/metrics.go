// Package metrics declares the orchestrator's Prometheus collectors,
// grounded on the prometheus/client_golang usage retrieved alongside this
// pack and on the original service's CollectorRegistry/generate_latest
// gating behind MOCK_KAFKA.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics owns a private registry so /metrics never leaks Go-runtime
// defaults the operator didn't ask for.
type Metrics struct {
	Registry *prometheus.Registry

	SagasStarted      prometheus.Counter
	SagasCompleted    prometheus.Counter
	SagasFailed       prometheus.Counter
	TransitionsTotal  *prometheus.CounterVec
	PricingLatency    prometheus.Histogram
	PublishRetries    prometheus.Counter
	ReaperTimeouts    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		SagasStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkout_sagas_started_total",
			Help: "Number of checkout sagas initiated.",
		}),
		SagasCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkout_sagas_completed_total",
			Help: "Number of checkout sagas that reached COMPLETED.",
		}),
		SagasFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkout_sagas_failed_total",
			Help: "Number of checkout sagas that reached FAILED.",
		}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_saga_transitions_total",
			Help: "Saga engine transitions applied, by event type.",
		}, []string{"event_type"}),
		PricingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "checkout_pricing_rpc_latency_seconds",
			Help:    "Latency of discount/tax RPCs.",
			Buckets: prometheus.DefBuckets,
		}),
		PublishRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkout_bus_publish_retries_total",
			Help: "Retries spent publishing outbound commands.",
		}),
		ReaperTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_reaper_timeouts_total",
			Help: "Synthetic forcing events (*Failed or CompensationTimedOut) raised by the stage-timeout reaper, by stage.",
		}, []string{"stage"}),
	}

	reg.MustRegister(
		m.SagasStarted,
		m.SagasCompleted,
		m.SagasFailed,
		m.TransitionsTotal,
		m.PricingLatency,
		m.PublishRetries,
		m.ReaperTimeouts,
	)

	return m
}
