// Copyright The Gpuscope Authors
// SPDX-License-Identifier: Apache-2.0

// Package selftelemetry provides self-monitoring metrics for the
// gpuscope agent.
package selftelemetry

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all self-telemetry metrics for the agent.
type Registry struct {
	namespace string
	reg       *prometheus.Registry
	ready     atomic.Bool

	// Agent lifecycle
	AgentReady prometheus.Gauge

	// Interception engine
	QueuesLive          prometheus.Gauge
	CallbacksRegistered prometheus.Gauge
	DispatchesObserved  *prometheus.CounterVec

	// Record buffering
	RecordsDropped *prometheus.CounterVec

	// Export
	ExportFails   *prometheus.CounterVec
	ExportLatency *prometheus.HistogramVec
}

// NewRegistry creates a Registry with all metrics registered on its own
// prometheus registerer.
func NewRegistry(namespace string) *Registry {
	if namespace == "" {
		namespace = "gpuscope"
	}

	r := &Registry{namespace: namespace, reg: prometheus.NewRegistry()}
	factory := promauto.With(r.reg)

	r.AgentReady = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agent_ready",
		Help:      "Whether the agent is ready (1 = ready)",
	})
	r.QueuesLive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queues_live",
		Help:      "Number of intercepted queues currently live",
	})
	r.CallbacksRegistered = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "callbacks_registered",
		Help:      "Number of callback subscriptions currently registered",
	})
	r.DispatchesObserved = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatches_observed_total",
		Help:      "Total dispatches observed by proxy queues",
	}, []string{"agent", "kind"})
	r.RecordsDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_dropped_total",
		Help:      "Total trace records dropped by the ring buffer",
	}, []string{"reason"})
	r.ExportFails = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "export_failures_total",
		Help:      "Total export failures",
	}, []string{"signal", "endpoint"})
	r.ExportLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "export_latency_seconds",
		Help:      "Export latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"signal", "endpoint"})

	return r
}

// Registerer exposes the underlying registerer so other packages can
// add their own series to the same /metrics endpoint.
func (r *Registry) Registerer() prometheus.Registerer { return r.reg }

// SetReady flips the /readyz state and the agent_ready gauge.
func (r *Registry) SetReady(v bool) {
	r.ready.Store(v)
	if v {
		r.AgentReady.Set(1)
	} else {
		r.AgentReady.Set(0)
	}
}
