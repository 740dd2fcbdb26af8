// Copyright The Gpuscope Authors
// SPDX-License-Identifier: Apache-2.0

// Package counters is the counter-collection service: an observation
// context whose completion callbacks turn dispatch timings into
// prometheus series.
package counters

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/platformbuilds/gpuscope/internal/hsa"
	"github.com/platformbuilds/gpuscope/internal/interception"
)

// Config controls the histogram layout.
type Config struct {
	Enabled bool
	// Buckets are dispatch duration buckets in seconds.
	Buckets []float64
}

// Service implements interception.ObservationContext.
type Service struct {
	log     *slog.Logger
	enabled bool
	ids     []interception.ClientID

	DispatchDuration *prometheus.HistogramVec
	Dispatches       *prometheus.CounterVec
}

func New(cfg Config, reg prometheus.Registerer, log *slog.Logger) *Service {
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = []float64{1e-5, 1e-4, 1e-3, 1e-2, 1e-1, 1}
	}
	factory := promauto.With(reg)
	return &Service{
		log:     log.With("component", "counter_collection"),
		enabled: cfg.Enabled,
		DispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gpuscope",
			Name:      "dispatch_duration_seconds",
			Help:      "Observed dispatch duration per agent and kind",
			Buckets:   buckets,
		}, []string{"agent", "kind"}),
		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gpuscope",
			Name:      "dispatches_total",
			Help:      "Dispatches completed per agent and kind",
		}, []string{"agent", "kind"}),
	}
}

// CounterCollection implements interception.ObservationContext.
func (s *Service) CounterCollection() bool { return s.enabled }

// TracesDomain implements interception.ObservationContext.
func (s *Service) TracesDomain(interception.Domain) bool { return false }

// Start subscribes a completion callback on every supported agent.
func (s *Service) Start(ctrl *interception.Controller) {
	if !s.enabled {
		return
	}
	for _, cache := range ctrl.SupportedAgents() {
		id := ctrl.AddCallback(cache.Agent(), nil, s.onComplete)
		s.ids = append(s.ids, id)
	}
	s.log.Info("counter collection started", "agents", len(s.ids))
}

// Stop unsubscribes.
func (s *Service) Stop(ctrl *interception.Controller) {
	for _, id := range s.ids {
		ctrl.RemoveCallback(id)
	}
	s.ids = nil
}

func (s *Service) onComplete(agent hsa.Agent, _ hsa.QueueHandle, d *hsa.Dispatch) {
	kind := d.Kind.String()
	s.Dispatches.WithLabelValues(agent.Name, kind).Inc()
	if d.EndNS >= d.StartNS {
		s.DispatchDuration.WithLabelValues(agent.Name, kind).Observe(float64(d.EndNS-d.StartNS) / 1e9)
	}
}
