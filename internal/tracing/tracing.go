// Copyright The Gpuscope Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracing is the buffered tracing service: an observation
// context that subscribes to dispatch completions, buffers them as
// records, and exports them as OTel spans. It is also the reference
// consumer of the "callbacks must be fast" contract: the completion
// callback only pushes into the ring, all heavy work happens on the
// flush goroutine.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platformbuilds/gpuscope/internal/hsa"
	"github.com/platformbuilds/gpuscope/internal/interception"
	"github.com/platformbuilds/gpuscope/internal/record"
	"github.com/platformbuilds/gpuscope/internal/selftelemetry"
)

// Config controls buffering and export cadence.
type Config struct {
	Domains       []string
	RingCapacity  int
	BatchSize     int
	FlushInterval time.Duration
	MaxRecordAge  time.Duration
}

// ParseDomain maps a config string to a tracing domain.
func ParseDomain(s string) (interception.Domain, error) {
	switch s {
	case "kernel_dispatch":
		return interception.DomainKernelDispatch, nil
	case "memory_copy":
		return interception.DomainMemoryCopy, nil
	case "queue_error":
		return interception.DomainQueueError, nil
	}
	return 0, fmt.Errorf("unknown tracing domain %q", s)
}

// Service buffers completed dispatches and exports them as spans.
type Service struct {
	log     *slog.Logger
	st      *selftelemetry.Registry
	cfg     Config
	domains map[interception.Domain]bool
	ring    *record.Ring[record.Dispatch]
	tracer  trace.Tracer

	ids     []interception.ClientID
	stop    chan struct{}
	stopped chan struct{}
}

// New builds the service. The tracer provider is typically the OTLP
// one; tests pass an in-memory provider.
func New(cfg Config, tp trace.TracerProvider, st *selftelemetry.Registry, log *slog.Logger) (*Service, error) {
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 8192
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}

	s := &Service{
		log:     log.With("component", "buffered_tracer"),
		st:      st,
		cfg:     cfg,
		domains: make(map[interception.Domain]bool),
		tracer:  tp.Tracer("gpuscope/tracing"),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, name := range cfg.Domains {
		d, err := ParseDomain(name)
		if err != nil {
			return nil, err
		}
		s.domains[d] = true
	}

	var lastDrop uint64
	s.ring = record.NewRing[record.Dispatch](cfg.RingCapacity, func(n uint64, reason record.DropReason) {
		if st != nil {
			st.RecordsDropped.WithLabelValues(string(reason)).Add(float64(n - lastDrop))
		}
		lastDrop = n
	})
	return s, nil
}

// CounterCollection implements interception.ObservationContext.
func (s *Service) CounterCollection() bool { return false }

// TracesDomain implements interception.ObservationContext.
func (s *Service) TracesDomain(d interception.Domain) bool { return s.domains[d] }

// Start subscribes to every supported agent and starts the flusher.
func (s *Service) Start(ctrl *interception.Controller) {
	for _, cache := range ctrl.SupportedAgents() {
		id := ctrl.AddCallback(cache.Agent(), nil, s.onComplete)
		s.ids = append(s.ids, id)
	}
	go s.flushLoop()
	s.log.Info("buffered tracer started", "agents", len(s.ids), "domains", s.cfg.Domains)
}

// Stop unsubscribes, drains the ring and stops the flusher.
func (s *Service) Stop(ctrl *interception.Controller) {
	for _, id := range s.ids {
		ctrl.RemoveCallback(id)
	}
	s.ids = nil
	close(s.stop)
	<-s.stopped
}

func (s *Service) domainOf(kind hsa.DispatchKind) interception.Domain {
	if kind == hsa.MemoryCopy {
		return interception.DomainMemoryCopy
	}
	return interception.DomainKernelDispatch
}

// onComplete is the completion callback. It must stay cheap: assemble
// the record and push, nothing else.
func (s *Service) onComplete(agent hsa.Agent, queue hsa.QueueHandle, d *hsa.Dispatch) {
	if !s.domains[s.domainOf(d.Kind)] {
		return
	}
	s.ring.Push(record.FromDispatch(agent, queue, d))
}

func (s *Service) flushLoop() {
	defer close(s.stopped)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			s.flush()
			return
		case <-ticker.C:
			if s.cfg.MaxRecordAge > 0 {
				s.ring.DropExpired(s.cfg.MaxRecordAge)
			}
			s.flush()
		}
	}
}

func (s *Service) flush() {
	for {
		batch := s.ring.PopBatch(s.cfg.BatchSize, 0)
		if len(batch) == 0 {
			return
		}
		for _, item := range batch {
			s.emit(item.V)
		}
	}
}

func (s *Service) emit(rec record.Dispatch) {
	name := rec.KernelName
	kind := "kernel_dispatch"
	if rec.Header.Kind() == record.KindMemoryCopy {
		kind = "memory_copy"
		name = "memory_copy"
	}
	if name == "" {
		name = kind
	}

	attrs := []attribute.KeyValue{
		attribute.String("gpu.agent", rec.AgentName),
		attribute.Int64("gpu.agent.handle", int64(rec.Agent)),
		attribute.Int64("gpu.queue.handle", int64(rec.Queue)),
		attribute.Int64("gpu.correlation_id", int64(rec.CorrelationID)),
		attribute.String("gpu.dispatch.kind", kind),
	}
	if rec.Header.Kind() == record.KindMemoryCopy {
		attrs = append(attrs, attribute.Int64("gpu.memory_copy.bytes", int64(rec.Bytes)))
	}

	_, span := s.tracer.Start(context.Background(), name,
		trace.WithTimestamp(time.Unix(0, int64(rec.StartNS))),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	span.End(trace.WithTimestamp(time.Unix(0, int64(rec.EndNS))))
}
