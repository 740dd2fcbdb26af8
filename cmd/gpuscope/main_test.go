package main

import (
	"testing"
	"time"

	"github.com/platformbuilds/gpuscope/internal/config"
)

func TestOtlpOptsGatedByTracing(t *testing.T) {
	cfg := &config.Config{}
	cfg.Agent.ServiceName = "gpuscope"
	cfg.Tracing.OTLP.GRPC.Enabled = true
	cfg.Tracing.OTLP.GRPC.Endpoint = "collector:4317"

	// Tracing disabled: transport must stay off even if configured.
	o := otlpOpts(cfg)
	if o.GRPC.Enabled {
		t.Error("GRPC.Enabled = true with tracing disabled")
	}

	cfg.Tracing.Enabled = true
	o = otlpOpts(cfg)
	if !o.GRPC.Enabled || o.GRPC.Endpoint != "collector:4317" {
		t.Errorf("GRPC opts = %+v", o.GRPC)
	}
	if o.ServiceName != "gpuscope" {
		t.Errorf("ServiceName = %q", o.ServiceName)
	}
}

func TestRuntimeConfigMapping(t *testing.T) {
	cfg := &config.Config{}
	cfg.Runtime.Agents = []config.RuntimeAgent{
		{Name: "gfx90a", Accelerator: true, MaxQueueSize: 1024, ComputeUnits: 104},
		{Name: "host-cpu"},
	}

	rc := runtimeConfig(cfg)
	if len(rc.Agents) != 2 {
		t.Fatalf("agents = %d, want 2", len(rc.Agents))
	}
	if !rc.Agents[0].Accelerator || rc.Agents[0].MaxQueueSize != 1024 {
		t.Errorf("agent[0] = %+v", rc.Agents[0])
	}
	if rc.DispatchLatency != 0 && rc.DispatchLatency < time.Microsecond {
		t.Errorf("DispatchLatency = %v", rc.DispatchLatency)
	}
}
