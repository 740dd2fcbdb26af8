// Copyright The Gpuscope Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the agent's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"
)

type TLS struct {
	Enable             bool   `yaml:"enable"`
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type OTLP struct {
	TLS  TLS `yaml:"tls"`
	GRPC struct {
		Enabled  bool              `yaml:"enabled"`
		Endpoint string            `yaml:"endpoint"`
		Insecure bool              `yaml:"insecure"`
		Headers  map[string]string `yaml:"headers"`
		Timeout  model.Duration    `yaml:"timeout"`
	} `yaml:"grpc"`
	HTTP struct {
		Enabled  bool              `yaml:"enabled"`
		Endpoint string            `yaml:"endpoint"`
		Insecure bool              `yaml:"insecure"`
		Headers  map[string]string `yaml:"headers"`
		Timeout  model.Duration    `yaml:"timeout"`
	} `yaml:"http"`
}

type Tracing struct {
	Enabled       bool           `yaml:"enabled"`
	Domains       []string       `yaml:"domains"`
	RingCapacity  int            `yaml:"ring_capacity"`
	FlushInterval model.Duration `yaml:"flush_interval"`
	BatchSize     int            `yaml:"batch_size"`
	MaxRecordAge  model.Duration `yaml:"max_record_age"`
	OTLP          OTLP           `yaml:"otlp"`
}

type Counters struct {
	Enabled bool      `yaml:"enabled"`
	Buckets []float64 `yaml:"duration_buckets_seconds"`
}

type RuntimeAgent struct {
	Name         string `yaml:"name"`
	Accelerator  bool   `yaml:"accelerator"`
	MaxQueueSize uint32 `yaml:"max_queue_size"`
	ComputeUnits uint32 `yaml:"compute_units"`
}

type Config struct {
	Agent struct {
		ServiceName string `yaml:"service_name"`
	} `yaml:"agent"`
	SelfTelemetry struct {
		Listen string `yaml:"listen"`
		NS     string `yaml:"prometheus_namespace"`
	} `yaml:"selfTelemetry"`
	Tracing  Tracing  `yaml:"tracing"`
	Counters Counters `yaml:"counters"`
	Runtime  struct {
		DispatchLatency model.Duration `yaml:"dispatch_latency"`
		Agents          []RuntimeAgent `yaml:"agents"`
	} `yaml:"runtime"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyDefaults(&c)
	return &c, nil
}

func applyDefaults(c *Config) {
	if c.Agent.ServiceName == "" {
		c.Agent.ServiceName = "gpuscope"
	}
	if c.SelfTelemetry.Listen == "" {
		c.SelfTelemetry.Listen = ":19090"
	}
	if c.Tracing.RingCapacity <= 0 {
		c.Tracing.RingCapacity = 8192
	}
	if c.Tracing.FlushInterval <= 0 {
		c.Tracing.FlushInterval = model.Duration(500 * time.Millisecond)
	}
	if c.Tracing.BatchSize <= 0 {
		c.Tracing.BatchSize = 256
	}
	if len(c.Tracing.Domains) == 0 {
		c.Tracing.Domains = []string{"kernel_dispatch", "memory_copy"}
	}
	if c.Runtime.DispatchLatency <= 0 {
		c.Runtime.DispatchLatency = model.Duration(50 * time.Microsecond)
	}
	if len(c.Runtime.Agents) == 0 {
		c.Runtime.Agents = []RuntimeAgent{
			{Name: "host-cpu"},
			{Name: "gfx90a", Accelerator: true, MaxQueueSize: 1024, ComputeUnits: 104},
		}
	}
}
