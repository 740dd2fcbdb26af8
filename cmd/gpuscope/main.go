// Copyright The Gpuscope Authors
// SPDX-License-Identifier: Apache-2.0

// gpuscope hosts the GPU queue interception engine: it brings up the
// runtime provider, decides whether interception is needed, and wires
// the tracing/counter observation contexts to the queue controller.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/platformbuilds/gpuscope/internal/config"
	"github.com/platformbuilds/gpuscope/internal/counters"
	"github.com/platformbuilds/gpuscope/internal/exporters/otlp"
	"github.com/platformbuilds/gpuscope/internal/hsa"
	"github.com/platformbuilds/gpuscope/internal/interception"
	"github.com/platformbuilds/gpuscope/internal/selftelemetry"
	"github.com/platformbuilds/gpuscope/internal/softhsa"
	"github.com/platformbuilds/gpuscope/internal/tracing"
	"github.com/platformbuilds/gpuscope/internal/version"
)

func main() {
	cfgPath := flag.String("config", "/etc/gpuscope/config.yaml", "path to config yaml")
	showVersion := flag.Bool("version", false, "print version and exit")
	demo := flag.Bool("demo", false, "submit a synthetic dispatch workload to the software runtime")
	flag.Parse()

	if *showVersion {
		log.Printf("gpuscope %s (%s/%s)", version.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	log.Printf("gpuscope %s starting", version.Version())
	if cfg.Tracing.Enabled {
		log.Printf("  buffered tracing: enabled (domains: %v)", cfg.Tracing.Domains)
	}
	if cfg.Counters.Enabled {
		log.Printf("  counter collection: enabled")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	mux := http.NewServeMux()
	st := selftelemetry.NewRegistry(cfg.SelfTelemetry.NS)
	st.InstallHandlers(mux)
	srv := &http.Server{Addr: cfg.SelfTelemetry.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("self-telemetry HTTP on %s", cfg.SelfTelemetry.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt := softhsa.New(runtimeConfig(cfg), logger)

	clients, err := otlp.New(ctx, otlpOpts(cfg))
	if err != nil {
		log.Fatalf("otlp: %v", err)
	}
	events := otlp.NewEvents(clients.Log)

	var tp trace.TracerProvider = noop.NewTracerProvider()
	if clients.Trace != nil {
		tp = clients.Trace
	}

	var contexts []interception.ObservationContext

	var tracer *tracing.Service
	if cfg.Tracing.Enabled {
		tracer, err = tracing.New(tracing.Config{
			Domains:       cfg.Tracing.Domains,
			RingCapacity:  cfg.Tracing.RingCapacity,
			BatchSize:     cfg.Tracing.BatchSize,
			FlushInterval: time.Duration(cfg.Tracing.FlushInterval),
			MaxRecordAge:  time.Duration(cfg.Tracing.MaxRecordAge),
		}, tp, st, logger)
		if err != nil {
			log.Fatalf("tracing: %v", err)
		}
		contexts = append(contexts, tracer)
	}

	counter := counters.New(counters.Config{
		Enabled: cfg.Counters.Enabled,
		Buckets: cfg.Counters.Buckets,
	}, st.Registerer(), logger)
	contexts = append(contexts, counter)

	ctrl := interception.NewController(logger, st)
	if err := ctrl.Init(rt, contexts); err != nil {
		log.Fatalf("queue controller: %v", err)
	}
	if tracer != nil {
		tracer.Start(ctrl)
	}
	counter.Start(ctrl)

	events.Emit(ctx, "gpuscope started",
		otellog.String("version", version.Version()),
		otellog.Bool("interception_installed", ctrl.Installed()),
		otellog.Int("supported_agents", len(ctrl.SupportedAgents())),
	)
	st.SetReady(true)

	if *demo {
		go runWorkload(ctx, rt, logger)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	<-sig
	log.Println("gpuscope: shutting down")
	st.SetReady(false)
	cancel()

	if tracer != nil {
		tracer.Stop(ctrl)
	}
	counter.Stop(ctrl)
	ctrl.Shutdown()
	if err := rt.Close(); err != nil {
		log.Printf("runtime close: %v", err)
	}
	events.Emit(context.Background(), "gpuscope stopped")
	if err := clients.Close(context.Background()); err != nil {
		log.Printf("otlp close: %v", err)
	}
	_ = srv.Shutdown(context.Background())
}

func runtimeConfig(cfg *config.Config) softhsa.Config {
	out := softhsa.Config{DispatchLatency: time.Duration(cfg.Runtime.DispatchLatency)}
	for _, a := range cfg.Runtime.Agents {
		out.Agents = append(out.Agents, softhsa.AgentSpec{
			Name:         a.Name,
			Accelerator:  a.Accelerator,
			MaxQueueSize: a.MaxQueueSize,
			ComputeUnits: a.ComputeUnits,
		})
	}
	return out
}

func otlpOpts(cfg *config.Config) otlp.Opts {
	var o otlp.Opts
	o.ServiceName = cfg.Agent.ServiceName
	o.TLS.Enable = cfg.Tracing.OTLP.TLS.Enable
	o.TLS.CAFile = cfg.Tracing.OTLP.TLS.CAFile
	o.TLS.CertFile = cfg.Tracing.OTLP.TLS.CertFile
	o.TLS.KeyFile = cfg.Tracing.OTLP.TLS.KeyFile
	o.TLS.InsecureSkipVerify = cfg.Tracing.OTLP.TLS.InsecureSkipVerify
	o.GRPC.Enabled = cfg.Tracing.Enabled && cfg.Tracing.OTLP.GRPC.Enabled
	o.GRPC.Endpoint = cfg.Tracing.OTLP.GRPC.Endpoint
	o.GRPC.Insecure = cfg.Tracing.OTLP.GRPC.Insecure
	o.GRPC.Timeout = time.Duration(cfg.Tracing.OTLP.GRPC.Timeout)
	o.HTTP.Enabled = cfg.Tracing.Enabled && cfg.Tracing.OTLP.HTTP.Enabled
	o.HTTP.Endpoint = cfg.Tracing.OTLP.HTTP.Endpoint
	o.HTTP.Insecure = cfg.Tracing.OTLP.HTTP.Insecure
	o.HTTP.Timeout = time.Duration(cfg.Tracing.OTLP.HTTP.Timeout)
	return o
}

// runWorkload drives the software runtime with synthetic dispatches so
// the whole pipeline can be observed end to end.
func runWorkload(ctx context.Context, rt *softhsa.Runtime, logger *slog.Logger) {
	log := logger.With("component", "demo_workload")
	var agents []hsa.Agent
	_ = rt.EachAgent(func(a hsa.Agent) error {
		if a.Type == hsa.AgentTypeAccelerator {
			agents = append(agents, a)
		}
		return nil
	})
	if len(agents) == 0 {
		log.Warn("no accelerator agents, demo workload idle")
		return
	}

	kernels := []string{"vec_add", "gemm_fp16", "reduce_sum", "softmax"}
	handles := make([]hsa.QueueHandle, 0, len(agents))
	for _, a := range agents {
		var h hsa.QueueHandle
		if status := rt.CreateQueue(a, hsa.QueueConfig{Size: 256}, &h); status != hsa.StatusSuccess {
			log.Error("demo queue creation failed", "agent", a.Name, "status", status.String())
			continue
		}
		handles = append(handles, h)
	}
	defer func() {
		for _, h := range handles {
			rt.DestroyQueue(h)
		}
	}()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, h := range handles {
				var d *hsa.Dispatch
				if rand.Intn(4) == 0 {
					d = hsa.NewDispatch(hsa.MemoryCopy)
					d.Bytes = uint64(rand.Intn(1 << 20))
				} else {
					d = hsa.NewDispatch(hsa.KernelDispatch)
					d.KernelName = kernels[rand.Intn(len(kernels))]
					d.GridSize = uint32(64 << rand.Intn(6))
				}
				if err := rt.Submit(h, d); err != nil {
					log.Warn("demo submit failed", "error", err)
				}
			}
		}
	}
}
