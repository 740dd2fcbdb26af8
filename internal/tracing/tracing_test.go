package tracing

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/platformbuilds/gpuscope/internal/hsa"
	"github.com/platformbuilds/gpuscope/internal/interception"
	"github.com/platformbuilds/gpuscope/internal/softhsa"
)

func testSetup(t *testing.T, domains []string) (*Service, *interception.Controller, *softhsa.Runtime, *tracetest.InMemoryExporter) {
	t.Helper()
	rt := softhsa.New(softhsa.Config{
		DispatchLatency: 100 * time.Microsecond,
		Agents: []softhsa.AgentSpec{
			{Name: "gfx90a", Accelerator: true, MaxQueueSize: 256, ComputeUnits: 104},
		},
	}, slog.Default())
	t.Cleanup(func() { _ = rt.Close() })

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	svc, err := New(Config{
		Domains:       domains,
		RingCapacity:  128,
		BatchSize:     16,
		FlushInterval: 10 * time.Millisecond,
	}, tp, nil, slog.Default())
	require.NoError(t, err)

	ctrl := interception.NewController(slog.Default(), nil)
	require.NoError(t, ctrl.Init(rt, []interception.ObservationContext{svc}))
	t.Cleanup(ctrl.Shutdown)
	svc.Start(ctrl)
	return svc, ctrl, rt, exp
}

func dispatchOn(t *testing.T, rt *softhsa.Runtime, h hsa.QueueHandle, kind hsa.DispatchKind, kernel string) {
	t.Helper()
	d := hsa.NewDispatch(kind)
	d.KernelName = kernel
	if kind == hsa.MemoryCopy {
		d.Bytes = 4096
	}
	require.NoError(t, rt.Submit(h, d))
	require.True(t, d.Wait(5*time.Second))
}

func createQueue(t *testing.T, rt *softhsa.Runtime) hsa.QueueHandle {
	t.Helper()
	var agent hsa.Agent
	require.NoError(t, rt.EachAgent(func(a hsa.Agent) error { agent = a; return nil }))
	var h hsa.QueueHandle
	require.Equal(t, hsa.StatusSuccess, rt.CreateQueue(agent, hsa.QueueConfig{Size: 32}, &h))
	return h
}

func TestParseDomain(t *testing.T) {
	for _, s := range []string{"kernel_dispatch", "memory_copy", "queue_error"} {
		if _, err := ParseDomain(s); err != nil {
			t.Errorf("ParseDomain(%q) error = %v", s, err)
		}
	}
	if _, err := ParseDomain("page_fault"); err == nil {
		t.Error("ParseDomain on unknown domain: want error")
	}
}

func TestDispatchBecomesSpan(t *testing.T) {
	svc, ctrl, rt, exp := testSetup(t, []string{"kernel_dispatch", "memory_copy"})

	h := createQueue(t, rt)
	dispatchOn(t, rt, h, hsa.KernelDispatch, "vec_add")

	require.Eventually(t, func() bool { return len(exp.GetSpans()) == 1 }, 5*time.Second, 5*time.Millisecond)
	span := exp.GetSpans()[0]
	assert.Equal(t, "vec_add", span.Name)

	attrs := make(map[string]any)
	for _, kv := range span.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "gfx90a", attrs["gpu.agent"])
	assert.Equal(t, "kernel_dispatch", attrs["gpu.dispatch.kind"])
	assert.NotZero(t, attrs["gpu.correlation_id"])
	assert.True(t, span.EndTime.After(span.StartTime) || span.EndTime.Equal(span.StartTime))

	svc.Stop(ctrl)
}

func TestDomainFilter(t *testing.T) {
	svc, ctrl, rt, exp := testSetup(t, []string{"memory_copy"})

	h := createQueue(t, rt)
	dispatchOn(t, rt, h, hsa.KernelDispatch, "vec_add")
	dispatchOn(t, rt, h, hsa.MemoryCopy, "")

	require.Eventually(t, func() bool { return len(exp.GetSpans()) == 1 }, 5*time.Second, 5*time.Millisecond)
	span := exp.GetSpans()[0]
	assert.Equal(t, "memory_copy", span.Name)

	// The kernel dispatch must never show up.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, exp.GetSpans(), 1)

	svc.Stop(ctrl)
}

func TestStopUnsubscribes(t *testing.T) {
	svc, ctrl, rt, exp := testSetup(t, []string{"kernel_dispatch"})

	h := createQueue(t, rt)
	dispatchOn(t, rt, h, hsa.KernelDispatch, "k1")
	require.Eventually(t, func() bool { return len(exp.GetSpans()) == 1 }, 5*time.Second, 5*time.Millisecond)

	svc.Stop(ctrl)
	dispatchOn(t, rt, h, hsa.KernelDispatch, "k2")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, exp.GetSpans(), 1, "no spans after Stop")
}
