package counters

import (
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/gpuscope/internal/hsa"
	"github.com/platformbuilds/gpuscope/internal/interception"
	"github.com/platformbuilds/gpuscope/internal/softhsa"
)

func TestDisabledServiceForcesNothing(t *testing.T) {
	svc := New(Config{Enabled: false}, prometheus.NewRegistry(), slog.Default())
	assert.False(t, svc.CounterCollection())
	assert.False(t, svc.TracesDomain(interception.DomainKernelDispatch))
}

func TestDispatchCountersObserved(t *testing.T) {
	rt := softhsa.New(softhsa.Config{
		DispatchLatency: 100 * time.Microsecond,
		Agents: []softhsa.AgentSpec{
			{Name: "gfx90a", Accelerator: true, MaxQueueSize: 128, ComputeUnits: 104},
		},
	}, slog.Default())
	t.Cleanup(func() { _ = rt.Close() })

	svc := New(Config{Enabled: true}, prometheus.NewRegistry(), slog.Default())
	ctrl := interception.NewController(slog.Default(), nil)
	require.NoError(t, ctrl.Init(rt, []interception.ObservationContext{svc}))
	t.Cleanup(ctrl.Shutdown)
	require.True(t, ctrl.Installed(), "counter collection must force interception on")
	svc.Start(ctrl)

	var agent hsa.Agent
	require.NoError(t, rt.EachAgent(func(a hsa.Agent) error { agent = a; return nil }))
	var h hsa.QueueHandle
	require.Equal(t, hsa.StatusSuccess, rt.CreateQueue(agent, hsa.QueueConfig{Size: 32}, &h))

	for i := 0; i < 3; i++ {
		d := hsa.NewDispatch(hsa.KernelDispatch)
		require.NoError(t, rt.Submit(h, d))
		require.True(t, d.Wait(5*time.Second))
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(svc.Dispatches.WithLabelValues("gfx90a", "kernel_dispatch")) == 3
	}, 5*time.Second, time.Millisecond)

	svc.Stop(ctrl)
	d := hsa.NewDispatch(hsa.KernelDispatch)
	require.NoError(t, rt.Submit(h, d))
	require.True(t, d.Wait(5*time.Second))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, float64(3), testutil.ToFloat64(svc.Dispatches.WithLabelValues("gfx90a", "kernel_dispatch")))
}
