package interception

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/gpuscope/internal/hsa"
	"github.com/platformbuilds/gpuscope/internal/softhsa"
)

type testContext struct {
	counters bool
	domains  map[Domain]bool
}

func (c testContext) CounterCollection() bool    { return c.counters }
func (c testContext) TracesDomain(d Domain) bool { return c.domains[d] }

func tracingContext(domains ...Domain) testContext {
	m := make(map[Domain]bool)
	for _, d := range domains {
		m[d] = true
	}
	return testContext{domains: m}
}

// newTestRuntime builds a runtime with one host agent and two
// accelerators.
func newTestRuntime(t *testing.T) *softhsa.Runtime {
	t.Helper()
	rt := softhsa.New(softhsa.Config{
		DispatchLatency: 100 * time.Microsecond,
		Agents: []softhsa.AgentSpec{
			{Name: "host-cpu"},
			{Name: "gfx90a", Accelerator: true, MaxQueueSize: 1024, ComputeUnits: 104},
			{Name: "gfx1100", Accelerator: true, MaxQueueSize: 512, ComputeUnits: 96},
		},
	}, slog.Default())
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func accelerators(t *testing.T, rt *softhsa.Runtime) []hsa.Agent {
	t.Helper()
	var out []hsa.Agent
	require.NoError(t, rt.EachAgent(func(a hsa.Agent) error {
		if a.Type == hsa.AgentTypeAccelerator {
			out = append(out, a)
		}
		return nil
	}))
	require.Len(t, out, 2)
	return out
}

func newIntercepted(t *testing.T, contexts ...ObservationContext) (*Controller, *softhsa.Runtime) {
	t.Helper()
	rt := newTestRuntime(t)
	c := NewController(slog.Default(), nil)
	if contexts == nil {
		contexts = []ObservationContext{tracingContext(DomainKernelDispatch)}
	}
	require.NoError(t, c.Init(rt, contexts))
	t.Cleanup(c.Shutdown)
	return c, rt
}

func createQueue(t *testing.T, rt *softhsa.Runtime, agent hsa.Agent) hsa.QueueHandle {
	t.Helper()
	var h hsa.QueueHandle
	require.Equal(t, hsa.StatusSuccess, rt.CreateQueue(agent, hsa.QueueConfig{Size: 64}, &h))
	return h
}

func submitAndWait(t *testing.T, rt *softhsa.Runtime, h hsa.QueueHandle, kind hsa.DispatchKind) *hsa.Dispatch {
	t.Helper()
	d := hsa.NewDispatch(kind)
	require.NoError(t, rt.Submit(h, d))
	require.True(t, d.Wait(5*time.Second), "dispatch never completed")
	return d
}

func TestInitPolicyGating(t *testing.T) {
	rt := newTestRuntime(t)
	c := NewController(slog.Default(), nil)
	require.NoError(t, c.Init(rt, []ObservationContext{
		testContext{},
		tracingContext(DomainQueueError),
	}))

	assert.False(t, c.Installed())

	// Queue activity must bypass the controller entirely.
	agent := accelerators(t, rt)[0]
	h := createQueue(t, rt, agent)
	submitAndWait(t, rt, h, hsa.KernelDispatch)
	assert.Equal(t, 0, c.LiveQueues())
	require.Equal(t, hsa.StatusSuccess, rt.DestroyQueue(h))
}

func TestInitTwiceFails(t *testing.T) {
	rt := newTestRuntime(t)
	c := NewController(slog.Default(), nil)
	require.NoError(t, c.Init(rt, nil))
	require.Error(t, c.Init(rt, nil))
}

func TestInterceptedQueueTransparency(t *testing.T) {
	c, rt := newIntercepted(t)
	agent := accelerators(t, rt)[0]

	h := createQueue(t, rt, agent)
	assert.Equal(t, 1, c.LiveQueues())

	d := submitAndWait(t, rt, h, hsa.KernelDispatch)
	assert.NotZero(t, d.StartNS)
	assert.GreaterOrEqual(t, d.EndNS, d.StartNS)
	assert.NotZero(t, d.CorrelationID)

	require.Equal(t, hsa.StatusSuccess, rt.DestroyQueue(h))
	assert.Equal(t, 0, c.LiveQueues())
}

func TestCallbackBackfillOnCreate(t *testing.T) {
	c, rt := newIntercepted(t)
	agent := accelerators(t, rt)[0]

	var pre, post atomic.Int64
	c.AddCallback(agent,
		func(hsa.Agent, hsa.QueueHandle, *hsa.Dispatch) { pre.Add(1) },
		func(hsa.Agent, hsa.QueueHandle, *hsa.Dispatch) { post.Add(1) },
	)

	h := createQueue(t, rt, agent)
	submitAndWait(t, rt, h, hsa.KernelDispatch)

	assert.Eventually(t, func() bool { return post.Load() == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, int64(1), pre.Load())
}

// Register a callback, then create 10 queues from 4 goroutines; every
// resulting queue must hold the callback.
func TestNoMissedCallbackUnderConcurrentCreation(t *testing.T) {
	c, rt := newIntercepted(t)
	agent := accelerators(t, rt)[0]

	var pre atomic.Int64
	c.AddCallback(agent,
		func(hsa.Agent, hsa.QueueHandle, *hsa.Dispatch) { pre.Add(1) },
		nil,
	)

	const queues = 10
	handles := make(chan hsa.QueueHandle, queues)
	var wg sync.WaitGroup
	work := make(chan struct{}, queues)
	for i := 0; i < queues; i++ {
		work <- struct{}{}
	}
	close(work)
	var failed atomic.Int64
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range work {
				var h hsa.QueueHandle
				if rt.CreateQueue(agent, hsa.QueueConfig{Size: 64}, &h) != hsa.StatusSuccess {
					failed.Add(1)
					continue
				}
				handles <- h
			}
		}()
	}
	wg.Wait()
	close(handles)

	require.Zero(t, failed.Load())
	require.Equal(t, queues, c.LiveQueues())
	for h := range handles {
		submitAndWait(t, rt, h, hsa.KernelDispatch)
	}
	assert.Equal(t, int64(queues), pre.Load(), "every queue must have picked up the callback")
}

func TestRemoveCallbackStopsFutureDispatches(t *testing.T) {
	c, rt := newIntercepted(t)
	agent := accelerators(t, rt)[0]

	var pre, post atomic.Int64
	id := c.AddCallback(agent,
		func(hsa.Agent, hsa.QueueHandle, *hsa.Dispatch) { pre.Add(1) },
		func(hsa.Agent, hsa.QueueHandle, *hsa.Dispatch) { post.Add(1) },
	)

	h := createQueue(t, rt, agent)
	submitAndWait(t, rt, h, hsa.KernelDispatch)
	require.Eventually(t, func() bool { return post.Load() == 1 }, 5*time.Second, time.Millisecond)

	c.RemoveCallback(id)
	submitAndWait(t, rt, h, hsa.KernelDispatch)
	submitAndWait(t, rt, h, hsa.MemoryCopy)

	assert.Equal(t, int64(1), pre.Load(), "no dispatch after removal may fire the callback")
	assert.Equal(t, int64(1), post.Load())

	// Removing again is harmless.
	c.RemoveCallback(id)
}

func TestClientIDsDistinctAndIncreasing(t *testing.T) {
	c, rt := newIntercepted(t)
	agent := accelerators(t, rt)[0]

	prev := ClientID(0)
	for i := 0; i < 50; i++ {
		id := c.AddCallback(agent, nil, nil)
		if i == 0 {
			require.Equal(t, ClientID(1), id, "first id must be 1")
		}
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestIdempotentDestroy(t *testing.T) {
	c, rt := newIntercepted(t)
	agent := accelerators(t, rt)[0]

	h := createQueue(t, rt, agent)
	require.Equal(t, 1, c.LiveQueues())

	require.Equal(t, hsa.StatusSuccess, rt.DestroyQueue(h))
	assert.Equal(t, 0, c.LiveQueues())

	// Destroying again, and destroying a handle that never existed,
	// are benign no-ops.
	require.Equal(t, hsa.StatusSuccess, rt.DestroyQueue(h))
	require.Equal(t, hsa.StatusSuccess, rt.DestroyQueue(hsa.QueueHandle(0xdead)))
	assert.Equal(t, 0, c.LiveQueues())
}

func TestAgentIsolation(t *testing.T) {
	c, rt := newIntercepted(t)
	agents := accelerators(t, rt)
	a, b := agents[0], agents[1]

	var aCount, bCount atomic.Int64
	c.AddCallback(a, func(hsa.Agent, hsa.QueueHandle, *hsa.Dispatch) { aCount.Add(1) }, nil)

	ha := createQueue(t, rt, a)
	hb := createQueue(t, rt, b)
	submitAndWait(t, rt, ha, hsa.KernelDispatch)
	submitAndWait(t, rt, hb, hsa.KernelDispatch)
	submitAndWait(t, rt, hb, hsa.MemoryCopy)

	assert.Equal(t, int64(1), aCount.Load())
	assert.Equal(t, int64(0), bCount.Load(), "agent A's callback must never fire on agent B's queues")
}

func TestCallbackOrderFollowsRegistration(t *testing.T) {
	c, rt := newIntercepted(t)
	agent := accelerators(t, rt)[0]

	var mu sync.Mutex
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		c.AddCallback(agent, func(hsa.Agent, hsa.QueueHandle, *hsa.Dispatch) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}, nil)
	}

	h := createQueue(t, rt, agent)
	submitAndWait(t, rt, h, hsa.KernelDispatch)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestUnknownAgentIsFatal(t *testing.T) {
	c, rt := newIntercepted(t)

	var fatal atomic.Bool
	c.fatalf = func(string, ...any) { fatal.Store(true) }

	bogus := hsa.Agent{Handle: 0xbad, Type: hsa.AgentTypeAccelerator}
	var h hsa.QueueHandle
	status := rt.CreateQueue(bogus, hsa.QueueConfig{}, &h)

	assert.True(t, fatal.Load(), "unrecognized agent must take the fatal path")
	assert.Equal(t, hsa.StatusErrorFatal, status)
}

func TestShutdownReleasesQueuesAndRestores(t *testing.T) {
	c, rt := newIntercepted(t)
	agents := accelerators(t, rt)

	createQueue(t, rt, agents[0])
	createQueue(t, rt, agents[1])
	require.Equal(t, 2, c.LiveQueues())

	c.Shutdown()
	assert.Equal(t, 0, c.LiveQueues())
	assert.False(t, c.Installed())

	// Native entry points are back: new queues bypass the controller.
	h := createQueue(t, rt, agents[0])
	assert.Equal(t, 0, c.LiveQueues())
	require.Equal(t, hsa.StatusSuccess, rt.DestroyQueue(h))
}

func TestCallbackForAgentWithNoLiveQueues(t *testing.T) {
	c, rt := newIntercepted(t)
	agent := accelerators(t, rt)[0]

	// Registration with no queues is stored, not an error, and applies
	// to queues created later.
	var pre atomic.Int64
	id := c.AddCallback(agent, func(hsa.Agent, hsa.QueueHandle, *hsa.Dispatch) { pre.Add(1) }, nil)
	require.NotZero(t, id)

	h := createQueue(t, rt, agent)
	submitAndWait(t, rt, h, hsa.KernelDispatch)
	assert.Equal(t, int64(1), pre.Load())
}
