// Copyright The Gpuscope Authors
// SPDX-License-Identifier: Apache-2.0

// Package softhsa is an in-process software implementation of the
// hsa.Provider boundary. It models a fixed set of agents and executes
// submitted dispatches on per-queue workers, which makes it usable both
// as the reference runtime for the agent binary and as the substrate
// for interception tests.
package softhsa

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platformbuilds/gpuscope/internal/hsa"
)

// Config describes the simulated hardware.
type Config struct {
	// DispatchLatency is how long one dispatch occupies the simulated
	// hardware before completing.
	DispatchLatency time.Duration
	Agents          []AgentSpec
}

// AgentSpec declares one simulated agent.
type AgentSpec struct {
	Name         string
	Accelerator  bool
	MaxQueueSize uint32
	ComputeUnits uint32
}

// Runtime implements hsa.Provider.
type Runtime struct {
	log     *slog.Logger
	latency time.Duration
	agents  []hsa.Agent

	mu        sync.Mutex
	createFn  hsa.CreateQueueFn
	destroyFn hsa.DestroyQueueFn
	queues    map[hsa.QueueHandle]hsa.Queue
	closed    bool

	nextHandle atomic.Uint64
	workers    *errgroup.Group
}

// New builds a runtime with the configured agents. Agent handles are
// assigned from 0x1000 upward in declaration order.
func New(cfg Config, log *slog.Logger) *Runtime {
	if cfg.DispatchLatency <= 0 {
		cfg.DispatchLatency = 50 * time.Microsecond
	}
	rt := &Runtime{
		log:     log.With("component", "softhsa"),
		latency: cfg.DispatchLatency,
		queues:  make(map[hsa.QueueHandle]hsa.Queue),
		workers: &errgroup.Group{},
	}
	for i, spec := range cfg.Agents {
		typ := hsa.AgentTypeHost
		if spec.Accelerator {
			typ = hsa.AgentTypeAccelerator
		}
		rt.agents = append(rt.agents, hsa.Agent{
			Handle:          0x1000 + uint64(i),
			Type:            typ,
			Name:            spec.Name,
			MaxQueueSize:    spec.MaxQueueSize,
			NumComputeUnits: spec.ComputeUnits,
		})
	}
	return rt
}

// EachAgent enumerates the simulated agents in declaration order.
func (rt *Runtime) EachAgent(fn func(hsa.Agent) error) error {
	for _, a := range rt.agents {
		if err := fn(a); err != nil {
			return err
		}
	}
	return nil
}

// Install overwrites the create/destroy entry points.
func (rt *Runtime) Install(create hsa.CreateQueueFn, destroy hsa.DestroyQueueFn) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.createFn = create
	rt.destroyFn = destroy
}

// Restore puts the native entry points back.
func (rt *Runtime) Restore() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.createFn = nil
	rt.destroyFn = nil
}

// CreateQueue is the application-facing create entry point. It routes
// through the installed hook when one is present.
func (rt *Runtime) CreateQueue(agent hsa.Agent, cfg hsa.QueueConfig, out *hsa.QueueHandle) hsa.Status {
	rt.mu.Lock()
	hook := rt.createFn
	rt.mu.Unlock()
	if hook != nil {
		return hook(agent, cfg, out)
	}
	q, err := rt.OpenQueue(agent, cfg)
	if err != nil {
		return hsa.StatusErrorOutOfResources
	}
	*out = q.Handle()
	return hsa.StatusSuccess
}

// DestroyQueue is the application-facing destroy entry point.
func (rt *Runtime) DestroyQueue(handle hsa.QueueHandle) hsa.Status {
	rt.mu.Lock()
	hook := rt.destroyFn
	rt.mu.Unlock()
	if hook != nil {
		return hook(handle)
	}
	rt.mu.Lock()
	q := rt.queues[handle]
	rt.mu.Unlock()
	if q == nil {
		return hsa.StatusErrorInvalidQueue
	}
	_ = q.Close()
	return hsa.StatusSuccess
}

// OpenQueue constructs a raw queue, bypassing any installed hooks.
func (rt *Runtime) OpenQueue(agent hsa.Agent, cfg hsa.QueueConfig) (hsa.Queue, error) {
	known := false
	for _, a := range rt.agents {
		if a.Handle == agent.Handle {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("unknown agent %#x", agent.Handle)
	}
	size := cfg.Size
	if size == 0 {
		size = 64
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil, fmt.Errorf("runtime closed")
	}
	q := &queue{
		rt:      rt,
		handle:  hsa.QueueHandle(rt.nextHandle.Add(1)),
		errorCB: cfg.ErrorCallback,
		data:    cfg.UserData,
		work:    make(chan *hsa.Dispatch, size),
		done:    make(chan struct{}),
	}
	rt.queues[q.handle] = q
	rt.workers.Go(q.run)
	return q, nil
}

// Bind publishes a queue under its handle, replacing any existing
// binding. This is how an interception layer substitutes its wrapper
// for the raw queue.
func (rt *Runtime) Bind(q hsa.Queue) {
	rt.mu.Lock()
	rt.queues[q.Handle()] = q
	rt.mu.Unlock()
}

// Submit routes one dispatch to whatever queue is bound to the handle.
func (rt *Runtime) Submit(handle hsa.QueueHandle, d *hsa.Dispatch) error {
	rt.mu.Lock()
	q := rt.queues[handle]
	rt.mu.Unlock()
	if q == nil {
		return fmt.Errorf("no queue bound to handle %#x", uint64(handle))
	}
	return q.Submit(d)
}

func (rt *Runtime) forget(handle hsa.QueueHandle) {
	rt.mu.Lock()
	delete(rt.queues, handle)
	rt.mu.Unlock()
}

// Close destroys every remaining queue and waits for the workers.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	rt.closed = true
	remaining := make([]hsa.Queue, 0, len(rt.queues))
	for _, q := range rt.queues {
		remaining = append(remaining, q)
	}
	rt.mu.Unlock()
	for _, q := range remaining {
		_ = q.Close()
	}
	return rt.workers.Wait()
}
