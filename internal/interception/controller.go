// Copyright The Gpuscope Authors
// SPDX-License-Identifier: Apache-2.0

// Package interception implements the queue interception engine: the
// controller that substitutes itself for the runtime's queue
// create/destroy entry points, the proxy queues it wraps around native
// queues, and the multi-client callback registry that decides what each
// proxy fires.
package interception

import (
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/platformbuilds/gpuscope/internal/hsa"
	"github.com/platformbuilds/gpuscope/internal/selftelemetry"
)

type queueMap map[hsa.QueueHandle]*ProxyQueue

// Controller tracks and manages intercepted queues. One instance is
// constructed by the process's initialization sequence and threaded
// explicitly to whatever installs the runtime hooks; there is no
// package-level singleton.
type Controller struct {
	log *slog.Logger
	st  *selftelemetry.Registry

	provider hsa.Provider
	// Supported agents, keyed by enumeration ordinal. Read-only after Init.
	agents map[uint32]*AgentCache

	// Lock order: registry before queues, always. See guarded.
	registry guarded[registryMap]
	queues   guarded[queueMap]

	// First issued ClientID is 1; 0 stays invalid.
	nextClientID    atomic.Uint64
	nextCorrelation atomic.Uint64

	initialized bool
	installed   bool

	// fatalf reports an unrecoverable internal-consistency violation.
	// Overridable so tests can observe the fatal path.
	fatalf func(format string, args ...any)
}

// NewController returns an uninitialized controller. Init must run
// after the runtime's dispatch table is available and before the
// application creates any queue.
func NewController(log *slog.Logger, st *selftelemetry.Registry) *Controller {
	c := &Controller{
		log: log.With("component", "queue_controller"),
		st:  st,
	}
	c.registry.v = make(registryMap)
	c.queues.v = make(queueMap)
	c.fatalf = func(format string, args ...any) {
		c.log.Error(fmt.Sprintf(format, args...))
		panic(fmt.Sprintf(format, args...))
	}
	return c
}

// Init builds the agent capability cache and, if any observation
// context needs queue-level visibility, installs the create/destroy
// hooks on the provider. If no context needs it the native entry
// points are left untouched and no queue will ever be intercepted.
// Must be called exactly once.
func (c *Controller) Init(provider hsa.Provider, contexts []ObservationContext) error {
	if c.initialized {
		return fmt.Errorf("queue controller already initialized")
	}
	c.initialized = true
	c.provider = provider

	agents, err := buildAgentCaches(provider, c.log)
	if err != nil {
		return err
	}
	c.agents = agents

	if !interceptionRequired(contexts) {
		c.log.Info("queue interception not required by any context, native entry points untouched")
		return nil
	}

	c.installed = true
	provider.Install(c.createQueue, c.destroyQueue)
	c.log.Info("queue interception installed", "agents", len(agents))
	return nil
}

// Installed reports whether the create/destroy hooks are in place.
func (c *Controller) Installed() bool { return c.installed }

// SupportedAgents returns the intercepted agents in enumeration order.
func (c *Controller) SupportedAgents() []*AgentCache {
	out := make([]*AgentCache, 0, len(c.agents))
	for _, cache := range c.agents {
		out = append(out, cache)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ordinal < out[j].ordinal })
	return out
}

// createQueue is the installed queue-create hook. An agent handle the
// controller never recognized as instrumentable means the application's
// queue contract cannot be honored; that is a fatal inconsistency, not
// a recoverable status.
func (c *Controller) createQueue(agent hsa.Agent, cfg hsa.QueueConfig, out *hsa.QueueHandle) hsa.Status {
	for _, cache := range c.agents {
		if cache.Agent().Handle != agent.Handle {
			continue
		}
		proxy, err := NewProxyQueue(cache, cfg, &c.nextCorrelation, c.st)
		if err != nil {
			c.log.Error("proxy queue construction failed", "agent", fmt.Sprintf("%#x", agent.Handle), "error", err)
			return hsa.StatusErrorOutOfResources
		}
		*out = proxy.Handle()
		c.provider.Bind(proxy)
		c.AddQueue(proxy.Handle(), proxy)
		return hsa.StatusSuccess
	}
	c.fatalf("could not find agent %#x", agent.Handle)
	return hsa.StatusErrorFatal
}

// destroyQueue is the installed queue-destroy hook.
func (c *Controller) destroyQueue(handle hsa.QueueHandle) hsa.Status {
	c.DestroyQueue(handle)
	return hsa.StatusSuccess
}

// AddQueue inserts a proxy into the live-queue table and backfills
// every registry entry targeting its agent, all inside the registry
// lock then the table lock. A queue is never visible without already
// holding every callback applicable to it.
func (c *Controller) AddQueue(handle hsa.QueueHandle, proxy *ProxyQueue) {
	c.registry.withWrite(func(reg *registryMap) {
		c.queues.withWrite(func(m *queueMap) {
			(*m)[handle] = proxy
			for id, r := range *reg {
				if r.agent.Handle == proxy.Agent().Handle {
					proxy.registerCallback(id, r.pre, r.post)
				}
			}
		})
	})
	if c.st != nil {
		c.st.QueuesLive.Inc()
	}
}

// DestroyQueue removes and releases the proxy for a handle. An absent
// handle is a benign no-op: destroy hooks may race with earlier
// controller-driven teardown.
func (c *Controller) DestroyQueue(handle hsa.QueueHandle) {
	var proxy *ProxyQueue
	c.queues.withWrite(func(m *queueMap) {
		if p, ok := (*m)[handle]; ok {
			proxy = p
			delete(*m, handle)
		}
	})
	if proxy == nil {
		return
	}
	if err := proxy.Close(); err != nil {
		c.log.Warn("releasing queue", "queue", fmt.Sprintf("%#x", uint64(handle)), "error", err)
	}
	if c.st != nil {
		c.st.QueuesLive.Dec()
	}
}

// AddCallback registers a callback pair for every current and future
// queue on the given agent and returns the id to remove it with.
// Identifier allocation is a lone atomic increment, so issuance never
// blocks on registry or table contention.
func (c *Controller) AddCallback(agent hsa.Agent, pre QueueCB, post CompletedCB) ClientID {
	id := ClientID(c.nextClientID.Add(1))
	c.registry.withWrite(func(reg *registryMap) {
		(*reg)[id] = registration{agent: agent, pre: pre, post: post}
		c.queues.withWrite(func(m *queueMap) {
			for _, proxy := range *m {
				if proxy.Agent().Handle == agent.Handle {
					proxy.registerCallback(id, pre, post)
				}
			}
		})
	})
	if c.st != nil {
		c.st.CallbacksRegistered.Inc()
	}
	return id
}

// RemoveCallback erases a registration and strips it from every live
// queue. After it returns no future dispatch invokes the callbacks; an
// invocation already in progress may still complete.
func (c *Controller) RemoveCallback(id ClientID) {
	removed := false
	c.registry.withWrite(func(reg *registryMap) {
		if _, ok := (*reg)[id]; ok {
			delete(*reg, id)
			removed = true
		}
		c.queues.withWrite(func(m *queueMap) {
			for _, proxy := range *m {
				proxy.removeCallback(id)
			}
		})
	})
	if removed && c.st != nil {
		c.st.CallbacksRegistered.Dec()
	}
}

// LiveQueues returns the current size of the live-queue table.
func (c *Controller) LiveQueues() int {
	n := 0
	c.queues.withRead(func(m *queueMap) { n = len(*m) })
	return n
}

// Shutdown releases every live proxy queue and puts the native entry
// points back. It must run before the runtime itself unloads, so the
// restored table never fires into freed state.
func (c *Controller) Shutdown() {
	var handles []hsa.QueueHandle
	c.queues.withRead(func(m *queueMap) {
		for h := range *m {
			handles = append(handles, h)
		}
	})
	for _, h := range handles {
		c.DestroyQueue(h)
	}
	if c.installed {
		c.provider.Restore()
		c.installed = false
		c.log.Info("queue interception removed")
	}
}
