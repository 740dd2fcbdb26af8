// Copyright The Gpuscope Authors
// SPDX-License-Identifier: Apache-2.0

package interception

import (
	"fmt"
	"log/slog"

	"github.com/platformbuilds/gpuscope/internal/hsa"
)

// AgentCache holds the per-agent capability data needed to construct
// proxy queues for one accelerator. Entries are built once during
// controller init and are read-only afterwards.
type AgentCache struct {
	agent    hsa.Agent
	ordinal  uint32
	provider hsa.Provider
}

// Agent returns the cached agent descriptor.
func (c *AgentCache) Agent() hsa.Agent { return c.agent }

// Ordinal returns the cache's internal index for the agent. Entries are
// keyed by ordinal rather than the raw handle so that repeated
// enumeration passes cannot collide.
func (c *AgentCache) Ordinal() uint32 { return c.ordinal }

// openQueue builds a raw queue on the cached agent, clamping the
// requested size to the agent's reported limit.
func (c *AgentCache) openQueue(cfg hsa.QueueConfig) (hsa.Queue, error) {
	if c.agent.MaxQueueSize > 0 && cfg.Size > c.agent.MaxQueueSize {
		cfg.Size = c.agent.MaxQueueSize
	}
	return c.provider.OpenQueue(c.agent, cfg)
}

func newAgentCache(agent hsa.Agent, ordinal uint32, provider hsa.Provider) (*AgentCache, error) {
	if agent.MaxQueueSize == 0 {
		return nil, fmt.Errorf("agent %#x reports no queue capacity", agent.Handle)
	}
	return &AgentCache{agent: agent, ordinal: ordinal, provider: provider}, nil
}

// buildAgentCaches enumerates agents and constructs a cache entry for
// every accelerator. A construction failure excludes that one agent
// from interception and is logged; the remaining agents still get
// entries.
func buildAgentCaches(provider hsa.Provider, log *slog.Logger) (map[uint32]*AgentCache, error) {
	caches := make(map[uint32]*AgentCache)
	ordinal := uint32(0)
	err := provider.EachAgent(func(agent hsa.Agent) error {
		idx := ordinal
		ordinal++
		if agent.Type != hsa.AgentTypeAccelerator {
			return nil
		}
		entry, err := newAgentCache(agent, idx, provider)
		if err != nil {
			log.Error("agent cache construction failed, queue will not be intercepted",
				"agent", fmt.Sprintf("%#x", agent.Handle), "error", err)
			return nil
		}
		caches[idx] = entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("agent enumeration: %w", err)
	}
	return caches, nil
}
