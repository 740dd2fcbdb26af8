package interception

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/gpuscope/internal/softhsa"
)

func TestBuildAgentCachesFiltersAndSkips(t *testing.T) {
	rt := softhsa.New(softhsa.Config{
		DispatchLatency: time.Millisecond,
		Agents: []softhsa.AgentSpec{
			{Name: "host-cpu"},
			{Name: "gfx90a", Accelerator: true, MaxQueueSize: 1024},
			// Reports no queue capacity: cache construction fails and
			// the agent is skipped, not the whole init.
			{Name: "gfx-broken", Accelerator: true, MaxQueueSize: 0},
			{Name: "gfx1100", Accelerator: true, MaxQueueSize: 512},
		},
	}, slog.Default())
	t.Cleanup(func() { _ = rt.Close() })

	caches, err := buildAgentCaches(rt, slog.Default())
	require.NoError(t, err)
	require.Len(t, caches, 2)

	// Keyed by enumeration ordinal, host at 0 and the broken agent at
	// 2 are absent.
	assert.Contains(t, caches, uint32(1))
	assert.Contains(t, caches, uint32(3))
	assert.Equal(t, "gfx90a", caches[1].Agent().Name)
	assert.Equal(t, "gfx1100", caches[3].Agent().Name)
}
