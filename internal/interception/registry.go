package interception

import "github.com/platformbuilds/gpuscope/internal/hsa"

// ClientID identifies one registered callback pair for the process
// lifetime. IDs are allocated atomically starting at 1 and never
// reused; 0 is invalid.
type ClientID uint64

// QueueCB fires before a dispatch is handed to hardware. CompletedCB
// fires after hardware signals completion. Both must be fast and
// non-blocking: a stalled callback stalls the whole queue. Heavy work
// belongs in a buffering collaborator, not in the callback.
type (
	QueueCB     func(agent hsa.Agent, queue hsa.QueueHandle, d *hsa.Dispatch)
	CompletedCB func(agent hsa.Agent, queue hsa.QueueHandle, d *hsa.Dispatch)
)

// registration is one callback registry entry: which agent's queues the
// client wants to observe, and the two callbacks to fire.
type registration struct {
	agent hsa.Agent
	pre   QueueCB
	post  CompletedCB
}

// registryMap is pure bookkeeping. It carries no lock of its own: all
// access happens under the controller's registry lock.
type registryMap map[ClientID]registration
