package hsa

import "time"

// DispatchKind discriminates the units of work a queue carries.
type DispatchKind int

const (
	KernelDispatch DispatchKind = iota
	MemoryCopy
)

func (k DispatchKind) String() string {
	if k == MemoryCopy {
		return "memory_copy"
	}
	return "kernel_dispatch"
}

// Dispatch is one unit of work submitted through a queue. The runtime
// fills StartNS/EndNS from its own clock as the work executes; Done is
// closed when the hardware signals completion.
type Dispatch struct {
	Kind          DispatchKind
	CorrelationID uint64

	// Kernel dispatch fields.
	KernelName string
	GridSize   uint32

	// Memory copy fields.
	Bytes uint64

	StartNS uint64
	EndNS   uint64

	Done chan struct{}
}

// NewDispatch returns a dispatch with its completion channel armed.
func NewDispatch(kind DispatchKind) *Dispatch {
	return &Dispatch{Kind: kind, Done: make(chan struct{})}
}

// Wait blocks until the dispatch completes or the timeout elapses.
// It reports whether completion was observed.
func (d *Dispatch) Wait(timeout time.Duration) bool {
	select {
	case <-d.Done:
		return true
	case <-time.After(timeout):
		return false
	}
}
