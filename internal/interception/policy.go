package interception

// Domain identifies one buffered-tracing domain an observation context
// may have configured.
type Domain int

const (
	DomainKernelDispatch Domain = iota
	DomainMemoryCopy
	DomainQueueError
)

// ObservationContext is the read-only view of one registered
// tracing/counter context. Contexts are configured before controller
// init and never change afterwards.
type ObservationContext interface {
	// CounterCollection reports whether the context configured
	// hardware counter collection.
	CounterCollection() bool
	// TracesDomain reports whether the context configured buffered
	// tracing for the given domain.
	TracesDomain(d Domain) bool
}

// interceptionRequired decides, once per process, whether queue
// interception must be installed at all: any context collecting
// counters, or buffered-tracing the kernel-dispatch or memory-copy
// domains, forces it on for everyone. There is no later re-evaluation.
func interceptionRequired(contexts []ObservationContext) bool {
	for _, ctx := range contexts {
		if ctx.CounterCollection() {
			return true
		}
		if ctx.TracesDomain(DomainKernelDispatch) || ctx.TracesDomain(DomainMemoryCopy) {
			return true
		}
	}
	return false
}
