package interception

import "sync"

// guarded wraps a value behind a reader/writer lock and exposes it only
// through scoped critical sections, so no reference to the protected
// state can escape.
//
// Lock-order invariant for this package: any operation that needs both
// the callback registry and the live-queue table acquires the registry
// lock first, then the table lock. AddCallback/RemoveCallback and
// AddQueue all follow this order; nothing may take the table lock and
// then the registry lock.
type guarded[T any] struct {
	mu sync.RWMutex
	v  T
}

func (g *guarded[T]) withRead(fn func(v *T)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fn(&g.v)
}

func (g *guarded[T]) withWrite(fn func(v *T)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(&g.v)
}
