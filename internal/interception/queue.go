// Copyright The Gpuscope Authors
// SPDX-License-Identifier: Apache-2.0

package interception

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/platformbuilds/gpuscope/internal/hsa"
	"github.com/platformbuilds/gpuscope/internal/selftelemetry"
)

// callbackPair is one client's two instrumentation points.
type callbackPair struct {
	pre  QueueCB
	post CompletedCB
}

// ProxyQueue substitutes for one native queue. It owns the real queue,
// forwards every submission unchanged, and fires the registered
// callback pairs at the pre-dispatch and completion points. To the
// application its handle and submission semantics are identical to the
// native queue's.
type ProxyQueue struct {
	agent    hsa.Agent
	inner    hsa.Queue
	errorCB  hsa.ErrorCallback
	userData any

	corr *atomic.Uint64
	st   *selftelemetry.Registry

	// Active subscription snapshot, kept in sync with the controller's
	// registry for this queue's agent.
	mu        sync.RWMutex
	callbacks map[ClientID]callbackPair

	inflight  chan *hsa.Dispatch
	retired   chan struct{}
	closeOnce sync.Once
}

// inflightDepth bounds how many completed-but-unretired dispatches a
// queue can accumulate before submission backpressure kicks in.
const inflightDepth = 256

// NewProxyQueue builds the real queue through the agent's capability
// cache and wraps it. The original error callback and user data are
// preserved so runtime error delivery is unchanged.
func NewProxyQueue(cache *AgentCache, cfg hsa.QueueConfig, corr *atomic.Uint64, st *selftelemetry.Registry) (*ProxyQueue, error) {
	// The proxy owns error delivery; the inner queue must not fire the
	// application callback a second time.
	innerCfg := cfg
	innerCfg.ErrorCallback = nil
	innerCfg.UserData = nil
	inner, err := cache.openQueue(innerCfg)
	if err != nil {
		return nil, fmt.Errorf("open queue on agent %#x: %w", cache.Agent().Handle, err)
	}
	q := &ProxyQueue{
		agent:     cache.Agent(),
		inner:     inner,
		errorCB:   cfg.ErrorCallback,
		userData:  cfg.UserData,
		corr:      corr,
		st:        st,
		callbacks: make(map[ClientID]callbackPair),
		inflight:  make(chan *hsa.Dispatch, inflightDepth),
		retired:   make(chan struct{}),
	}
	go q.retire()
	return q, nil
}

// Agent returns the queue's owning agent.
func (q *ProxyQueue) Agent() hsa.Agent { return q.agent }

// Handle returns the underlying native queue handle.
func (q *ProxyQueue) Handle() hsa.QueueHandle { return q.inner.Handle() }

// registerCallback inserts a callback pair into the subscription
// snapshot. Re-registering an existing id is a no-op.
func (q *ProxyQueue) registerCallback(id ClientID, pre QueueCB, post CompletedCB) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.callbacks[id]; ok {
		return
	}
	q.callbacks[id] = callbackPair{pre: pre, post: post}
}

// removeCallback erases a callback pair. Removing an absent id is a no-op.
func (q *ProxyQueue) removeCallback(id ClientID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.callbacks, id)
}

// snapshot returns the current callback pairs in registration order.
// IDs are allocated monotonically, so ascending id order is
// registration order.
func (q *ProxyQueue) snapshot() ([]ClientID, []callbackPair) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	ids := make([]ClientID, 0, len(q.callbacks))
	for id := range q.callbacks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	pairs := make([]callbackPair, len(ids))
	for i, id := range ids {
		pairs[i] = q.callbacks[id]
	}
	return ids, pairs
}

// Submit forwards one dispatch to the native queue, firing every
// registered pre-dispatch callback first. Completion callbacks fire
// from the queue's retire loop once the runtime signals the dispatch
// done, in submission order.
func (q *ProxyQueue) Submit(d *hsa.Dispatch) error {
	if d.CorrelationID == 0 && q.corr != nil {
		d.CorrelationID = q.corr.Add(1)
	}
	_, pairs := q.snapshot()
	for _, cb := range pairs {
		if cb.pre != nil {
			cb.pre(q.agent, q.Handle(), d)
		}
	}
	if err := q.inner.Submit(d); err != nil {
		if q.errorCB != nil {
			q.errorCB(hsa.StatusError, q.Handle(), q.userData)
		}
		return fmt.Errorf("submit to queue %#x: %w", uint64(q.Handle()), err)
	}
	if q.st != nil {
		q.st.DispatchesObserved.WithLabelValues(q.agent.Name, d.Kind.String()).Inc()
	}
	q.inflight <- d
	return nil
}

// retire waits on each in-flight dispatch in submission order and fires
// the completion callbacks registered at that moment. A removal that
// races with an in-flight completion may therefore still see one final
// invocation; a removal that returns before the dispatch is submitted
// never does.
func (q *ProxyQueue) retire() {
	defer close(q.retired)
	for d := range q.inflight {
		<-d.Done
		_, pairs := q.snapshot()
		for _, cb := range pairs {
			if cb.post != nil {
				cb.post(q.agent, q.Handle(), d)
			}
		}
	}
}

// Close drains the retire loop and closes the native queue. The
// runtime guarantees no further submissions once its destroy entry
// point has been called for this handle. Idempotent.
func (q *ProxyQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.inflight)
		<-q.retired
		err = q.inner.Close()
	})
	return err
}
