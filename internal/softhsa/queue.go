package softhsa

import (
	"fmt"
	"sync"
	"time"

	"github.com/platformbuilds/gpuscope/internal/hsa"
)

// queue is one simulated hardware queue. A single worker drains the
// work channel in order, stamps start/end timestamps from the wall
// clock, and closes each dispatch's completion channel.
type queue struct {
	rt      *Runtime
	handle  hsa.QueueHandle
	errorCB hsa.ErrorCallback
	data    any

	mu     sync.Mutex
	closed bool

	work chan *hsa.Dispatch
	done chan struct{}
}

func (q *queue) Handle() hsa.QueueHandle { return q.handle }

func (q *queue) Submit(d *hsa.Dispatch) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		if q.errorCB != nil {
			q.errorCB(hsa.StatusErrorInvalidQueue, q.handle, q.data)
		}
		return fmt.Errorf("queue %#x is closed", uint64(q.handle))
	}
	q.work <- d
	q.mu.Unlock()
	return nil
}

func (q *queue) run() error {
	defer close(q.done)
	for d := range q.work {
		d.StartNS = uint64(time.Now().UnixNano())
		time.Sleep(q.rt.latency)
		d.EndNS = uint64(time.Now().UnixNano())
		close(d.Done)
	}
	return nil
}

// Close stops the worker after draining queued work and unregisters
// the queue from the runtime. It is idempotent.
func (q *queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.work)
	q.mu.Unlock()
	<-q.done
	q.rt.forget(q.handle)
	return nil
}
