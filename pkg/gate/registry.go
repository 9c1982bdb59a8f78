package gate

import (
	"sync"
	"time"

	"github.com/jingkaihe/projgate/pkg/message"
)

// outstanding is one in-flight provider round trip. The record is owned
// by the blocked calling goroutine; the registry only holds the id→record
// association for the duration of the wait.
type outstanding struct {
	req      message.Request
	status   message.ResponseStatus
	received bool
	wake     chan struct{}
}

func newOutstanding(req message.Request) *outstanding {
	return &outstanding{req: req, wake: make(chan struct{}, 1)}
}

func (o *outstanding) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// registry is the mutex-protected set of in-flight requests plus the
// shutdown flag. The flag lives under the same mutex so a shutdown check
// and an insert are atomic with respect to each other: once shutdown
// begins, no new record can ever be inserted.
type registry struct {
	mu           sync.Mutex
	shuttingDown bool
	inflight     map[uint64]*outstanding
}

func newRegistry() *registry {
	return &registry{inflight: make(map[uint64]*outstanding)}
}

// tryInsert registers an in-flight request. Returns false if shutdown has
// already begun, in which case the record was not inserted.
func (r *registry) tryInsert(o *outstanding) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shuttingDown {
		return false
	}
	r.inflight[o.req.ID] = o
	return true
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, id)
}

// deliver matches a provider response to its blocked caller and wakes it.
// Unmatched ids are dropped; a response racing with removal or shutdown
// is not an error.
func (r *registry) deliver(id uint64, status message.ResponseStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.inflight[id]
	if !ok {
		return false
	}
	o.status = status
	o.received = true
	o.signal()
	return true
}

// wait blocks until the request has a response or shutdown begins. The
// wake interval only guards against missed wakeups; it is not a timeout,
// and the wait is unbounded from the caller's perspective.
func (r *registry) wait(o *outstanding, interval time.Duration) (message.ResponseStatus, bool) {
	for {
		r.mu.Lock()
		received, status, shuttingDown := o.received, o.status, r.shuttingDown
		r.mu.Unlock()

		// Shutdown wins even if a response raced in on the same wake.
		if shuttingDown {
			return 0, true
		}
		if received {
			return status, false
		}

		select {
		case <-o.wake:
		case <-time.After(interval):
		}
	}
}

// beginShutdown sets the shutdown flag and wakes every registered request
// unconditionally. Each blocked caller observes the flag on its next
// check and denies its operation.
func (r *registry) beginShutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.shuttingDown = true
	for _, o := range r.inflight {
		o.signal()
	}
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}
