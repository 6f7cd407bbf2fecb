package pool

import "sync"

// fairQueue is the per-workspace FIFO of admitted-but-not-yet-dispatched
// requests. Draining rotates through distinct ownerKeys (round robin)
// rather than strict arrival order across owners, so one noisy owner
// cannot head-of-line block another owner sharing the same workspace;
// within one owner, strict FIFO is preserved.
//
// Structurally this is a map[ownerKey][]*inflight plus a rotating cursor
// over the owners currently holding entries, the same shape events/bus
// uses to round-robin queue-group delivery across subscribers. Fairness
// here is owner rotation, not priority ordering, so there is no heap.
type fairQueue struct {
	mu          sync.Mutex
	owners      map[string][]*inflight
	order       []string // owner keys with at least one queued entry
	cursor      int
	byRequestID map[string]string // requestID -> ownerKey, for O(1) Remove
}

func newFairQueue() *fairQueue {
	return &fairQueue{
		owners:      make(map[string][]*inflight),
		byRequestID: make(map[string]string),
	}
}

// Len returns the total number of queued entries across all owners.
func (q *fairQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, items := range q.owners {
		n += len(items)
	}
	return n
}

// OwnerLen returns the number of entries queued for one owner.
func (q *fairQueue) OwnerLen(ownerKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.owners[ownerKey])
}

// Enqueue appends item to its owner's FIFO, registering the owner in the
// rotation if it was previously empty.
func (q *fairQueue) Enqueue(ownerKey string, item *inflight) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.owners[ownerKey]; !exists || len(q.owners[ownerKey]) == 0 {
		q.order = append(q.order, ownerKey)
	}
	q.owners[ownerKey] = append(q.owners[ownerKey], item)
	q.byRequestID[item.req.RequestID] = ownerKey
}

// Dequeue pops the next entry per the round-robin rotation, or returns nil
// if the queue is empty.
func (q *fairQueue) Dequeue() *inflight {
	q.mu.Lock()
	defer q.mu.Unlock()

	for attempts := 0; attempts < len(q.order); attempts++ {
		if len(q.order) == 0 {
			return nil
		}
		idx := q.cursor % len(q.order)
		ownerKey := q.order[idx]
		items := q.owners[ownerKey]
		if len(items) == 0 {
			q.order = append(q.order[:idx], q.order[idx+1:]...)
			delete(q.owners, ownerKey)
			continue
		}

		item := items[0]
		q.owners[ownerKey] = items[1:]
		delete(q.byRequestID, item.req.RequestID)

		if len(q.owners[ownerKey]) == 0 {
			q.order = append(q.order[:idx], q.order[idx+1:]...)
			delete(q.owners, ownerKey)
		} else {
			q.cursor = idx + 1
		}
		return item
	}
	return nil
}

// Remove deletes a specific queued entry by requestID without dispatching
// it, for queue-time cancellation. Returns false if the
// request was not found (already dispatched, or unknown).
func (q *fairQueue) Remove(requestID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	ownerKey, ok := q.byRequestID[requestID]
	if !ok {
		return false
	}
	items := q.owners[ownerKey]
	for i, item := range items {
		if item.req.RequestID == requestID {
			q.owners[ownerKey] = append(items[:i], items[i+1:]...)
			delete(q.byRequestID, requestID)
			if len(q.owners[ownerKey]) == 0 {
				delete(q.owners, ownerKey)
				for oi, ok := range q.order {
					if ok == ownerKey {
						q.order = append(q.order[:oi], q.order[oi+1:]...)
						break
					}
				}
			}
			return true
		}
	}
	return false
}

// Drain removes and returns every queued entry, for shutdownAll.
func (q *fairQueue) Drain() []*inflight {
	q.mu.Lock()
	defer q.mu.Unlock()
	var all []*inflight
	for _, items := range q.owners {
		all = append(all, items...)
	}
	q.owners = make(map[string][]*inflight)
	q.order = nil
	q.byRequestID = make(map[string]string)
	q.cursor = 0
	return all
}
