package transfer

import "sync"

// SegmentQueue is the FIFO of segment indices waiting for dispatch. PushFront
// lets retried segments jump ahead. Safe for concurrent use.
type SegmentQueue struct {
	mu     sync.Mutex
	items  []int
	notify chan struct{}
}

// NewSegmentQueue creates a queue holding indices in order.
func NewSegmentQueue(indices ...int) *SegmentQueue {
	q := &SegmentQueue{notify: make(chan struct{}, 1)}
	q.items = append(q.items, indices...)
	return q
}

// Push appends indices to the back.
func (q *SegmentQueue) Push(indices ...int) {
	if len(indices) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, indices...)
	q.mu.Unlock()
	q.signal()
}

// PushFront inserts indices ahead of everything queued, keeping their order.
func (q *SegmentQueue) PushFront(indices ...int) {
	if len(indices) == 0 {
		return
	}
	q.mu.Lock()
	items := make([]int, 0, len(indices)+len(q.items))
	items = append(items, indices...)
	q.items = append(items, q.items...)
	q.mu.Unlock()
	q.signal()
}

// Pop removes and returns the front index.
func (q *SegmentQueue) Pop() (int, bool) {
	return q.PopBelow(-1)
}

// PopBelow removes and returns the first queued index below limit. A
// negative limit means no limit.
func (q *SegmentQueue) PopBelow(limit int) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for pos, idx := range q.items {
		if limit >= 0 && idx >= limit {
			continue
		}
		q.items = append(q.items[:pos:pos], q.items[pos+1:]...)
		return idx, true
	}
	return 0, false
}

// HasBelow reports whether any queued index is below limit. A negative limit
// means no limit.
func (q *SegmentQueue) HasBelow(limit int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, idx := range q.items {
		if limit < 0 || idx < limit {
			return true
		}
	}
	return false
}

// Len returns the number of queued indices.
func (q *SegmentQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every queued index and returns them.
func (q *SegmentQueue) Clear() []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Notify fires after indices are pushed.
func (q *SegmentQueue) Notify() <-chan struct{} {
	return q.notify
}

func (q *SegmentQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
