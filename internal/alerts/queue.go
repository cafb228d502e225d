// Package alerts maps fused scores to risk tiers and maintains the
// audited, capacity-bounded investigation queue.
package alerts

import (
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Queue is the bounded, ordered view of Open alerts: fused score
// descending, creation time ascending on ties. It is not safe for
// concurrent use; the Manager serializes all access.
type Queue struct {
	capacity int
	items    []*domain.Alert
}

// NewQueue creates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 500
	}
	return &Queue{capacity: capacity}
}

// Insert adds an Open alert in order. If the queue would exceed
// capacity, the lowest-priority member (possibly the new alert itself)
// is evicted and returned for auditing.
func (q *Queue) Insert(a *domain.Alert) (evicted *domain.Alert) {
	idx := sort.Search(len(q.items), func(i int) bool {
		return less(a, q.items[i])
	})
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = a

	if len(q.items) > q.capacity {
		evicted = q.items[len(q.items)-1]
		q.items = q.items[:len(q.items)-1]
	}
	return evicted
}

// Remove takes an alert out of the queue, e.g. when its status leaves
// Open. Returns nil if the alert is not queued.
func (q *Queue) Remove(alertID string) *domain.Alert {
	for i, a := range q.items {
		if a.ID == alertID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return a
		}
	}
	return nil
}

// Resize changes the capacity, returning any members evicted to fit.
func (q *Queue) Resize(capacity int) []*domain.Alert {
	if capacity <= 0 {
		return nil
	}
	q.capacity = capacity
	var evicted []*domain.Alert
	for len(q.items) > q.capacity {
		evicted = append(evicted, q.items[len(q.items)-1])
		q.items = q.items[:len(q.items)-1]
	}
	return evicted
}

// Items returns a copy of the ordered queue contents.
func (q *Queue) Items() []*domain.Alert {
	out := make([]*domain.Alert, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the current queue size.
func (q *Queue) Len() int { return len(q.items) }

// Capacity returns the configured bound.
func (q *Queue) Capacity() int { return q.capacity }

// less orders a before b: higher score first, then earlier creation,
// then ID for a total order.
func less(a, b *domain.Alert) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
