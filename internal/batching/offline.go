package batching

import (
	"sync"

	"fleet-realtime/internal/models"
)

const DefaultMaxOfflineUpdates = 100

// OfflineQueue is a bounded FIFO holding the most recent updates captured while disconnected.
// Pushing past capacity evicts the oldest entry.
type OfflineQueue struct {
	mu       sync.Mutex
	items    []models.LocationUpdate
	capacity int
	evicted  int
}

func NewOfflineQueue(capacity int) *OfflineQueue {
	if capacity <= 0 {
		capacity = DefaultMaxOfflineUpdates
	}
	return &OfflineQueue{items: make([]models.LocationUpdate, 0, capacity), capacity: capacity}
}

// Push appends u and reports whether the oldest entry had to be evicted to make room.
func (q *OfflineQueue) Push(u models.LocationUpdate) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		q.items = append(q.items[:0], q.items[1:]...)
		q.evicted++
		evicted = true
	}
	q.items = append(q.items, u.Clone())
	return evicted
}

// Drain hands every queued update to send in one call and clears the queue. When send fails
// the batch goes back to the front, ahead of anything pushed in the meantime, and the oldest
// entries are evicted if that overflows the capacity.
func (q *OfflineQueue) Drain(send func([]models.LocationUpdate) error) (int, error) {
	q.mu.Lock()
	batch := q.items
	q.items = make([]models.LocationUpdate, 0, q.capacity)
	q.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}
	if err := send(batch); err != nil {
		q.requeue(batch)
		return 0, err
	}
	return len(batch), nil
}

func (q *OfflineQueue) requeue(batch []models.LocationUpdate) {
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([]models.LocationUpdate, 0, len(batch)+len(q.items))
	merged = append(merged, batch...)
	merged = append(merged, q.items...)
	if over := len(merged) - q.capacity; over > 0 {
		merged = merged[over:]
		q.evicted += over
	}
	q.items = merged
}

func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *OfflineQueue) Cap() int {
	return q.capacity
}

// Evicted counts entries dropped to make room since the queue was created.
func (q *OfflineQueue) Evicted() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

// Items returns a copy of the queued updates, oldest first.
func (q *OfflineQueue) Items() []models.LocationUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.LocationUpdate(nil), q.items...)
}
