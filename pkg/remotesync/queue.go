// Package remotesync ships coalesced snapshots to the remote store through a
// bounded queue, retrying with exponential backoff.
package remotesync

import (
	"fmt"
	"sync"

	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
)

const DefaultCapacity = 50

// OverflowFunc is called once per overflow episode, outside the queue lock.
type OverflowFunc func(ev model.SyncBacklogOverflow)

// Queue is a bounded FIFO of pending remote publishes. When full, Push drops
// the oldest entry. An overflow episode starts with the first drop and ends
// once the queue has been drained completely.
type Queue struct {
	mu          sync.Mutex
	entries     []model.SessionSnapshot
	capacity    int
	dropped     uint64
	overflows   uint64
	overflowing bool
	onOverflow  OverflowFunc
}

func NewQueue(capacity int, onOverflow OverflowFunc) *Queue {
	if capacity <= 0 {
		panic(fmt.Sprintf("queue: capacity must be positive, got %d", capacity))
	}
	return &Queue{
		capacity:   capacity,
		onOverflow: onOverflow,
	}
}

func (q *Queue) Push(snap model.SessionSnapshot) {
	q.mu.Lock()
	var raise *model.SyncBacklogOverflow
	if len(q.entries) >= q.capacity {
		q.entries[0] = model.SessionSnapshot{}
		q.entries = q.entries[1:]
		q.dropped++
		if !q.overflowing {
			q.overflowing = true
			q.overflows++
			raise = &model.SyncBacklogOverflow{Capacity: q.capacity, Dropped: q.dropped}
		}
	}
	q.entries = append(q.entries, snap)
	q.mu.Unlock()

	if raise != nil && q.onOverflow != nil {
		q.onOverflow(*raise)
	}
}

// Peek returns the oldest entry without removing it.
func (q *Queue) Peek() (model.SessionSnapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return model.SessionSnapshot{}, false
	}
	return q.entries[0], true
}

// Pop removes the oldest entry. No-op if the queue is empty.
func (q *Queue) Pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return
	}
	q.entries[0] = model.SessionSnapshot{}
	q.entries = q.entries[1:]
	if len(q.entries) == 0 {
		q.overflowing = false
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) Capacity() int { return q.capacity }

// Dropped is the total number of entries dropped because the queue was full.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// OverflowEvents is the number of overflow episodes seen so far.
func (q *Queue) OverflowEvents() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflows
}
