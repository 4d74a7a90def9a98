package remotesync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
)

func TestQueue_DropOldest(t *testing.T) {
	var events []model.SyncBacklogOverflow
	q := NewQueue(DefaultCapacity, func(ev model.SyncBacklogOverflow) {
		events = append(events, ev)
	})
	for lap := 1; lap <= 60; lap++ {
		q.Push(model.SessionSnapshot{Lap: lap})
	}
	assert.Equal(t, 50, q.Len())
	assert.Equal(t, uint64(10), q.Dropped())
	assert.Equal(t, uint64(1), q.OverflowEvents())
	if assert.Len(t, events, 1, "raised once per episode") {
		assert.Equal(t, 50, events[0].Capacity)
		assert.Equal(t, uint64(1), events[0].Dropped)
	}

	oldest, ok := q.Peek()
	assert.True(t, ok)
	assert.Equal(t, 11, oldest.Lap)

	var last model.SessionSnapshot
	for q.Len() > 0 {
		last, _ = q.Peek()
		q.Pop()
	}
	assert.Equal(t, 60, last.Lap, "latest entry retained")
}

func TestQueue_NewEpisodeAfterDrain(t *testing.T) {
	calls := 0
	q := NewQueue(2, func(model.SyncBacklogOverflow) { calls++ })
	for i := 0; i < 5; i++ {
		q.Push(model.SessionSnapshot{Lap: i})
	}
	assert.Equal(t, 1, calls)

	// partial drain keeps the episode open
	q.Pop()
	q.Push(model.SessionSnapshot{})
	q.Push(model.SessionSnapshot{})
	assert.Equal(t, 1, calls)

	q.Pop()
	q.Pop()
	q.Pop()
	assert.Equal(t, 0, q.Len())
	for i := 0; i < 3; i++ {
		q.Push(model.SessionSnapshot{Lap: i})
	}
	assert.Equal(t, 2, calls)
	assert.Equal(t, uint64(2), q.OverflowEvents())
}

func TestQueue_EmptyOps(t *testing.T) {
	q := NewQueue(1, nil)
	_, ok := q.Peek()
	assert.False(t, ok)
	q.Pop()
	assert.Equal(t, 0, q.Len())
	assert.Panics(t, func() { NewQueue(0, nil) })
}
