package publish

import (
	"sync"
	"time"

	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
)

// coalescer emits the latest snapshot at most once per interval. The window
// opens with the first change after an emission and closes interval later,
// so a burst inside one window yields exactly one snapshot carrying the last
// value. The output holds a single value; an unread value is replaced.
type coalescer struct {
	mu       sync.Mutex
	interval time.Duration
	latest   model.SessionSnapshot
	dirty    bool
	timer    *time.Timer
	out      chan model.SessionSnapshot
	closed   bool
	onClose  func()
}

func newCoalescer(interval time.Duration) *coalescer {
	return &coalescer{
		interval: interval,
		out:      make(chan model.SessionSnapshot, 1),
	}
}

func (c *coalescer) update(snap model.SessionSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.latest = snap
	if !c.dirty {
		c.dirty = true
		c.timer = time.AfterFunc(c.interval, c.fire)
	}
}

func (c *coalescer) fire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.dirty {
		return
	}
	c.dirty = false
	c.timer = nil
	select {
	case <-c.out:
	default:
	}
	c.out <- c.latest
}

func (c *coalescer) C() <-chan model.SessionSnapshot { return c.out }

// Flush emits a pending snapshot without waiting for the window to close.
func (c *coalescer) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.fire()
}

func (c *coalescer) Close() {
	if c.stop() && c.onClose != nil {
		c.onClose()
	}
}

// stop returns false if the coalescer was already stopped.
func (c *coalescer) stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	close(c.out)
	return true
}
