// Package publish fans out session snapshots to the local renderer feed and
// the coalesced remote sync stream.
package publish

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/mpapenbr/iracelog-session-sync/log"
	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
	"github.com/mpapenbr/iracelog-session-sync/pkg/utils/broadcast"
)

const (
	DefaultRemoteInterval = 2 * time.Second
	defaultSourceBuffer   = 256
)

var ErrClosed = errors.New("publisher closed")

type (
	ConsumerKind int

	// Cadence controls delivery of a stream. A zero interval means the kind's
	// default.
	Cadence struct {
		Interval time.Duration
	}

	// SnapshotStream delivers snapshots to one consumer.
	SnapshotStream interface {
		C() <-chan model.SessionSnapshot
		Close()
	}

	// Flusher is implemented by remote streams. Flush emits a snapshot held
	// back by the coalescing window right away.
	Flusher interface {
		Flush()
	}

	Option func(p *Publisher)

	// Publisher is fed by the aggregator. Publish never blocks.
	Publisher struct {
		log            *log.Logger
		source         chan model.SessionSnapshot
		local          broadcast.BroadcastServer[model.SessionSnapshot]
		localBuffer    int
		remoteInterval time.Duration
		mu             sync.Mutex
		coalescers     []*coalescer
		closed         bool
		published      atomic.Uint64
		sourceSkipped  atomic.Uint64
	}
)

const (
	// every change, unthrottled
	Local ConsumerKind = iota
	// coalesced, at most one snapshot per interval
	Remote
)

func (k ConsumerKind) String() string {
	if k == Remote {
		return "remote"
	}
	return "local"
}

func WithRemoteInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.remoteInterval = d
		}
	}
}

// WithLocalBuffer sets the per subscriber buffer of local streams.
func WithLocalBuffer(n int) Option {
	return func(p *Publisher) {
		p.localBuffer = n
	}
}

func NewPublisher(opts ...Option) *Publisher {
	ret := &Publisher{
		log:            log.Default().Named("publish"),
		source:         make(chan model.SessionSnapshot, defaultSourceBuffer),
		remoteInterval: DefaultRemoteInterval,
		localBuffer:    64,
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.local = broadcast.NewBroadcastServer("snapshots", ret.source,
		broadcast.WithBufferSize[model.SessionSnapshot](ret.localBuffer),
		broadcast.WithTelemetry[model.SessionSnapshot]("snapshot"))
	return ret
}

// Publish hands a changed snapshot to all consumers without blocking.
func (p *Publisher) Publish(snap model.SessionSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.published.Add(1)
	for {
		select {
		case p.source <- snap:
			for _, c := range p.coalescers {
				c.update(snap)
			}
			return
		default:
		}
		// broadcast loop is behind, drop its oldest pending snapshot
		select {
		case <-p.source:
			p.sourceSkipped.Add(1)
		default:
		}
	}
}

// Subscribe creates a stream for the given consumer kind.
func (p *Publisher) Subscribe(kind ConsumerKind, cadence Cadence) (SnapshotStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	switch kind {
	case Local:
		return &localStream{ch: p.local.Subscribe(), cancel: p.local.CancelSubscription}, nil
	case Remote:
		interval := lo.Ternary(cadence.Interval > 0, cadence.Interval, p.remoteInterval)
		c := newCoalescer(interval)
		c.onClose = func() { p.removeCoalescer(c) }
		p.coalescers = append(p.coalescers, c)
		p.log.Debug("remote subscriber added", log.Duration("interval", interval))
		return c, nil
	}
	return nil, errors.New("unknown consumer kind")
}

func (p *Publisher) removeCoalescer(c *coalescer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coalescers = lo.Without(p.coalescers, c)
}

// Close stops all streams. Pending coalesced snapshots are discarded.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	coalescers := p.coalescers
	p.coalescers = nil
	p.mu.Unlock()

	for _, c := range coalescers {
		c.stop()
	}
	p.local.Close()
	p.log.Debug("publisher closed",
		log.Uint64("published", p.published.Load()),
		log.Uint64("skipped", p.sourceSkipped.Load()))
}

type localStream struct {
	ch     <-chan model.SessionSnapshot
	cancel func(<-chan model.SessionSnapshot)
	once   sync.Once
}

func (s *localStream) C() <-chan model.SessionSnapshot { return s.ch }

func (s *localStream) Close() {
	s.once.Do(func() { s.cancel(s.ch) })
}
