package broadcast

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mpapenbr/iracelog-session-sync/log"
	"github.com/mpapenbr/iracelog-session-sync/pkg/utils/metrics"
)

// BroadcastServer distributes every message of a source channel to all
// listeners. Delivery never blocks: a listener that fell behind loses its
// oldest pending message so the newest one always gets through.
type BroadcastServer[T any] interface {
	Subscribe() <-chan T
	CancelSubscription(<-chan T)
	Close()
}

type broadcastServer[T any] struct {
	name           string
	source         <-chan T
	listeners      []chan T
	addListener    chan chan T
	removeListener chan (<-chan T)
	ctx            context.Context
	cancel         context.CancelFunc
	done           chan struct{}
	bufferSize     int
	numRcv         atomic.Int64
	numSnd         atomic.Int64
	numSkip        atomic.Int64
	numListeners   atomic.Int64
	eventKey       string
	l              *log.Logger
}

type Option[T any] func(*broadcastServer[T])

func WithTelemetry[T any](eventKey string) Option[T] {
	return func(b *broadcastServer[T]) {
		b.eventKey = eventKey
	}
}

// WithBufferSize sets the capacity of each listener channel (default 16).
func WithBufferSize[T any](size int) Option[T] {
	return func(b *broadcastServer[T]) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

func (b *broadcastServer[T]) Subscribe() <-chan T {
	ch := make(chan T, b.bufferSize)
	select {
	case b.addListener <- ch:
	case <-b.done:
		close(ch)
	}
	return ch
}

func (b *broadcastServer[T]) CancelSubscription(ch <-chan T) {
	select {
	case b.removeListener <- ch:
	case <-b.done:
	}
}

func (b *broadcastServer[T]) Close() {
	b.l.Info("Closing broadcast server",
		log.String("name", b.name),
		log.Int64("rcv", b.numRcv.Load()),
		log.Int64("snd", b.numSnd.Load()),
		log.Int64("skip", b.numSkip.Load()))
	b.cancel()
	<-b.done
}

//nolint:whitespace // false positive
func NewBroadcastServer[T any](
	name string,
	source <-chan T,
	opts ...Option[T],
) BroadcastServer[T] {
	ctx, cancel := context.WithCancel(context.Background())
	b := &broadcastServer[T]{
		name:           name,
		source:         source,
		addListener:    make(chan chan T),
		removeListener: make(chan (<-chan T)),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		bufferSize:     16,
		l:              log.Default().Named("broadcast"),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.eventKey != "" {
		b.setupMetrics()
	}
	go b.serve()
	return b
}

func (b *broadcastServer[T]) setupMetrics() {
	metrics.Register(fmt.Sprintf("iss.broadcast.%s", b.name),
		[]attribute.KeyValue{
			attribute.String("name", b.name),
			attribute.String("event", b.eventKey),
		},
		metrics.Gauge{
			Name: "iss.broadcast.rcv", Desc: "Number of received messages",
			Unit: "{count}", Value: b.numRcv.Load,
		},
		metrics.Gauge{
			Name: "iss.broadcast.snd", Desc: "Number of sent messages",
			Unit: "{count}", Value: b.numSnd.Load,
		},
		metrics.Gauge{
			Name: "iss.broadcast.skip", Desc: "Number of skipped messages",
			Unit: "{count}", Value: b.numSkip.Load,
		},
		metrics.Gauge{
			Name: "iss.broadcast.listener", Desc: "Number of listeners",
			Unit: "{count}", Value: b.numListeners.Load,
		},
	)
}

func (b *broadcastServer[T]) serve() {
	defer func() {
		b.l.Debug("Closing listeners", log.String("name", b.name))
		for _, listener := range b.listeners {
			close(listener)
		}
		b.listeners = nil
		close(b.done)
	}()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ch := <-b.addListener:
			b.listeners = append(b.listeners, ch)
			b.numListeners.Store(int64(len(b.listeners)))
		case ch := <-b.removeListener:
			for i, listener := range b.listeners {
				if listener == ch {
					b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
					close(listener)
					break
				}
			}
			b.numListeners.Store(int64(len(b.listeners)))
		case msg, ok := <-b.source:
			if !ok {
				b.l.Debug("source closed", log.String("name", b.name))
				return
			}
			b.numRcv.Add(1)
			for _, listener := range b.listeners {
				b.deliver(listener, msg)
			}
		}
	}
}

// deliver puts msg into the listener channel. If the channel is full the
// oldest entry is dropped.
func (b *broadcastServer[T]) deliver(listener chan T, msg T) {
	for {
		select {
		case listener <- msg:
			b.numSnd.Add(1)
			return
		default:
		}
		select {
		case <-listener:
			b.numSkip.Add(1)
		default:
		}
	}
}
