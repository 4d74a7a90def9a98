package remotesync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mpapenbr/iracelog-session-sync/log"
	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
	"github.com/mpapenbr/iracelog-session-sync/pkg/publish"
	"github.com/mpapenbr/iracelog-session-sync/pkg/remote"
	"github.com/mpapenbr/iracelog-session-sync/pkg/utils/metrics"
)

const (
	DefaultBaseBackoff    = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultDrainTimeout   = 3 * time.Second
	DefaultRequestTimeout = 10 * time.Second
)

type (
	// StatusFunc is called after every status change.
	StatusFunc func(status model.SyncStatus)

	Option func(w *Worker)

	// Worker owns the remote stream of the publisher. It queues every
	// coalesced snapshot and upserts them in order.
	Worker struct {
		log            *log.Logger
		store          remote.Store
		creds          remote.Credentials
		stream         publish.SnapshotStream
		queue          *Queue
		capacity       int
		backoff        *backoff.ExponentialBackOff
		baseBackoff    time.Duration
		maxBackoff     time.Duration
		drainTimeout   time.Duration
		requestTimeout time.Duration
		onStatus       StatusFunc
		onOverflow     OverflowFunc
		now            func() time.Time

		mu      sync.Mutex
		status  model.SyncStatus
		account model.AccountHandle

		shipped  atomic.Uint64
		failures atomic.Uint64
		done     chan struct{}
	}
)

func WithCapacity(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.capacity = n
		}
	}
}

func WithBackoff(base, maxBackoff time.Duration) Option {
	return func(w *Worker) {
		w.baseBackoff = base
		w.maxBackoff = maxBackoff
	}
}

func WithDrainTimeout(d time.Duration) Option {
	return func(w *Worker) { w.drainTimeout = d }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(w *Worker) { w.requestTimeout = d }
}

func WithStatusFunc(f StatusFunc) Option {
	return func(w *Worker) { w.onStatus = f }
}

// WithOverflowFunc is called in addition to the warning the worker logs.
func WithOverflowFunc(f OverflowFunc) Option {
	return func(w *Worker) { w.onOverflow = f }
}

//nolint:whitespace // can't make both editor and linter happy
func NewWorker(
	store remote.Store,
	creds remote.Credentials,
	stream publish.SnapshotStream,
	opts ...Option,
) *Worker {
	ret := &Worker{
		log:            log.Default().Named("remotesync"),
		store:          store,
		creds:          creds,
		stream:         stream,
		capacity:       DefaultCapacity,
		baseBackoff:    DefaultBaseBackoff,
		maxBackoff:     DefaultMaxBackoff,
		drainTimeout:   DefaultDrainTimeout,
		requestTimeout: DefaultRequestTimeout,
		now:            time.Now,
		status:         model.SyncStatus{State: model.SyncStateIdle},
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.queue = NewQueue(ret.capacity, ret.overflow)
	ret.backoff = backoff.NewExponentialBackOff()
	ret.backoff.InitialInterval = ret.baseBackoff
	ret.backoff.MaxInterval = ret.maxBackoff
	ret.backoff.Multiplier = 2
	ret.backoff.RandomizationFactor = 0
	ret.backoff.Reset()
	return ret
}

// Run ships queued snapshots until ctx is done. Then pending entries are
// attempted once more within the drain timeout and the stream is closed.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	streamC := w.stream.C()
	var retry *time.Timer
	var retryC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if retry != nil {
				retry.Stop()
			}
			w.drain()
			return
		case snap, ok := <-streamC:
			if !ok {
				streamC = nil
				continue
			}
			w.queue.Push(snap)
		case <-retryC:
			retryC = nil
		}
		if retryC == nil {
			if d, failed := w.shipPending(ctx); failed {
				retry = time.NewTimer(d)
				retryC = retry.C
			}
		}
	}
}

// Done is closed when Run has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Status returns the current sync status including queue statistics.
func (w *Worker) Status() model.SyncStatus {
	w.mu.Lock()
	ret := w.status
	w.mu.Unlock()
	ret.Pending = w.queue.Len()
	ret.Shipped = w.shipped.Load()
	ret.Failures = w.failures.Load()
	ret.Dropped = w.queue.Dropped()
	ret.OverflowEvents = w.queue.OverflowEvents()
	return ret
}

func (w *Worker) RegisterMetrics() {
	metrics.Register("iss.remotesync",
		[]attribute.KeyValue{attribute.String("store", "remote")},
		metrics.Count("iss.sync.shipped", "snapshots shipped to the remote store",
			w.shipped.Load),
		metrics.Count("iss.sync.failures", "failed remote attempts", w.failures.Load),
		metrics.Count("iss.sync.dropped", "queued snapshots dropped on overflow",
			w.queue.Dropped),
		metrics.Gauge{
			Name:  "iss.sync.pending",
			Desc:  "snapshots waiting for the remote store",
			Value: func() int64 { return int64(w.queue.Len()) },
		},
	)
}

// shipPending ships queued entries oldest first. On failure it returns the
// delay before the next attempt.
func (w *Worker) shipPending(ctx context.Context) (time.Duration, bool) {
	for {
		snap, ok := w.queue.Peek()
		if !ok {
			return 0, false
		}
		if err := w.ship(ctx, snap); err != nil {
			if ctx.Err() != nil {
				// shutdown in progress, the drain takes over
				return 0, false
			}
			d := w.backoff.NextBackOff()
			w.recordFailure(err, d)
			return d, true
		}
		w.queue.Pop()
		w.recordSuccess()
	}
}

func (w *Worker) ship(ctx context.Context, snap model.SessionSnapshot) error {
	reqCtx, cancel := context.WithTimeout(ctx, w.requestTimeout)
	defer cancel()

	w.mu.Lock()
	acc := w.account
	w.mu.Unlock()
	if !acc.Valid(w.now()) {
		var err error
		if acc, err = w.store.Authenticate(reqCtx, w.creds); err != nil {
			return err
		}
		w.log.Info("authenticated", log.String("account", acc.ID))
		w.mu.Lock()
		w.account = acc
		w.mu.Unlock()
	}
	err := w.store.Upsert(reqCtx, acc, snap)
	if errors.Is(err, model.ErrRemoteAuth) {
		w.mu.Lock()
		w.account = model.AccountHandle{}
		w.mu.Unlock()
	}
	return err
}

func (w *Worker) drain() {
	defer w.stream.Close()
	if f, ok := w.stream.(publish.Flusher); ok {
		f.Flush()
	}
	select {
	case snap, ok := <-w.stream.C():
		if ok {
			w.queue.Push(snap)
		}
	default:
	}
	if w.queue.Len() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.drainTimeout)
	defer cancel()
	for {
		snap, ok := w.queue.Peek()
		if !ok {
			w.log.Debug("drain complete")
			return
		}
		if err := w.ship(ctx, snap); err != nil {
			w.failures.Add(1)
			w.log.Warn("drain: ship failed, abandoning remaining",
				log.Int("remaining", w.queue.Len()),
				log.ErrorField(err))
			return
		}
		w.queue.Pop()
		w.recordSuccess()
	}
}

func (w *Worker) recordFailure(err error, next time.Duration) {
	w.failures.Add(1)
	state := model.SyncStateRetrying
	if errors.Is(err, model.ErrRemoteAuth) {
		state = model.SyncStateAuthError
	}
	w.log.Warn("remote sync failed",
		log.String("state", string(state)),
		log.Duration("backoff", next),
		log.Int("pending", w.queue.Len()),
		log.ErrorField(err))
	w.updateStatus(func(s *model.SyncStatus) {
		s.State = state
		s.LastError = err.Error()
		s.Backoff = next.String()
	})
}

func (w *Worker) recordSuccess() {
	w.backoff.Reset()
	w.shipped.Add(1)
	w.updateStatus(func(s *model.SyncStatus) {
		if s.State != model.SyncStateSynced {
			w.log.Info("remote sync established")
		}
		s.State = model.SyncStateSynced
		s.LastError = ""
		s.Backoff = ""
		s.LastSuccess = w.now()
	})
}

func (w *Worker) overflow(ev model.SyncBacklogOverflow) {
	w.log.Warn(ev.String(),
		log.Int("capacity", ev.Capacity),
		log.Uint64("dropped", ev.Dropped))
	if w.onOverflow != nil {
		w.onOverflow(ev)
	}
	w.notifyStatus()
}

func (w *Worker) updateStatus(f func(s *model.SyncStatus)) {
	w.mu.Lock()
	f(&w.status)
	w.mu.Unlock()
	w.notifyStatus()
}

func (w *Worker) notifyStatus() {
	if w.onStatus != nil {
		w.onStatus(w.Status())
	}
}
