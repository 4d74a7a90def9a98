// Package service wires the session pipeline: samples flow into the
// aggregator, changed snapshots go to the publisher, and the publisher feeds
// the local renderer streams and the remote sync worker.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mpapenbr/iracelog-session-sync/log"
	"github.com/mpapenbr/iracelog-session-sync/pkg/ingress"
	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
	"github.com/mpapenbr/iracelog-session-sync/pkg/processing/aggregator"
	"github.com/mpapenbr/iracelog-session-sync/pkg/processing/generation"
	"github.com/mpapenbr/iracelog-session-sync/pkg/publish"
	"github.com/mpapenbr/iracelog-session-sync/pkg/remote"
	"github.com/mpapenbr/iracelog-session-sync/pkg/remotesync"
	"github.com/mpapenbr/iracelog-session-sync/pkg/utils/broadcast"
)

type (
	Option func(s *Service)

	// Status is the state exposed to operators and the renderer.
	Status struct {
		Generation  model.Generation       `json:"generation"`
		Producer    string                 `json:"producer"`
		Snapshot    model.SessionSnapshot  `json:"snapshot"`
		Sync        model.SyncStatus       `json:"sync"`
		Diagnostics aggregator.Diagnostics `json:"diagnostics"`
		// samples of a producer that was declared dead or that carried a
		// generation not belonging to the producer
		Rejected uint64 `json:"rejected"`
	}

	Service struct {
		log             *log.Logger
		aggOpts         []aggregator.Option
		genOpts         []generation.Option
		pubOpts         []publish.Option
		workerOpts      []remotesync.Option
		store           remote.Store
		creds           remote.Credentials
		remoteInterval  time.Duration
		agg             *aggregator.Aggregator
		gen             *generation.Manager
		pub             *publish.Publisher
		worker          *remotesync.Worker
		statusSource    chan model.SyncStatus
		statusBroadcast broadcast.BroadcastServer[model.SyncStatus]
		rejected        atomic.Uint64
		// orders sample ingestion against session ends
		ingestMu sync.Mutex

		mu      sync.Mutex
		cancel  context.CancelFunc
		done    chan struct{}
		running bool
	}
)

var (
	ErrRunning    = errors.New("service already running")
	ErrNotRunning = errors.New("service not running")
)

var _ ingress.Producers = (*Service)(nil)

func WithAggregatorOptions(opts ...aggregator.Option) Option {
	return func(s *Service) { s.aggOpts = append(s.aggOpts, opts...) }
}

func WithGenerationOptions(opts ...generation.Option) Option {
	return func(s *Service) { s.genOpts = append(s.genOpts, opts...) }
}

func WithPublisherOptions(opts ...publish.Option) Option {
	return func(s *Service) { s.pubOpts = append(s.pubOpts, opts...) }
}

// WithRemote enables the remote sync path. The store is owned by the
// service from now on and closed when Run returns.
//
//nolint:whitespace // can't make both editor and linter happy
func WithRemote(
	store remote.Store,
	creds remote.Credentials,
	opts ...remotesync.Option,
) Option {
	return func(s *Service) {
		s.store = store
		s.creds = creds
		s.workerOpts = append(s.workerOpts, opts...)
	}
}

// WithRemoteInterval sets the coalescing interval of the remote stream.
func WithRemoteInterval(d time.Duration) Option {
	return func(s *Service) { s.remoteInterval = d }
}

func New(opts ...Option) (*Service, error) {
	ret := &Service{
		log:          log.Default().Named("service"),
		statusSource: make(chan model.SyncStatus, 16),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.pub = publish.NewPublisher(ret.pubOpts...)
	ret.agg = aggregator.New(append(ret.aggOpts,
		aggregator.WithNotifier(ret.pub.Publish))...)
	ret.gen = generation.NewManager(append(ret.genOpts,
		generation.WithDisconnectFunc(ret.onDisconnect))...)
	ret.statusBroadcast = broadcast.NewBroadcastServer("syncstatus", ret.statusSource,
		broadcast.WithBufferSize[model.SyncStatus](4))

	if ret.store != nil {
		stream, err := ret.pub.Subscribe(publish.Remote,
			publish.Cadence{Interval: ret.remoteInterval})
		if err != nil {
			return nil, err
		}
		ret.worker = remotesync.NewWorker(ret.store, ret.creds, stream,
			append(ret.workerOpts, remotesync.WithStatusFunc(ret.onSyncStatus))...)
	}
	return ret, nil
}

func (s *Service) onDisconnect(gen model.Generation, reason error) {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()
	if snap, ended := s.agg.Disconnect(gen); ended {
		s.log.Info("session ended",
			log.Uint64("generation", uint64(snap.Generation)),
			log.String("reason", reason.Error()))
	}
}

func (s *Service) onSyncStatus(st model.SyncStatus) {
	for {
		select {
		case s.statusSource <- st:
			return
		default:
		}
		select {
		case <-s.statusSource:
		default:
		}
	}
}

// Ingest takes a sample of the given producer. A sample without generation
// gets the generation assigned to the producer. The caller's sample is not
// modified.
func (s *Service) Ingest(producerID string, sample *model.TelemetrySample) error {
	if sample == nil {
		_, err := s.agg.Ingest(nil)
		return err
	}
	in := *sample
	if producerID != "" {
		gen, err := s.gen.Claim(producerID, in.Generation)
		if err != nil {
			s.rejected.Add(1)
			return &model.InvalidSampleError{
				Reason: fmt.Sprintf("generation %d: %v (producer has %d)",
					in.Generation, err, gen),
			}
		}
		in.Generation = gen
	}

	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()
	if err := in.Validate(); err != nil {
		// counted as invalid by the aggregator
		_, err = s.agg.Ingest(&in)
		return err
	}
	if !s.gen.Observe(in.Generation) && in.Generation == s.gen.Current() {
		s.rejected.Add(1)
		return &model.StaleGenerationError{
			Sample:  in.Generation,
			Current: s.gen.Current(),
		}
	}
	// older generations are rejected and counted by the aggregator
	_, err := s.agg.Ingest(&in)
	return err
}

// Connect registers a new producer connection and returns its id.
func (s *Service) Connect() string {
	id, _ := s.gen.Connect()
	return id
}

// Release ends the session if producerID is the connected producer.
func (s *Service) Release(producerID string) {
	s.gen.Release(producerID)
}

// Reset ends the current session. The producer has to reconnect with a new
// generation.
func (s *Service) Reset() model.Generation {
	return s.gen.Reset()
}

// Subscribe returns a local stream receiving every snapshot change.
func (s *Service) Subscribe() (publish.SnapshotStream, error) {
	return s.pub.Subscribe(publish.Local, publish.Cadence{})
}

func (s *Service) Snapshot() model.SessionSnapshot {
	return s.agg.Snapshot()
}

// SubscribeSyncStatus returns a channel receiving sync status changes.
func (s *Service) SubscribeSyncStatus() <-chan model.SyncStatus {
	return s.statusBroadcast.Subscribe()
}

func (s *Service) CancelSyncStatus(ch <-chan model.SyncStatus) {
	s.statusBroadcast.CancelSubscription(ch)
}

func (s *Service) SyncStatus() model.SyncStatus {
	if s.worker == nil {
		return model.SyncStatus{State: model.SyncStateDisabled}
	}
	return s.worker.Status()
}

func (s *Service) Status() Status {
	return Status{
		Generation:  s.gen.Current(),
		Producer:    s.gen.State().String(),
		Snapshot:    s.agg.Snapshot(),
		Sync:        s.SyncStatus(),
		Diagnostics: s.agg.Diagnostics(),
		Rejected:    s.rejected.Load(),
	}
}

func (s *Service) RegisterMetrics() {
	s.agg.RegisterMetrics()
	if s.worker != nil {
		s.worker.RegisterMetrics()
	}
}

// Run starts the timeout supervision and the sync worker. It blocks until
// ctx is done or Shutdown is called. On return the pending remote snapshots
// got their last attempt and all streams are closed.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	defer close(s.done)

	var wg sync.WaitGroup
	wg.Go(func() { s.gen.Run(ctx) })
	if s.worker != nil {
		wg.Go(func() { s.worker.Run(ctx) })
	}
	s.log.Info("service started", log.Bool("remote", s.worker != nil))
	<-ctx.Done()
	wg.Wait()

	s.pub.Close()
	s.statusBroadcast.Close()
	if s.store != nil {
		s.store.Close()
	}
	s.log.Info("service stopped")
	return nil
}

// Shutdown stops Run and waits for it to return.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
	<-s.done
	return nil
}
