// Package natsin receives telemetry samples via nats.
// Producers publish samples on <prefix>.sample.<producer> and announce a
// regular shutdown on <prefix>.bye.<producer>.
package natsin

import (
	"errors"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/mpapenbr/iracelog-session-sync/log"
	"github.com/mpapenbr/iracelog-session-sync/pkg/ingress"
)

const DefaultPrefix = "telemetry"

type (
	Option     func(s *Subscriber)
	Subscriber struct {
		nc     *nats.Conn
		sink   ingress.Sink
		prefix string
		log    *log.Logger
		subs   []*nats.Subscription
		stats  ingress.Stats
	}
	// releaser is implemented by sinks that track producer lifetimes
	releaser interface {
		Release(producerID string)
	}
)

var ErrStarted = errors.New("subscriber already started")

func WithPrefix(prefix string) Option {
	return func(s *Subscriber) {
		s.prefix = strings.TrimSuffix(prefix, ".")
	}
}

func New(nc *nats.Conn, sink ingress.Sink, opts ...Option) *Subscriber {
	ret := &Subscriber{
		nc:     nc,
		sink:   sink,
		prefix: DefaultPrefix,
		log:    log.Default().Named("ingress.nats"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// SampleSubject is the subject a producer publishes its samples to.
func SampleSubject(prefix, producerID string) string {
	return prefix + ".sample." + producerID
}

// ByeSubject ends the session of a producer.
func ByeSubject(prefix, producerID string) string {
	return prefix + ".bye." + producerID
}

func (s *Subscriber) SampleSubject(producerID string) string {
	return SampleSubject(s.prefix, producerID)
}

func (s *Subscriber) ByeSubject(producerID string) string {
	return ByeSubject(s.prefix, producerID)
}

// Start subscribes to sample and bye subjects. Messages of one subscription
// are delivered in order.
func (s *Subscriber) Start() error {
	if len(s.subs) > 0 {
		return ErrStarted
	}
	sampleSub, err := s.nc.Subscribe(s.SampleSubject("*"), s.onSample)
	if err != nil {
		return err
	}
	byeSub, err := s.nc.Subscribe(s.ByeSubject("*"), s.onBye)
	if err != nil {
		//nolint:errcheck // already failing
		sampleSub.Unsubscribe()
		return err
	}
	s.subs = []*nats.Subscription{sampleSub, byeSub}
	s.log.Info("listening for samples", log.String("subject", sampleSub.Subject))
	return nil
}

// Stop drains the subscriptions. Pending messages are still processed.
func (s *Subscriber) Stop() error {
	var errs []error
	for _, sub := range s.subs {
		errs = append(errs, sub.Drain())
	}
	s.subs = nil
	s.log.Debug("stopped",
		log.Uint64("received", s.stats.Received.Load()),
		log.Uint64("malformed", s.stats.Malformed.Load()),
		log.Uint64("rejected", s.stats.Rejected.Load()))
	return errors.Join(errs...)
}

func (s *Subscriber) Stats() *ingress.Stats { return &s.stats }

func (s *Subscriber) onSample(msg *nats.Msg) {
	producer := lastToken(msg.Subject)
	if err := ingress.Handle(s.sink, producer, msg.Data, &s.stats, s.log); err != nil {
		s.log.Error("ingest failed",
			log.String("producer", producer),
			log.ErrorField(err))
	}
}

func (s *Subscriber) onBye(msg *nats.Msg) {
	producer := lastToken(msg.Subject)
	s.log.Info("producer said goodbye", log.String("producer", producer))
	if r, ok := s.sink.(releaser); ok {
		r.Release(producer)
	}
}

func lastToken(subject string) string {
	if idx := strings.LastIndexByte(subject, '.'); idx >= 0 {
		return subject[idx+1:]
	}
	return subject
}
