// Package aggregator maintains the authoritative session snapshot from the
// stream of telemetry samples.
package aggregator

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mpapenbr/iracelog-session-sync/log"
	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
	"github.com/mpapenbr/iracelog-session-sync/pkg/utils/metrics"
)

const DefaultReorderWindow = 5

type (
	// Notifier receives every changed snapshot. It is called while the
	// aggregator holds its lock, so it must not block.
	Notifier func(snap model.SessionSnapshot)

	Outcome int

	// Result describes what Ingest did with a sample.
	Result struct {
		Outcome  Outcome
		Changed  bool
		Snapshot model.SessionSnapshot
	}

	Diagnostics struct {
		Accepted    uint64 `json:"accepted"`
		Changed     uint64 `json:"changed"`
		Duplicates  uint64 `json:"duplicates"`
		Late        uint64 `json:"late"`
		Overwrites  uint64 `json:"overwrites"`
		Invalid     uint64 `json:"invalid"`
		Stale       uint64 `json:"stale"`
		NewSessions uint64 `json:"newSessions"`
		Generations uint64 `json:"generations"`
	}

	Option func(a *Aggregator)

	Aggregator struct {
		mu     sync.Mutex
		log    *log.Logger
		window uint64
		notify Notifier
		now    func() time.Time

		current    model.SessionSnapshot
		highestSeq uint64
		lapStart   float64 // source time the current lap started
		lapStartOk bool
		// a session of the current generation ended, the next active sample
		// starts a new one
		ended bool

		accepted    atomic.Uint64
		changed     atomic.Uint64
		duplicates  atomic.Uint64
		late        atomic.Uint64
		overwrites  atomic.Uint64
		invalid     atomic.Uint64
		stale       atomic.Uint64
		newSessions atomic.Uint64
		generations atomic.Uint64
	}
)

const (
	OutcomeRejected Outcome = iota
	OutcomeApplied
	// sequence id already seen
	OutcomeDuplicate
	// lower sequence id within the reorder window, superseded
	OutcomeLate
	// lower sequence id outside the reorder window, applied anyway
	OutcomeOverwrite
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeLate:
		return "late"
	case OutcomeOverwrite:
		return "overwrite"
	default:
		return "rejected"
	}
}

func WithReorderWindow(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.window = uint64(n)
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(a *Aggregator) {
		a.notify = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

func WithLogger(l *log.Logger) Option {
	return func(a *Aggregator) {
		a.log = l
	}
}

func New(opts ...Option) *Aggregator {
	ret := &Aggregator{
		log:    log.Default().Named("aggregator"),
		window: DefaultReorderWindow,
		notify: func(model.SessionSnapshot) {},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.current = model.IdleSnapshot(0, ret.now())
	return ret
}

// Ingest applies a sample to the session state.
// Malformed samples return an *model.InvalidSampleError, samples of a
// superseded generation a *model.StaleGenerationError. Neither changes state.
func (a *Aggregator) Ingest(sample *model.TelemetrySample) (Result, error) {
	if sample == nil {
		a.invalid.Add(1)
		return Result{}, &model.InvalidSampleError{Reason: "nil sample"}
	}
	if err := sample.Validate(); err != nil {
		a.invalid.Add(1)
		a.log.Debug("dropping invalid sample",
			log.Uint64("seq", sample.SequenceID),
			log.ErrorField(err))
		return Result{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if sample.Generation < a.current.Generation {
		a.stale.Add(1)
		return Result{Snapshot: a.current}, &model.StaleGenerationError{
			Sample:  sample.Generation,
			Current: a.current.Generation,
		}
	}

	prev := a.current
	outcome := OutcomeApplied
	if sample.Generation > a.current.Generation {
		a.startGeneration(sample.Generation)
	} else if sample.SequenceID <= a.highestSeq {
		outcome = a.classifyOld(sample.SequenceID)
		if outcome != OutcomeOverwrite {
			a.accepted.Add(1)
			return Result{Outcome: outcome, Snapshot: a.current}, nil
		}
	}

	a.accepted.Add(1)
	a.highestSeq = sample.SequenceID
	next := a.derive(sample)
	changed := !next.SameState(prev)
	a.current = next
	if changed {
		a.changed.Add(1)
		a.notify(next)
	}
	return Result{Outcome: outcome, Changed: changed, Snapshot: next}, nil
}

func (a *Aggregator) classifyOld(seq uint64) Outcome {
	switch {
	case seq == a.highestSeq:
		a.duplicates.Add(1)
		return OutcomeDuplicate
	case a.highestSeq-seq < a.window:
		a.late.Add(1)
		return OutcomeLate
	default:
		a.overwrites.Add(1)
		a.log.Debug("sequence outside reorder window, overwriting",
			log.Uint64("seq", seq),
			log.Uint64("highest", a.highestSeq))
		return OutcomeOverwrite
	}
}

// startGeneration resets everything that belongs to the previous producer
// connection. Identity fields read as unknown until re-sent.
func (a *Aggregator) startGeneration(gen model.Generation) {
	a.generations.Add(1)
	a.log.Info("new producer generation",
		log.Uint64("generation", uint64(gen)),
		log.Uint64("previous", uint64(a.current.Generation)))
	a.current = model.IdleSnapshot(gen, a.now())
	a.highestSeq = 0
	a.lapStartOk = false
	a.ended = false
}

//nolint:cyclop // lap transitions
func (a *Aggregator) derive(s *model.TelemetrySample) model.SessionSnapshot {
	prev := a.current
	if !s.SessionActive {
		// no session: the snapshot reads as idle until a session starts
		if prev.SessionActive {
			a.log.Info("session ended",
				log.Uint64("generation", uint64(prev.Generation)),
				log.Int("sessionNum", prev.SessionNum))
			a.ended = true
		}
		a.lapStartOk = false
		next := model.IdleSnapshot(prev.Generation, a.now())
		next.SequenceID = s.SequenceID
		next.SessionNum = prev.SessionNum
		return next
	}
	next := prev
	next.LastUpdated = a.now()
	next.SequenceID = s.SequenceID
	if s.CarName != "" {
		next.CarName = s.CarName
	}
	if s.TrackName != "" {
		next.TrackName = s.TrackName
	}
	next.Position = s.Position
	next.SessionActive = s.SessionActive

	switch {
	case a.ended:
		a.ended = false
		a.newSessions.Add(1)
		next.SessionNum++
		next.LastLapTime = 0
		next.BestLapTime = 0
		a.lapStart, a.lapStartOk = s.SourceTime, true
	case s.Lap < prev.Lap:
		// lap numbers only go down when the simulator started a new session
		a.newSessions.Add(1)
		next.SessionNum++
		next.LastLapTime = 0
		next.BestLapTime = 0
		a.lapStart, a.lapStartOk = s.SourceTime, true
	case s.Lap > prev.Lap:
		if a.lapStartOk && s.Lap == prev.Lap+1 {
			if lapTime := s.SourceTime - a.lapStart; lapTime > 0 {
				next.LastLapTime = lapTime
				if next.BestLapTime == 0 || lapTime < next.BestLapTime {
					next.BestLapTime = lapTime
				}
			}
		} else {
			next.LastLapTime = 0
		}
		a.lapStart, a.lapStartOk = s.SourceTime, true
	}
	next.Lap = s.Lap
	return next
}

// Disconnect ends the session of the given generation and resets the
// snapshot to the idle sentinel. A zero generation means the current one.
// Calls for an older generation or on an already idle snapshot are no-ops.
func (a *Aggregator) Disconnect(gen model.Generation) (model.SessionSnapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != 0 && gen != a.current.Generation {
		return a.current, false
	}
	if a.current.IsIdle() {
		return a.current, false
	}
	a.log.Info("session ended",
		log.Uint64("generation", uint64(a.current.Generation)))
	next := model.IdleSnapshot(a.current.Generation, a.now())
	next.SequenceID = a.current.SequenceID
	next.SessionNum = a.current.SessionNum
	a.current = next
	a.lapStartOk = false
	a.ended = true
	a.changed.Add(1)
	a.notify(next)
	return next, true
}

// Snapshot returns a copy of the current snapshot.
func (a *Aggregator) Snapshot() model.SessionSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *Aggregator) Diagnostics() Diagnostics {
	return Diagnostics{
		Accepted:    a.accepted.Load(),
		Changed:     a.changed.Load(),
		Duplicates:  a.duplicates.Load(),
		Late:        a.late.Load(),
		Overwrites:  a.overwrites.Load(),
		Invalid:     a.invalid.Load(),
		Stale:       a.stale.Load(),
		NewSessions: a.newSessions.Load(),
		Generations: a.generations.Load(),
	}
}

// IsRecoverable reports whether err is one of the ingestion errors that are
// handled locally (dropped and counted).
func IsRecoverable(err error) bool {
	return errors.Is(err, model.ErrInvalidSample) ||
		errors.Is(err, model.ErrStaleGeneration)
}

func (a *Aggregator) RegisterMetrics() {
	metrics.Register("iss.aggregator",
		[]attribute.KeyValue{attribute.String("component", "aggregator")},
		metrics.Count("iss.aggregator.accepted", "Number of accepted samples",
			a.accepted.Load),
		metrics.Count("iss.aggregator.changed", "Number of snapshot changes",
			a.changed.Load),
		metrics.Count("iss.aggregator.duplicates", "Number of duplicate samples",
			a.duplicates.Load),
		metrics.Count("iss.aggregator.late", "Number of superseded late samples",
			a.late.Load),
		metrics.Count("iss.aggregator.invalid", "Number of invalid samples",
			a.invalid.Load),
		metrics.Count("iss.aggregator.stale", "Number of stale generation samples",
			a.stale.Load),
	)
}
