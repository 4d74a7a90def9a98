// Package generation assigns producer connection generations and detects
// silent producers.
package generation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/mpapenbr/iracelog-session-sync/log"
	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
)

const (
	DefaultTimeout = 5 * time.Second
	// number of superseded generations whose producer ids are remembered
	keepGenerations = 64
)

var (
	ErrConnectionClosed = errors.New("producer connection closed")
	ErrReset            = errors.New("reset requested")
	ErrMismatch         = errors.New("generation does not belong to producer")
)

type (
	State int

	// DisconnectFunc is called (outside of the manager lock) when the current
	// generation is considered dead.
	DisconnectFunc func(gen model.Generation, reason error)

	Option func(m *Manager)

	Manager struct {
		mu           sync.Mutex
		log          *log.Logger
		timeout      time.Duration
		now          func() time.Time
		onDisconnect DisconnectFunc

		last      model.Generation // last allocated
		current   model.Generation // generation of the connected producer
		producers map[string]producer
		lastSeen  time.Time
		state     State
	}

	producer struct {
		gen model.Generation
		// set if the generation was allocated by the manager
		assigned bool
	}
)

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func WithDisconnectFunc(f DisconnectFunc) Option {
	return func(m *Manager) {
		m.onDisconnect = f
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(opts ...Option) *Manager {
	ret := &Manager{
		log:          log.Default().Named("generation"),
		timeout:      DefaultTimeout,
		now:          time.Now,
		onDisconnect: func(model.Generation, error) {},
		producers:    make(map[string]producer),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Connect registers a new producer connection with a random id and returns
// the id together with its generation.
func (m *Manager) Connect() (string, model.Generation) {
	id := uuid.NewString()
	return id, m.Resolve(id)
}

// Resolve returns the generation for a producer id. Unknown producers get a
// new generation. A producer whose generation was declared dead gets a new
// one when it resumes. Producers superseded by a newer connection keep their
// old generation so their samples are rejected as stale.
func (m *Manager) Resolve(producerID string) model.Generation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolve(producerID)
}

func (m *Manager) resolve(producerID string) model.Generation {
	p, ok := m.producers[producerID]
	if ok && !(p.gen == m.current && m.state == StateDisconnected) {
		return p.gen
	}
	m.last++
	m.producers[producerID] = producer{gen: m.last, assigned: true}
	m.log.Debug("assigned generation",
		log.String("producer", producerID),
		log.Uint64("generation", uint64(m.last)))
	m.prune()
	return m.last
}

// Claim checks the generation carried by a sample of producerID. A zero
// generation resolves like Resolve. A producer may bring its own generation
// only if it is newer than every generation seen so far; from then on the
// producer is bound to it. A generation that differs from the one the
// manager assigned to the producer is refused with ErrMismatch.
func (m *Manager) Claim(producerID string, gen model.Generation) (model.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == 0 {
		return m.resolve(producerID), nil
	}
	p, ok := m.producers[producerID]
	switch {
	case ok && p.gen == gen:
		return gen, nil
	case ok && p.assigned:
		return p.gen, ErrMismatch
	case gen > m.last:
		m.last = gen
		m.producers[producerID] = producer{gen: gen}
		m.log.Debug("claimed generation",
			log.String("producer", producerID),
			log.Uint64("generation", uint64(gen)))
		m.prune()
		return gen, nil
	}
	return p.gen, ErrMismatch
}

func (m *Manager) prune() {
	if len(m.producers) <= keepGenerations {
		return
	}
	m.producers = lo.OmitBy(m.producers, func(_ string, p producer) bool {
		return p.gen+keepGenerations < m.last
	})
}

// Observe records activity of a generation. The first sample of a newer
// generation makes it the current one and moves the state to connected.
// Returns false if gen is older than the current generation.
func (m *Manager) Observe(gen model.Generation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	// later allocations must stay above generations chosen by producers
	m.last = max(m.last, gen)
	switch {
	case gen < m.current:
		return false
	case gen > m.current:
		m.log.Info("producer connected",
			log.Uint64("generation", uint64(gen)),
			log.Uint64("previous", uint64(m.current)))
		m.current = gen
		m.state = StateConnected
	case m.state == StateDisconnected:
		// current generation was declared dead, only a new one may reconnect
		return false
	}
	m.lastSeen = m.now()
	return true
}

// Release is called when a producer closed its connection. If it is the
// connected producer the session ends immediately.
func (m *Manager) Release(producerID string) {
	m.mu.Lock()
	p, ok := m.producers[producerID]
	if !ok || p.gen != m.current || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	gen := p.gen
	m.state = StateDisconnected
	m.mu.Unlock()
	m.onDisconnect(gen, ErrConnectionClosed)
}

// Reset declares the current generation dead. Producers have to start a new
// generation to continue.
func (m *Manager) Reset() model.Generation {
	m.mu.Lock()
	gen := m.current
	m.state = StateDisconnected
	m.mu.Unlock()
	m.log.Info("reset requested", log.Uint64("generation", uint64(gen)))
	m.onDisconnect(gen, ErrReset)
	return gen
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Current() model.Generation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Check declares the current generation dead if it was silent for longer than
// the timeout. Returns true if a timeout was detected.
func (m *Manager) Check() bool {
	m.mu.Lock()
	if m.state != StateConnected || m.now().Sub(m.lastSeen) <= m.timeout {
		m.mu.Unlock()
		return false
	}
	gen := m.current
	silent := m.now().Sub(m.lastSeen)
	m.state = StateDisconnected
	m.mu.Unlock()

	m.log.Warn("producer timeout",
		log.Uint64("generation", uint64(gen)),
		log.Duration("silent", silent))
	m.onDisconnect(gen, model.ErrProducerTimeout)
	return true
}

// Run checks for producer timeouts until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := max(m.timeout/10, 10*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}
