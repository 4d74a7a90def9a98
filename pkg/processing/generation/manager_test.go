package generation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type disconnects struct {
	mu   sync.Mutex
	gens []model.Generation
	errs []error
}

func (d *disconnects) record(gen model.Generation, reason error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gens = append(d.gens, gen)
	d.errs = append(d.errs, reason)
}

func (d *disconnects) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.gens)
}

func newTestManager() (*Manager, *fakeClock, *disconnects) {
	clk := &fakeClock{t: time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)}
	d := &disconnects{}
	m := NewManager(
		WithTimeout(5*time.Second),
		WithClock(clk.now),
		WithDisconnectFunc(d.record))
	return m, clk, d
}

func TestManager_Resolve(t *testing.T) {
	m, _, _ := newTestManager()
	g1 := m.Resolve("producer-a")
	assert.Equal(t, model.Generation(1), g1)
	assert.Equal(t, g1, m.Resolve("producer-a"), "stable for same producer")
	assert.True(t, m.Observe(g1))
	assert.Equal(t, StateConnected, m.State())

	// producer restarted with new id
	g2 := m.Resolve("producer-b")
	assert.Equal(t, model.Generation(2), g2)
	assert.True(t, m.Observe(g2))
	assert.Equal(t, g2, m.Current())

	// in-flight sample of the old process keeps its old generation
	assert.Equal(t, g1, m.Resolve("producer-a"))
	assert.False(t, m.Observe(g1))
}

func TestManager_Timeout(t *testing.T) {
	m, clk, d := newTestManager()
	g1 := m.Resolve("p")
	m.Observe(g1)

	clk.advance(4 * time.Second)
	assert.False(t, m.Check())
	m.Observe(g1)
	clk.advance(6 * time.Second)
	assert.True(t, m.Check())
	assert.False(t, m.Check(), "only once per disconnect")
	assert.Equal(t, StateDisconnected, m.State())
	require.Equal(t, 1, d.count())
	assert.Equal(t, g1, d.gens[0])
	assert.ErrorIs(t, d.errs[0], model.ErrProducerTimeout)

	// the dead generation cannot reconnect
	assert.False(t, m.Observe(g1))
	// the producer resumes with a new generation
	g2 := m.Resolve("p")
	assert.Greater(t, g2, g1)
	assert.True(t, m.Observe(g2))
	assert.Equal(t, StateConnected, m.State())
}

func TestManager_Release(t *testing.T) {
	m, _, d := newTestManager()
	id, gen := m.Connect()
	m.Release(id)
	assert.Equal(t, 0, d.count(), "never connected")

	m.Observe(gen)
	m.Release("unknown")
	assert.Equal(t, 0, d.count())
	m.Release(id)
	require.Equal(t, 1, d.count())
	assert.ErrorIs(t, d.errs[0], ErrConnectionClosed)
}

func TestManager_Reset(t *testing.T) {
	m, _, d := newTestManager()
	g := m.Resolve("p")
	m.Observe(g)
	assert.Equal(t, g, m.Reset())
	assert.Equal(t, 1, d.count())
	assert.ErrorIs(t, d.errs[0], ErrReset)
	assert.NotEqual(t, g, m.Resolve("p"))
}

func TestManager_Prune(t *testing.T) {
	m, _, _ := newTestManager()
	for i := 0; i < 3*keepGenerations; i++ {
		m.Observe(m.Resolve(fmt.Sprintf("p-%d", i)))
	}
	assert.LessOrEqual(t, len(m.producers), keepGenerations+1)
}

func TestManager_Run(t *testing.T) {
	d := &disconnects{}
	m := NewManager(WithTimeout(50*time.Millisecond), WithDisconnectFunc(d.record))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	m.Observe(m.Resolve("p"))
	assert.Eventually(t, func() bool { return d.count() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestManager_ObserveRaisesAllocation(t *testing.T) {
	m, _, _ := newTestManager()
	require.True(t, m.Observe(10))
	m.Reset()

	_, gen := m.Connect()
	assert.Greater(t, gen, model.Generation(10))
	assert.True(t, m.Observe(gen), "new connection is not stale")
}

func TestManager_Claim(t *testing.T) {
	m, _, _ := newTestManager()

	gen, err := m.Claim("p", 7)
	require.NoError(t, err)
	assert.Equal(t, model.Generation(7), gen)
	gen, err = m.Claim("p", 7)
	require.NoError(t, err)
	assert.Equal(t, model.Generation(7), gen)

	_, err = m.Claim("q", 5)
	assert.ErrorIs(t, err, ErrMismatch, "not newer than generations seen")

	gen, err = m.Claim("q", 0)
	require.NoError(t, err)
	assert.Equal(t, model.Generation(8), gen)

	id, assigned := m.Connect()
	_, err = m.Claim(id, assigned+10)
	assert.ErrorIs(t, err, ErrMismatch, "assigned generation can't be replaced")
	gen, err = m.Claim(id, assigned)
	require.NoError(t, err)
	assert.Equal(t, assigned, gen)
}

func TestManager_ClaimNewGenerationAfterReset(t *testing.T) {
	m, _, _ := newTestManager()
	_, err := m.Claim("p", 3)
	require.NoError(t, err)
	require.True(t, m.Observe(3))
	m.Reset()

	assert.False(t, m.Observe(3))
	gen, err := m.Claim("p", 4)
	require.NoError(t, err)
	assert.True(t, m.Observe(gen))
}

func TestManager_ReleaseClaimedProducer(t *testing.T) {
	m, _, d := newTestManager()
	gen, err := m.Claim("p", 5)
	require.NoError(t, err)
	m.Observe(gen)

	m.Release("p")
	require.Equal(t, 1, d.count())
	assert.Equal(t, gen, d.gens[0])
	assert.ErrorIs(t, d.errs[0], ErrConnectionClosed)
	assert.Equal(t, StateDisconnected, m.State())
}
