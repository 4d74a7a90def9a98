package natsin

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
	"github.com/mpapenbr/iracelog-session-sync/testsupport/tcnats"
)

type recordingSink struct {
	mu       sync.Mutex
	samples  []*model.TelemetrySample
	released []string
}

func (r *recordingSink) Ingest(producerID string, s *model.TelemetrySample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
	return nil
}

func (r *recordingSink) Release(producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, producerID)
}

func (r *recordingSink) counts() (samples, released int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples), len(r.released)
}

func TestLastToken(t *testing.T) {
	assert.Equal(t, "p1", lastToken("telemetry.sample.p1"))
	assert.Equal(t, "p1", lastToken("p1"))
}

func TestSubscriber(t *testing.T) {
	nc := tcnats.Connect(t)
	sink := &recordingSink{}
	sub := New(nc, sink, WithPrefix("test."))
	require.NoError(t, sub.Start())
	assert.ErrorIs(t, sub.Start(), ErrStarted)

	require.NoError(t, nc.Publish(sub.SampleSubject("p1"), []byte(`{"sequenceId":1,"lap":1}`)))
	require.NoError(t, nc.Publish(sub.SampleSubject("p1"), []byte(`{"sequenceId":2,"lap":1}`)))
	require.NoError(t, nc.Publish(sub.SampleSubject("p1"), []byte(`broken`)))
	require.NoError(t, nc.Publish(sub.ByeSubject("p1"), nil))
	require.NoError(t, nc.Flush())

	assert.Eventually(t, func() bool {
		s, r := sink.counts()
		return s == 2 && r == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, sub.Stop())

	assert.Equal(t, "p1", sink.samples[0].ProducerID)
	assert.Equal(t, uint64(2), sink.samples[1].SequenceID)
	assert.Equal(t, []string{"p1"}, sink.released)
	assert.Equal(t, uint64(1), sub.Stats().Malformed.Load())
}
