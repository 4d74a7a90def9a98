package replay

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/iracelog-session-sync/pkg/ingress/wsin"
	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
	"github.com/mpapenbr/iracelog-session-sync/pkg/service"
)

const recording = `
{"producerId":"rec","generation":7,"sequenceId":1,"carName":"BMW M4 GT3","trackName":"Spa","lap":1,"position":3,"sessionActive":true,"sourceTime":10}
not json
{"sequenceId":2,"carName":"BMW M4 GT3","trackName":"Spa","lap":2,"position":2,"sessionActive":true,"sourceTime":12.5}

{"sequenceId":3,"carName":"BMW M4 GT3","trackName":"Spa","lap":3,"position":1,"sessionActive":true,"sourceTime":14}
`

type memTarget struct {
	mu     sync.Mutex
	data   []string
	closed bool
}

func (m *memTarget) send(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append(m.data, string(data))
	return nil
}

func (m *memTarget) close() error {
	m.closed = true
	return nil
}

func (m *memTarget) abort() {}

func TestSource(t *testing.T) {
	src := newSource(strings.NewReader(recording))
	var got []*model.TelemetrySample
	for {
		s, err := src.next()
		if err != nil {
			break
		}
		got = append(got, s)
	}
	require.Len(t, got, 3)
	assert.Equal(t, 1, src.skipped)
	assert.Empty(t, got[0].ProducerID)
	assert.Equal(t, model.Generation(0), got[0].Generation)
	assert.Equal(t, uint64(3), got[2].SequenceID)
}

func TestDelay(t *testing.T) {
	prev := &model.TelemetrySample{SourceTime: 10}
	tests := []struct {
		name  string
		cur   float64
		speed int
		want  time.Duration
	}{
		{"realtime", 12.5, 1, 2500 * time.Millisecond},
		{"double speed", 12, 2, time.Second},
		{"max speed", 12, 0, 0},
		{"new session", 1, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, delay(prev, &model.TelemetrySample{SourceTime: tt.cur}, tt.speed))
		})
	}
}

func TestReplayer_Pacing(t *testing.T) {
	dst := &memTarget{}
	r := newReplayer(newSource(strings.NewReader(recording)), dst, 1)
	var waits []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	sent, err := r.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	assert.Equal(t, 1, r.skipped)
	assert.Equal(t, []time.Duration{2500 * time.Millisecond, 1500 * time.Millisecond}, waits)
	assert.Contains(t, dst.data[0], `"sequenceId":1`)
	assert.NotContains(t, dst.data[0], `"producerId"`)
}

func TestReplay_Websocket(t *testing.T) {
	svc, err := service.New()
	require.NoError(t, err)
	go func() {
		//nolint:errcheck // checked by Shutdown
		svc.Run(context.Background())
	}()
	defer func() {
		//nolint:errcheck // test cleanup
		svc.Shutdown()
	}()
	srv := httptest.NewServer(wsin.NewHandler(svc))
	defer srv.Close()

	dst, err := newWsTarget(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	sent, err := newReplayer(newSource(strings.NewReader(recording)), dst, 0).
		run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sent)

	assert.Eventually(t, func() bool {
		snap := svc.Snapshot()
		return snap.Lap == 3 && snap.Position == 1 && snap.TrackName == "Spa"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, dst.close())
	assert.Eventually(t, func() bool {
		return svc.Snapshot().IsIdle()
	}, 2*time.Second, 10*time.Millisecond)
}
