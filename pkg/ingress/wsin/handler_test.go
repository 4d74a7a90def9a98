package wsin

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
)

type fakeProducers struct {
	mu       sync.Mutex
	next     int
	samples  map[string][]*model.TelemetrySample
	released []string
}

func (f *fakeProducers) Connect() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return string(rune('a' + f.next - 1))
}

func (f *fakeProducers) Release(producerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, producerID)
}

func (f *fakeProducers) Ingest(producerID string, s *model.TelemetrySample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.samples == nil {
		f.samples = map[string][]*model.TelemetrySample{}
	}
	f.samples[producerID] = append(f.samples[producerID], s)
	return nil
}

func (f *fakeProducers) snapshot() (samples map[string]int, released []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	samples = map[string]int{}
	for k, v := range f.samples {
		samples[k] = len(v)
	}
	return samples, append([]string(nil), f.released...)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHandler_ConnectionLifecycle(t *testing.T) {
	producers := &fakeProducers{}
	srv := httptest.NewServer(NewHandler(producers))
	defer srv.Close()

	header := http.Header{VersionHeader: []string{"v1.2.0"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.NoError(t, err)

	for _, msg := range []string{
		`{"sequenceId":1,"lap":1,"sessionActive":true}`,
		`{"sequenceId":2,"lap":1,"sessionActive":true}`,
		`garbage`,
	} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	}
	assert.Eventually(t, func() bool {
		s, _ := producers.snapshot()
		return s["a"] == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	assert.Eventually(t, func() bool {
		_, r := producers.snapshot()
		return len(r) == 1 && r[0] == "a"
	}, time.Second, 5*time.Millisecond)
}

func TestHandler_EachConnectionIsAProducer(t *testing.T) {
	producers := &fakeProducers{}
	srv := httptest.NewServer(NewHandler(producers))
	defer srv.Close()

	for i := 0; i < 2; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"sequenceId":1}`)))
		assert.Eventually(t, func() bool {
			s, _ := producers.snapshot()
			return len(s) == i+1
		}, time.Second, 5*time.Millisecond)
		conn.Close()
	}
}

func TestHandler_RejectsOldProducer(t *testing.T) {
	producers := &fakeProducers{}
	srv := httptest.NewServer(NewHandler(producers))
	defer srv.Close()

	header := http.Header{VersionHeader: []string{"0.5.0"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
	s, _ := producers.snapshot()
	assert.Empty(t, s)
}
