package replay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/mpapenbr/iracelog-session-sync/pkg/ingress"
	"github.com/mpapenbr/iracelog-session-sync/pkg/ingress/natsin"
	"github.com/mpapenbr/iracelog-session-sync/pkg/ingress/wsin"
)

const writeWait = time.Second

type wsTarget struct {
	conn *websocket.Conn
}

func newWsTarget(ctx context.Context, url string) (*wsTarget, error) {
	header := http.Header{}
	header.Set(wsin.VersionHeader, ingress.RequiredProducerVersion)
	//nolint:bodyclose // closed by websocket
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return &wsTarget{conn: conn}, nil
}

func (t *wsTarget) send(_ context.Context, data []byte) error {
	//nolint:errcheck // write reports the error
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTarget) close() error {
	err := t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replay done"),
		time.Now().Add(writeWait))
	return errors.Join(err, t.conn.Close())
}

func (t *wsTarget) abort() {
	t.conn.Close()
}

type natsTarget struct {
	nc       *nats.Conn
	prefix   string
	producer string
}

func newNatsTarget(url, prefix, producer string) (*natsTarget, error) {
	nc, err := nats.Connect(url, nats.Name("iss-replay"))
	if err != nil {
		return nil, err
	}
	return &natsTarget{nc: nc, prefix: prefix, producer: producer}, nil
}

func (t *natsTarget) send(_ context.Context, data []byte) error {
	return t.nc.Publish(natsin.SampleSubject(t.prefix, t.producer), data)
}

func (t *natsTarget) close() error {
	err := t.nc.Publish(natsin.ByeSubject(t.prefix, t.producer), nil)
	return errors.Join(err, t.nc.Drain())
}

func (t *natsTarget) abort() {
	//nolint:errcheck // leaving anyway
	t.nc.Drain()
}
