// Package wsfeed pushes session snapshots and sync status changes to
// renderer clients via websocket. A client gets the current state right
// after connecting and one message per change afterwards.
package wsfeed

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mpapenbr/iracelog-session-sync/log"
	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
	"github.com/mpapenbr/iracelog-session-sync/pkg/publish"
)

const (
	TypeSnapshot   = "snapshot"
	TypeSyncStatus = "syncStatus"

	writeWait  = 2 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type (
	Source interface {
		Subscribe() (publish.SnapshotStream, error)
		Snapshot() model.SessionSnapshot
		SubscribeSyncStatus() <-chan model.SyncStatus
		CancelSyncStatus(ch <-chan model.SyncStatus)
		SyncStatus() model.SyncStatus
	}

	Message struct {
		Type       string                 `json:"type"`
		Snapshot   *model.SessionSnapshot `json:"snapshot,omitempty"`
		SyncStatus *model.SyncStatus      `json:"syncStatus,omitempty"`
	}

	Option  func(h *Handler)
	Handler struct {
		source   Source
		upgrader websocket.Upgrader
		log      *log.Logger
	}
)

func WithCheckOrigin(f func(r *http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = f }
}

func NewHandler(source Source, opts ...Option) *Handler {
	ret := &Handler{
		source: source,
		log:    log.Default().Named("egress.ws"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

func snapshotMsg(s model.SessionSnapshot) *Message {
	return &Message{Type: TypeSnapshot, Snapshot: &s}
}

func statusMsg(s model.SyncStatus) *Message {
	return &Message{Type: TypeSyncStatus, SyncStatus: &s}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stream, err := h.source.Subscribe()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer stream.Close()
	statusC := h.source.SubscribeSyncStatus()
	defer h.source.CancelSyncStatus(statusC)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", log.ErrorField(err))
		return
	}
	defer conn.Close()
	h.log.Debug("renderer connected", log.String("remote", r.RemoteAddr))

	closed := make(chan struct{})
	go readPump(conn, closed)

	if h.write(conn, snapshotMsg(h.source.Snapshot())) != nil ||
		h.write(conn, statusMsg(h.source.SyncStatus())) != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		var err error
		select {
		case <-closed:
			h.log.Debug("renderer disconnected", log.String("remote", r.RemoteAddr))
			return
		case snap, ok := <-stream.C():
			if !ok {
				h.closeConn(conn)
				return
			}
			err = h.write(conn, snapshotMsg(snap))
		case st, ok := <-statusC:
			if !ok {
				statusC = nil
				continue
			}
			err = h.write(conn, statusMsg(st))
		case <-ticker.C:
			err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		}
		if err != nil {
			h.log.Debug("write failed", log.ErrorField(err))
			return
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, msg *Message) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func (h *Handler) closeConn(conn *websocket.Conn) {
	//nolint:errcheck // best effort
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
		time.Now().Add(writeWait))
}

// readPump consumes control frames and detects the client going away.
// Renderer clients never send data.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	//nolint:errcheck // deadline errors surface on the next read
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
