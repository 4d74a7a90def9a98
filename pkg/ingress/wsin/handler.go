// Package wsin accepts telemetry producers via websocket. Every connection is
// a producer of its own; closing the connection ends its session.
package wsin

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mpapenbr/iracelog-session-sync/log"
	"github.com/mpapenbr/iracelog-session-sync/pkg/ingress"
)

const (
	VersionHeader     = "X-Producer-Version"
	defaultReadLimit  = 64 * 1024
	defaultPingPeriod = 2 * time.Second
	writeWait         = time.Second
)

type (
	Option  func(h *Handler)
	Handler struct {
		producers  ingress.Producers
		upgrader   websocket.Upgrader
		readLimit  int64
		pingPeriod time.Duration
		log        *log.Logger
		stats      ingress.Stats
	}
)

func WithCheckOrigin(f func(r *http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = f }
}

func WithReadLimit(n int64) Option {
	return func(h *Handler) { h.readLimit = n }
}

func WithPingPeriod(d time.Duration) Option {
	return func(h *Handler) { h.pingPeriod = d }
}

func NewHandler(producers ingress.Producers, opts ...Option) *Handler {
	ret := &Handler{
		producers:  producers,
		readLimit:  defaultReadLimit,
		pingPeriod: defaultPingPeriod,
		log:        log.Default().Named("ingress.ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

func (h *Handler) Stats() *ingress.Stats { return &h.stats }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	version := r.Header.Get(VersionHeader)
	if version == "" {
		version = r.URL.Query().Get("version")
	}
	if !ingress.CheckProducerVersion(version) {
		h.log.Warn("producer version not supported",
			log.String("version", version),
			log.String("required", ingress.RequiredProducerVersion))
		http.Error(w, "producer version not supported, need "+
			ingress.RequiredProducerVersion, http.StatusUpgradeRequired)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already replied
		h.log.Debug("upgrade failed", log.ErrorField(err))
		return
	}
	defer conn.Close()

	producerID := h.producers.Connect()
	defer h.producers.Release(producerID)
	logger := h.log.With(log.String("producer", producerID))
	logger.Info("producer connected",
		log.String("remote", r.RemoteAddr),
		log.String("version", version))

	done := make(chan struct{})
	defer close(done)
	go h.ping(conn, done)

	conn.SetReadLimit(h.readLimit)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("connection lost", log.ErrorField(err))
			} else {
				logger.Info("producer disconnected")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := ingress.Handle(h.producers, producerID, data, &h.stats, logger); err != nil {
			logger.Error("ingest failed", log.ErrorField(err))
		}
	}
}

// ping keeps intermediaries from closing idle producer connections
func (h *Handler) ping(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				return
			}
		}
	}
}
