// Package api provides the small http api of the session service.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/mpapenbr/iracelog-session-sync/log"
	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
	"github.com/mpapenbr/iracelog-session-sync/pkg/service"
)

const tokenHeader = "api-token"

type (
	Session interface {
		Status() service.Status
		Reset() model.Generation
	}
	Option   func(*Handlers)
	Handlers struct {
		session    Session
		adminToken string
		log        *log.Logger
	}
	resetResponse struct {
		Generation model.Generation `json:"generation"`
	}
)

// WithAdminToken protects admin operations. Without token they are open.
func WithAdminToken(token string) Option {
	return func(h *Handlers) { h.adminToken = token }
}

func New(session Session, opts ...Option) *Handlers {
	ret := &Handlers{session: session, log: log.Default().Named("api")}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Register adds the api routes to mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("POST /api/reset", h.reset)
}

func (h *Handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session.Status())
}

func (h *Handlers) reset(w http.ResponseWriter, r *http.Request) {
	if h.adminToken != "" &&
		subtle.ConstantTimeCompare([]byte(r.Header.Get(tokenHeader)),
			[]byte(h.adminToken)) != 1 {
		http.Error(w, "permission denied", http.StatusForbidden)
		return
	}
	gen := h.session.Reset()
	h.log.Info("session reset", log.Uint64("generation", uint64(gen)))
	writeJSON(w, http.StatusOK, resetResponse{Generation: gen})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response", log.ErrorField(err))
	}
}
