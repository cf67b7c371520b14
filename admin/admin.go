// Package admin exposes the operator/test surface over HTTP: enumerate
// sessions, inspect one, force a disconnect or expiry, and inject a
// synthetic heartbeat. It is meant to be mounted on an internal listener,
// never exposed to clients.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/elnormous/contenttype"
	"github.com/pushwire/pushwire-go/session"
)

var (
	jsonMediaType  = contenttype.NewMediaType("application/json")
	jsonMediaTypes = []contenttype.MediaType{jsonMediaType}
)

// ConnectionDropper force-closes whichever connection currently holds a
// client's session. The gateway implements it.
type ConnectionDropper interface {
	DropClient(ctx context.Context, clientID string)
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// Handler serves the administrative API.
type Handler struct {
	reg     *session.Registry
	dropper ConnectionDropper
	log     *slog.Logger
	mux     *http.ServeMux
}

var _ http.Handler = (*Handler)(nil)

// NewHandler builds the admin handler on top of the registry and gateway.
func NewHandler(reg *session.Registry, dropper ConnectionDropper, opts ...Option) *Handler {
	h := &Handler{
		reg:     reg,
		dropper: dropper,
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(h)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions", h.handleList)
	mux.HandleFunc("GET /sessions/{client_id}", h.handleGet)
	mux.HandleFunc("POST /sessions/{client_id}/disconnect", h.handleDisconnect)
	mux.HandleFunc("POST /sessions/{client_id}/expire", h.handleExpire)
	mux.HandleFunc("POST /sessions/{client_id}/heartbeat", h.handleHeartbeat)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// writeJSONError emits a minimal JSON error body.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	ctx := r.Context()
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.ErrorContext(ctx, "admin.encode.fail", slog.String("err", err.Error()))
	}
}

// negotiate rejects requests that cannot accept JSON.
func negotiate(w http.ResponseWriter, r *http.Request) bool {
	if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "only application/json is served")
		return false
	}
	return true
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	if !negotiate(w, r) {
		return
	}
	sessions, err := h.reg.List(r.Context())
	if err != nil {
		h.log.ErrorContext(r.Context(), "admin.sessions.list.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "listing sessions failed")
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	if !negotiate(w, r) {
		return
	}
	clientID := r.PathValue("client_id")
	sess, err := h.reg.Get(r.Context(), clientID)
	if errors.Is(err, session.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "unknown client id")
		return
	}
	if err != nil {
		h.log.ErrorContext(r.Context(), "admin.sessions.get.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "loading session failed")
		return
	}
	h.writeJSON(w, r, http.StatusOK, sess)
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	if _, err := h.reg.Get(r.Context(), clientID); errors.Is(err, session.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "unknown client id")
		return
	}
	h.dropper.DropClient(r.Context(), clientID)
	h.log.InfoContext(r.Context(), "admin.sessions.disconnect", slog.String("client_id", clientID))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleExpire(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	// Expiring a live session means dropping its connection first.
	h.dropper.DropClient(r.Context(), clientID)
	if err := h.reg.ForceExpire(r.Context(), clientID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "unknown client id")
			return
		}
		h.log.ErrorContext(r.Context(), "admin.sessions.expire.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "expiring session failed")
		return
	}
	h.log.InfoContext(r.Context(), "admin.sessions.expire", slog.String("client_id", clientID))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	if _, err := h.reg.Get(r.Context(), clientID); errors.Is(err, session.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "unknown client id")
		return
	}
	if err := h.reg.Heartbeat(r.Context(), clientID); err != nil {
		h.log.ErrorContext(r.Context(), "admin.sessions.heartbeat.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
