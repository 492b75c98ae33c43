package calls

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
)

// StatusBadSubscribe closes a live connection whose first message names no call.
const StatusBadSubscribe websocket.StatusCode = 4000

const (
	subscribeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// Handler serves the call history API and the live progress websocket.
type Handler struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewHandler creates the HTTP handler for registry.
func NewHandler(registry *Registry, logger zerolog.Logger) *Handler {
	return &Handler{registry: registry, logger: logger}
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/voice/calls", h.handleList)
	mux.HandleFunc("GET /api/voice/calls/live", h.handleLive)
	mux.HandleFunc("GET /api/voice/calls/{id}", h.handleGet)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"calls": h.registry.List()})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	session, err := h.registry.Get(r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "call not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// subscribeMessage accepts either {"subscribe": "CA..."} or {"call_id": "CA..."}.
type subscribeMessage struct {
	Subscribe string `json:"subscribe"`
	CallID    string `json:"call_id"`
}

func (m subscribeMessage) target() string {
	if m.Subscribe != "" {
		return m.Subscribe
	}
	return m.CallID
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Live websocket accept failed")
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	readCtx, cancel := context.WithTimeout(r.Context(), subscribeTimeout)
	var msg subscribeMessage
	err = wsjson.Read(readCtx, conn, &msg)
	cancel()
	if err != nil || msg.target() == "" {
		h.logger.Debug().Err(err).Msg("Live observer sent no subscription")
		_ = conn.Close(StatusBadSubscribe, "expected {\"subscribe\": \"<call_id>\"}")
		return
	}

	callID := msg.target()
	events, unsubscribe := h.registry.Subscribe(callID)
	defer unsubscribe()

	// Nothing more is read from the client; CloseRead cancels ctx when it goes away.
	ctx := conn.CloseRead(r.Context())

	logger := h.logger.With().Str("call_id", callID).Logger()
	logger.Info().Msg("Live observer subscribed")
	defer logger.Info().Msg("Live observer disconnected")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				logger.Debug().Err(err).Msg("Live observer write failed")
				return
			}
			if ev.Stage == StageCallEnded {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
