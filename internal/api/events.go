package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/chatlink/internal/relay"
)

const (
	eventsPingInterval = 30 * time.Second
	eventsWriteTimeout = 10 * time.Second
)

// EventsHandler streams relay payloads of one session over a WebSocket.
type EventsHandler struct {
	sessions    Sessions
	broadcaster *relay.Broadcaster
	origins     []string
}

// NewEventsHandler creates an events handler. origins are the accepted WebSocket origin patterns.
func NewEventsHandler(sessions Sessions, broadcaster *relay.Broadcaster, origins []string) *EventsHandler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &EventsHandler{sessions: sessions, broadcaster: broadcaster, origins: origins}
}

// RegisterRoutes registers the events route on r.
func (h *EventsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/events/{session_id}/ws", h.ServeHTTP)
}

// ServeHTTP upgrades the request and forwards payloads until either side goes away.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	// Reject unknown sessions before the upgrade so the caller gets a proper status.
	if _, err := h.sessions.GetStatus(r.Context(), sessionID); err != nil {
		WriteError(w, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	payloads, unsubscribe := h.broadcaster.Subscribe(sessionID)
	defer unsubscribe()

	// Subscribers never send; CloseRead handles control frames and cancels ctx on close.
	ctx := ws.CloseRead(r.Context())

	slog.Info("Event stream opened", "session_id", sessionID, "remote_addr", r.RemoteAddr)
	defer slog.Info("Event stream closed", "session_id", sessionID)

	ticker := time.NewTicker(eventsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-payloads:
			if !ok {
				return
			}
			if err := writeJSON(ctx, ws, payload); err != nil {
				slog.Debug("Failed to write event", "error", err, "session_id", sessionID)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, eventsWriteTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				slog.Debug("WebSocket ping failed", "error", err, "session_id", sessionID)
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, eventsWriteTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
