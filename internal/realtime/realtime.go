// Package realtime bridges broadcast subscriptions onto WebSocket
// connections so browser and CLI observers can watch journey progress live.
package realtime

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wayline/wayline/internal/broadcast"
	"github.com/wayline/wayline/internal/models"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Handler serves one WebSocket connection per subscriber, fed from the
// broadcaster.
type Handler struct {
	broadcaster *broadcast.Service
	upgrader    websocket.Upgrader
}

// NewHandler creates a WebSocket handler over the given broadcaster.
func NewHandler(b *broadcast.Service) *Handler {
	return &Handler{
		broadcaster: b,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and streams the journey's events as JSON
// frames. The journey id comes from the `journey` query parameter; unknown
// journeys are rejected before the upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	journeyID := r.URL.Query().Get("journey")
	if journeyID == "" {
		http.Error(w, "missing journey parameter", http.StatusBadRequest)
		return
	}

	sub, err := h.broadcaster.Subscribe(journeyID)
	if err != nil {
		if errors.Is(err, models.ErrUnknownExecution) {
			http.Error(w, "unknown journey", http.StatusNotFound)
			return
		}
		http.Error(w, "subscription failed", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.broadcaster.Unsubscribe(journeyID, sub.ID)
		slog.Warn("Realtime.ServeHTTP: websocket upgrade failed", "error", err, "journeyID", journeyID)
		return
	}
	slog.Debug("Realtime.ServeHTTP: subscriber connected", "journeyID", journeyID, "subscriptionID", sub.ID, "remote", r.RemoteAddr)

	go h.readLoop(conn, journeyID, sub.ID)
	h.writeLoop(conn, sub)
}

// readLoop drains client frames so pings are answered; any read error tears
// the subscription down.
func (h *Handler) readLoop(conn *websocket.Conn, journeyID, subscriptionID string) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.broadcaster.Unsubscribe(journeyID, subscriptionID)
			conn.Close()
			slog.Debug("Realtime.readLoop: subscriber disconnected", "journeyID", journeyID, "subscriptionID", subscriptionID)
			return
		}
	}
}

// writeLoop pushes broadcast events to the client until the subscription
// channel closes.
func (h *Handler) writeLoop(conn *websocket.Conn, sub *broadcast.Subscription) {
	defer conn.Close()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.Events:
			if !ok {
				deadline := time.Now().Add(writeTimeout)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "journey finished"), deadline)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(event); err != nil {
				slog.Warn("Realtime.writeLoop: write failed", "error", err, "subscriptionID", sub.ID)
				h.broadcaster.Unsubscribe(sub.JourneyID, sub.ID)
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				h.broadcaster.Unsubscribe(sub.JourneyID, sub.ID)
				return
			}
		}
	}
}
