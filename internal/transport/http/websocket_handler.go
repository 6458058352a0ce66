package http

import (
	"log/slog"
	"net/http"

	gorilla "github.com/gorilla/websocket"

	"quantlab/internal/websocket"
)

// WebSocketHandler upgrades /ws connections and hands them to the hub.
type WebSocketHandler struct {
	hub      *websocket.Hub
	upgrader gorilla.Upgrader
	logger   *slog.Logger
}

// NewWebSocketHandler creates a websocket handler.
func NewWebSocketHandler(hub *websocket.Hub, readBufferSize, writeBufferSize int, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		hub:      hub,
		upgrader: websocket.Upgrader(readBufferSize, writeBufferSize),
		logger:   logger.With(slog.String("handler", "websocket")),
	}
}

// ServeHTTP handles GET /ws.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error; just log it.
		h.logger.WarnContext(r.Context(), "websocket upgrade failed",
			slog.String("error", err.Error()),
			slog.String("remote_addr", r.RemoteAddr))
		return
	}

	websocket.ServeWS(h.hub, conn, h.logger)
}
