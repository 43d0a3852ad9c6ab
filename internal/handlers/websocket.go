// -----------------------------------------------------------------------
// WebSocket Handler - live event stream for operator tooling.
// Each connection gets its own bus subscription; slow consumers drop
// events rather than stalling the bus.
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dossier/internal/common"
	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// WebSocketHandler streams bus events to connected clients
type WebSocketHandler struct {
	events   interfaces.EventService
	cfg      common.WebSocketConfig
	upgrader websocket.Upgrader
	logger   arbor.ILogger
}

// NewWebSocketHandler creates the event stream handler
func NewWebSocketHandler(events interfaces.EventService, cfg common.WebSocketConfig, logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{
		events: events,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Handle upgrades the connection and streams matching events until the
// client disconnects.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	allowed := make(map[string]bool, len(h.cfg.AllowedEvents))
	for _, t := range h.cfg.AllowedEvents {
		allowed[t] = true
	}

	outbound := make(chan models.Event, 64)
	sub, err := h.events.Subscribe("*", func(ctx context.Context, event models.Event) error {
		if len(allowed) > 0 && !allowed[event.Type] {
			return nil
		}
		select {
		case outbound <- event:
		default:
			// Slow client; the bus already tracks drops per subscription
		}
		return nil
	})
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket subscription failed")
		return
	}
	defer sub.Cancel()

	h.logger.Info().Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

	// Reader goroutine: detect disconnect, discard inbound frames
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			h.logger.Info().Str("remote", r.RemoteAddr).Msg("WebSocket client disconnected")
			return
		case event := <-outbound:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
