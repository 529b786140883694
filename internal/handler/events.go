package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agrimatch/backend/internal/domain"
	"github.com/agrimatch/backend/internal/infrastructure/redis"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// EventsHandler streams marketplace events to WebSocket clients. Each
// connection gets its own Redis subscription to the broadcast channel plus,
// when requested, one contract channel. Delivery is best effort; a missed
// event is recovered by re-reading the resource.
type EventsHandler struct {
	redisClient    *redis.Client
	logger         *slog.Logger
	allowedOrigins []string
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(redisClient *redis.Client, logger *slog.Logger, allowedOrigins []string) *EventsHandler {
	return &EventsHandler{
		redisClient:    redisClient,
		logger:         logger,
		allowedOrigins: allowedOrigins,
	}
}

// upgrader is initialized per-request to use instance's allowed origins
func (h *EventsHandler) getUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Allow requests with no origin (e.g., non-browser clients)
				return true
			}
			for _, allowed := range h.allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			h.logger.Warn("websocket origin rejected", slog.String("origin", origin))
			return false
		},
	}
}

// ServeHTTP handles GET /ws/events requests. The optional ?contract=<id>
// query parameter adds that contract's channel to the subscription.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.redisClient == nil {
		http.Error(w, "event streaming disabled", http.StatusNotImplemented)
		return
	}

	channels := []string{domain.ChannelBroadcast}
	if contractID := r.URL.Query().Get("contract"); contractID != "" {
		channels = append(channels, domain.ContractChannel(contractID))
	}

	upgrader := h.getUpgrader()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	ctx := r.Context()
	sub := h.redisClient.Subscribe(ctx, channels...)
	defer sub.Close()

	h.logger.Debug("event stream opened", slog.Any("channels", channels))

	// Reader goroutine: consume control frames and detect disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-pinger.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-messages:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				h.logger.Debug("event stream closed", slog.String("reason", err.Error()))
				return
			}
		}
	}
}
