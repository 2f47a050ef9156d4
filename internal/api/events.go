package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/common/logger"
	"github.com/orbitmesh/orbitmesh/internal/events/bus"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 54 * time.Second
	streamSendBuffer = 256
)

// StreamHandler bridges the event bus to websocket subscribers. Each
// connection carries a single subscription; the topic filter comes from the
// ?topic= query parameter and supports the bus wildcard syntax.
type StreamHandler struct {
	bus      bus.EventBus
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// NewStreamHandler creates the event stream handler.
func NewStreamHandler(eventBus bus.EventBus, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		bus: eventBus,
		log: log.WithFields(zap.String("component", "event_stream")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type streamEnvelope struct {
	Subject string     `json:"subject"`
	Event   *bus.Event `json:"event"`
}

// Subscribe upgrades the connection and forwards matching events until the
// client disconnects. Slow consumers have events dropped, not buffered
// without bound.
// GET /api/v1/events?topic=job.*
func (h *StreamHandler) Subscribe(c *gin.Context) {
	topic := c.DefaultQuery("topic", ">")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	send := make(chan []byte, streamSendBuffer)
	done := make(chan struct{})

	sub, err := h.bus.Subscribe(topic, func(_ context.Context, event *bus.Event) error {
		data, merr := json.Marshal(streamEnvelope{Subject: event.Type, Event: event})
		if merr != nil {
			return merr
		}
		select {
		case send <- data:
		default:
			// Slow consumer. Drop rather than stall the bus.
		}
		return nil
	})
	if err != nil {
		h.log.Error("Event subscription failed", zap.String("topic", topic), zap.Error(err))
		conn.Close()
		return
	}

	h.log.Debug("Event stream opened", zap.String("topic", topic), zap.String("remote", conn.RemoteAddr().String()))

	// Read pump. The client sends nothing meaningful; this detects close and
	// keeps pong handling alive.
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(streamPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		sub.Unsubscribe()
		conn.Close()
	}()

	for {
		select {
		case data := <-send:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
