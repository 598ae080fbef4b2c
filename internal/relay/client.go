package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/huddle/internal/observability"
	"github.com/haasonsaas/huddle/internal/protocol"
	"github.com/haasonsaas/huddle/internal/transport"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsSendBuffer      = 64
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// client is one accepted socket.
type client struct {
	id      string
	key     transport.Key
	conn    *websocket.Conn
	hub     *hub
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
	metrics *observability.Metrics
}

func (c *client) run() {
	c.hub.register(c)
	c.metrics.SocketOpened(string(c.key.Kind))
	c.logger.Info("socket accepted")
	defer func() {
		c.hub.unregister(c)
		c.cancel()
		_ = c.conn.Close()
		c.metrics.SocketClosed(string(c.key.Kind))
		c.logger.Info("socket closed")
	}()
	go c.writeLoop()
	c.readLoop()
}

func (c *client) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("socket read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		header, err := protocol.ValidateClientFrame(data)
		if err != nil {
			c.metrics.FrameInvalid(string(c.key.Kind))
			c.sendError(err.Error())
			continue
		}
		kind := header.Kind()
		c.metrics.FrameReceived(string(c.key.Kind), kind)
		c.hub.handle(c, kind, data)
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.cancel()
				_ = c.conn.Close()
				return
			}
		}
	}
}

// enqueue marshals v and queues it without blocking. Frames for a slow or
// closed client are dropped.
func (c *client) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("marshal frame", "error", err)
		return
	}
	kind := ""
	if header, err := protocol.DecodeHeader(data); err == nil {
		kind = header.Kind()
	}
	select {
	case <-c.ctx.Done():
		c.metrics.FrameDropped(string(c.key.Kind))
	case c.send <- data:
		c.metrics.FrameSent(string(c.key.Kind), kind)
	default:
		c.metrics.FrameDropped(string(c.key.Kind))
		c.logger.Warn("send buffer full, dropping frame", "type", kind)
	}
}

func (c *client) sendError(message string) {
	c.enqueue(protocol.ErrorFrame{Type: protocol.TypeError, Message: message})
}
