package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/huddle/internal/observability"
	"github.com/haasonsaas/huddle/internal/retry"
)

const (
	defaultPingInterval  = 30 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultMaxFrameBytes = 1 << 20
)

// Endpoints maps channel kinds to socket URLs. Paths may contain
// {workspace_id}, {peer_id} and {user_id} placeholders.
type Endpoints struct {
	BaseURL       string
	Presence      string
	Chat          string
	Notifications string
	Calls         string
}

// DefaultEndpoints returns the standard paths under baseURL.
func DefaultEndpoints(baseURL string) Endpoints {
	return Endpoints{
		BaseURL:       baseURL,
		Presence:      "/ws/presence/{workspace_id}/",
		Chat:          "/ws/chat/{workspace_id}/{peer_id}/",
		Notifications: "/ws/notifications/",
		Calls:         "/ws/calls/",
	}
}

// URL builds the socket URL for key, carrying token as a query parameter.
func (e Endpoints) URL(key Key, token string) (string, error) {
	var tmpl string
	switch key.Kind {
	case KindPresence:
		tmpl = e.Presence
	case KindChat:
		tmpl = e.Chat
	case KindNotifications:
		tmpl = e.Notifications
	case KindCalls:
		tmpl = e.Calls
	}
	if tmpl == "" {
		return "", fmt.Errorf("%w: no endpoint for kind %q", ErrInvalidKey, key.Kind)
	}
	path := strings.NewReplacer(
		"{workspace_id}", url.PathEscape(key.WorkspaceID.String()),
		"{peer_id}", url.PathEscape(key.PeerID.String()),
		"{user_id}", url.PathEscape(key.UserID.String()),
	).Replace(tmpl)

	u, err := url.Parse(strings.TrimRight(e.BaseURL, "/") + path)
	if err != nil {
		return "", fmt.Errorf("invalid socket url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// WebsocketDialer dials sockets with gorilla/websocket.
type WebsocketDialer struct {
	Endpoints Endpoints

	// Token returns the current access token for each dial.
	Token func(ctx context.Context) (string, error)

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	MaxFrameBytes    int64

	Logger *slog.Logger
}

// Dial opens a websocket for key. Handshake rejections with 401 or 403 are
// returned as permanent authentication errors.
func (d *WebsocketDialer) Dial(ctx context.Context, key Key) (Conn, error) {
	var token string
	if d.Token != nil {
		t, err := d.Token(ctx)
		if err != nil {
			return nil, retry.Permanent(&Error{Code: ErrCodeAuthentication, Kind: key.Kind, Message: "token unavailable", Err: err})
		}
		token = t
	}
	target, err := d.Endpoints.URL(key, token)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   8192,
		WriteBufferSize:  8192,
	}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, classifyDialError(ctx, key.Kind, resp, err)
	}

	maxBytes := d.MaxFrameBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxFrameBytes
	}
	conn.SetReadLimit(maxBytes)

	wc := &wsConn{
		conn:         conn,
		pingInterval: orDuration(d.PingInterval, defaultPingInterval),
		writeTimeout: orDuration(d.WriteTimeout, defaultWriteTimeout),
		logger:       observability.OrDefault(d.Logger),
		done:         make(chan struct{}),
	}
	wc.startKeepalive()
	return wc, nil
}

func classifyDialError(ctx context.Context, kind Kind, resp *http.Response, err error) error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return retry.Permanent(&Error{Code: ErrCodeAuthentication, Kind: kind, Message: "handshake rejected: " + resp.Status, Err: err})
		default:
			return &Error{Code: ErrCodeProtocol, Kind: kind, Message: "unexpected handshake response: " + resp.Status, Err: err}
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.Canceled) {
			return ctxErr
		}
		return &Error{Code: ErrCodeTimeout, Kind: kind, Message: "dial timed out", Err: err}
	}
	return &Error{Code: ErrCodeConnection, Kind: kind, Message: "dial failed", Err: err}
}

func orDuration(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// wsConn adapts a gorilla connection to Conn and keeps it alive with pings.
type wsConn struct {
	conn         *websocket.Conn
	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) startKeepalive() {
	pongWait := c.pingInterval * 3 / 2
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(c.writeTimeout)
				if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					c.logger.Debug("websocket ping failed", "error", err)
					return
				}
			}
		}
	}()
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil, ErrClosed
			default:
				return nil, err
			}
		}
		if messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)) //nolint:errcheck
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck
		err = c.conn.Close()
	})
	return err
}
