package realtime

import (
	"context"

	"github.com/haasonsaas/huddle/internal/chat"
	"github.com/haasonsaas/huddle/internal/notify"
	"github.com/haasonsaas/huddle/internal/presence"
	"github.com/haasonsaas/huddle/internal/retry"
	"github.com/haasonsaas/huddle/internal/transport"
)

func (c *Client) onPresenceState(change presence.StateChange) {
	if change.State != presence.StateDisconnected || change.Err == nil {
		return
	}
	id := c.Identity()
	if id.WorkspaceID != change.WorkspaceID {
		return
	}
	key := transport.Key{Kind: transport.KindPresence, UserID: id.UserID, WorkspaceID: id.WorkspaceID}
	c.recoverChannel(transport.KindPresence, id, change.Err, func(ctx context.Context) error {
		return c.presence.Connect(ctx, key)
	})
}

func (c *Client) onChatUpdate(update chat.Update) {
	if update.State != chat.StateClosed || update.Err == nil {
		return
	}
	active := c.chat.Active()
	if active == nil || active.Key() != update.Key {
		return
	}
	key := update.Key
	c.recoverChannel(transport.KindChat, c.Identity(), update.Err, func(ctx context.Context) error {
		if active := c.chat.Active(); active == nil || active.Key() != key {
			return retry.Permanent(errIdentityChanged)
		}
		return c.chat.Open(ctx, key)
	})
}

func (c *Client) onNotifications(snapshot notify.Snapshot) {
	if snapshot.Connected || snapshot.Err == nil {
		return
	}
	id := c.Identity()
	key := transport.Key{Kind: transport.KindNotifications, UserID: id.UserID}
	c.recoverChannel(transport.KindNotifications, id, snapshot.Err, func(ctx context.Context) error {
		return c.notify.Connect(ctx, key)
	})
}

// recoverChannel reacts to an unexpected close of kind. A rejected token
// logs the client out; other failures start one reconnect loop per kind
// when reconnects are enabled. The loop stops once the identity changes.
func (c *Client) recoverChannel(kind transport.Kind, id Identity, cause error, connect func(context.Context) error) {
	if id.IsZero() {
		return
	}
	if transport.IsAuthError(cause) {
		go c.Logout(ReasonUnauthenticated, cause)
		return
	}
	if c.reconnect == nil {
		return
	}

	c.mu.Lock()
	if c.ctx == nil || c.reconnecting[kind] || c.identity != id {
		c.mu.Unlock()
		return
	}
	c.reconnecting[kind] = true
	ctx := c.ctx
	c.mu.Unlock()

	c.logger.Info("reconnecting", "kind", string(kind), "error", cause)
	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.reconnecting, kind)
			c.mu.Unlock()
		}()
		r := transport.Reconnector{Config: *c.reconnect, Logger: c.logger, Sleep: c.sleep}
		err := r.Run(ctx, func(ctx context.Context) error {
			if c.Identity() != id {
				return retry.Permanent(errIdentityChanged)
			}
			return connect(ctx)
		})
		if err != nil {
			c.logger.Warn("reconnect gave up", "kind", string(kind), "error", err)
		}
	}()
}
