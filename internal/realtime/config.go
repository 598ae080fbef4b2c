package realtime

import (
	"log/slog"
	"time"

	"github.com/haasonsaas/huddle/internal/chat"
	"github.com/haasonsaas/huddle/internal/config"
	"github.com/haasonsaas/huddle/internal/debounce"
	"github.com/haasonsaas/huddle/internal/observability"
	"github.com/haasonsaas/huddle/internal/protocol"
	"github.com/haasonsaas/huddle/internal/session"
	"github.com/haasonsaas/huddle/internal/transport"
)

// Runtime groups the shared observability handles.
type Runtime struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// NewSession builds the REST session client for cfg.
func NewSession(cfg *config.Config, rt Runtime) *session.Client {
	return session.New(session.Config{
		BaseURL:      cfg.Server.BaseURL,
		ValidatePath: cfg.Auth.ValidatePath,
		RefreshPath:  cfg.Auth.RefreshPath,
		LoginPath:    cfg.Auth.LoginPath,
		AccessToken:  cfg.Auth.Token,
		RefreshToken: cfg.Auth.RefreshToken,
		Logger:       rt.Logger,
		Metrics:      rt.Metrics,
		Tracer:       rt.Tracer,
	})
}

// OptionsFromConfig builds client options for cfg. Sockets authenticate
// with the session's current access token.
func OptionsFromConfig(cfg *config.Config, sess *session.Client, rt Runtime) Options {
	realtimeCfg := cfg.Realtime
	dialer := &transport.WebsocketDialer{
		Endpoints: transport.Endpoints{
			BaseURL:       cfg.Server.WSURL,
			Presence:      cfg.Server.Paths.Presence,
			Chat:          cfg.Server.Paths.Chat,
			Notifications: cfg.Server.Paths.Notifications,
			Calls:         cfg.Server.Paths.Calls,
		},
		Token:            sess.AccessToken,
		HandshakeTimeout: realtimeCfg.DialTimeout,
		PingInterval:     realtimeCfg.PingInterval,
		WriteTimeout:     realtimeCfg.WriteTimeout,
		MaxFrameBytes:    realtimeCfg.MaxFrameBytes,
		Logger:           rt.Logger,
	}

	opts := Options{
		Dialer:             dialer,
		Session:            sess,
		ReadPolicy:         chat.ReadPolicy(realtimeCfg.ReadReceipts),
		ConnectWindow:      debounce.Resolve(realtimeCfg.Debounce, debounce.WindowConnect, nil),
		ReadWindow:         nonZero(debounce.Resolve(realtimeCfg.Debounce, debounce.WindowReadReceipts, nil)),
		NotificationWindow: nonZero(debounce.Resolve(realtimeCfg.Debounce, debounce.WindowNotifications, nil)),
		DialTimeout:        realtimeCfg.DialTimeout,
		ValidateFrames:     realtimeCfg.ValidateFrames == nil || *realtimeCfg.ValidateFrames,
		Logger:             rt.Logger,
		Metrics:            rt.Metrics,
		Tracer:             rt.Tracer,
	}
	if rc := realtimeCfg.Reconnect; rc.Enabled {
		opts.Reconnect = &transport.ReconnectConfig{
			MaxAttempts:  rc.MaxAttempts,
			InitialDelay: rc.InitialDelay,
			MaxDelay:     rc.MaxDelay,
			Factor:       rc.Factor,
			Jitter:       rc.Jitter == nil || *rc.Jitter,
		}
	}
	return opts
}

// nonZero maps a configured zero window to "send immediately" for
// components whose zero value means "use the default".
func nonZero(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

// IdentityFromConfig returns the identity in cfg, falling back to the
// user id carried by the session's access token.
func IdentityFromConfig(cfg *config.Config, sess *session.Client) Identity {
	userID := cfg.Identity.UserID
	if userID == "" && sess != nil {
		userID = sess.UserID()
	}
	return Identity{
		UserID:      protocol.ParseID(userID),
		WorkspaceID: protocol.ParseID(cfg.Identity.WorkspaceID),
		DisplayName: cfg.Identity.DisplayName,
	}
}
