package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/huddle/internal/retry"
)

// ReconnectConfig bounds reconnection attempts.
type ReconnectConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
}

// DefaultReconnectConfig returns a baseline reconnection config.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2,
		Jitter:       true,
	}
}

// Reconnector retries a connect with bounded exponential backoff. It is
// only started by callers that observed an unexpected close; the Manager
// never reconnects on its own. Permanent errors, including rejected
// tokens, stop it immediately.
type Reconnector struct {
	Config ReconnectConfig
	Logger *slog.Logger

	// Sleep waits between attempts. Defaults to retry.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Run calls connect until it succeeds, the context is canceled, a permanent
// error is returned or MaxAttempts is reached. It returns the last error.
func (r *Reconnector) Run(ctx context.Context, connect func(context.Context) error) error {
	if connect == nil {
		return errors.New("reconnector: connect func is nil")
	}
	cfg := r.Config
	defaults := DefaultReconnectConfig()
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaults.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}
	if cfg.Factor <= 0 {
		cfg.Factor = defaults.Factor
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = retry.Sleep
	}

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		delay := retry.Backoff(attempt+1, cfg.InitialDelay, cfg.MaxDelay, cfg.Factor)
		if cfg.Jitter {
			delay = retry.BackoffWithJitter(attempt+1, cfg.InitialDelay, cfg.MaxDelay, cfg.Factor)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}

		err := connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		attempt++
		if retry.IsPermanent(err) || errors.Is(err, ErrSuperseded) {
			if r.Logger != nil {
				r.Logger.Warn("reconnect abandoned", "attempt", attempt, "error", err)
			}
			return err
		}
		if r.Logger != nil {
			r.Logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return err
		}
	}
}
