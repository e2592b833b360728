package readiness

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ProbeConfig bounds the retries of a readiness probe.
type ProbeConfig struct {
	// InitialInterval is the first retry delay (default 250ms).
	InitialInterval time.Duration

	// MaxInterval caps the delay between retries (default 5s).
	MaxInterval time.Duration

	// MaxElapsed is the total time allowed before the gate fails (default 1m).
	MaxElapsed time.Duration

	// AttemptTimeout bounds each individual check (default 5s).
	AttemptTimeout time.Duration

	Logger *slog.Logger
}

func (c *ProbeConfig) setDefaults() {
	if c.InitialInterval == 0 {
		c.InitialInterval = 250 * time.Millisecond
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = 5 * time.Second
	}
	if c.MaxElapsed == 0 {
		c.MaxElapsed = time.Minute
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Probe runs check with exponential backoff until it succeeds, MaxElapsed
// passes or ctx is cancelled, then resolves g with the outcome. It returns
// the same error the gate was resolved with.
func Probe(ctx context.Context, g *Gate, check func(context.Context) error, cfg ProbeConfig) error {
	cfg.setDefaults()

	attempts, err := retry(ctx, g, check, cfg, cfg.MaxElapsed)
	if err != nil {
		cfg.Logger.Error("readiness probe gave up", "gate", g.Name(), "attempts", attempts, "error", err)
	} else {
		cfg.Logger.Info("collaborator ready", "gate", g.Name(), "attempts", attempts)
	}
	g.Resolve(err)
	return err
}

// Rearm keeps checking a failed gate with backoff and marks it ready on the
// first success. It returns at once if g is not failed, and otherwise
// blocks until recovery or until ctx is done.
func Rearm(ctx context.Context, g *Gate, check func(context.Context) error, cfg ProbeConfig) error {
	if g.State() != Failed {
		return nil
	}
	cfg.setDefaults()

	attempts, err := retry(ctx, g, check, cfg, 0)
	if err != nil {
		return err
	}
	cfg.Logger.Info("collaborator recovered", "gate", g.Name(), "attempts", attempts)
	g.Resolve(nil)
	return nil
}

// retry runs check until it succeeds. A zero maxElapsed retries until ctx
// is done.
func retry(ctx context.Context, g *Gate, check func(context.Context) error, cfg ProbeConfig, maxElapsed time.Duration) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		defer cancel()
		return struct{}{}, check(attemptCtx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			cfg.Logger.Warn("readiness probe failed, retrying",
				"gate", g.Name(),
				"attempt", attempt,
				"retry_in", next,
				"error", err,
			)
		}),
	)
	return attempt, err
}
