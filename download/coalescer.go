// Package download coalesces concurrent metadata lookups for the same share
// reference and streams resolved objects to HTTP clients.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	megaproxy "github.com/Mrlabani/mega-proxy"
	"golang.org/x/sync/singleflight"
)

// DefaultResolveTimeout bounds a single upstream metadata lookup.
const DefaultResolveTimeout = 30 * time.Second

// Coalescer wraps a Resolver so that concurrent Resolve calls for the same
// reference share one upstream lookup. It uses DoChan so each caller can
// respect its own context deadline without cancelling the in-flight lookup
// for others. Results are never retained once the lookup finishes.
type Coalescer struct {
	resolver megaproxy.Resolver
	group    singleflight.Group
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures a Coalescer.
type Option func(*Coalescer)

// WithLogger sets the logger for the coalescer.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coalescer) {
		c.logger = logger
	}
}

// WithResolveTimeout bounds each shared upstream lookup. Zero disables the
// bound.
func WithResolveTimeout(d time.Duration) Option {
	return func(c *Coalescer) {
		c.timeout = d
	}
}

// NewCoalescer wraps r.
func NewCoalescer(r megaproxy.Resolver, opts ...Option) *Coalescer {
	c := &Coalescer{
		resolver: r,
		timeout:  DefaultResolveTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve deduplicates concurrent lookups for ref. The upstream call runs on
// a context detached from any single caller, bounded by the resolve timeout.
//
// If the caller's context expires first, Resolve returns the context error
// but the lookup continues for the other waiters.
func (c *Coalescer) Resolve(ctx context.Context, ref megaproxy.ShareReference) (megaproxy.ObjectMetadata, error) {
	ch := c.group.DoChan(ref.String(), func() (v any, err error) {
		// DoChan re-panics on its own goroutine, where nothing can recover.
		defer func() {
			if p := recover(); p != nil {
				c.logger.Error("resolver panicked", "ref", ref, "panic", p)
				err = fmt.Errorf("resolver panic: %v", p)
			}
		}()

		lookupCtx := context.WithoutCancel(ctx)
		if c.timeout > 0 {
			var cancel context.CancelFunc
			lookupCtx, cancel = context.WithTimeout(lookupCtx, c.timeout)
			defer cancel()
		}
		return c.resolver.Resolve(lookupCtx, ref)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.logger.Debug("shared metadata lookup", "ref", ref)
		}
		if res.Err != nil {
			return megaproxy.ObjectMetadata{}, res.Err
		}
		return res.Val.(megaproxy.ObjectMetadata), nil
	case <-ctx.Done():
		return megaproxy.ObjectMetadata{}, ctx.Err()
	}
}

// OpenStream is passed straight through; streams are never shared.
func (c *Coalescer) OpenStream(ctx context.Context, ref megaproxy.ShareReference) (io.ReadCloser, error) {
	return c.resolver.OpenStream(ctx, ref)
}

// Forget drops an in-flight lookup so the next caller starts a fresh one.
func (c *Coalescer) Forget(ref megaproxy.ShareReference) {
	c.group.Forget(ref.String())
}
