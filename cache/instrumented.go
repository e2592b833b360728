package cache

import (
	"context"
	"errors"
	"time"

	"github.com/Mrlabani/mega-proxy/telemetry"
)

// InstrumentedCache wraps a Cache with metrics recording.
type InstrumentedCache struct {
	cache Cache
	name  string
}

// NewInstrumented creates a new instrumented cache wrapper. name labels the
// store in metrics, e.g. "redis" or "bolt".
func NewInstrumented(c Cache, name string) *InstrumentedCache {
	return &InstrumentedCache{cache: c, name: name}
}

func (ic *InstrumentedCache) Get(ctx context.Context, key string) (string, error) {
	start := time.Now()
	val, err := ic.cache.Get(ctx, key)
	outcome := "hit"
	switch {
	case errors.Is(err, ErrNotFound):
		outcome = "miss"
	case err != nil:
		outcome = "error"
	}
	telemetry.RecordCacheOp(ctx, ic.name, "get", outcome, time.Since(start))
	return val, err
}

func (ic *InstrumentedCache) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	start := time.Now()
	err := ic.cache.SetWithTTL(ctx, key, value, ttl)
	telemetry.RecordCacheOp(ctx, ic.name, "set", outcomeFromError(err), time.Since(start))
	return err
}

func (ic *InstrumentedCache) Ping(ctx context.Context) error {
	start := time.Now()
	err := ic.cache.Ping(ctx)
	telemetry.RecordCacheOp(ctx, ic.name, "ping", outcomeFromError(err), time.Since(start))
	return err
}

func (ic *InstrumentedCache) Close() error {
	return ic.cache.Close()
}

func outcomeFromError(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
