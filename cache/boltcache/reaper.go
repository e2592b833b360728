package boltcache

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mrlabani/mega-proxy/telemetry"
)

// Reaper periodically deletes expired entries so the database does not grow
// with stale share references.
type Reaper struct {
	store     *Store
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperInterval sets the cleanup interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithReaperBatchSize sets the maximum entries to process per reap cycle.
func WithReaperBatchSize(n int) ReaperOption {
	return func(r *Reaper) {
		r.batchSize = n
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// NewReaper creates a reaper for store. Defaults: interval=5m, batchSize=500.
func NewReaper(store *Store, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		store:     store,
		interval:  5 * time.Minute,
		batchSize: 500,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the reaper loop. It blocks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("cache reaper started", "interval", r.interval, "batchSize", r.batchSize)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("cache reaper stopped")
			return
		case <-ticker.C:
			r.ReapNow(ctx)
		}
	}
}

// ReapNow runs a single reap cycle immediately and returns the number of
// entries deleted.
func (r *Reaper) ReapNow(ctx context.Context) int {
	start := time.Now()

	deleted, err := r.store.DeleteExpired(r.store.now(), r.batchSize)
	telemetry.RecordReaperCycle(ctx, storeName, deleted, time.Since(start))
	if err != nil {
		r.logger.Error("failed to reap expired entries", "error", err)
		return deleted
	}

	if deleted > 0 {
		r.logger.Info("expired entries reaped", "deleted", deleted)
	}
	return deleted
}
