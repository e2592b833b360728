// Package cache defines the metadata cache contract used by the proxy and an
// instrumented wrapper shared by the store implementations.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	megaproxy "github.com/Mrlabani/mega-proxy"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("cache: not found")

// Cache is a key-value store with per-entry expiry.
// Get and SetWithTTL must each be atomic; implementations must be safe for
// concurrent use. Expiry is owned by the store.
type Cache interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// SetWithTTL stores value at key, expiring after ttl.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store connection.
	Close() error
}

// StoreError is a failure of the underlying store. It matches
// megaproxy.ErrCacheUnavailable with errors.Is.
type StoreError struct {
	Store string
	Op    string
	Err   error
}

// Unavailable wraps err as a StoreError for the named store and operation.
func Unavailable(store, op string, err error) error {
	return &StoreError{Store: store, Op: op, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Store, e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{megaproxy.ErrCacheUnavailable, e.Err}
}
