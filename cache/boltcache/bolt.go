// Package boltcache implements the metadata cache as an embedded bbolt
// database, for single-node deployments without Redis.
package boltcache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mrlabani/mega-proxy/cache"
	"go.etcd.io/bbolt"
)

const storeName = "bolt"

var (
	bucketEntries  = []byte("entries")   // key -> 8-byte expiry + value
	bucketByExpiry = []byte("by_expiry") // 8-byte expiry + key -> key
)

// Store is a cache.Cache persisted in a bbolt file. Entries carry their
// expiry; Get treats expired entries as missing and the Reaper deletes them.
type Store struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithNoSync disables fsync per transaction. Use only in tests.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// Open opens or creates the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketByExpiry} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.db = db

	s.logger.Debug("opened bolt cache", "path", path)
	return s, nil
}

// Get returns the value at key, or cache.ErrNotFound if absent or expired.
func (s *Store) Get(_ context.Context, key string) (string, error) {
	var val string
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(key))
		if raw == nil {
			return cache.ErrNotFound
		}
		expiresAt, data, err := decodeEntry(raw)
		if err != nil {
			return err
		}
		if !s.now().Before(expiresAt) {
			return cache.ErrNotFound
		}
		val = string(data)
		return nil
	})
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return "", cache.Unavailable(storeName, "get", err)
	}
	return val, err
}

// SetWithTTL stores value at key, replacing any previous entry and its
// expiry index record. A non-positive ttl is rejected.
func (s *Store) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return cache.Unavailable(storeName, "set", fmt.Errorf("invalid ttl %s", ttl))
	}
	expiresAt := s.now().Add(ttl)

	err := s.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		byExpiry := tx.Bucket(bucketByExpiry)

		if old := entries.Get([]byte(key)); old != nil {
			if oldExpiry, _, err := decodeEntry(old); err == nil {
				if err := byExpiry.Delete(makeExpiryKey(oldExpiry, key)); err != nil {
					return fmt.Errorf("removing expiry index: %w", err)
				}
			}
		}

		if err := entries.Put([]byte(key), encodeEntry(expiresAt, []byte(value))); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}
		if err := byExpiry.Put(makeExpiryKey(expiresAt, key), []byte(key)); err != nil {
			return fmt.Errorf("putting expiry index: %w", err)
		}
		return nil
	})
	if err != nil {
		return cache.Unavailable(storeName, "set", err)
	}
	return nil
}

// Ping verifies the database is open and readable.
func (s *Store) Ping(_ context.Context) error {
	err := s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketEntries) == nil {
			return errors.New("entries bucket missing")
		}
		return nil
	})
	if err != nil {
		return cache.Unavailable(storeName, "ping", err)
	}
	return nil
}

// Close closes the database. Later calls fail with bbolt's
// ErrDatabaseNotOpen wrapped as a store error.
func (s *Store) Close() error {
	return s.db.Close()
}

// DeleteExpired removes up to limit entries that expired before the given
// time and returns how many were removed. limit <= 0 means no limit.
func (s *Store) DeleteExpired(before time.Time, limit int) (int, error) {
	cutoff := encodeTimestamp(before)
	deleted := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		byExpiry := tx.Bucket(bucketByExpiry)

		var expired [][]byte
		c := byExpiry.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if bytes.Compare(k[:8], cutoff) >= 0 {
				break
			}
			if limit > 0 && len(expired) >= limit {
				break
			}
			expired = append(expired, bytes.Clone(k))
		}

		for _, k := range expired {
			key := k[8:]
			// Only drop the entry if it still carries this expiry; a newer
			// SetWithTTL has its own index record.
			if raw := entries.Get(key); raw != nil && bytes.Equal(raw[:8], k[:8]) {
				if err := entries.Delete(key); err != nil {
					return err
				}
			}
			if err := byExpiry.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// encodeEntry prefixes value with its fixed-width expiry timestamp.
func encodeEntry(expiresAt time.Time, value []byte) []byte {
	buf := make([]byte, 0, 8+len(value))
	buf = append(buf, encodeTimestamp(expiresAt)...)
	return append(buf, value...)
}

func decodeEntry(raw []byte) (time.Time, []byte, error) {
	if len(raw) < 8 {
		return time.Time{}, nil, fmt.Errorf("corrupt entry: %d bytes", len(raw))
	}
	return decodeTimestamp(raw[:8]), raw[8:], nil
}

// makeExpiryKey creates a key for the by_expiry index.
// Format: [8-byte timestamp][key]
func makeExpiryKey(expiresAt time.Time, key string) []byte {
	buf := make([]byte, 0, 8+len(key))
	buf = append(buf, encodeTimestamp(expiresAt)...)
	return append(buf, key...)
}

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	u := binary.BigEndian.Uint64(b[:8])
	return time.Unix(0, int64(u)+(-1<<63)).UTC() //nolint:gosec // intentional unsigned->signed shift
}

var _ cache.Cache = (*Store)(nil)
