// Package rediscache implements the metadata cache on Redis.
package rediscache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mrlabani/mega-proxy/cache"
	"github.com/redis/go-redis/v9"
)

const storeName = "redis"

// Store is a cache.Cache backed by a single Redis client.
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

// Option configures a Store opened with Open.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	username    string
	password    string
	tlsInsecure bool
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithCredentials overrides the username and password from the URL.
// Empty values leave the URL's credentials in place.
func WithCredentials(username, password string) Option {
	return func(o *options) {
		o.username = username
		o.password = password
	}
}

// WithTLSInsecure disables server certificate verification for rediss:// URLs.
func WithTLSInsecure(insecure bool) Option {
	return func(o *options) {
		o.tlsInsecure = insecure
	}
}

// Open parses a redis:// or rediss:// URL and returns a Store. It does not
// contact the server; readiness is established separately with Ping.
func Open(rawURL string, opts ...Option) (*Store, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	if rawURL == "" {
		return nil, errors.New("redis URL is empty")
	}

	redisOpts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	if o.username != "" {
		redisOpts.Username = o.username
	}
	if o.password != "" {
		redisOpts.Password = o.password
	}
	if redisOpts.TLSConfig != nil {
		redisOpts.TLSConfig.MinVersion = tls.VersionTLS12
		redisOpts.TLSConfig.InsecureSkipVerify = o.tlsInsecure //nolint:gosec // opt-in for managed Redis with private CAs
	}

	o.logger.Debug("opening redis cache",
		"addr", redisOpts.Addr,
		"db", redisOpts.DB,
		"tls", redisOpts.TLSConfig != nil,
	)

	return New(redis.NewClient(redisOpts), o.logger), nil
}

// New wraps an existing client.
func New(client *redis.Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, logger: logger}
}

// Get returns the value at key, or cache.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", cache.ErrNotFound
	}
	if err != nil {
		return "", cache.Unavailable(storeName, "get", err)
	}
	return val, nil
}

// SetWithTTL stores value at key with SET ... EX.
func (s *Store) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return cache.Unavailable(storeName, "set", err)
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return cache.Unavailable(storeName, "ping", err)
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

var _ cache.Cache = (*Store)(nil)
