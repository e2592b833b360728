package rediscache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	megaproxy "github.com/Mrlabani/mega-proxy"
	"github.com/Mrlabani/mega-proxy/cache"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), testLogger())
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestStore_GetMiss(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get(context.Background(), "https://mega.nz/file/abc#key")
	require.ErrorIs(t, err, cache.ErrNotFound)
}

func TestStore_SetWithTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	ref := "https://mega.nz/file/abc#key"

	require.NoError(t, s.SetWithTTL(ctx, ref, "1073741824", time.Hour))

	got, err := mr.Get(ref)
	require.NoError(t, err)
	require.Equal(t, "1073741824", got)
	require.Equal(t, time.Hour, mr.TTL(ref))

	val, err := s.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "1073741824", val)
}

func TestStore_Expiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetWithTTL(ctx, "ref1", "10", time.Hour))

	mr.FastForward(time.Hour - time.Second)
	_, err := s.Get(ctx, "ref1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	_, err = s.Get(ctx, "ref1")
	require.ErrorIs(t, err, cache.ErrNotFound)
}

func TestStore_Unavailable(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	mr.SetError("LOADING Redis is loading the dataset in memory")

	_, err := s.Get(ctx, "ref1")
	require.ErrorIs(t, err, megaproxy.ErrCacheUnavailable)

	err = s.SetWithTTL(ctx, "ref1", "10", time.Hour)
	require.ErrorIs(t, err, megaproxy.ErrCacheUnavailable)

	mr.SetError("")
	require.NoError(t, s.Ping(ctx))
}

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := Open("redis://"+mr.Addr()+"/0", WithLogger(testLogger()))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(context.Background()))
}

func TestOpen_CredentialsOverride(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("s3cret")

	s, err := Open("redis://"+mr.Addr(), WithCredentials("", "s3cret"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(context.Background()))
}

func TestOpen_TLSEnforcesMinVersion(t *testing.T) {
	s, err := Open("rediss://default:pw@cache.example.com:6380")
	require.NoError(t, err)
	defer s.Close()

	tlsCfg := s.client.Options().TLSConfig
	require.NotNil(t, tlsCfg)
	require.EqualValues(t, 0x0303, tlsCfg.MinVersion) // TLS 1.2
	require.False(t, tlsCfg.InsecureSkipVerify)
}

func TestOpen_Invalid(t *testing.T) {
	_, err := Open("")
	require.Error(t, err)

	_, err = Open("http://not-redis")
	require.Error(t, err)
}
