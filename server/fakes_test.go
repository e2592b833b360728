package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	megaproxy "github.com/Mrlabani/mega-proxy"
	"github.com/Mrlabani/mega-proxy/cache"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCache is an in-memory cache.Cache that counts calls and records TTLs.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]string
	ttls    map[string]time.Duration

	getErr   error
	setErr   error
	panicGet bool

	gets atomic.Int32
	sets atomic.Int32
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		entries: make(map[string]string),
		ttls:    make(map[string]time.Duration),
	}
}

func (c *fakeCache) Get(_ context.Context, key string) (string, error) {
	c.gets.Add(1)
	if c.panicGet {
		panic("cache exploded")
	}
	if c.getErr != nil {
		return "", c.getErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if !ok {
		return "", cache.ErrNotFound
	}
	return v, nil
}

func (c *fakeCache) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	c.sets.Add(1)
	if c.setErr != nil {
		return c.setErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	c.ttls[key] = ttl
	return nil
}

func (c *fakeCache) Ping(context.Context) error { return nil }

func (c *fakeCache) Close() error { return nil }

func (c *fakeCache) entry(key string) (string, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, c.ttls[key], ok
}

// fakeObject is one object known to fakeResolver.
type fakeObject struct {
	meta    megaproxy.ObjectMetadata
	content []byte

	// failAfter makes the stream fail once this many bytes were read.
	failAfter int

	// endless streams filler bytes until the context is cancelled.
	endless bool
}

// fakeResolver is a megaproxy.Resolver backed by a map. It tracks every
// stream it opens so tests can check they were closed.
type fakeResolver struct {
	mu      sync.Mutex
	objects map[megaproxy.ShareReference]fakeObject
	streams []*fakeStream

	resolveErr   error
	openErr      error
	panicResolve bool
	panicOpen    bool

	resolves atomic.Int32
	opens    atomic.Int32
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{objects: make(map[megaproxy.ShareReference]fakeObject)}
}

func (f *fakeResolver) add(ref megaproxy.ShareReference, obj fakeObject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[ref] = obj
}

func (f *fakeResolver) Resolve(_ context.Context, ref megaproxy.ShareReference) (megaproxy.ObjectMetadata, error) {
	f.resolves.Add(1)
	if f.panicResolve {
		panic("resolver exploded")
	}
	if f.resolveErr != nil {
		return megaproxy.ObjectMetadata{}, f.resolveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[ref]
	if !ok {
		return megaproxy.ObjectMetadata{}, errors.New("object not found")
	}
	return obj.meta, nil
}

func (f *fakeResolver) OpenStream(ctx context.Context, ref megaproxy.ShareReference) (io.ReadCloser, error) {
	f.opens.Add(1)
	if f.panicOpen {
		panic("stream exploded")
	}
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[ref]
	if !ok {
		return nil, errors.New("object not found")
	}

	s := &fakeStream{ctx: ctx, obj: obj, r: bytes.NewReader(obj.content), closed: make(chan struct{})}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeResolver) openedStreams() []*fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeStream(nil), f.streams...)
}

// fakeStream is bound to the context it was opened with, like a real
// upstream HTTP body.
type fakeStream struct {
	ctx  context.Context
	obj  fakeObject
	r    *bytes.Reader
	read int

	once   sync.Once
	closed chan struct{}
}

func (s *fakeStream) Read(p []byte) (int, error) {
	if err := s.ctx.Err(); err != nil {
		return 0, err
	}

	if s.obj.endless {
		select {
		case <-s.ctx.Done():
			return 0, s.ctx.Err()
		case <-time.After(time.Millisecond):
		}
		for i := range p {
			p[i] = 'e'
		}
		return len(p), nil
	}

	if s.obj.failAfter > 0 && s.read >= s.obj.failAfter {
		return 0, errors.New("upstream connection reset")
	}
	if s.obj.failAfter > 0 && len(p) > s.obj.failAfter-s.read {
		p = p[:s.obj.failAfter-s.read]
	}
	n, err := s.r.Read(p)
	s.read += n
	return n, err
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func newTestServer(t *testing.T, c *fakeCache, r *fakeResolver, cfg Config, gates Gates) *Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	s, err := New(cfg, c, r, gates)
	require.NoError(t, err)
	return s
}
