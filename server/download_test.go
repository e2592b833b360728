package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"mime"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	megaproxy "github.com/Mrlabani/mega-proxy"
	"github.com/stretchr/testify/require"
)

func randomContent(n int) []byte {
	r := rand.New(rand.NewPCG(1, 2))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.UintN(256))
	}
	return b
}

func TestDownload_Success(t *testing.T) {
	content := randomContent(100_000)
	c := newFakeCache()
	r := newFakeResolver()
	r.add("ref1", fakeObject{
		meta:    megaproxy.ObjectMetadata{Name: "movie.mkv", Size: uint64(len(content))},
		content: content,
	})
	s := newTestServer(t, c, r, Config{}, Gates{})

	rec := serve(t, s, "/download?url=ref1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, strconv.Itoa(len(content)), rec.Header().Get("Content-Length"))
	require.Equal(t, "none", rec.Header().Get("Accept-Ranges"))
	require.Equal(t, `attachment; filename=movie.mkv`, rec.Header().Get("Content-Disposition"))
	require.Len(t, rec.Body.Bytes(), len(content))
	require.True(t, bytes.Equal(content, rec.Body.Bytes()))

	require.Equal(t, int32(0), c.gets.Load(), "downloads never consult the cache")
	require.Equal(t, int32(0), c.sets.Load())

	streams := r.openedStreams()
	require.Len(t, streams, 1)
	require.True(t, streams[0].isClosed())
}

func TestDownload_Oversize(t *testing.T) {
	r := newFakeResolver()
	r.add("ref2", fakeObject{meta: megaproxy.ObjectMetadata{Name: "huge.iso", Size: 6442450944}})
	s := newTestServer(t, newFakeCache(), r, Config{}, Gates{})

	rec := serve(t, s, "/download?url=ref2")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "File exceeds 5GB limit\n", rec.Body.String())
	require.Empty(t, rec.Header().Get("Content-Disposition"))
	require.Equal(t, int32(0), r.opens.Load(), "no stream is opened for oversized objects")
}

func TestDownload_ZeroSize(t *testing.T) {
	r := newFakeResolver()
	r.add("empty", fakeObject{meta: megaproxy.ObjectMetadata{Name: "empty.txt"}})
	s := newTestServer(t, newFakeCache(), r, Config{}, Gates{})

	rec := serve(t, s, "/download?url=empty")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "size is unknown")
	require.Equal(t, int32(0), r.opens.Load())
}

func TestDownload_ResolverError(t *testing.T) {
	r := newFakeResolver()
	r.resolveErr = errors.New("link expired")
	s := newTestServer(t, newFakeCache(), r, Config{}, Gates{})

	rec := serve(t, s, "/download?url=ref1")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	require.Equal(t, "resolution failed: link expired\n", rec.Body.String())
}

func TestDownload_OpenStreamError(t *testing.T) {
	r := newFakeResolver()
	r.add("ref1", fakeObject{meta: megaproxy.ObjectMetadata{Name: "a.bin", Size: 10}, content: make([]byte, 10)})
	r.openErr = errors.New("storage node refused")
	s := newTestServer(t, newFakeCache(), r, Config{}, Gates{})

	rec := serve(t, s, "/download?url=ref1")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "storage node refused")
	require.Empty(t, rec.Header().Get("Content-Length"))
	require.Empty(t, rec.Header().Get("Content-Disposition"))
}

func TestDownload_SanitizesFilename(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{name: "../../etc/passwd", want: ".._.._etc_passwd"},
		{name: "evil\r\nSet-Cookie: x=1.txt", want: "evilSet-Cookie: x=1.txt"},
		{name: "résumé.pdf", want: "résumé.pdf"},
		{name: "\x00\x01", want: "download"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			r := newFakeResolver()
			r.add("ref", fakeObject{meta: megaproxy.ObjectMetadata{Name: tt.name, Size: 3}, content: []byte("abc")})
			s := newTestServer(t, newFakeCache(), r, Config{}, Gates{})

			rec := serve(t, s, "/download?url=ref")
			require.Equal(t, http.StatusOK, rec.Code)

			disposition, params, err := mime.ParseMediaType(rec.Header().Get("Content-Disposition"))
			require.NoError(t, err)
			require.Equal(t, "attachment", disposition)
			require.Equal(t, tt.want, params["filename"])
		})
	}
}

// The tests below need a real connection: an aborted response panics with
// http.ErrAbortHandler, which only the net/http server absorbs.

func TestDownload_ClientAbortClosesUpstream(t *testing.T) {
	r := newFakeResolver()
	r.add("ref3", fakeObject{meta: megaproxy.ObjectMetadata{Name: "stream.bin", Size: 1 << 30}, endless: true})
	s := newTestServer(t, newFakeCache(), r, Config{}, Gates{})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/download?url=ref3", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(1<<30), resp.ContentLength)

	_, err = io.ReadFull(resp.Body, make([]byte, 64*1024))
	require.NoError(t, err)

	cancel()
	_ = resp.Body.Close()

	require.Eventually(t, func() bool {
		streams := r.openedStreams()
		return len(streams) == 1 && streams[0].isClosed()
	}, 5*time.Second, 10*time.Millisecond, "upstream stream must be closed after the client leaves")

	// The process keeps serving.
	resp, err = http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, Banner, string(body))
}

func TestDownload_UpstreamFailureAbortsConnection(t *testing.T) {
	content := randomContent(100_000)
	r := newFakeResolver()
	r.add("ref1", fakeObject{
		meta:      megaproxy.ObjectMetadata{Name: "movie.mkv", Size: uint64(len(content))},
		content:   content,
		failAfter: 40_000,
	})
	s := newTestServer(t, newFakeCache(), r, Config{}, Gates{})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/download?url=ref1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := io.ReadAll(resp.Body)
	require.Error(t, err, "a failed stream must not look like a complete download")
	require.Less(t, len(got), len(content))
	require.Equal(t, content[:len(got)], got)

	require.Eventually(t, func() bool {
		streams := r.openedStreams()
		return len(streams) == 1 && streams[0].isClosed()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDownload_ShortUpstreamAbortsConnection(t *testing.T) {
	r := newFakeResolver()
	r.add("ref1", fakeObject{
		meta:    megaproxy.ObjectMetadata{Name: "short.bin", Size: 1000},
		content: bytes.Repeat([]byte("x"), 600),
	})
	s := newTestServer(t, newFakeCache(), r, Config{}, Gates{})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/download?url=ref1")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, int64(1000), resp.ContentLength)

	got, err := io.ReadAll(resp.Body)
	require.Error(t, err)
	require.LessOrEqual(t, len(got), 600)
}
