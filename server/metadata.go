package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	megaproxy "github.com/Mrlabani/mega-proxy"
	"github.com/Mrlabani/mega-proxy/cache"
	"github.com/Mrlabani/mega-proxy/telemetry"
)

// metadataResponse is the success body of /api. Cache hits carry no name
// because only the size is cached.
type metadataResponse struct {
	Status   string `json:"status"`
	Name     string `json:"name,omitempty"`
	Size     uint64 `json:"size"`
	Cached   bool   `json:"cached"`
	Download string `json:"download,omitempty"`
}

// handleMetadata serves GET /api?url=R: cache, then resolver, then size
// gate, then cache write. Only a miss waits for the resolver gate.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request, ref megaproxy.ShareReference) error {
	ctx := r.Context()

	useCache := s.cacheUsable(ctx)
	if useCache {
		if size, ok := s.cachedSize(ctx, ref); ok {
			telemetry.SetCacheResult(r, telemetry.CacheHit)
			telemetry.SetOutcome(r, "success")
			writeJSON(w, http.StatusOK, metadataResponse{
				Status: "success",
				Size:   size,
				Cached: true,
			})
			return nil
		}
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	} else {
		telemetry.SetCacheResult(r, telemetry.CacheBypass)
	}

	if err := s.waitReady(ctx, s.gates.Resolver); err != nil {
		return err
	}

	meta, err := s.resolve(ctx, ref)
	if err != nil {
		return err
	}

	if err := megaproxy.CheckSize(ref, meta); err != nil {
		if errors.Is(err, megaproxy.ErrSizeExceeded) {
			telemetry.RecordSizeRejection(ctx, telemetry.FlowMetadata)
			s.logger.Info("object exceeds size limit", "ref", ref, "size", meta.Size)
		}
		return err
	}

	if useCache {
		s.storeSize(ctx, ref, meta.Size)
	}

	telemetry.SetOutcome(r, "success")
	writeJSON(w, http.StatusOK, metadataResponse{
		Status:   "success",
		Name:     meta.Name,
		Size:     meta.Size,
		Cached:   false,
		Download: downloadLink(ref),
	})
	return nil
}

// cacheUsable waits for the cache gate. A store that failed to start or is
// still starting after ReadyWait is bypassed rather than surfaced.
func (s *Server) cacheUsable(ctx context.Context) bool {
	if err := s.waitReady(ctx, s.gates.Cache); err != nil {
		s.logger.Warn("cache not ready, bypassing", "error", err)
		return false
	}
	return true
}

// cachedSize reads a cached size. Store failures and unusable values are
// misses.
func (s *Server) cachedSize(ctx context.Context, ref megaproxy.ShareReference) (uint64, bool) {
	val, err := s.cache.Get(ctx, ref.String())
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			s.logger.Warn("cache read failed, treating as miss", "ref", ref, "error", err)
		}
		return 0, false
	}

	size, err := strconv.ParseUint(val, 10, 64)
	if err != nil || size == 0 || !megaproxy.Permits(size) {
		s.logger.Warn("ignoring unusable cache entry", "ref", ref, "value", val)
		return 0, false
	}
	return size, true
}

// storeSize writes the size with the configured TTL. Failures are logged
// and otherwise ignored.
func (s *Server) storeSize(ctx context.Context, ref megaproxy.ShareReference, size uint64) {
	// Finish the write even if the client has already gone.
	ctx = context.WithoutCancel(ctx)
	if err := s.cache.SetWithTTL(ctx, ref.String(), strconv.FormatUint(size, 10), s.config.CacheTTL); err != nil {
		s.logger.Warn("cache write failed", "ref", ref, "error", err)
	}
}

func downloadLink(ref megaproxy.ShareReference) string {
	return "/download?" + url.Values{"url": {ref.String()}}.Encode()
}
