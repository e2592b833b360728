package server

import (
	"context"
	"errors"
	"net/http"

	megaproxy "github.com/Mrlabani/mega-proxy"
	"github.com/Mrlabani/mega-proxy/download"
	"github.com/Mrlabani/mega-proxy/telemetry"
)

// handleDownload serves GET /download?url=R. Metadata is always resolved
// fresh so Content-Length is authoritative for this exchange.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, ref megaproxy.ShareReference) error {
	ctx := r.Context()
	telemetry.SetCacheResult(r, telemetry.CacheNA)

	if err := s.waitReady(ctx, s.gates.Resolver); err != nil {
		return err
	}

	meta, err := s.resolve(ctx, ref)
	if err != nil {
		return err
	}

	if err := megaproxy.CheckSize(ref, meta); err != nil {
		if errors.Is(err, megaproxy.ErrSizeExceeded) {
			telemetry.RecordSizeRejection(ctx, telemetry.FlowDownload)
			s.logger.Info("object exceeds size limit", "ref", ref, "size", meta.Size)
		}
		return err
	}

	// One token for both legs: the upstream read is bound to it, and any
	// failure on either side cancels it.
	streamCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	body, err := s.resolver.OpenStream(streamCtx, ref)
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return megaproxy.NewResolutionError(ref, err)
	}

	download.SetHeaders(w.Header(), meta)
	w.WriteHeader(http.StatusOK)
	if err := http.NewResponseController(w).Flush(); err != nil {
		s.logger.Debug("flushing download headers", "error", err)
	}

	res, err := download.Stream(streamCtx, cancel, w, body, download.StreamOptions{
		ContentLength: int64(meta.Size),
		WriteTimeout:  s.config.WriteIdleTimeout,
	}, s.logger.With("ref", ref))
	if err != nil {
		telemetry.SetOutcome(r, download.Outcome(err))
		return err
	}

	telemetry.SetOutcome(r, "success")
	s.logger.Info("download complete",
		"ref", ref,
		"name", meta.Name,
		"bytes", res.Size,
		"blake3", res.Digest.String(),
	)
	return nil
}
