package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	megaproxy "github.com/Mrlabani/mega-proxy"
	"github.com/Mrlabani/mega-proxy/telemetry"
)

// DefaultChunkSize is the copy buffer size. Every chunk extends the client
// write deadline.
const DefaultChunkSize = 32 * 1024

// Stream failure kinds. Errors returned by Stream wrap one of these and
// megaproxy.ErrStreamFailure.
var (
	ErrClientGone     = errors.New("client disconnected")
	ErrUpstreamRead   = errors.New("upstream read failed")
	ErrLengthMismatch = errors.New("content-length mismatch")
)

// StreamOptions configures Stream.
type StreamOptions struct {
	// ContentLength is the length promised in the response headers, or -1.
	ContentLength int64

	// ChunkSize defaults to DefaultChunkSize.
	ChunkSize int

	// WriteTimeout bounds each client write. Zero leaves the server's
	// write timeout in place.
	WriteTimeout time.Duration
}

// StreamResult describes a completed transfer.
type StreamResult struct {
	Digest megaproxy.Digest // BLAKE3 of the delivered bytes
	Size   int64
}

// Stream copies src to w chunk by chunk, never holding more than one chunk in
// memory. ctx must be the context src was opened with and cancel its cancel
// function: any failure cancels ctx with the failure as cause, which aborts
// the upstream read, and src is always closed before Stream returns.
//
// Response headers must be set before calling Stream; the first chunk
// commits them. Once a chunk has been written the response cannot be
// changed, so callers must abort the connection on error.
func Stream(
	ctx context.Context,
	cancel context.CancelCauseFunc,
	w http.ResponseWriter,
	src io.ReadCloser,
	opts StreamOptions,
	logger *slog.Logger,
) (StreamResult, error) {
	defer func() { _ = src.Close() }()

	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}

	rc := http.NewResponseController(w)
	hr := megaproxy.NewHashingReader(src)
	buf := make([]byte, chunk)

	var written int64
	fail := func(kind, cause error) (StreamResult, error) {
		err := fmt.Errorf("%w: %w: %w", megaproxy.ErrStreamFailure, kind, cause)
		cancel(err)
		telemetry.RecordStream(ctx, Outcome(err), written)
		logger.Warn("stream aborted",
			"bytes_written", written,
			"expected", opts.ContentLength,
			"error", err,
		)
		return StreamResult{Size: written}, err
	}

	for {
		if ctx.Err() != nil {
			return fail(ErrClientGone, context.Cause(ctx))
		}

		n, rerr := hr.Read(buf)
		if n > 0 {
			if opts.WriteTimeout > 0 {
				if err := rc.SetWriteDeadline(time.Now().Add(opts.WriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
					logger.Debug("setting write deadline", "error", err)
				}
			}

			m, werr := w.Write(buf[:n])
			written += int64(m)
			switch {
			case errors.Is(werr, http.ErrContentLength):
				return fail(ErrLengthMismatch, werr)
			case werr != nil:
				return fail(ErrClientGone, werr)
			case m != n:
				return fail(ErrClientGone, io.ErrShortWrite)
			}
		}

		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return fail(ErrClientGone, context.Cause(ctx))
			}
			return fail(ErrUpstreamRead, rerr)
		}
	}

	if opts.ContentLength >= 0 && written != opts.ContentLength {
		return fail(ErrLengthMismatch, fmt.Errorf("expected %d bytes, got %d", opts.ContentLength, written))
	}

	if opts.WriteTimeout > 0 {
		_ = rc.SetWriteDeadline(time.Time{})
	}

	telemetry.RecordStream(ctx, Outcome(nil), written)
	return StreamResult{Digest: hr.Sum(), Size: written}, nil
}

// Outcome names the result of Stream for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrClientGone):
		return "client_abort"
	case errors.Is(err, ErrLengthMismatch):
		return "length_mismatch"
	default:
		return "upstream_error"
	}
}
