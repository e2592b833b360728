package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	megaproxy "github.com/Mrlabani/mega-proxy"
	"github.com/Mrlabani/mega-proxy/readiness"
	"github.com/Mrlabani/mega-proxy/telemetry"
)

// Banner is the body served at the root path.
const Banner = "🚀 Mega Download Proxy Running"

// statusClientClosedRequest is logged when the client leaves before a
// response could be written.
const statusClientClosedRequest = 499

// flowHandler serves one proxy flow. An error returned before the response
// is committed becomes an error response; after that the connection is
// aborted.
type flowHandler func(w http.ResponseWriter, r *http.Request, ref megaproxy.ShareReference) error

type errorBody struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// route dispatches proxy requests by path. The url parameter is required on
// every path except the root, so unknown paths without it get a 400.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		telemetry.SetFlow(r, telemetry.FlowRoot)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(Banner))
		return
	}

	if r.URL.Query().Get("url") == "" {
		telemetry.SetFlow(r, flowForPath(r.URL.Path))
		telemetry.SetOutcome(r, "missing_reference")
		writeJSON(w, http.StatusBadRequest, errorBody{Status: "error", Error: megaproxy.ErrMissingReference.Error()})
		return
	}

	switch r.URL.Path {
	case "/api":
		s.metadataHandler.ServeHTTP(w, r)
	case "/download":
		s.downloadHandler.ServeHTTP(w, r)
	default:
		telemetry.SetFlow(r, telemetry.FlowNotFound)
		http.Error(w, "Not Found", http.StatusNotFound)
	}
}

func flowForPath(path string) string {
	switch path {
	case "/api":
		return telemetry.FlowMetadata
	case "/download":
		return telemetry.FlowDownload
	default:
		return telemetry.FlowNotFound
	}
}

// boundary runs a flow handler and converts its errors and panics into
// responses. Once headers are committed it never rewrites the response and
// aborts the connection instead.
func (s *Server) boundary(flow string, fn flowHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		telemetry.SetFlow(r, flow)
		cw := &commitWriter{ResponseWriter: w}
		ref := megaproxy.ShareReference(r.URL.Query().Get("url"))

		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler {
				panic(p)
			}
			s.logger.Error("panic in handler",
				"flow", flow,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			if cw.committed {
				panic(http.ErrAbortHandler)
			}
			s.writeError(cw, r, flow, errors.New("internal error"))
			telemetry.SetOutcome(r, "panic")
		}()

		err := fn(cw, r, ref)
		if err == nil {
			return
		}

		if cw.committed {
			s.logger.Warn("aborting committed response",
				"flow", flow,
				"ref", ref,
				"error", err,
			)
			panic(http.ErrAbortHandler)
		}
		s.writeError(cw, r, flow, err)
	})
}

// writeError maps an error to the response for a flow. /api answers in JSON,
// /download in plain text.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, flow string, err error) {
	var (
		status  int
		message string
	)

	switch {
	case errors.Is(err, megaproxy.ErrMissingReference):
		status, message = http.StatusBadRequest, err.Error()
		telemetry.SetOutcome(r, "missing_reference")
	case errors.Is(err, megaproxy.ErrSizeExceeded):
		message = megaproxy.SizeLimitMessage
		status = http.StatusBadRequest
		if flow == telemetry.FlowMetadata {
			status = http.StatusOK
		}
		telemetry.SetOutcome(r, "size_exceeded")
	case errors.Is(err, megaproxy.ErrNotReady):
		status, message = http.StatusServiceUnavailable, "service not ready"
		telemetry.SetOutcome(r, "not_ready")
		s.logger.Warn("collaborator not ready", "flow", flow, "error", err)
	case r.Context().Err() != nil:
		// The client is gone; nobody will read a body.
		telemetry.SetOutcome(r, "client_abort")
		w.WriteHeader(statusClientClosedRequest)
		return
	default:
		status, message = http.StatusInternalServerError, err.Error()
		telemetry.SetOutcome(r, "error")
		if errors.Is(err, megaproxy.ErrResolution) {
			telemetry.SetOutcome(r, "resolution_error")
		}
		s.logger.Error("request failed", "flow", flow, "error", err)
	}

	if flow == telemetry.FlowMetadata {
		writeJSON(w, status, errorBody{Status: "error", Error: message})
		return
	}
	http.Error(w, message, status)
}

// waitReady blocks until every gate is ready, failed, or ReadyWait passes.
func (s *Server) waitReady(ctx context.Context, gates ...*readiness.Gate) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ReadyWait)
	defer cancel()
	return readiness.WaitAll(ctx, gates...)
}

// resolve looks up metadata through the coalescer. Failures become
// ResolutionErrors unless the client has gone away.
func (s *Server) resolve(ctx context.Context, ref megaproxy.ShareReference) (megaproxy.ObjectMetadata, error) {
	start := time.Now()
	meta, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		if ctx.Err() != nil {
			return meta, context.Cause(ctx)
		}
		var resErr *megaproxy.ResolutionError
		if !errors.As(err, &resErr) {
			err = megaproxy.NewResolutionError(ref, err)
		}
		s.logger.Warn("resolve failed", "ref", ref, "duration", time.Since(start), "error", err)
		return meta, err
	}
	return meta, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// commitWriter records whether the response has been committed.
type commitWriter struct {
	http.ResponseWriter
	committed bool
}

func (cw *commitWriter) WriteHeader(code int) {
	cw.committed = true
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *commitWriter) Write(b []byte) (int, error) {
	cw.committed = true
	return cw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher.
func (cw *commitWriter) Flush() {
	cw.committed = true
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the connection.
func (cw *commitWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}
