// Package server provides the HTTP server for the MEGA proxy.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	megaproxy "github.com/Mrlabani/mega-proxy"
	"github.com/Mrlabani/mega-proxy/cache"
	"github.com/Mrlabani/mega-proxy/download"
	"github.com/Mrlabani/mega-proxy/readiness"
	"github.com/Mrlabani/mega-proxy/telemetry"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
)

const (
	// DefaultCacheTTL is how long a resolved size stays in the metadata cache.
	DefaultCacheTTL = 3600 * time.Second

	// DefaultWriteIdleTimeout bounds each chunk written to a download client.
	DefaultWriteIdleTimeout = 2 * time.Minute

	// DefaultReadyWait is how long a request waits for a collaborator that
	// is still starting before it gets a 503.
	DefaultReadyWait = 10 * time.Second
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken enables bearer token authentication when set.
	AuthToken string

	// CacheTTL is the expiry set on metadata cache entries.
	CacheTTL time.Duration

	// ResolveTimeout bounds each upstream metadata lookup.
	// Default: download.DefaultResolveTimeout. Negative disables the bound.
	ResolveTimeout time.Duration

	// WriteIdleTimeout bounds each chunk write of a download.
	WriteIdleTimeout time.Duration

	// ReadyWait is how long requests wait on pending readiness gates.
	ReadyWait time.Duration

	// Logger for the server
	Logger *slog.Logger
}

// Gates are the readiness gates of the injected collaborators. A nil gate
// counts as ready.
type Gates struct {
	Cache    *readiness.Gate
	Resolver *readiness.Gate
}

// Server is the HTTP server for the proxy.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger

	// Components
	cache    cache.Cache
	resolver *download.Coalescer
	gates    Gates

	// Per-flow handlers behind the router boundary.
	metadataHandler http.Handler
	downloadHandler http.Handler
}

// New creates a server around the process-wide cache and resolver handles.
func New(cfg Config, c cache.Cache, r megaproxy.Resolver, gates Gates) (*Server, error) {
	if c == nil {
		return nil, errors.New("server: cache is required")
	}
	if r == nil {
		return nil, errors.New("server: resolver is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.ResolveTimeout == 0 {
		cfg.ResolveTimeout = download.DefaultResolveTimeout
	}
	if cfg.WriteIdleTimeout == 0 {
		cfg.WriteIdleTimeout = DefaultWriteIdleTimeout
	}
	if cfg.ReadyWait == 0 {
		cfg.ReadyWait = DefaultReadyWait
	}

	resolveTimeout := cfg.ResolveTimeout
	if resolveTimeout < 0 {
		resolveTimeout = 0
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		cache:  c,
		resolver: download.NewCoalescer(r,
			download.WithResolveTimeout(resolveTimeout),
			download.WithLogger(cfg.Logger.With("component", "coalescer")),
		),
		gates: gates,
	}

	s.metadataHandler = gzhttp.GzipHandler(s.boundary(telemetry.FlowMetadata, s.handleMetadata))
	s.downloadHandler = s.boundary(telemetry.FlowDownload, s.handleDownload)

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(s.authMiddleware(mux))

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: downloads run for as long as the transfer takes,
		// each chunk is bounded by WriteIdleTimeout instead.
		IdleTimeout: 60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Everything else goes through the proxy router.
	mux.HandleFunc("/", s.route)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetFlow(r, telemetry.FlowInternal)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type readyResponse struct {
	Status string            `json:"status"`
	Gates  map[string]string `json:"gates"`
}

// handleReady reports the readiness gates; 503 until all are ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	telemetry.SetFlow(r, telemetry.FlowInternal)

	resp := readyResponse{
		Status: "ready",
		Gates:  readiness.Snapshot(s.gates.Cache, s.gates.Resolver),
	}
	status := http.StatusOK
	for _, state := range resp.Gates {
		if state != readiness.Ready.String() {
			resp.Status = "not_ready"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, resp)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
// Aborted downloads unwind through here with http.ErrAbortHandler; they are
// logged and the panic is passed on to net/http.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set flow, cache_result, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			p := recover()
			duration := time.Since(start)

			attrs := []any{
				// Request identification
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,

				// Response details
				"status", wrapped.status,
				"status_class", telemetry.StatusClass(wrapped.status),
				"bytes_sent", wrapped.bytesWritten,

				// Timing
				"duration_ms", duration.Milliseconds(),
				"duration", duration.String(),

				// Client info
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
				"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
			}

			// Add handler-set tags
			if tags.Flow != "" {
				attrs = append(attrs, "flow", tags.Flow)
			}
			if tags.CacheResult != "" {
				attrs = append(attrs, "cache_result", string(tags.CacheResult))
			}
			if tags.Outcome != "" {
				attrs = append(attrs, "outcome", tags.Outcome)
			}
			if p != nil {
				attrs = append(attrs, "aborted", true)
			}

			s.logger.Info("http request", attrs...)

			// Record OTel metrics
			telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)

			if p != nil {
				panic(p)
			}
		}()

		next.ServeHTTP(wrapped, r)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on l.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("starting server", "address", l.Addr().String())
	return s.httpServer.Serve(l)
}

// Shutdown gracefully shuts down the server. In-flight downloads are given
// until ctx expires to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
