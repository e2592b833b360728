package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/Mrlabani/mega-proxy"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal          metric.Int64Counter
	responseBytesTotal     metric.Int64Counter
	requestDuration        metric.Float64Histogram
	requestsByOutcomeTotal metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	cacheOpDuration metric.Float64Histogram
	cacheOpsTotal   metric.Int64Counter

	streamsTotal     metric.Int64Counter
	streamBytesTotal metric.Int64Counter
	sizeRejections   metric.Int64Counter
	readinessState   metric.Int64Gauge
	reaperDeleted    metric.Int64Counter
	reaperDuration   metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "mega-proxy"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	durationBuckets := metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900)

	if m.requestsTotal, err = meter.Int64Counter(
		"mega_proxy_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"mega_proxy_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"mega_proxy_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}

	if m.requestsByOutcomeTotal, err = meter.Int64Counter(
		"mega_proxy_http_requests_by_outcome_total",
		metric.WithDescription("Total number of HTTP requests by handler outcome (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchDuration, err = meter.Float64Histogram(
		"mega_proxy_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream fetch requests"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchTotal, err = meter.Int64Counter(
		"mega_proxy_upstream_fetch_total",
		metric.WithDescription("Total number of upstream fetch requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"mega_proxy_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.cacheOpDuration, err = meter.Float64Histogram(
		"mega_proxy_cache_op_duration_seconds",
		metric.WithDescription("Duration of metadata cache operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	); err != nil {
		return nil, err
	}

	if m.cacheOpsTotal, err = meter.Int64Counter(
		"mega_proxy_cache_ops_total",
		metric.WithDescription("Total number of metadata cache operations"),
		metric.WithUnit("{op}"),
	); err != nil {
		return nil, err
	}

	if m.streamsTotal, err = meter.Int64Counter(
		"mega_proxy_download_streams_total",
		metric.WithDescription("Total download streams by outcome"),
		metric.WithUnit("{stream}"),
	); err != nil {
		return nil, err
	}

	if m.streamBytesTotal, err = meter.Int64Counter(
		"mega_proxy_download_stream_bytes_total",
		metric.WithDescription("Total bytes copied to download clients"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.sizeRejections, err = meter.Int64Counter(
		"mega_proxy_size_rejections_total",
		metric.WithDescription("Objects rejected by the size gate"),
		metric.WithUnit("{object}"),
	); err != nil {
		return nil, err
	}

	if m.readinessState, err = meter.Int64Gauge(
		"mega_proxy_readiness_state",
		metric.WithDescription("Collaborator readiness (0 pending, 1 ready, -1 failed)"),
		metric.WithUnit("{state}"),
	); err != nil {
		return nil, err
	}

	if m.reaperDeleted, err = meter.Int64Counter(
		"mega_proxy_reaper_deleted_total",
		metric.WithDescription("Total expired cache entries deleted by the reaper"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.reaperDuration, err = meter.Float64Histogram(
		"mega_proxy_reaper_duration_seconds",
		metric.WithDescription("Duration of reaper cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	return &m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Flow, cache result and outcome are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	flow := "unknown"
	cacheResult := string(CacheBypass)
	outcome := ""
	if tags != nil {
		if tags.Flow != "" {
			flow = tags.Flow
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		outcome = tags.Outcome
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {flow, status_class, cache_result}
	sharedAttrs := metric.WithAttributes(
		attribute.String("flow", flow),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, sharedAttrs)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, sharedAttrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), sharedAttrs)

	if outcome != "" {
		globalMetrics.requestsByOutcomeTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("flow", flow),
			attribute.String("outcome", outcome),
			attribute.String("status_class", statusClass),
		))
	}
}

// RecordUpstreamFetch records one upstream request. leg is LegAPI or
// LegStorage.
func RecordUpstreamFetch(ctx context.Context, upstream, leg string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("upstream", upstream),
		attribute.String("leg", leg),
		attribute.String("outcome", outcome),
	)
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, attrs)
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, attrs)
	}
}

// RecordCacheOp records a metadata cache operation. store is "redis" or "bolt",
// op is "get" or "set", outcome is "hit", "miss", "ok" or "error".
func RecordCacheOp(ctx context.Context, store, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.cacheOpsTotal.Add(ctx, 1, attrs)
	globalMetrics.cacheOpDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordStream records a finished download stream.
func RecordStream(ctx context.Context, outcome string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.streamsTotal.Add(ctx, 1, attrs)
	if bytes > 0 {
		globalMetrics.streamBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordSizeRejection records an object refused by the size gate.
func RecordSizeRejection(ctx context.Context, flow string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sizeRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", flow)))
}

// RecordReadiness records the state of a readiness gate: 0 pending, 1 ready, -1 failed.
func RecordReadiness(ctx context.Context, gate string, state int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.readinessState.Record(ctx, state, metric.WithAttributes(attribute.String("gate", gate)))
}

// RecordReaperCycle records one reaper cycle's deleted count and duration.
func RecordReaperCycle(ctx context.Context, reaper string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reaper", reaper))
	globalMetrics.reaperDeleted.Add(ctx, int64(deleted), attrs)
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds(), attrs)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
