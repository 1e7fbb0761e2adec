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
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/jupiter-cache"
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
	requestsTotal      metric.Int64Counter
	requestDuration    metric.Float64Histogram
	requestBytesTotal  metric.Int64Counter
	responseBytesTotal metric.Int64Counter

	cacheOpsTotal       metric.Int64Counter
	cacheOpDuration     metric.Float64Histogram
	tokenRefreshesTotal metric.Int64Counter

	poolWaitDuration  metric.Float64Histogram
	poolOverflowTotal metric.Int64Counter
	asyncQueueDepth   metric.Int64Gauge

	batchSize      metric.Float64Histogram
	batchesTotal   metric.Int64Counter
	verifyFailures metric.Int64Counter

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
		cfg.ServiceName = "jupiter-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
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

	// Setup OTLP exporter if endpoint configured
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

	// Setup Prometheus exporter if enabled
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

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"jupiter_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests to the cache service"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"jupiter_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	requestBytesTotal, err := meter.Int64Counter(
		"jupiter_cache_http_request_bytes_total",
		metric.WithDescription("Total bytes uploaded to the cache service"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"jupiter_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes downloaded from the cache service"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cacheOpsTotal, err := meter.Int64Counter(
		"jupiter_cache_ops_total",
		metric.WithDescription("Total cache operations by result"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	cacheOpDuration, err := meter.Float64Histogram(
		"jupiter_cache_op_duration_seconds",
		metric.WithDescription("End to end cache operation duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return err
	}

	tokenRefreshesTotal, err := meter.Int64Counter(
		"jupiter_cache_token_refreshes_total",
		metric.WithDescription("Total access token acquisitions"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return err
	}

	poolWaitDuration, err := meter.Float64Histogram(
		"jupiter_cache_pool_wait_duration_seconds",
		metric.WithDescription("Time spent waiting for a pooled request slot"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return err
	}

	poolOverflowTotal, err := meter.Int64Counter(
		"jupiter_cache_pool_overflow_total",
		metric.WithDescription("Total requests created beyond the pool's fixed capacity"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	asyncQueueDepth, err := meter.Int64Gauge(
		"jupiter_cache_async_queue_depth",
		metric.WithDescription("Current depth of the async transfer queue"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	batchSize, err := meter.Float64Histogram(
		"jupiter_cache_batch_size",
		metric.WithDescription("Number of operations per batch request"),
		metric.WithUnit("{operation}"),
		metric.WithExplicitBucketBoundaries(1, 2, 4, 8, 12, 16, 24, 32, 48, 64),
	)
	if err != nil {
		return err
	}

	batchesTotal, err := meter.Int64Counter(
		"jupiter_cache_batches_total",
		metric.WithDescription("Total batch requests by outcome"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return err
	}

	verifyFailures, err := meter.Int64Counter(
		"jupiter_cache_verify_failures_total",
		metric.WithDescription("Total payload hash verification failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:       requestsTotal,
		requestDuration:     requestDuration,
		requestBytesTotal:   requestBytesTotal,
		responseBytesTotal:  responseBytesTotal,
		cacheOpsTotal:       cacheOpsTotal,
		cacheOpDuration:     cacheOpDuration,
		tokenRefreshesTotal: tokenRefreshesTotal,
		poolWaitDuration:    poolWaitDuration,
		poolOverflowTotal:   poolOverflowTotal,
		asyncQueueDepth:     asyncQueueDepth,
		batchSize:           batchSize,
		batchesTotal:        batchesTotal,
		verifyFailures:      verifyFailures,
		meterProvider:       mp,
		promHandler:         promHandler,
	}

	return nil
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

// RecordRequest records one HTTP request to the cache service.
// Verb is the logical request verb (get, put, post, head, delete), not the
// raw HTTP method.
func RecordRequest(ctx context.Context, verb string, status int, duration time.Duration, sent, received int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("verb", verb),
		attribute.String("status_class", StatusClass(status)),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if sent > 0 {
		globalMetrics.requestBytesTotal.Add(ctx, sent, metric.WithAttributes(attrs...))
	}
	if received > 0 {
		globalMetrics.responseBytesTotal.Add(ctx, received, metric.WithAttributes(attrs...))
	}
}

// RecordCacheOp records a completed cache operation.
// op is the operation name (put_record, get_record, get_value, get_chunks,
// put_data, get_data), result is hit, miss, error or canceled.
func RecordCacheOp(ctx context.Context, op, result string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("result", result),
	}
	globalMetrics.cacheOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.cacheOpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordTokenRefresh records an access token acquisition attempt.
func RecordTokenRefresh(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.tokenRefreshesTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPoolWait records the time a caller spent waiting for a pooled
// request slot. pool is "get", "put" or "async".
func RecordPoolWait(ctx context.Context, pool string, wait time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.poolWaitDuration.Record(ctx, wait.Seconds(),
		metric.WithAttributes(attribute.String("pool", pool)))
}

// RecordPoolOverflow records an allocation beyond the pool's fixed capacity.
func RecordPoolOverflow(ctx context.Context, pool string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.poolOverflowTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("pool", pool)))
}

// UpdateAsyncQueueDepth updates the async transfer queue depth gauge.
func UpdateAsyncQueueDepth(ctx context.Context, depth int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.asyncQueueDepth.Record(ctx, int64(depth))
}

// RecordBatch records one batch request. kind is "legacy" or "refs".
func RecordBatch(ctx context.Context, kind, outcome string, size int) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	}
	globalMetrics.batchSize.Record(ctx, float64(size), metric.WithAttributes(attrs...))
	globalMetrics.batchesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordVerifyFailure records a payload hash mismatch.
func RecordVerifyFailure(ctx context.Context, op string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.verifyFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("op", op)))
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
