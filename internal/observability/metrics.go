package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
)

// MetricsConfig holds configuration for metrics collection.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// Metrics provides Prometheus metrics for the gateway.
type Metrics struct {
	config   MetricsConfig
	logger   *zap.Logger
	registry *prometheus.Registry
	exporter *otelprometheus.Exporter
	provider *metric.MeterProvider

	// Request metrics
	requestsTotal    *prometheus.CounterVec
	requestsDuration *prometheus.HistogramVec

	// Provider metrics
	providerLatency *prometheus.HistogramVec
	providerErrors  *prometheus.CounterVec

	// Dispatch metrics
	dispatchFallbacks *prometheus.CounterVec

	// Rate limiter metrics
	ratelimitQueueDepth *prometheus.GaugeVec
	ratelimitRejections *prometheus.CounterVec

	// Usage metrics
	usageTokens *prometheus.CounterVec
}

// NewMetrics creates a new metrics instance.
func NewMetrics(config MetricsConfig, logger *zap.Logger) (*Metrics, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))

	m := &Metrics{
		config:   config,
		logger:   logger,
		registry: registry,
		exporter: exporter,
		provider: provider,
	}

	if err := m.initMetrics(); err != nil {
		return nil, err
	}

	return m, nil
}

// initMetrics initializes all Prometheus metrics.
func (m *Metrics) initMetrics() error {
	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	m.requestsDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgate_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	m.providerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgate_provider_latency_seconds",
			Help:    "Upstream provider response latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "model"},
	)

	m.providerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_provider_errors_total",
			Help: "Total number of provider errors by kind",
		},
		[]string{"provider", "kind"},
	)

	m.dispatchFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_dispatch_fallbacks_total",
			Help: "Total number of failover attempts to another provider",
		},
		[]string{"model", "failed_provider"},
	)

	m.ratelimitQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgate_ratelimit_queue_depth",
			Help: "Current number of requests waiting for admission",
		},
		[]string{"provider"},
	)

	m.ratelimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_ratelimit_rejections_total",
			Help: "Total number of requests rejected with a full queue",
		},
		[]string{"provider"},
	)

	m.usageTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_usage_tokens_total",
			Help: "Total tokens consumed upstream",
		},
		[]string{"provider", "model", "direction"},
	)

	collectors := []prometheus.Collector{
		m.requestsTotal,
		m.requestsDuration,
		m.providerLatency,
		m.providerErrors,
		m.dispatchFallbacks,
		m.ratelimitQueueDepth,
		m.ratelimitRejections,
		m.usageTokens,
	}

	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}

	return nil
}

// RecordRequest records metrics for an HTTP request.
func (m *Metrics) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	statusStr := strconv.Itoa(statusCode)

	m.requestsTotal.WithLabelValues(method, endpoint, statusStr).Inc()
	m.requestsDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordProviderLatency records the response latency of a provider.
func (m *Metrics) RecordProviderLatency(provider, model string, duration time.Duration) {
	m.providerLatency.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// RecordProviderError records a classified error from a provider.
func (m *Metrics) RecordProviderError(provider, kind string) {
	m.providerErrors.WithLabelValues(provider, kind).Inc()
}

// RecordFallback records a failover to another provider.
func (m *Metrics) RecordFallback(model, failedProvider string) {
	m.dispatchFallbacks.WithLabelValues(model, failedProvider).Inc()
}

// RecordQueueDepth records the current rate limiter queue depth.
func (m *Metrics) RecordQueueDepth(provider string, depth int) {
	m.ratelimitQueueDepth.WithLabelValues(provider).Set(float64(depth))
}

// RecordQueueRejection records a queue-full rejection.
func (m *Metrics) RecordQueueRejection(provider string) {
	m.ratelimitRejections.WithLabelValues(provider).Inc()
}

// RecordUsage records upstream token consumption.
func (m *Metrics) RecordUsage(provider, model string, promptTokens, completionTokens int) {
	m.usageTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	m.usageTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

// GetRegistry returns the Prometheus registry.
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// GetMeterProvider returns the OpenTelemetry meter provider.
func (m *Metrics) GetMeterProvider() *metric.MeterProvider {
	return m.provider
}

// StartMetricsServer starts the metrics HTTP server.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if !m.config.Enabled {
		m.logger.Info("Metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    "127.0.0.1:" + strconv.Itoa(m.config.Port),
		Handler: mux,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	m.logger.Info("Metrics server started",
		zap.Int("port", m.config.Port),
		zap.String("path", m.config.Path))

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("Error shutting down metrics server", zap.Error(err))
	}

	return nil
}
