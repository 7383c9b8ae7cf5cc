package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Resource attribute keys describing the auth deployment.
const (
	AttrStrategies     = attribute.Key("opencrm.auth.strategies")
	AttrOAuthProxy     = attribute.Key("opencrm.auth.oauth_proxy")
	AttrStoreBackend   = attribute.Key("opencrm.auth.store_backend")
	AttrDirectoryStore = attribute.Key("opencrm.auth.directory")
)

// Provider owns the meter and tracer providers of the auth service and the
// Metrics recorder built on them.
type Provider struct {
	meterProvider  *metric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	prometheus     *prometheus.Exporter
	metrics        *Metrics
}

// NewProvider sets up telemetry for config. With instrumentation disabled
// it returns a Provider whose Metrics records nothing.
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	if !config.Enabled {
		return &Provider{metrics: &Metrics{}}, nil
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(config)...))
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	reader, promExporter, err := newMetricReader(ctx, config)
	if err != nil {
		return nil, err
	}
	p := &Provider{
		prometheus:    promExporter,
		meterProvider: metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(reader)),
	}

	spanExporter, err := newSpanExporter(ctx, config)
	if err != nil {
		return nil, errors.Join(err, p.meterProvider.Shutdown(ctx))
	}
	p.tracerProvider = newTracerProvider(res, spanExporter, config.TraceSamplingRate)

	// StartSpan and friends go through the global providers.
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTracerProvider(p.tracerProvider)

	p.metrics, err = NewMetrics(p.meterProvider.Meter(config.ServiceName), config.DetailedLabels)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("create metrics: %w", err), p.Shutdown(ctx))
	}
	return p, nil
}

func resourceAttributes(config Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}

	instance := config.ServiceInstanceID
	if instance == "" {
		instance, _ = os.Hostname()
	}
	if instance != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(instance))
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}

	d := config.Deployment
	attrs = append(attrs, AttrOAuthProxy.Bool(d.OAuthProxy))
	if len(d.Strategies) > 0 {
		attrs = append(attrs, AttrStrategies.StringSlice(d.Strategies))
	}
	if d.StoreBackend != "" {
		attrs = append(attrs, AttrStoreBackend.String(d.StoreBackend))
	}
	if d.DirectoryStore != "" {
		attrs = append(attrs, AttrDirectoryStore.String(d.DirectoryStore))
	}
	return attrs
}

// newMetricReader returns the reader for the configured exporter. The
// Prometheus exporter is also returned so /metrics can be served.
func newMetricReader(ctx context.Context, config Config) (metric.Reader, *prometheus.Exporter, error) {
	switch config.MetricsExporter {
	case ExporterPrometheus:
		exporter, err := prometheus.New()
		if err != nil {
			return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		return exporter, exporter, nil
	case ExporterOTLP:
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(config.OTLPEndpoint)}
		if config.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create otlp metrics exporter: %w", err)
		}
		return metric.NewPeriodicReader(exporter), nil, nil
	case ExporterStdout:
		warnDevExporter("metrics")
		exporter, err := stdoutmetric.New()
		if err != nil {
			return nil, nil, fmt.Errorf("create stdout metrics exporter: %w", err)
		}
		return metric.NewPeriodicReader(exporter), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported metrics exporter %q", config.MetricsExporter)
	}
}

// newSpanExporter returns nil when tracing is off.
func newSpanExporter(ctx context.Context, config Config) (sdktrace.SpanExporter, error) {
	switch config.TracingExporter {
	case ExporterNone, "":
		return nil, nil
	case ExporterOTLP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.OTLPEndpoint)}
		if config.OTLPInsecure {
			// Spans carry tenant ids and client ids.
			slog.Warn("exporting traces over plaintext OTLP",
				"component", "instrumentation", "endpoint", config.OTLPEndpoint)
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", err)
		}
		return exporter, nil
	case ExporterStdout:
		warnDevExporter("traces")
		exporter, err := stdouttrace.New()
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("unsupported tracing exporter %q", config.TracingExporter)
	}
}

func newTracerProvider(res *resource.Resource, exporter sdktrace.SpanExporter, rate float64) *sdktrace.TracerProvider {
	if exporter == nil {
		return sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.NeverSample()),
		)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
}

func warnDevExporter(signal string) {
	slog.Warn("stdout telemetry exporter is for development only",
		"component", "instrumentation", "signal", signal)
}

// Metrics returns the recorder. It is never nil.
func (p *Provider) Metrics() *Metrics {
	return p.metrics
}

// PrometheusEnabled reports whether metrics are exported through the
// Prometheus registry served by MetricsServer.
func (p *Provider) PrometheusEnabled() bool {
	return p.prometheus != nil
}

// Enabled reports whether telemetry is being produced.
func (p *Provider) Enabled() bool {
	return p.meterProvider != nil
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	return errors.Join(errs...)
}
