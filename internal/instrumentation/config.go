package instrumentation

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the configuration for OpenTelemetry instrumentation.
type Config struct {
	// ServiceName is the name of the service (default: opencrm-auth)
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"opencrm-auth"`

	// ServiceVersion is the version of the service
	ServiceVersion string

	// ServiceInstanceID identifies this replica. Falls back to $HOSTNAME,
	// then to os.Hostname().
	ServiceInstanceID string `env:"OTEL_SERVICE_INSTANCE_ID,expand" envDefault:"${HOSTNAME}"`

	// Environment is the deployment environment, e.g. "production".
	Environment string `env:"DEPLOYMENT_ENVIRONMENT"`

	// Deployment describes the wired components. It is set by the caller,
	// not read from the environment.
	Deployment Deployment

	// Enabled determines if instrumentation is active (default: true)
	Enabled bool `env:"INSTRUMENTATION_ENABLED" envDefault:"true"`

	// MetricsExporter is one of "prometheus", "otlp", "stdout"
	MetricsExporter string `env:"METRICS_EXPORTER" envDefault:"prometheus"`

	// TracingExporter is one of "otlp", "stdout", "none"
	TracingExporter string `env:"TRACING_EXPORTER" envDefault:"none"`

	// OTLPEndpoint is the OTLP collector endpoint without protocol prefix,
	// for example "localhost:4318".
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// OTLPInsecure disables TLS for OTLP export. Local development only.
	OTLPInsecure bool `env:"OTEL_EXPORTER_OTLP_INSECURE"`

	// TraceSamplingRate is the sampling rate for traces (0.0 to 1.0)
	TraceSamplingRate float64 `env:"OTEL_TRACES_SAMPLER_ARG" envDefault:"0.1"`

	// DetailedLabels adds tenant ids to tool metrics. Keep disabled in
	// production to bound cardinality.
	DetailedLabels bool `env:"METRICS_DETAILED_LABELS"`

	// AuditLogging configures tool audit logging.
	AuditLogging AuditLoggingConfig
}

// Deployment is the shape of the running auth service, exported as resource
// attributes so dashboards can tell replicas apart by configuration.
type Deployment struct {
	// Strategies are the authentication strategy names in priority order.
	Strategies     []string
	OAuthProxy     bool
	StoreBackend   string
	DirectoryStore string
}

// AuditLoggingConfig holds configuration for audit logging.
type AuditLoggingConfig struct {
	// Enabled determines if audit logging is active (default: true)
	Enabled bool `env:"AUDIT_LOGGING_ENABLED" envDefault:"true"`

	// IncludePII controls whether full email addresses are logged. When
	// false, only anonymized identifiers are written.
	IncludePII bool `env:"AUDIT_LOGGING_INCLUDE_PII"`
}

// DefaultConfig returns a Config populated from the environment. Values
// that fail to parse leave the field at its default.
func DefaultConfig() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{
			ServiceName:       "opencrm-auth",
			Enabled:           true,
			MetricsExporter:   ExporterPrometheus,
			TracingExporter:   ExporterNone,
			TraceSamplingRate: 0.1,
			AuditLogging:      AuditLoggingConfig{Enabled: true},
		}
	}
	c.ServiceVersion = "unknown"
	return c
}

// LoadConfig parses the environment into a Config and reports parse errors.
func LoadConfig() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse instrumentation env: %w", err)
	}
	c.ServiceVersion = "unknown"
	return c, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.TraceSamplingRate < 0 || c.TraceSamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0.0 and 1.0, got %f", c.TraceSamplingRate)
	}

	validMetricsExporters := map[string]bool{ExporterPrometheus: true, ExporterOTLP: true, ExporterStdout: true}
	if c.MetricsExporter != "" && !validMetricsExporters[c.MetricsExporter] {
		return fmt.Errorf("invalid metrics exporter %q, must be one of: prometheus, otlp, stdout", c.MetricsExporter)
	}

	validTracingExporters := map[string]bool{ExporterOTLP: true, ExporterStdout: true, ExporterNone: true}
	if c.TracingExporter != "" && !validTracingExporters[c.TracingExporter] {
		return fmt.Errorf("invalid tracing exporter %q, must be one of: otlp, stdout, none", c.TracingExporter)
	}

	if c.TracingExporter == ExporterOTLP && c.OTLPEndpoint == "" {
		return fmt.Errorf("OTLP endpoint is required when using OTLP tracing exporter")
	}
	if c.MetricsExporter == ExporterOTLP && c.OTLPEndpoint == "" {
		return fmt.Errorf("OTLP endpoint is required when using OTLP metrics exporter")
	}

	return nil
}

// Constants for metric label values.
const (
	// Status values
	StatusSuccess = "success"
	StatusError   = "error"
	StatusDenied  = "denied"

	// OAuth flow events
	FlowEventRegister  = "register"
	FlowEventAuthorize = "authorize"
	FlowEventCallback  = "callback"
	FlowEventToken     = "token"

	// OAuth flow results
	FlowResultSuccess = "success"
	FlowResultFailure = "failure"

	// Exporter types
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterNone       = "none"

	// Metric recording intervals
	DefaultMetricInterval = 10 * time.Second
)
