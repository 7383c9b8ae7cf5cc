package instrumentation

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func TestNewProvider_Disabled(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{
		ServiceName: "test-service",
		Enabled:     false,
		// Ignored when disabled.
		MetricsExporter: "statsd",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if provider.Enabled() {
		t.Error("expected provider to be disabled")
	}
	if provider.Metrics() == nil {
		t.Error("expected metrics to be non-nil even when disabled")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Errorf("expected no error on shutdown, got %v", err)
	}
}

func TestNewProvider_Exporters(t *testing.T) {
	tests := []struct {
		name           string
		config         Config
		expectError    bool
		wantPrometheus bool
	}{
		{
			name:           "prometheus metrics, no tracing",
			config:         Config{MetricsExporter: ExporterPrometheus, TracingExporter: ExporterNone},
			wantPrometheus: true,
		},
		{
			name:   "stdout metrics and traces",
			config: Config{MetricsExporter: ExporterStdout, TracingExporter: ExporterStdout, TraceSamplingRate: 1},
		},
		{
			name:        "invalid metrics exporter",
			config:      Config{MetricsExporter: "statsd", TracingExporter: ExporterNone},
			expectError: true,
		},
		{
			name:        "invalid tracing exporter",
			config:      Config{MetricsExporter: ExporterPrometheus, TracingExporter: "zipkin"},
			expectError: true,
		},
		{
			name:        "otlp tracing without endpoint",
			config:      Config{MetricsExporter: ExporterPrometheus, TracingExporter: ExporterOTLP},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			cfg := tt.config
			cfg.ServiceName = "test-service"
			cfg.ServiceVersion = "1.0.0"
			cfg.Enabled = true

			provider, err := NewProvider(ctx, cfg)
			if tt.expectError {
				if err == nil {
					_ = provider.Shutdown(ctx)
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			defer func() { _ = provider.Shutdown(ctx) }()

			if !provider.Enabled() {
				t.Error("expected provider to be enabled")
			}
			if provider.Metrics() == nil {
				t.Error("expected metrics to be non-nil")
			}
			if provider.PrometheusEnabled() != tt.wantPrometheus {
				t.Errorf("PrometheusEnabled() = %v, want %v", provider.PrometheusEnabled(), tt.wantPrometheus)
			}
		})
	}
}

func TestResourceAttributes(t *testing.T) {
	attrs := resourceAttributes(Config{
		ServiceName:       "opencrm-auth",
		ServiceVersion:    "1.2.3",
		ServiceInstanceID: "replica-1",
		Environment:       "staging",
		Deployment: Deployment{
			Strategies:     []string{"api_key", "jwt:corp"},
			OAuthProxy:     true,
			StoreBackend:   "valkey",
			DirectoryStore: "sqlite",
		},
	})

	got := make(map[attribute.Key]attribute.Value, len(attrs))
	for _, kv := range attrs {
		got[kv.Key] = kv.Value
	}

	if got["service.instance.id"].AsString() != "replica-1" {
		t.Errorf("service.instance.id = %q", got["service.instance.id"].AsString())
	}
	if got["deployment.environment"].AsString() != "staging" {
		t.Errorf("deployment.environment = %q", got["deployment.environment"].AsString())
	}
	if s := got[AttrStrategies].AsStringSlice(); len(s) != 2 || s[1] != "jwt:corp" {
		t.Errorf("strategies = %v", s)
	}
	if !got[AttrOAuthProxy].AsBool() {
		t.Error("expected oauth proxy attribute to be true")
	}
	if got[AttrStoreBackend].AsString() != "valkey" || got[AttrDirectoryStore].AsString() != "sqlite" {
		t.Errorf("backends = %q, %q", got[AttrStoreBackend].AsString(), got[AttrDirectoryStore].AsString())
	}
}

func TestResourceAttributes_InstanceFallsBackToHostname(t *testing.T) {
	for _, kv := range resourceAttributes(Config{ServiceName: "opencrm-auth"}) {
		if kv.Key == "service.instance.id" && kv.Value.AsString() == "" {
			t.Error("expected a hostname based instance id")
		}
		if kv.Key == AttrStrategies {
			t.Error("empty strategy list should not be exported")
		}
	}
}
