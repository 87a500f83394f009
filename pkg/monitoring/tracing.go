package monitoring

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingExporter represents the type of trace exporter
type TracingExporter string

const (
	TracingExporterJaeger TracingExporter = "jaeger"
	TracingExporterOTLP   TracingExporter = "otlp"
	TracingExporterStdout TracingExporter = "stdout"
)

// TracingConfig configuration for OpenTelemetry tracing
type TracingConfig struct {
	Enabled        bool              `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	ServiceName    string            `yaml:"service_name" mapstructure:"service_name" json:"service_name"`
	ServiceVersion string            `yaml:"service_version" mapstructure:"service_version" json:"service_version"`
	Environment    string            `yaml:"environment" mapstructure:"environment" json:"environment"`
	Exporter       TracingExporter   `yaml:"exporter" mapstructure:"exporter" json:"exporter"`
	Endpoint       string            `yaml:"endpoint" mapstructure:"endpoint" json:"endpoint"`
	Insecure       bool              `yaml:"insecure" mapstructure:"insecure" json:"insecure"`
	Headers        map[string]string `yaml:"headers" mapstructure:"headers" json:"headers,omitempty"`
	Timeout        time.Duration     `yaml:"timeout" mapstructure:"timeout" json:"timeout"`
	SamplingRatio  float64           `yaml:"sampling_ratio" mapstructure:"sampling_ratio" json:"sampling_ratio"`
}

// DefaultTracingConfig returns default tracing configuration
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:        false,
		ServiceName:    "codegraphd",
		ServiceVersion: "dev",
		Environment:    "development",
		Exporter:       TracingExporterStdout,
		Timeout:        10 * time.Second,
		SamplingRatio:  1.0,
	}
}

// Validate checks the exporter selection
func (c TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Exporter {
	case TracingExporterJaeger, TracingExporterOTLP:
		if c.Endpoint == "" {
			return fmt.Errorf("tracing exporter %s requires an endpoint", c.Exporter)
		}
	case TracingExporterStdout:
	default:
		return fmt.Errorf("unsupported exporter type: %s", c.Exporter)
	}
	if c.SamplingRatio < 0 || c.SamplingRatio > 1 {
		return fmt.Errorf("sampling ratio %.2f must be between 0 and 1", c.SamplingRatio)
	}
	return nil
}

// TracingOption customises a TracingManager
type TracingOption func(*TracingManager)

// WithExportWriter redirects the stdout exporter
func WithExportWriter(w io.Writer) TracingOption {
	return func(tm *TracingManager) {
		tm.writer = w
	}
}

// TracingManager owns the tracer provider used by the pool and HTTP layer
type TracingManager struct {
	config   TracingConfig
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	writer   io.Writer
}

// NewTracingManager creates a new tracing manager. A disabled configuration
// yields a manager whose tracer records nothing.
func NewTracingManager(ctx context.Context, config TracingConfig, opts ...TracingOption) (*TracingManager, error) {
	tm := &TracingManager{config: config, writer: os.Stdout}
	for _, opt := range opts {
		opt(tm)
	}

	if !config.Enabled {
		log.Info().Msg("Tracing disabled")
		tm.tracer = noop.NewTracerProvider().Tracer(config.ServiceName)
		return tm, nil
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	exporter, syncExport, err := tm.createExporter(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	var processor sdktrace.TracerProviderOption
	if syncExport {
		processor = sdktrace.WithSyncer(exporter)
	} else {
		processor = sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second))
	}

	tm.provider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(tm.createResource()),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRatio))),
		processor,
	)

	otel.SetTracerProvider(tm.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tm.tracer = tm.provider.Tracer(
		config.ServiceName,
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)

	log.Info().
		Str("service_name", config.ServiceName).
		Str("exporter", string(config.Exporter)).
		Float64("sampling_ratio", config.SamplingRatio).
		Msg("Tracing initialized successfully")

	return tm, nil
}

func (tm *TracingManager) createResource() *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(tm.config.ServiceName),
		semconv.ServiceVersion(tm.config.ServiceVersion),
		semconv.DeploymentEnvironment(tm.config.Environment),
		attribute.String("process.runtime.name", "go"),
		attribute.String("process.runtime.version", runtime.Version()),
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// createExporter builds the configured exporter; the bool reports whether
// spans should be exported synchronously
func (tm *TracingManager) createExporter(ctx context.Context) (sdktrace.SpanExporter, bool, error) {
	switch tm.config.Exporter {
	case TracingExporterJaeger:
		exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(tm.config.Endpoint)))
		if err != nil {
			return nil, false, fmt.Errorf("failed to create Jaeger exporter: %w", err)
		}
		return exp, false, nil

	case TracingExporterOTLP:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(tm.config.Endpoint),
			otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
		}
		if tm.config.Timeout > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(tm.config.Timeout))
		}
		if tm.config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(tm.config.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(tm.config.Headers))
		}
		exp, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
		if err != nil {
			return nil, false, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		return exp, false, nil

	case TracingExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(tm.writer), stdouttrace.WithoutTimestamps())
		if err != nil {
			return nil, false, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exp, true, nil

	default:
		return nil, false, fmt.Errorf("unsupported exporter type: %s", tm.config.Exporter)
	}
}

// Tracer returns the tracer handed to the pool
func (tm *TracingManager) Tracer() trace.Tracer {
	return tm.tracer
}

// Enabled reports whether spans are exported
func (tm *TracingManager) Enabled() bool {
	return tm.provider != nil
}

// Shutdown flushes pending spans and stops the provider
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if tm.provider == nil {
		return nil
	}
	if err := tm.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	log.Info().Msg("Tracing shutdown complete")
	return nil
}
