package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/cboxdk/dpdk-telemetry-exporter/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Service owns the OpenTelemetry tracer provider
type Service struct {
	config   config.TracingConfig
	logger   *zap.Logger
	provider *trace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewService creates a tracing service. A disabled service hands out a
// no-op tracer.
func NewService(cfg config.TracingConfig, logger *zap.Logger) (*Service, error) {
	logger = logger.Named("tracing")

	if !cfg.Enabled {
		logger.Debug("Tracing disabled")
		return &Service{
			config: cfg,
			logger: logger,
			tracer: noop.NewTracerProvider().Tracer(cfg.ServiceName),
		}, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := createExporter(cfg.Exporter)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.Sampling.Rate))),
	)

	otel.SetTracerProvider(provider)

	logger.Info("Tracing initialized",
		zap.String("service", cfg.ServiceName),
		zap.String("version", cfg.ServiceVersion),
		zap.String("environment", cfg.Environment),
		zap.String("exporter", cfg.Exporter.Type),
		zap.Float64("sampling_rate", cfg.Sampling.Rate))

	return &Service{
		config:   cfg,
		logger:   logger,
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
	}, nil
}

// createExporter creates the span exporter named by the configuration
func createExporter(cfg config.TracingExporterConfig) (trace.SpanExporter, error) {
	switch cfg.Type {
	case config.ExporterTypeStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case config.ExporterTypeOTLP:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("OTLP endpoint is required")
		}

		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpointURL(cfg.Endpoint),
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}

		return otlptracehttp.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.Type)
	}
}

// Start blocks until ctx is done and then flushes pending spans
func (s *Service) Start(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}

	s.logger.Info("Tracing service started")
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Stop(stopCtx)
}

// Stop flushes remaining spans and shuts the provider down
func (s *Service) Stop(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}

	if err := s.provider.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shutdown tracer provider", zap.Error(err))
		return err
	}

	s.logger.Info("Tracing service stopped")
	return nil
}

// Tracer returns the service tracer
func (s *Service) Tracer() oteltrace.Tracer {
	return s.tracer
}

// IsEnabled reports whether spans are exported
func (s *Service) IsEnabled() bool {
	return s.provider != nil
}

// Helper returns a TraceHelper bound to the service tracer
func (s *Service) Helper() *TraceHelper {
	return NewTraceHelper(s.tracer)
}
