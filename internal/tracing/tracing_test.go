package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/cboxdk/dpdk-telemetry-exporter/internal/config"
	"github.com/cboxdk/dpdk-telemetry-exporter/internal/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

func TestNewService(t *testing.T) {
	logger := zaptest.NewLogger(t)

	tests := []struct {
		name      string
		config    config.TracingConfig
		enabled   bool
		wantError bool
	}{
		{
			name:   "tracing disabled",
			config: config.TracingConfig{Enabled: false},
		},
		{
			name: "stdout exporter",
			config: config.TracingConfig{
				Enabled:        true,
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
				Environment:    "test",
				Exporter:       config.TracingExporterConfig{Type: config.ExporterTypeStdout},
				Sampling:       config.TracingSamplingConfig{Rate: 0.5},
			},
			enabled: true,
		},
		{
			name: "otlp exporter",
			config: config.TracingConfig{
				Enabled:     true,
				ServiceName: "test-service",
				Exporter: config.TracingExporterConfig{
					Type:     config.ExporterTypeOTLP,
					Endpoint: "http://127.0.0.1:4318",
					Headers:  map[string]string{"authorization": "token"},
				},
			},
			enabled: true,
		},
		{
			name: "otlp exporter without endpoint",
			config: config.TracingConfig{
				Enabled:  true,
				Exporter: config.TracingExporterConfig{Type: config.ExporterTypeOTLP},
			},
			wantError: true,
		},
		{
			name: "unsupported exporter type",
			config: config.TracingConfig{
				Enabled:  true,
				Exporter: config.TracingExporterConfig{Type: "jaeger"},
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, err := NewService(tt.config, logger)
			if tt.wantError {
				if err == nil {
					t.Error("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer service.Stop(context.Background())

			if service.IsEnabled() != tt.enabled {
				t.Errorf("expected enabled=%v, got %v", tt.enabled, service.IsEnabled())
			}
			if service.Tracer() == nil {
				t.Error("expected a tracer")
			}
			if service.Helper() == nil {
				t.Error("expected a trace helper")
			}
		})
	}
}

func TestServiceStartStopsOnCancel(t *testing.T) {
	service, err := NewService(config.TracingConfig{
		Enabled:  true,
		Exporter: config.TracingExporterConfig{Type: config.ExporterTypeStdout},
		Sampling: config.TracingSamplingConfig{Rate: 1},
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := service.Start(ctx); err != nil {
		t.Errorf("expected clean shutdown, got %v", err)
	}
}

func TestDisabledServiceStartReturns(t *testing.T) {
	service, err := NewService(config.TracingConfig{}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.Start(context.Background()); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func newRecordingHelper(t *testing.T) (*TraceHelper, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })
	return NewTraceHelper(provider.Tracer("test")), recorder
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTraceScrapeFunc(t *testing.T) {
	helper, recorder := newRecordingHelper(t)
	ep := types.Endpoint{Path: "/tmp/touchstone/ns1/wl1/dpdk_telemetry.v2", Namespace: "ns1", WorkloadName: "wl1"}

	batch, err := helper.TraceScrapeFunc(context.Background(), ep, nil, func(ctx context.Context) (*types.StatBatch, error) {
		return &types.StatBatch{HardwareAddress: "0000:00:08.0", Stats: map[string]float64{"a": 1, "b": 2}}, nil
	})
	if err != nil || batch.Len() != 2 {
		t.Fatalf("unexpected result: %v %v", batch, err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != SpanScrape {
		t.Errorf("expected span %s, got %s", SpanScrape, span.Name())
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("expected ok status, got %v", span.Status())
	}
	if v, ok := attrValue(span.Attributes(), AttrWorkload); !ok || v.AsString() != "wl1" {
		t.Errorf("expected workload attribute, got %v", v)
	}
	if v, ok := attrValue(span.Attributes(), AttrSamples); !ok || v.AsInt64() != 2 {
		t.Errorf("expected samples attribute 2, got %v", v)
	}
}

func TestTraceScrapeFuncRecordsPhase(t *testing.T) {
	helper, recorder := newRecordingHelper(t)
	failure := errors.New("connection refused")

	_, err := helper.TraceScrapeFunc(context.Background(), types.Endpoint{Path: "/x"},
		func(error) string { return types.PhaseConnect },
		func(ctx context.Context) (*types.StatBatch, error) { return nil, failure })
	if !errors.Is(err, failure) {
		t.Fatalf("expected wrapped failure, got %v", err)
	}

	span := recorder.Ended()[0]
	if span.Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", span.Status())
	}
	events := span.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 error event, got %d", len(events))
	}
	if v, ok := attrValue(events[0].Attributes, AttrPhase); !ok || v.AsString() != types.PhaseConnect {
		t.Errorf("expected phase attribute, got %v", v)
	}
}

func TestTraceCycleNestsDiscovery(t *testing.T) {
	helper, recorder := newRecordingHelper(t)

	stats, err := helper.TraceCycleFunc(context.Background(), "v2", func(ctx context.Context) (types.CycleStats, error) {
		endpoints, err := helper.TraceDiscoveryFunc(ctx, "/tmp/touchstone", func(ctx context.Context) ([]types.Endpoint, error) {
			return []types.Endpoint{{Path: "/a"}, {Path: "/b"}}, nil
		})
		return types.CycleStats{Endpoints: len(endpoints), Samples: 10}, err
	})
	if err != nil || stats.Endpoints != 2 {
		t.Fatalf("unexpected result: %+v %v", stats, err)
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	discovery, cycle := spans[0], spans[1]
	if discovery.Name() != SpanDiscovery || cycle.Name() != SpanCycle {
		t.Fatalf("unexpected span order: %s, %s", discovery.Name(), cycle.Name())
	}
	if discovery.Parent().SpanID() != cycle.SpanContext().SpanID() {
		t.Error("expected discovery span to be a child of the cycle span")
	}
	if v, ok := attrValue(cycle.Attributes(), AttrSamples); !ok || v.AsInt64() != 10 {
		t.Errorf("expected samples attribute 10, got %v", v)
	}
}
