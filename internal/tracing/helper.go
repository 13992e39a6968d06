package tracing

import (
	"context"
	"time"

	"github.com/cboxdk/dpdk-telemetry-exporter/internal/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	// Span names
	SpanCycle     = "dpdk.scrape.cycle"
	SpanDiscovery = "dpdk.discovery"
	SpanScrape    = "dpdk.scrape.endpoint"

	// Attribute keys
	AttrEndpoint  = "dpdk.endpoint.path"
	AttrNamespace = "dpdk.endpoint.namespace"
	AttrWorkload  = "dpdk.endpoint.workload"
	AttrProtocol  = "dpdk.protocol"
	AttrEndpoints = "dpdk.endpoints.count"
	AttrSamples   = "dpdk.samples.count"
	AttrPhase     = "dpdk.error.phase"
)

// TraceHelper wraps scrape loop steps in spans
type TraceHelper struct {
	tracer oteltrace.Tracer
}

// NewTraceHelper creates a helper around tracer
func NewTraceHelper(tracer oteltrace.Tracer) *TraceHelper {
	return &TraceHelper{tracer: tracer}
}

// StartSpan starts a span with attributes
func (th *TraceHelper) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return th.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// RecordError marks span failed. phase is attached when known.
func (th *TraceHelper) RecordError(span oteltrace.Span, err error, phase string) {
	if err == nil {
		return
	}
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err, oteltrace.WithAttributes(attribute.String(AttrPhase, phase)))
}

func (th *TraceHelper) finish(span oteltrace.Span, start time.Time, err error, phase string) {
	span.SetAttributes(attribute.Int64("duration_ms", time.Since(start).Milliseconds()))
	if err != nil {
		th.RecordError(span, err, phase)
		return
	}
	span.SetStatus(codes.Ok, "")
}

// TraceCycleFunc traces a full discovery and scrape cycle
func (th *TraceHelper) TraceCycleFunc(ctx context.Context, protocol string, fn func(context.Context) (types.CycleStats, error)) (types.CycleStats, error) {
	ctx, span := th.StartSpan(ctx, SpanCycle, attribute.String(AttrProtocol, protocol))
	defer span.End()

	start := time.Now()
	stats, err := fn(ctx)
	span.SetAttributes(
		attribute.Int(AttrEndpoints, stats.Endpoints),
		attribute.Int(AttrSamples, stats.Samples),
		attribute.Int("dpdk.scrape.failed", stats.Failed),
		attribute.Bool("dpdk.cycle.skipped", stats.Skipped),
	)
	th.finish(span, start, err, types.PhaseDiscovery)
	return stats, err
}

// TraceDiscoveryFunc traces socket discovery
func (th *TraceHelper) TraceDiscoveryFunc(ctx context.Context, root string, fn func(context.Context) ([]types.Endpoint, error)) ([]types.Endpoint, error) {
	ctx, span := th.StartSpan(ctx, SpanDiscovery, attribute.String("dpdk.discovery.root", root))
	defer span.End()

	start := time.Now()
	endpoints, err := fn(ctx)
	span.SetAttributes(attribute.Int(AttrEndpoints, len(endpoints)))
	th.finish(span, start, err, types.PhaseDiscovery)
	return endpoints, err
}

// TraceScrapeFunc traces one endpoint scrape. phaseOf classifies a failure.
func (th *TraceHelper) TraceScrapeFunc(ctx context.Context, ep types.Endpoint, phaseOf func(error) string, fn func(context.Context) (*types.StatBatch, error)) (*types.StatBatch, error) {
	ctx, span := th.StartSpan(ctx, SpanScrape,
		attribute.String(AttrEndpoint, ep.Path),
		attribute.String(AttrNamespace, ep.Namespace),
		attribute.String(AttrWorkload, ep.WorkloadName),
	)
	defer span.End()

	start := time.Now()
	batch, err := fn(ctx)
	span.SetAttributes(attribute.Int(AttrSamples, batch.Len()))

	phase := ""
	if err != nil && phaseOf != nil {
		phase = phaseOf(err)
	}
	th.finish(span, start, err, phase)
	return batch, err
}
