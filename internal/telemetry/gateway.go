package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// GatewayMetrics bundles the instruments the request path records into.
// Instrument creation errors are ignored: a failed instrument is a no-op.
type GatewayMetrics struct {
	requests  metric.Int64Counter
	errors    metric.Int64Counter
	duration  metric.Float64Histogram
	instances metric.Int64UpDownCounter
}

// NewGatewayMetrics creates the gateway's instrument set on the global
// meter.
func NewGatewayMetrics() *GatewayMetrics {
	m := Meter("")
	requests, _ := m.Int64Counter("mcpgate.requests",
		metric.WithDescription("Total dispatched requests"),
	)
	errors, _ := m.Int64Counter("mcpgate.errors",
		metric.WithDescription("Total failed requests by error code"),
	)
	duration, _ := m.Float64Histogram("mcpgate.request.duration",
		metric.WithDescription("End-to-end request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	instances, _ := m.Int64UpDownCounter("mcpgate.instances",
		metric.WithDescription("Live instance count by template"),
	)
	return &GatewayMetrics{
		requests:  requests,
		errors:    errors,
		duration:  duration,
		instances: instances,
	}
}

// RecordRequest accounts one dispatched request.
func (g *GatewayMetrics) RecordRequest(ctx context.Context, method, template string, d time.Duration, errCode string) {
	if g == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("template", template),
	)
	g.requests.Add(ctx, 1, attrs)
	g.duration.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
	if errCode != "" {
		g.errors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("template", template),
			attribute.String("code", errCode),
		))
	}
}

// InstanceUp records an instance joining the fleet.
func (g *GatewayMetrics) InstanceUp(ctx context.Context, template string) {
	if g == nil {
		return
	}
	g.instances.Add(ctx, 1, metric.WithAttributes(attribute.String("template", template)))
}

// InstanceDown records an instance leaving the fleet.
func (g *GatewayMetrics) InstanceDown(ctx context.Context, template string) {
	if g == nil {
		return
	}
	g.instances.Add(ctx, -1, metric.WithAttributes(attribute.String("template", template)))
}
