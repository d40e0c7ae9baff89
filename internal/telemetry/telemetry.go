// Package telemetry wires RPC-call counters and latency histograms for the
// MCP tool surface via go.opentelemetry.io/otel, exported through
// go.opentelemetry.io/otel/exporters/stdout/stdoutmetric so readable
// telemetry prints to stdout/stderr in dev mode without standing up a
// collector.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func toolAttr(tool string) attribute.KeyValue {
	return attribute.String("tool", tool)
}

// Recorder records per-tool-call counts, errors, and latency.
type Recorder struct {
	provider *sdkmetric.MeterProvider
	calls    metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
}

// New builds a Recorder exporting to stdout every interval (graphd.toml's
// telemetry_interval).
func New(interval time.Duration) (*Recorder, error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("telemetry: new stdout exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	meter := provider.Meter("graphd")

	calls, err := meter.Int64Counter("graphd.rpc.calls", metric.WithDescription("tool calls handled"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: calls counter: %w", err)
	}
	errs, err := meter.Int64Counter("graphd.rpc.errors", metric.WithDescription("tool calls that returned an error envelope"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: errors counter: %w", err)
	}
	duration, err := meter.Float64Histogram("graphd.rpc.duration_ms", metric.WithDescription("tool call latency"), metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: duration histogram: %w", err)
	}

	return &Recorder{provider: provider, calls: calls, errors: errs, duration: duration}, nil
}

// Record logs one completed tool call.
func (r *Recorder) Record(ctx context.Context, tool string, isError bool, elapsed time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(toolAttr(tool))
	r.calls.Add(ctx, 1, attrs)
	if isError {
		r.errors.Add(ctx, 1, attrs)
	}
	r.duration.Record(ctx, float64(elapsed.Microseconds())/1000.0, attrs)
}

// Shutdown flushes pending exports and stops the periodic reader.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.provider.Shutdown(ctx)
}
