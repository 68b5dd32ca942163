package bookmail

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/rbaliyan/bookmail"
)

// otelInstrumentation holds OpenTelemetry instrumentation for the service.
type otelInstrumentation struct {
	enabled bool

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	sendLatency metric.Float64Histogram
	sendCount   metric.Int64Counter
	sendErrors  metric.Int64Counter
	listLatency metric.Float64Histogram
	listCount   metric.Int64Counter
	listErrors  metric.Int64Counter

	// State transitions (read, archive, delete, undo)
	transitionLatency metric.Float64Histogram
	transitionCount   metric.Int64Counter
	transitionErrors  metric.Int64Counter
	undoOutcomes      metric.Int64Counter

	settledCount metric.Int64Counter
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if !o.enabled {
		return o, nil
	}

	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error

	// Send metrics
	o.sendLatency, err = meter.Float64Histogram(
		"bookmail.send.duration",
		metric.WithDescription("Duration of send operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.sendCount, err = meter.Int64Counter(
		"bookmail.send.count",
		metric.WithDescription("Number of send operations"),
	)
	if err != nil {
		return err
	}

	o.sendErrors, err = meter.Int64Counter(
		"bookmail.send.errors",
		metric.WithDescription("Number of send errors"),
	)
	if err != nil {
		return err
	}

	// List metrics
	o.listLatency, err = meter.Float64Histogram(
		"bookmail.list.duration",
		metric.WithDescription("Duration of list operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.listCount, err = meter.Int64Counter(
		"bookmail.list.count",
		metric.WithDescription("Number of list operations"),
	)
	if err != nil {
		return err
	}

	o.listErrors, err = meter.Int64Counter(
		"bookmail.list.errors",
		metric.WithDescription("Number of list errors"),
	)
	if err != nil {
		return err
	}

	// Transition metrics
	o.transitionLatency, err = meter.Float64Histogram(
		"bookmail.transition.duration",
		metric.WithDescription("Duration of state transitions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.transitionCount, err = meter.Int64Counter(
		"bookmail.transition.count",
		metric.WithDescription("Number of state transitions"),
	)
	if err != nil {
		return err
	}

	o.transitionErrors, err = meter.Int64Counter(
		"bookmail.transition.errors",
		metric.WithDescription("Number of failed state transitions"),
	)
	if err != nil {
		return err
	}

	o.undoOutcomes, err = meter.Int64Counter(
		"bookmail.undo.outcomes",
		metric.WithDescription("Undo attempts by outcome"),
	)
	if err != nil {
		return err
	}

	o.settledCount, err = meter.Int64Counter(
		"bookmail.settle.count",
		metric.WithDescription("Number of undo windows finalized by settle sweeps"),
	)
	if err != nil {
		return err
	}

	return nil
}

// startSpan starts a new span if tracing is enabled.
// The returned function ends the span, recording err if non-nil.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// recordSend records send operation metrics.
func (o *otelInstrumentation) recordSend(ctx context.Context, duration time.Duration, err error) {
	if !o.metricsEnabled {
		return
	}

	o.sendLatency.Record(ctx, duration.Seconds())
	o.sendCount.Add(ctx, 1)
	if err != nil {
		o.sendErrors.Add(ctx, 1)
	}
}

// recordList records list operation metrics.
func (o *otelInstrumentation) recordList(ctx context.Context, duration time.Duration, visibility string, resultCount int, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("visibility", visibility),
		attribute.Int("result_count", resultCount),
	)

	o.listLatency.Record(ctx, duration.Seconds(), attrs)
	o.listCount.Add(ctx, 1, attrs)
	if err != nil {
		o.listErrors.Add(ctx, 1, attrs)
	}
}

// recordTransition records metrics for read, archive, delete and undo.
func (o *otelInstrumentation) recordTransition(ctx context.Context, duration time.Duration, operation string, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
	)

	o.transitionLatency.Record(ctx, duration.Seconds(), attrs)
	o.transitionCount.Add(ctx, 1, attrs)
	if err != nil {
		o.transitionErrors.Add(ctx, 1, attrs)
	}
}

// recordUndo records the outcome of an undo attempt.
func (o *otelInstrumentation) recordUndo(ctx context.Context, err error) {
	if !o.metricsEnabled {
		return
	}

	outcome := "restored"
	switch {
	case err == nil:
	case errors.Is(err, ErrExpired):
		outcome = "expired"
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, ErrUnauthorized):
		outcome = "unauthorized"
	default:
		outcome = "error"
	}
	o.undoOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// recordSettle records the number of states finalized by a settle sweep.
func (o *otelInstrumentation) recordSettle(ctx context.Context, count int64) {
	if !o.metricsEnabled || count == 0 {
		return
	}
	o.settledCount.Add(ctx, count)
}
