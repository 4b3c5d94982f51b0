// Package observer provides OTEL-based observability for flow runs.
//
// It exposes a showrun.Tracer backed by OpenTelemetry plus counters and
// histograms for runs, steps, and replays. Users export to any
// OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/showrun/showrun/observer"

// Instruments holds all OTEL instruments the engine emits through.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	// Counters
	RunExecutions    metric.Int64Counter
	StepExecutions   metric.Int64Counter
	ReplayRequests   metric.Int64Counter
	AuthRecoveries   metric.Int64Counter
	CaptureEvictions metric.Int64Counter

	// Histograms
	RunDuration    metric.Float64Histogram
	StepDuration   metric.Float64Histogram
	ReplayDuration metric.Float64Histogram
}

// Init sets up OTEL trace and metric providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("showrun")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)

	runExecutions, err := meter.Int64Counter("run.executions",
		metric.WithDescription("Flow run count"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	stepExecutions, err := meter.Int64Counter("step.executions",
		metric.WithDescription("Step execution count"),
		metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}

	replayRequests, err := meter.Int64Counter("replay.requests",
		metric.WithDescription("Network replay count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	authRecoveries, err := meter.Int64Counter("auth.recoveries",
		metric.WithDescription("Auth recovery passes"),
		metric.WithUnit("{recovery}"))
	if err != nil {
		return nil, err
	}

	captureEvictions, err := meter.Int64Counter("capture.evictions",
		metric.WithDescription("Capture buffer evictions"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram("run.duration",
		metric.WithDescription("Flow run duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram("step.duration",
		metric.WithDescription("Step duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	replayDuration, err := meter.Float64Histogram("replay.duration",
		metric.WithDescription("Network replay duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:           tracer,
		Meter:            meter,
		RunExecutions:    runExecutions,
		StepExecutions:   stepExecutions,
		ReplayRequests:   replayRequests,
		AuthRecoveries:   authRecoveries,
		CaptureEvictions: captureEvictions,
		RunDuration:      runDuration,
		StepDuration:     stepDuration,
		ReplayDuration:   replayDuration,
	}, nil
}
