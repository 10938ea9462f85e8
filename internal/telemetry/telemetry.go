package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/jordanhubbard/converge"

// Instruments holds the OpenTelemetry metric instruments used by the engine
type Instruments struct {
	Iterations   metric.Int64Counter
	TopScore     metric.Float64Histogram
	Recoveries   metric.Int64Counter
	ReviewTimers metric.Float64Histogram
}

var (
	instrumentsOnce sync.Once
	instruments     *Instruments
)

// Tracer returns the converge tracer from the global provider. Before
// InitTelemetry runs this is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Meters returns the shared metric instruments, creating them on first use
// against the global meter provider.
func Meters() *Instruments {
	instrumentsOnce.Do(func() {
		inst, err := newInstruments(otel.Meter(instrumentationName))
		if err != nil {
			log.Printf("[Telemetry] Failed to create instruments: %v", err)
			inst = &Instruments{}
		}
		instruments = inst
	})
	return instruments
}

// InitTelemetry initializes OpenTelemetry tracing
func InitTelemetry(ctx context.Context, serviceName, otelEndpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
			attribute.String("environment", "development"),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otelEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	log.Printf("[Telemetry] Initialized with endpoint %s", otelEndpoint)

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return traceProvider.Shutdown(shutdownCtx)
	}, nil
}

func newInstruments(meter metric.Meter) (*Instruments, error) {
	var (
		inst Instruments
		err  error
	)

	inst.Iterations, err = meter.Int64Counter(
		"converge.session.iterations",
		metric.WithDescription("Completed session iterations"),
	)
	if err != nil {
		return nil, err
	}

	inst.TopScore, err = meter.Float64Histogram(
		"converge.session.top_score",
		metric.WithDescription("Top candidate score per iteration"),
	)
	if err != nil {
		return nil, err
	}

	inst.Recoveries, err = meter.Int64Counter(
		"converge.recovery.invocations",
		metric.WithDescription("Recovery strategist invocations"),
	)
	if err != nil {
		return nil, err
	}

	inst.ReviewTimers, err = meter.Float64Histogram(
		"converge.review.duration",
		metric.WithDescription("External review duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &inst, nil
}

// RecordIteration records a completed iteration and its top score
func (i *Instruments) RecordIteration(ctx context.Context, sessionStatus string, topScore float64) {
	if i == nil || i.Iterations == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", sessionStatus))
	i.Iterations.Add(ctx, 1, attrs)
	i.TopScore.Record(ctx, topScore, attrs)
}

// RecordRecovery records a recovery invocation
func (i *Instruments) RecordRecovery(ctx context.Context, strategy, outcome string) {
	if i == nil || i.Recoveries == nil {
		return
	}
	i.Recoveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("outcome", outcome),
	))
}

// RecordReview records an external review duration
func (i *Instruments) RecordReview(ctx context.Context, candidateID string, d time.Duration) {
	if i == nil || i.ReviewTimers == nil {
		return
	}
	i.ReviewTimers.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("candidate_id", candidateID),
	))
}
