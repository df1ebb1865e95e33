// Package telemetry defines a small vendor-neutral observability
// surface used throughout the sync engine: structured events, spans,
// counters, and distributions. Concrete backends in this package wire
// it to zap, Prometheus, and OpenTelemetry rather than hand-rolling any
// of those concerns, following the observability stack the rest of the
// retrieved corpus reaches for.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"
)

// Field is a single structured key/value attached to an event or span.
type Field struct {
	Key   string
	Value any
}

// F builds a Field. Short name because call sites carry many of these.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Recorder is the surface application code depends on. It is
// implemented by *Telemetry; tests can swap in a no-op or a recording
// fake without pulling in zap/prometheus/otel.
type Recorder interface {
	Event(ctx context.Context, name string, fields ...Field)
	StartSpan(ctx context.Context, name string, fields ...Field) (context.Context, Span)
	Count(name string, delta int64, fields ...Field)
	Observe(name string, value float64, fields ...Field)
}

// Span closes a unit of work started by StartSpan.
type Span interface {
	End(err error)
}

// Telemetry is the default Recorder, backed by zap for structured
// events, Prometheus for counters/distributions, and OpenTelemetry for
// distributed spans.
type Telemetry struct {
	log    *zap.Logger
	tracer trace.Tracer

	counters      *prometheus.CounterVec
	distributions *prometheus.HistogramVec
}

// New builds a Telemetry instance. namespace prefixes every Prometheus
// metric name (e.g. "syncd").
func New(log *zap.Logger, namespace string, registry prometheus.Registerer) (*Telemetry, error) {
	counters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Count of named sync engine events.",
	}, []string{"name"})

	distributions := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "observations",
		Help:      "Distributions of named sync engine measurements.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"name"})

	if err := registry.Register(counters); err != nil {
		return nil, err
	}
	if err := registry.Register(distributions); err != nil {
		return nil, err
	}

	return &Telemetry{
		log:           log,
		tracer:        otel.Tracer(namespace),
		counters:      counters,
		distributions: distributions,
	}, nil
}

// Event logs a structured, point-in-time occurrence.
func (t *Telemetry) Event(ctx context.Context, name string, fields ...Field) {
	t.log.Info(name, toZapFields(fields)...)
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(toOtelAttrs(fields)...))
	}
}

type span struct {
	otel trace.Span
	done time.Time
}

func (s *span) End(err error) {
	if err != nil {
		s.otel.RecordError(err)
		s.otel.SetStatus(codes.Error, err.Error())
	}
	s.otel.End()
}

// StartSpan begins a traced unit of work and returns the derived
// context along with a handle to close it.
func (t *Telemetry) StartSpan(ctx context.Context, name string, fields ...Field) (context.Context, Span) {
	ctx, otelSpan := t.tracer.Start(ctx, name, trace.WithAttributes(toOtelAttrs(fields)...))
	return ctx, &span{otel: otelSpan, done: time.Now()}
}

// Count increments a named counter by delta. Use for things like
// "commits appended" or "conflicts detected".
func (t *Telemetry) Count(name string, delta int64, fields ...Field) {
	t.counters.WithLabelValues(name).Add(float64(delta))
}

// Observe records a single sample into a named distribution. Use for
// things like "push batch size" or "snapshot chunk bytes".
func (t *Telemetry) Observe(name string, value float64, fields ...Field) {
	t.distributions.WithLabelValues(name).Observe(value)
}

func toZapFields(fields []Field) []zap.Field {
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = zap.Any(f.Key, f.Value)
	}
	return out
}

func toOtelAttrs(fields []Field) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(fields))
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			out = append(out, attribute.String(f.Key, v))
		case int:
			out = append(out, attribute.Int(f.Key, v))
		case int64:
			out = append(out, attribute.Int64(f.Key, v))
		case bool:
			out = append(out, attribute.Bool(f.Key, v))
		case float64:
			out = append(out, attribute.Float64(f.Key, v))
		default:
			out = append(out, attribute.String(f.Key, fmt.Sprintf("%v", v)))
		}
	}
	return out
}

// noop is a Recorder that discards everything, used by components in
// tests or command-line tools that don't wire a full Telemetry.
type noop struct{}

// NewNoop returns a Recorder that drops all events, spans, and metrics.
func NewNoop() Recorder { return noop{} }

func (noop) Event(ctx context.Context, name string, fields ...Field) {}
func (noop) StartSpan(ctx context.Context, name string, fields ...Field) (context.Context, Span) {
	return ctx, noopSpan{}
}
func (noop) Count(name string, delta int64, fields ...Field)   {}
func (noop) Observe(name string, value float64, fields ...Field) {}

type noopSpan struct{}

func (noopSpan) End(err error) {}
