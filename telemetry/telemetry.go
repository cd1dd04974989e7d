// Package telemetry provides thin helpers over OpenTelemetry so engine
// components can record spans and metrics without holding SDK handles.
// The process that embeds the engine owns exporter and SDK setup; these
// helpers are safe no-ops when no provider is installed.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/trinity-platform/trinity"

var (
	meterOnce sync.Once
	meter     metric.Meter

	instrumentMu sync.Mutex
	counters     = map[string]metric.Int64Counter{}
	histograms   = map[string]metric.Float64Histogram{}
)

func getMeter() metric.Meter {
	meterOnce.Do(func() {
		meter = otel.Meter(instrumentationName)
	})
	return meter
}

// AddSpanEvent records an event on the current span. Safe to call when no
// span exists in the context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// RecordSpanError records an error on the current span and sets its status
// to Error. Safe to call with a nil context or error.
func RecordSpanError(ctx context.Context, err error) {
	if ctx == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanAttributes adds attributes to the current span.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// Counter increments a counter metric by 1.
// Labels are key-value pairs: Counter("executions.started", "process", name).
func Counter(ctx context.Context, name string, labels ...string) {
	c, err := counterFor(name)
	if err != nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(labelAttrs(labels)...))
}

// Histogram records a value in a distribution, e.g. step latencies.
func Histogram(ctx context.Context, name string, value float64, labels ...string) {
	h, err := histogramFor(name)
	if err != nil {
		return
	}
	h.Record(ctx, value, metric.WithAttributes(labelAttrs(labels)...))
}

// Duration records elapsed milliseconds since startTime.
func Duration(ctx context.Context, name string, startTime time.Time, labels ...string) {
	Histogram(ctx, name, float64(time.Since(startTime).Milliseconds()), labels...)
}

func counterFor(name string) (metric.Int64Counter, error) {
	instrumentMu.Lock()
	defer instrumentMu.Unlock()
	if c, ok := counters[name]; ok {
		return c, nil
	}
	c, err := getMeter().Int64Counter(name)
	if err != nil {
		return nil, err
	}
	counters[name] = c
	return c, nil
}

func histogramFor(name string) (metric.Float64Histogram, error) {
	instrumentMu.Lock()
	defer instrumentMu.Unlock()
	if h, ok := histograms[name]; ok {
		return h, nil
	}
	h, err := getMeter().Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	histograms[name] = h
	return h, nil
}

func labelAttrs(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
