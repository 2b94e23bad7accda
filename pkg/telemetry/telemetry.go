package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/stockfeed/stockfeed/pkg/config"
	"github.com/stockfeed/stockfeed/pkg/logging"
)

const instrumentationName = "github.com/stockfeed/stockfeed"

var tracer trace.Tracer

type shutdownFunc func(context.Context) error

// Init installs the global tracer and meter providers. Traces go to Jaeger
// when a collector URL is set; metrics are exposed through the default
// Prometheus registry, which the binaries serve on /metrics.
func Init(cfg *config.TelemetryConfig) (func(), error) {
	if !cfg.Enabled {
		logging.GetLogger().Info("Telemetry disabled")
		return func() {}, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("0.1.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var shutdowns []shutdownFunc

	if cfg.JaegerURL != "" {
		fn, err := installTracing(cfg.JaegerURL, res)
		if err != nil {
			return nil, err
		}
		shutdowns = append(shutdowns, fn)
	}

	if cfg.PrometheusEnabled {
		fn, err := installMetrics(res)
		if err != nil {
			return nil, err
		}
		shutdowns = append(shutdowns, fn)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tracer = otel.Tracer(cfg.ServiceName)

	return func() { shutdown(shutdowns) }, nil
}

func installTracing(url string, res *resource.Resource) (shutdownFunc, error) {
	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(url)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logging.GetLogger().Info("Jaeger exporter initialized", zap.String("url", url))
	return tp.Shutdown, nil
}

func installMetrics(res *resource.Resource) (shutdownFunc, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	mp := metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logging.GetLogger().Info("Prometheus exporter initialized")
	return mp.Shutdown, nil
}

// shutdown flushes providers in order, each with its own deadline
func shutdown(fns []shutdownFunc) {
	for _, fn := range fns {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := fn(ctx); err != nil {
			logging.GetLogger().Error("Error shutting down telemetry", zap.Error(err))
		}
		cancel()
	}
}

// Tracer returns the global tracer
func Tracer() trace.Tracer {
	if tracer == nil {
		return noop.NewTracerProvider().Tracer("stockfeed")
	}
	return tracer
}

// StartSpan starts a new span
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

func attributes(kv []string) otelmetric.MeasurementOption {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	return otelmetric.WithAttributes(attrs...)
}

// Counter is a named monotonic counter bound to the global meter provider.
// Instruments are resolved lazily so counters declared at package level
// pick up the provider installed by Init.
type Counter struct {
	name        string
	description string
}

// NewCounter declares a counter.
func NewCounter(name, description string) *Counter {
	return &Counter{name: name, description: description}
}

// Add records n against the counter with the given string attributes,
// passed as alternating key/value pairs.
func (c *Counter) Add(ctx context.Context, n int64, kv ...string) {
	counter, err := otel.Meter(instrumentationName).Int64Counter(c.name, otelmetric.WithDescription(c.description))
	if err != nil {
		return
	}
	counter.Add(ctx, n, attributes(kv))
}

// Histogram records durations in seconds. Like Counter it resolves its
// instrument on use.
type Histogram struct {
	name        string
	description string
}

// NewHistogram declares a duration histogram.
func NewHistogram(name, description string) *Histogram {
	return &Histogram{name: name, description: description}
}

// Observe records d with the given attributes
func (h *Histogram) Observe(ctx context.Context, d time.Duration, kv ...string) {
	hist, err := otel.Meter(instrumentationName).Float64Histogram(h.name,
		otelmetric.WithDescription(h.description),
		otelmetric.WithUnit("s"))
	if err != nil {
		return
	}
	hist.Record(ctx, d.Seconds(), attributes(kv))
}
