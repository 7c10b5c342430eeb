// Package telemetry wires up OpenTelemetry logging, tracing, and metrics
// for the build service. Everything is driven by the standard OTEL_*
// environment variables, see
// https://opentelemetry.io/docs/specs/otel/configuration/sdk-environment-variables/
//
// Traces are off unless OTEL_TRACES_EXPORTER=otlp is set, together with
// the usual OTLP endpoint/protocol variables:
//
//	OTEL_TRACES_EXPORTER=otlp
//	OTEL_EXPORTER_OTLP_TRACES_ENDPOINT=http://127.0.0.1:4317
//	OTEL_EXPORTER_OTLP_TRACES_PROTOCOL=grpc
//
// Metrics default to an in-memory manual reader ("memory") when
// OTEL_METRICS_EXPORTER is unset. Other choices are "prometheus", which
// starts a pull endpoint on OTEL_EXPORTER_PROMETHEUS_HOST:PORT
// (localhost:9464 by default), and "otlp" for push:
//
//	OTEL_METRICS_EXPORTER=otlp
//	OTEL_EXPORTER_OTLP_METRICS_ENDPOINT=http://127.0.0.1:9009/otlp/v1/metrics
//	OTEL_EXPORTER_OTLP_METRICS_PROTOCOL=http/protobuf
//
// Logs go through the otelslog bridge when OTEL_LOGS_EXPORTER is "otlp"
// or "console"; otherwise NewLogger hands out the plain slog default.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log"
	logglobal "go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// shutdownFunc tears down one provider. Collected during Start and run
// in order by Shutdown.
type shutdownFunc func(context.Context) error

var (
	mu       sync.Mutex
	started  bool
	teardown []shutdownFunc
	logger   = slog.Default()
)

// ManualReader is set when the in-memory metric exporter is active (the
// default) and nil otherwise. Mostly useful to inspect metrics in tests.
var ManualReader *sdkmetric.ManualReader

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// otlpProtocol resolves the OTLP protocol for one signal, falling back
// to the signal-independent variable and then to grpc. A bare "http" is
// taken to mean http/protobuf.
func otlpProtocol(signal string) string {
	v := strings.ToLower(getenv("OTEL_EXPORTER_OTLP_"+signal+"_PROTOCOL", ""))
	if v == "" {
		v = strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", ""))
	}
	switch v {
	case "":
		return "grpc"
	case "http":
		return "http/protobuf"
	}
	return v
}

func otelLogsEnabled() bool {
	switch strings.ToLower(getenv("OTEL_LOGS_EXPORTER", "none")) {
	case "console":
		return true
	case "otlp":
		p := otlpProtocol("LOGS")
		return p == "grpc" || strings.HasPrefix(p, "http")
	}
	return false
}

func setupLogs(ctx context.Context, res *resource.Resource) (log.LoggerProvider, shutdownFunc, error) {
	kind := strings.ToLower(getenv("OTEL_LOGS_EXPORTER", "none"))
	protocol := otlpProtocol("LOGS")
	logger.DebugContext(ctx, "setting up log exporter", "kind", kind)

	var exp sdklog.Exporter
	var err error
	switch {
	case kind == "none" || kind == "":
		return noop.NewLoggerProvider(), func(context.Context) error { return nil }, nil
	case kind == "console":
		exp, err = stdoutlog.New()
	case kind == "otlp" && protocol == "grpc":
		exp, err = otlploggrpc.New(ctx)
	case kind == "otlp" && strings.HasPrefix(protocol, "http"):
		exp, err = otlploghttp.New(ctx)
	default:
		err = fmt.Errorf("unsupported log exporter %q with protocol %q", kind, protocol)
	}
	if err != nil {
		return nil, nil, err
	}

	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)
	return lp, lp.Shutdown, nil
}

func setupTraces(ctx context.Context, res *resource.Resource) (trace.TracerProvider, shutdownFunc, error) {
	kind := strings.ToLower(getenv("OTEL_TRACES_EXPORTER", "none"))
	protocol := otlpProtocol("TRACES")
	logger.DebugContext(ctx, "setting up trace exporter", "kind", kind)

	var exp sdktrace.SpanExporter
	var err error
	switch {
	case kind == "none" || kind == "":
		return tracenoop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	case kind == "otlp" && protocol == "grpc":
		exp, err = otlptracegrpc.New(ctx)
	case kind == "otlp" && strings.HasPrefix(protocol, "http"):
		exp, err = otlptracehttp.New(ctx)
	default:
		err = fmt.Errorf("unsupported trace exporter %q with protocol %q", kind, protocol)
	}
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	return tp, tp.Shutdown, nil
}

// servePrometheus exposes /metrics on the configured address and returns
// the server so it can be shut down with the meter provider.
func servePrometheus() (*http.Server, error) {
	addr := net.JoinHostPort(
		getenv("OTEL_EXPORTER_PROMETHEUS_HOST", "localhost"),
		getenv("OTEL_EXPORTER_PROMETHEUS_PORT", "9464"),
	)
	logger.Debug("serving prometheus metrics", "addr", addr)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() { _ = srv.Serve(ln) }()
	return srv, nil
}

func setupMetrics(ctx context.Context, res *resource.Resource) (metric.MeterProvider, []shutdownFunc, error) {
	kind := strings.ToLower(getenv("OTEL_METRICS_EXPORTER", "memory"))
	protocol := otlpProtocol("METRICS")
	logger.DebugContext(ctx, "setting up metric exporter", "kind", kind)

	var reader sdkmetric.Reader
	var extra []shutdownFunc
	switch {
	case kind == "memory" || kind == "none" || kind == "":
		ManualReader = sdkmetric.NewManualReader()
		reader = ManualReader
	case kind == "prometheus":
		r, err := prometheus.New(prometheus.WithoutScopeInfo())
		if err != nil {
			return nil, nil, err
		}
		srv, err := servePrometheus()
		if err != nil {
			return nil, nil, err
		}
		reader = r
		extra = append(extra, srv.Shutdown)
	case kind == "otlp" && protocol == "grpc":
		exp, err := otlpmetricgrpc.New(ctx)
		if err != nil {
			return nil, nil, err
		}
		reader = sdkmetric.NewPeriodicReader(exp)
	case kind == "otlp" && strings.HasPrefix(protocol, "http"):
		exp, err := otlpmetrichttp.New(ctx)
		if err != nil {
			return nil, nil, err
		}
		reader = sdkmetric.NewPeriodicReader(exp)
	default:
		return nil, nil, fmt.Errorf("unsupported metric exporter %q with protocol %q", kind, protocol)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	return mp, append(extra, mp.Shutdown), nil
}

func buildResource(ctx context.Context, service, version string) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(service),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithFromEnv(),
		resource.WithOS(),
		resource.WithHost(),
	)
}

func runTeardown(ctx context.Context, fns []shutdownFunc) error {
	var firstErr error
	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			logger.ErrorContext(ctx, "telemetry shutdown failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Start configures the global OpenTelemetry providers for logs, traces,
// and metrics from the OTEL_* environment. Call it once at startup,
// before any package asks for a logger or a meter.
func Start(ctx context.Context, service, version string) error {
	mu.Lock()
	defer mu.Unlock()
	if started {
		return errors.New("telemetry already started")
	}
	res, err := buildResource(ctx, service, version)
	if err != nil {
		return fmt.Errorf("build resource: %w", err)
	}

	var cleanup []shutdownFunc

	lp, stopLogs, err := setupLogs(ctx, res)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	logglobal.SetLoggerProvider(lp)
	cleanup = append(cleanup, stopLogs)

	// From here on log through the bridge if one is configured.
	logger = NewLogger("github.com/ipfire/pbs/internal/telemetry")

	tp, stopTraces, err := setupTraces(ctx, res)
	if err != nil {
		_ = runTeardown(ctx, cleanup)
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	cleanup = append(cleanup, stopTraces)

	mp, stopMetrics, err := setupMetrics(ctx, res)
	if err != nil {
		_ = runTeardown(ctx, cleanup)
		return fmt.Errorf("failed to set up metrics: %w", err)
	}
	otel.SetMeterProvider(mp)
	cleanup = append(cleanup, stopMetrics...)

	teardown = cleanup
	started = true
	return nil
}

// NewLogger returns a named slog.Logger, routed through the
// OpenTelemetry bridge when log export is enabled.
func NewLogger(name string) *slog.Logger {
	if otelLogsEnabled() {
		return otelslog.NewLogger(name)
	}
	return slog.Default()
}

// Shutdown flushes and stops every provider Start set up. Safe to call
// before Start or more than once.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	if teardown == nil {
		return nil
	}
	err := runTeardown(ctx, teardown)
	if err == nil {
		teardown = nil
		started = false
	}
	return err
}

// TestMetricReader reads metric deltas in tests. It installs a manual
// reader as the global meter provider, so tests using it must serialize
// through Acquire/Release.
type TestMetricReader struct {
	*sdkmetric.ManualReader
}

var testMetricReader *TestMetricReader
var testMetricReaderMutex sync.Mutex

// AcquireTestMetricReader installs the in-memory test reader and takes
// the global lock. Pair every call with ReleaseTestMetricReader.
func AcquireTestMetricReader(t *testing.T) *TestMetricReader {
	t.Helper()
	testMetricReaderMutex.Lock()
	if testMetricReader != nil {
		return testMetricReader
	}

	r := sdkmetric.NewManualReader(
		sdkmetric.WithTemporalitySelector(func(sdkmetric.InstrumentKind) metricdata.Temporality {
			return metricdata.DeltaTemporality
		}))
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(r)))

	testMetricReader = &TestMetricReader{ManualReader: r}
	// Drain whatever accumulated before this test.
	testMetricReader.Collect(t)
	return testMetricReader
}

// ReleaseTestMetricReader releases the lock taken by AcquireTestMetricReader.
func ReleaseTestMetricReader(t *testing.T) {
	t.Helper()
	testMetricReaderMutex.Unlock()
}

// Collect returns the metric deltas since the previous Collect and
// resets them.
func (m *TestMetricReader) Collect(t *testing.T) TestMetrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := m.ManualReader.Collect(t.Context(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return TestMetrics{ResourceMetrics: &rm}
}

type TestMetrics struct {
	*metricdata.ResourceMetrics
}

// Counter sums the data points of the named counter whose attributes
// include all of attrs. No attrs matches every data point.
func (tm *TestMetrics) Counter(t *testing.T, name string, attrs ...attribute.KeyValue) float64 {
	t.Helper()

	var total float64
	for _, sm := range tm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					if attrsMatch(dp.Attributes, attrs) {
						total += float64(dp.Value)
					}
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					if attrsMatch(dp.Attributes, attrs) {
						total += dp.Value
					}
				}
			}
		}
	}
	return total
}

func attrsMatch(set attribute.Set, want []attribute.KeyValue) bool {
	for _, w := range want {
		v, ok := set.Value(w.Key)
		if !ok || v != w.Value {
			return false
		}
	}
	return true
}
