// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry wires the OpenTelemetry SDK for the operator binaries.
// Exporters are selected with the standard OTEL_* environment variables and
// default to none, e.g.:
//
//	OTEL_EXPORTER_OTLP_PROTOCOL="http/protobuf" \
//	  OTEL_EXPORTER_OTLP_ENDPOINT="http://localhost:4318" \
//	  OTEL_METRICS_EXPORTER=otlp \
//	  OTEL_TRACES_EXPORTER=otlp \
//	  pgoperator run --unit pg/0
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/multigres/pgoperator"

var tracer = otel.Tracer(instrumentationName)

// Tracer returns the operator tracer.
func Tracer() trace.Tracer {
	return tracer
}

// overrides replace the autoexport pipelines in tests.
type overrides struct {
	spans   sdktrace.SpanExporter
	metrics sdkmetric.Reader
	logs    sdklog.Processor
}

// Telemetry owns the SDK providers of one process.
type Telemetry struct {
	mu             sync.Mutex
	initialized    bool
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	loggerProvider *sdklog.LoggerProvider

	test overrides
}

func NewTelemetry() *Telemetry {
	return &Telemetry{}
}

// WithTestExporters makes InitTelemetry export synchronously to the given
// pipelines instead of the ones named by the environment.
func (t *Telemetry) WithTestExporters(spans sdktrace.SpanExporter, metrics sdkmetric.Reader, logs sdklog.Processor) *Telemetry {
	t.test = overrides{spans: spans, metrics: metrics, logs: logs}
	return t
}

// InitTelemetry installs the tracer, meter and logger providers and the W3C
// propagator as the otel globals. OTEL_SERVICE_NAME overrides serviceName.
// Calls after the first are no-ops until ShutdownTelemetry.
func (t *Telemetry) InitTelemetry(ctx context.Context, serviceName string, attrs ...attribute.KeyValue) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.initialized {
		return nil
	}

	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		serviceName = name
	}
	// resource.Default() is not merged in; its schema URL may differ.
	res := resource.NewWithAttributes(semconv.SchemaURL, append([]attribute.KeyValue{semconv.ServiceName(serviceName)}, attrs...)...)

	tp, err := t.newTracerProvider(ctx, res)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	mp, err := t.newMeterProvider(ctx, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return fmt.Errorf("initializing metrics: %w", err)
	}
	lp, err := t.newLoggerProvider(ctx, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return fmt.Errorf("initializing logs: %w", err)
	}

	t.tracerProvider, t.meterProvider, t.loggerProvider = tp, mp, lp
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.initialized = true

	slog.DebugContext(ctx, "OpenTelemetry initialized", "service", serviceName)
	return nil
}

// exportNoneByDefault keeps autoexport from picking its OTLP default when
// the variable is unset.
func exportNoneByDefault(env string) {
	if os.Getenv(env) == "" {
		os.Setenv(env, "none")
	}
}

func (t *Telemetry) newTracerProvider(ctx context.Context, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	if t.test.spans != nil {
		return sdktrace.NewTracerProvider(sdktrace.WithSyncer(t.test.spans), sdktrace.WithResource(res)), nil
	}
	exportNoneByDefault("OTEL_TRACES_EXPORTER")
	exporter, err := autoexport.NewSpanExporter(ctx)
	if err != nil {
		return nil, err
	}
	// The sampler comes from OTEL_TRACES_SAMPLER.
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
}

func (t *Telemetry) newMeterProvider(ctx context.Context, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	reader := t.test.metrics
	if reader == nil {
		exportNoneByDefault("OTEL_METRICS_EXPORTER")
		var err error
		if reader, err = autoexport.NewMetricReader(ctx); err != nil {
			return nil, err
		}
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader)), nil
}

// newLoggerProvider returns nil when logs are not exported.
func (t *Telemetry) newLoggerProvider(ctx context.Context, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	processor := t.test.logs
	if processor == nil {
		exportNoneByDefault("OTEL_LOGS_EXPORTER")
		exporter, err := autoexport.NewLogExporter(ctx)
		if err != nil {
			return nil, err
		}
		if autoexport.IsNoneLogExporter(exporter) {
			return nil, nil
		}
		processor = sdklog.NewBatchProcessor(exporter)
	}
	return sdklog.NewLoggerProvider(sdklog.WithResource(res), sdklog.WithProcessor(processor)), nil
}

// WithEnvTraceparent returns ctx as a child of the W3C trace context in the
// TRACEPARENT variable, if set.
func (t *Telemetry) WithEnvTraceparent(ctx context.Context) context.Context {
	traceparent := os.Getenv("TRACEPARENT")
	if traceparent == "" {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier{"traceparent": traceparent})
}

// InitForCommand initializes telemetry for cmd and, when startSpan is set,
// starts a span named after it. The caller ends the span.
func (t *Telemetry) InitForCommand(cmd *cobra.Command, serviceName string, startSpan bool) (trace.Span, error) {
	if err := t.InitTelemetry(cmd.Context(), serviceName); err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	ctx := t.WithEnvTraceparent(cmd.Context())
	var span trace.Span
	if startSpan {
		ctx, span = tracer.Start(ctx, cmd.Name())
	}
	cmd.SetContext(ctx)
	return span, nil
}

// GetMeterProvider returns the SDK meter provider, or the global one before
// InitTelemetry.
func (t *Telemetry) GetMeterProvider() metric.MeterProvider {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.meterProvider == nil {
		return otel.GetMeterProvider()
	}
	return t.meterProvider
}

// HTTPTransport instruments outgoing requests with the global providers.
func HTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base)
}

// ShutdownTelemetry flushes and stops the providers.
func (t *Telemetry) ShutdownTelemetry(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return nil
	}
	t.initialized = false

	var errs []error
	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer provider: %w", err))
	}
	if err := t.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter provider: %w", err))
	}
	if t.loggerProvider != nil {
		if err := t.loggerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("logger provider: %w", err))
		}
	}
	return errors.Join(errs...)
}
