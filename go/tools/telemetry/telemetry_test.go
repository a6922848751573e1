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

package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type testSetup struct {
	tel     *Telemetry
	spans   *tracetest.InMemoryExporter
	metrics *sdkmetric.ManualReader
	logs    *recordingProcessor
}

// newTestSetup returns a Telemetry backed by in-memory exporters and restores
// the otel globals when the test ends.
func newTestSetup(t *testing.T) *testSetup {
	t.Helper()
	tp, mp, prop := otel.GetTracerProvider(), otel.GetMeterProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		otel.SetTextMapPropagator(prop)
	})

	s := &testSetup{
		spans:   tracetest.NewInMemoryExporter(),
		metrics: sdkmetric.NewManualReader(),
		logs:    &recordingProcessor{},
	}
	s.tel = NewTelemetry().WithTestExporters(s.spans, s.metrics, s.logs)
	return s
}

func (s *testSetup) init(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.tel.InitTelemetry(ctx, "pgoperator-test"))
	t.Cleanup(func() {
		require.NoError(t, s.tel.ShutdownTelemetry(ctx))
	})
}

func TestInitTelemetry(t *testing.T) {
	s := newTestSetup(t)
	assert.False(t, s.tel.initialized)
	s.init(t)

	assert.True(t, s.tel.initialized)
	assert.NotNil(t, s.tel.tracerProvider)
	assert.NotNil(t, s.tel.meterProvider)
	assert.NotNil(t, s.tel.loggerProvider)

	// Second call is a no-op.
	first := s.tel.tracerProvider
	require.NoError(t, s.tel.InitTelemetry(context.Background(), "other"))
	assert.Same(t, first, s.tel.tracerProvider)
}

func TestInitTelemetry_ServiceNameFromEnv(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "pg-from-env")
	s := newTestSetup(t)
	s.init(t)

	_, span := Tracer().Start(context.Background(), "reconcile")
	span.End()

	spans := s.spans.GetSpans()
	require.Len(t, spans, 1)
	name, ok := spans[0].Resource.Set().Value("service.name")
	require.True(t, ok)
	assert.Equal(t, "pg-from-env", name.AsString())
}

func TestGetMeterProvider(t *testing.T) {
	s := newTestSetup(t)
	s.init(t)

	counter, err := s.tel.GetMeterProvider().Meter("test").Int64Counter("pgoperator.test.events")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	var rm metricdata.ResourceMetrics
	require.NoError(t, s.metrics.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)
	sum, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(3), sum.DataPoints[0].Value)
}

func TestShutdownTelemetry(t *testing.T) {
	s := newTestSetup(t)
	ctx := context.Background()

	require.NoError(t, s.tel.ShutdownTelemetry(ctx), "shutdown before init")

	require.NoError(t, s.tel.InitTelemetry(ctx, "pgoperator-test"))
	_, span := otel.Tracer("test").Start(ctx, "test-span")
	span.End()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.tel.ShutdownTelemetry(shutdownCtx))
	assert.False(t, s.tel.initialized)
	require.NoError(t, s.tel.ShutdownTelemetry(shutdownCtx), "second shutdown")
}

func TestWithEnvTraceparent(t *testing.T) {
	s := newTestSetup(t)
	s.init(t)

	t.Setenv("TRACEPARENT", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	ctx := s.tel.WithEnvTraceparent(context.Background())
	_, span := Tracer().Start(ctx, "child")
	span.End()

	spans := s.spans.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext.TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent.SpanID().String())
}

func TestHTTPTransport(t *testing.T) {
	s := newTestSetup(t)
	s.init(t)

	var traceparent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &http.Client{Transport: HTTPTransport(nil)}
	ctx, span := Tracer().Start(context.Background(), "probe")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/health", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	span.End()

	assert.Contains(t, traceparent, span.SpanContext().TraceID().String())
	assert.Len(t, s.spans.GetSpans(), 2)
}

func TestWrapSlogHandler(t *testing.T) {
	s := newTestSetup(t)
	s.init(t)

	var attrs map[string]string
	base := &testHandler{onHandle: func(_ context.Context, r slog.Record) error {
		attrs = map[string]string{}
		r.Attrs(func(a slog.Attr) bool {
			attrs[a.Key] = a.Value.String()
			return true
		})
		return nil
	}}
	logger := slog.New(s.tel.WrapSlogHandler(base))

	t.Run("without span", func(t *testing.T) {
		logger.InfoContext(context.Background(), "no span")
		assert.NotContains(t, attrs, "trace_id")
		assert.NotContains(t, attrs, "span_id")
	})

	t.Run("with span", func(t *testing.T) {
		ctx, span := otel.Tracer("test").Start(context.Background(), "test-span")
		defer span.End()
		logger.InfoContext(ctx, "in span", "unit", "pg/0")
		assert.Equal(t, span.SpanContext().TraceID().String(), attrs["trace_id"])
		assert.Equal(t, span.SpanContext().SpanID().String(), attrs["span_id"])
		assert.Equal(t, "pg/0", attrs["unit"])
	})

	bodies := s.logs.bodies()
	assert.Equal(t, []string{"no span", "in span"}, bodies)
}

type recordingProcessor struct {
	records []sdklog.Record
}

func (p *recordingProcessor) OnEmit(_ context.Context, r *sdklog.Record) error {
	p.records = append(p.records, r.Clone())
	return nil
}

func (p *recordingProcessor) Enabled(context.Context, sdklog.EnabledParameters) bool { return true }
func (p *recordingProcessor) Shutdown(context.Context) error                         { return nil }
func (p *recordingProcessor) ForceFlush(context.Context) error                       { return nil }

func (p *recordingProcessor) bodies() []string {
	out := make([]string, 0, len(p.records))
	for _, r := range p.records {
		out = append(out, r.Body().AsString())
	}
	return out
}

type testHandler struct {
	onHandle func(context.Context, slog.Record) error
}

func (h *testHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *testHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.onHandle(ctx, r)
}

func (h *testHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *testHandler) WithGroup(string) slog.Handler      { return h }
