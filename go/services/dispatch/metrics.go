// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the dispatcher's OpenTelemetry instruments. Wrapper types
// hide attribute key names from instrumented code.
type Metrics struct {
	handleDuration HandleDuration
	deferrals      Deferrals
}

// HandleDuration records how long one event took to handle.
type HandleDuration struct {
	metric.Float64Histogram
}

// Record records the duration with the event kind and its outcome
// ("handled", "deferred" or "failed").
func (m HandleDuration) Record(ctx context.Context, duration time.Duration, kind Kind, outcome Outcome) {
	m.Float64Histogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("event.kind", string(kind)),
			attribute.String("outcome", outcome.String()),
		))
}

// Deferrals counts events sent back for redelivery.
type Deferrals struct {
	metric.Int64Counter
}

func (m Deferrals) Add(ctx context.Context, kind Kind, endpoint string) {
	m.Int64Counter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("event.kind", string(kind)),
			attribute.String("relation.endpoint", endpoint),
		))
}

// NewMetrics initializes the dispatcher metrics. A nil meter yields noop
// instruments.
func NewMetrics(meter metric.Meter, logger *slog.Logger) (*Metrics, error) {
	m := &Metrics{}
	if meter == nil {
		m.handleDuration = HandleDuration{noop.Float64Histogram{}}
		m.deferrals = Deferrals{noop.Int64Counter{}}
		return m, nil
	}

	h, err := meter.Float64Histogram(
		"pgoperator.dispatch.handle.duration",
		metric.WithDescription("Duration of event handling"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Error("failed to create handle.duration histogram", "error", err)
		return nil, err
	}
	m.handleDuration = HandleDuration{h}

	c, err := meter.Int64Counter(
		"pgoperator.dispatch.deferrals",
		metric.WithDescription("Events deferred for redelivery"),
		metric.WithUnit("{events}"),
	)
	if err != nil {
		logger.Error("failed to create deferrals counter", "error", err)
		return nil, err
	}
	m.deferrals = Deferrals{c}
	return m, nil
}
