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

package coordinator

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the barrier instruments.
type Metrics struct {
	rounds Rounds
}

// Rounds counts barrier round transitions ("started" or "approved").
type Rounds struct {
	metric.Int64Counter
}

func (m Rounds) Add(ctx context.Context, tag, event string) {
	m.Int64Counter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("barrier.tag", tag),
			attribute.String("event", event),
		))
}

func noopMetrics() *Metrics {
	return &Metrics{rounds: Rounds{noop.Int64Counter{}}}
}

// NewMetrics initializes the barrier metrics. A nil meter yields noop
// instruments.
func NewMetrics(meter metric.Meter, logger *slog.Logger) (*Metrics, error) {
	if meter == nil {
		return noopMetrics(), nil
	}
	c, err := meter.Int64Counter(
		"pgoperator.coordinator.rounds",
		metric.WithDescription("Barrier rounds started and approved"),
		metric.WithUnit("{rounds}"),
	)
	if err != nil {
		logger.Error("failed to create rounds counter", "error", err)
		return nil, err
	}
	return &Metrics{rounds: Rounds{c}}, nil
}
