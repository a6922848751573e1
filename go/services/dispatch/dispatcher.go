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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/multigres/pgoperator/go/common/mterrors"
)

// Handler reacts to one event. Returning a DeferError, or any error without
// a fatal code, schedules redelivery. Fatal errors are reported and the
// event is dropped.
type Handler func(ctx context.Context, ev Event) error

// Outcome is the result of delivering an event to its handlers.
type Outcome int

const (
	Handled Outcome = iota
	Deferred
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Handled:
		return "handled"
	case Deferred:
		return "deferred"
	default:
		return "failed"
	}
}

// Observer is told about the outcome of every event.
type Observer func(ctx context.Context, ev Event, outcome Outcome, err error)

type route struct {
	kind     Kind
	endpoint string
}

// Dispatcher delivers queued events to handlers on a single goroutine.
type Dispatcher struct {
	logger    *slog.Logger
	queue     *Queue
	metrics   *Metrics
	tracer    trace.Tracer
	handlers  map[route][]Handler
	observers []Observer
}

func NewDispatcher(logger *slog.Logger, queue *Queue, metrics *Metrics) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		queue:    queue,
		metrics:  metrics,
		tracer:   otel.Tracer("github.com/multigres/pgoperator/go/services/dispatch"),
		handlers: make(map[route][]Handler),
	}
}

// Handle registers h for events of kind on endpoint. Use an empty endpoint
// for events that are not about a relation. Registration must finish before
// Run.
func (d *Dispatcher) Handle(kind Kind, endpoint string, h Handler) {
	r := route{kind: kind, endpoint: endpoint}
	d.handlers[r] = append(d.handlers[r], h)
}

// Observe registers an observer of event outcomes.
func (d *Dispatcher) Observe(o Observer) {
	d.observers = append(d.observers, o)
}

// Push queues ev.
func (d *Dispatcher) Push(ev Event) {
	d.queue.Push(ev)
}

// Run handles events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		ev, ok := d.queue.Consume(ctx)
		if !ok {
			return ctx.Err()
		}
		d.Dispatch(ctx, ev)
	}
}

// Dispatch delivers ev to every handler registered for it and applies the
// outcome: success resets the backoff, deferral re-queues, fatal errors are
// only reported.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) Outcome {
	ctx, span := d.tracer.Start(ctx, "dispatch "+string(ev.Kind), trace.WithAttributes(
		attribute.String("event.key", ev.Key()),
		attribute.Int("relation.id", ev.RelationID),
	))
	defer span.End()
	start := time.Now()

	outcome, err := d.deliver(ctx, ev)
	switch outcome {
	case Handled:
		d.queue.Succeeded(ev)
	case Deferred:
		delay := d.queue.Defer(ev)
		d.metrics.deferrals.Add(ctx, ev.Kind, ev.Endpoint)
		if IsDefer(err) {
			d.logger.DebugContext(ctx, "event deferred", "event", ev.Key(), "reason", err, "retry_in", delay)
		} else {
			d.logger.WarnContext(ctx, "event handler failed, will retry", "event", ev.Key(), "error", err, "retry_in", delay)
		}
	case Failed:
		span.SetStatus(codes.Error, err.Error())
		d.logger.ErrorContext(ctx, "event handler failed", "event", ev.Key(), "error", err)
	}
	d.metrics.handleDuration.Record(ctx, time.Since(start), ev.Kind, outcome)

	for _, o := range d.observers {
		o(ctx, ev, outcome, err)
	}
	return outcome
}

// deliver runs every handler, even after one defers, so each gets to make
// whatever progress it can. The worst outcome wins.
func (d *Dispatcher) deliver(ctx context.Context, ev Event) (outcome Outcome, err error) {
	handlers := d.handlers[route{kind: ev.Kind, endpoint: ev.Endpoint}]
	var deferErr, fatalErr error
	for _, h := range handlers {
		herr := d.call(ctx, h, ev)
		switch {
		case herr == nil:
		case mterrors.ClassOf(herr) == mterrors.ClassFatal:
			fatalErr = errors.Join(fatalErr, herr)
		default:
			deferErr = errors.Join(deferErr, herr)
		}
	}
	switch {
	case fatalErr != nil:
		return Failed, fatalErr
	case deferErr != nil:
		return Deferred, deferErr
	default:
		return Handled, nil
	}
}

func (d *Dispatcher) call(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", ev.Key(), r)
		}
	}()
	return h(ctx, ev)
}
