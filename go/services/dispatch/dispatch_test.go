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
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/goleak"

	"github.com/multigres/pgoperator/go/common/mterrors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeTimers records AfterFunc calls instead of scheduling them.
type fakeTimers struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
	timers []*time.Timer
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) *time.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
	f.fns = append(f.fns, fn)
	t := time.NewTimer(time.Hour)
	f.timers = append(f.timers, t)
	return t
}

func (f *fakeTimers) fireAll() {
	f.mu.Lock()
	fns := f.fns
	f.fns = nil
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func newTestQueue() (*Queue, *fakeTimers) {
	q := NewQueue(discard(), time.Second, 8*time.Second)
	ft := &fakeTimers{}
	q.afterFunc = ft.afterFunc
	return q, ft
}

func TestEventKey(t *testing.T) {
	assert.Equal(t, "update-status", Event{Kind: UpdateStatus}.Key())
	assert.Equal(t, "relation-changed/database-peers/1", Event{Kind: RelationChanged, Endpoint: "database-peers", RelationID: 1, Unit: "pg/1"}.Key())
}

func TestQueue_Dedup(t *testing.T) {
	q, _ := newTestQueue()
	defer q.Close()
	ctx := context.Background()

	ev := Event{Kind: RelationChanged, Endpoint: "database-peers", RelationID: 1}
	q.Push(ev)
	q.Push(Event{Kind: RelationChanged, Endpoint: "database-peers", RelationID: 1, Unit: "pg/2"})
	q.Push(Event{Kind: UpdateStatus})
	assert.Equal(t, 2, q.Len())

	got, ok := q.Consume(ctx)
	require.True(t, ok)
	assert.Equal(t, ev.Key(), got.Key())

	q.Push(ev)
	assert.Equal(t, 2, q.Len(), "a consumed key can be queued again")
}

func TestQueue_DeferBacksOff(t *testing.T) {
	q, ft := newTestQueue()
	defer q.Close()
	ev := Event{Kind: RelationChanged, Endpoint: "replication", RelationID: 3}

	for range 5 {
		q.Defer(ev)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}, ft.delays)
	assert.Equal(t, 5, q.Attempts(ev))

	q.Succeeded(ev)
	assert.Equal(t, 0, q.Attempts(ev))

	ft.fireAll()
	assert.Equal(t, 1, q.Len(), "redeliveries of the same key merge")
}

func TestQueue_ReplacedTimerKeepsNewerEntry(t *testing.T) {
	q, ft := newTestQueue()
	ev := Event{Kind: RelationChanged, Endpoint: "replication", RelationID: 3}

	q.Defer(ev)
	q.Defer(ev)
	require.Len(t, ft.fns, 2)

	// the first timer fires after the second Defer replaced it
	ft.fns[0]()
	q.mu.Lock()
	current, ok := q.timers[ev.Key()]
	q.mu.Unlock()
	require.True(t, ok)
	assert.Same(t, ft.timers[1], current)

	q.Close()
	assert.False(t, ft.timers[1].Stop(), "Close stopped the newer timer")
}

func TestQueue_ConsumeCancelled(t *testing.T) {
	q, _ := newTestQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.Consume(ctx)
	assert.False(t, ok)
}

func TestDispatcher_Outcomes(t *testing.T) {
	ctx := context.Background()
	q, ft := newTestQueue()
	defer q.Close()
	m, err := NewMetrics(nil, discard())
	require.NoError(t, err)
	d := NewDispatcher(discard(), q, m)

	var outcomes []Outcome
	d.Observe(func(_ context.Context, _ Event, o Outcome, _ error) { outcomes = append(outcomes, o) })

	calls := 0
	ready := false
	d.Handle(RelationChanged, "replication", func(context.Context, Event) error {
		calls++
		if !ready {
			return Deferf("waiting for primary")
		}
		return nil
	})
	d.Handle(RelationChanged, "replication", func(context.Context, Event) error {
		calls++
		return nil
	})
	d.Handle(RelationChanged, "replication-offer", func(context.Context, Event) error {
		return mterrors.MultiplePrimariesElected([]string{"a", "b"})
	})
	d.Handle(UpdateStatus, "", func(context.Context, Event) error {
		panic("boom")
	})

	ev := Event{Kind: RelationChanged, Endpoint: "replication", RelationID: 2}
	assert.Equal(t, Deferred, d.Dispatch(ctx, ev))
	assert.Equal(t, 2, calls, "every handler runs even after one defers")
	assert.Len(t, ft.delays, 1)

	ready = true
	assert.Equal(t, Handled, d.Dispatch(ctx, ev))
	assert.Equal(t, 0, q.Attempts(ev))

	assert.Equal(t, Failed, d.Dispatch(ctx, Event{Kind: RelationChanged, Endpoint: "replication-offer", RelationID: 2}))
	assert.Len(t, ft.delays, 1, "fatal errors are not retried")

	assert.Equal(t, Deferred, d.Dispatch(ctx, Event{Kind: UpdateStatus}), "a panicking handler is retried")
	assert.Equal(t, Handled, d.Dispatch(ctx, Event{Kind: LeaderElected}), "events without handlers succeed")

	assert.Equal(t, []Outcome{Deferred, Handled, Failed, Deferred, Handled}, outcomes)
}

func TestDispatcher_RunDeliversInOrder(t *testing.T) {
	q := NewQueue(discard(), time.Millisecond, 10*time.Millisecond)
	defer q.Close()
	m, err := NewMetrics(nil, discard())
	require.NoError(t, err)
	d := NewDispatcher(discard(), q, m)

	ctx, cancel := context.WithCancel(context.Background())
	var got []string
	attempts := 0
	d.Handle(Start, "", func(context.Context, Event) error {
		got = append(got, "start")
		return nil
	})
	d.Handle(RelationJoined, "database-peers", func(context.Context, Event) error {
		attempts++
		if attempts < 3 {
			return Deferf("peer not ready")
		}
		got = append(got, "joined")
		cancel()
		return nil
	})

	d.Push(Event{Kind: Start})
	d.Push(Event{Kind: RelationJoined, Endpoint: "database-peers", RelationID: 1})

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("dispatcher did not finish")
	}
	assert.Equal(t, []string{"start", "joined"}, got)
	assert.Equal(t, 3, attempts)
}

func TestMetrics_RecordsDeferrals(t *testing.T) {
	ctx := context.Background()
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	defer func() { _ = provider.Shutdown(ctx) }()

	m, err := NewMetrics(provider.Meter("test"), discard())
	require.NoError(t, err)
	q, _ := newTestQueue()
	defer q.Close()
	d := NewDispatcher(discard(), q, m)
	d.Handle(RelationChanged, "database-peers", func(context.Context, Event) error {
		return errors.New("etcd unavailable")
	})
	d.Dispatch(ctx, Event{Kind: RelationChanged, Endpoint: "database-peers", RelationID: 1})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, mm := range sm.Metrics {
			if mm.Name != "pgoperator.dispatch.deferrals" {
				continue
			}
			sum, ok := mm.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			require.Len(t, sum.DataPoints, 1)
			assert.Equal(t, int64(1), sum.DataPoints[0].Value)
			found = true
		}
	}
	assert.True(t, found)
}
