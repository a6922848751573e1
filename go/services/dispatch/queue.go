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
	"sync"
	"time"

	"github.com/multigres/pgoperator/go/tools/retry"
)

// QueueCapacity bounds the number of distinct pending events.
const QueueCapacity = 1024

type queueItem struct {
	Event    Event
	PushedAt time.Time
}

// Queue is an ordered queue of events with no duplicate keys. Deferred
// events come back after an exponential backoff that grows per key until
// the event is handled successfully.
//
// Push never blocks while Consume blocks on an empty queue.
type Queue struct {
	mu       sync.Mutex
	enqueued map[string]struct{}
	attempts map[string]int
	timers   map[string]*time.Timer
	closed   bool
	queue    chan queueItem
	logger   *slog.Logger

	baseDelay time.Duration
	maxDelay  time.Duration
	afterFunc func(d time.Duration, f func()) *time.Timer
}

func NewQueue(logger *slog.Logger, baseDelay, maxDelay time.Duration) *Queue {
	return &Queue{
		enqueued:  make(map[string]struct{}),
		attempts:  make(map[string]int),
		timers:    make(map[string]*time.Timer),
		queue:     make(chan queueItem, QueueCapacity),
		logger:    logger,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		afterFunc: time.AfterFunc,
	}
}

// setKeyCheckEnqueued returns true if a key is already enqueued, if
// not the key will be marked as enqueued and false is returned.
func (q *Queue) setKeyCheckEnqueued(key string) (alreadyEnqueued bool) {
	_, alreadyEnqueued = q.enqueued[key]
	if !alreadyEnqueued {
		q.enqueued[key] = struct{}{}
	}
	return alreadyEnqueued
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}

// Push enqueues ev unless an event with the same key is already pending.
// Events pushed when the queue is full are dropped with a warning; the next
// change of the same relation brings them back.
func (q *Queue) Push(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.setKeyCheckEnqueued(ev.Key()) {
		return
	}
	select {
	case q.queue <- queueItem{Event: ev, PushedAt: time.Now()}:
	default:
		delete(q.enqueued, ev.Key())
		q.logger.Warn("event queue full, dropping event", "event", ev.Key())
	}
}

// Defer schedules ev for redelivery and returns the delay used.
func (q *Queue) Defer(ev Event) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}

	key := ev.Key()
	attempt := q.attempts[key]
	q.attempts[key] = attempt + 1
	delay := retry.ExponentialDelay(q.baseDelay, q.maxDelay, attempt)

	if t, ok := q.timers[key]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = q.afterFunc(delay, func() {
		q.mu.Lock()
		// a later Defer may have replaced this timer
		if q.timers[key] == timer {
			delete(q.timers, key)
		}
		q.mu.Unlock()
		q.Push(ev)
	})
	q.timers[key] = timer
	return delay
}

// Succeeded resets the backoff of ev's key.
func (q *Queue) Succeeded(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.attempts, ev.Key())
}

// Attempts returns how many times ev's key was deferred since it last
// succeeded.
func (q *Queue) Attempts(ev Event) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.attempts[ev.Key()]
}

// Consume fetches the next event; blocks if the queue is empty. It returns
// false once ctx is done.
func (q *Queue) Consume(ctx context.Context) (Event, bool) {
	select {
	case <-ctx.Done():
		return Event{}, false
	case item := <-q.queue:
		// Release before handling so changes that arrive while the handler
		// runs are queued again rather than merged into the event in flight.
		q.mu.Lock()
		delete(q.enqueued, item.Event.Key())
		q.mu.Unlock()

		if wait := time.Since(item.PushedAt); wait > q.maxDelay {
			q.logger.WarnContext(ctx, "event spent too long waiting in queue",
				"event", item.Event.Key(),
				"time_on_queue", wait,
			)
		}
		return item.Event, true
	}
}

// Close stops pending redelivery timers. Pushes after Close are ignored.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for key, t := range q.timers {
		t.Stop()
		delete(q.timers, key)
	}
}
