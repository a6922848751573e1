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

// Package timer provides PeriodicRunner for running callbacks at regular intervals.
package timer

import (
	"context"
	"sync"
	"time"
)

// PeriodicRunner calls a function every interval until its context ends.
// The next call is scheduled only after the current one returns, so slow
// callbacks are never run concurrently with themselves.
type PeriodicRunner struct {
	interval  time.Duration
	immediate bool

	mu      sync.Mutex
	running bool
	kick    chan struct{}
}

// Option configures a PeriodicRunner.
type Option func(*PeriodicRunner)

// WithImmediateRun makes Run call the callback once before the first wait.
func WithImmediateRun() Option {
	return func(r *PeriodicRunner) { r.immediate = true }
}

func NewPeriodicRunner(interval time.Duration, opts ...Option) *PeriodicRunner {
	if interval <= 0 {
		panic("timer: interval must be positive")
	}
	r := &PeriodicRunner{interval: interval, kick: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run calls callback every interval until ctx ends, then returns ctx.Err().
// A second concurrent Run returns nil at once.
func (r *PeriodicRunner) Run(ctx context.Context, callback func(ctx context.Context)) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	if r.immediate {
		callback(ctx)
	}
	t := time.NewTimer(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		case <-r.kick:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		callback(ctx)
		t.Reset(r.interval)
	}
}

// Trigger runs the callback as soon as the current call, if any, returns.
// Triggers that arrive while one is pending are merged.
func (r *PeriodicRunner) Trigger() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Running reports whether Run is active.
func (r *PeriodicRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
