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

// Package retry provides backoff loops for operations that talk to the
// workload, the membership API and the relation data plane.
package retry

import (
	"context"
	"time"
)

// Timer abstracts time.After so tests can complete waits immediately.
type Timer interface {
	After(d time.Duration) <-chan time.Time
}

type realTimer struct{}

func (realTimer) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Retry manages backoff state for retry loops.
//
// Example usage:
//
//	r := retry.New(100*time.Millisecond, 30*time.Second)
//	for attempt, err := range r.Attempts(ctx) {
//	    if err != nil {
//	        return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
//	    }
//	    if err := call(); err == nil {
//	        return nil
//	    }
//	}
type Retry struct {
	cfg     retryConfig
	attempt int
	timer   Timer
}

type retryConfig struct {
	// BaseDelay is the base delay for exponential backoff (delay = baseDelay × 2^attempt).
	BaseDelay time.Duration

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration

	// InitialDelay adds a delay before the first attempt.
	InitialDelay bool

	backoff backoff
}

// Option is a functional option for configuring a Retry.
type Option func(*retryConfig)

// WithInitialDelay configures the retry to add a delay before the first attempt.
// Use this when you've already tried once before calling StartAttempt().
func WithInitialDelay() Option {
	return func(c *retryConfig) { c.InitialDelay = true }
}

// WithConstantDelay makes every wait last exactly BaseDelay. Readiness polls
// use this so a timeout translates into a predictable number of probes.
func WithConstantDelay() Option {
	return func(c *retryConfig) { c.backoff = constantBackoff{delay: c.BaseDelay} }
}

// New creates a new Retry with the given baseDelay and maxDelay.
// Panics if the parameters are invalid (represents a coding error).
func New(baseDelay, maxDelay time.Duration, opts ...Option) *Retry {
	if baseDelay <= 0 {
		panic("retry: BaseDelay must be positive")
	}
	if maxDelay <= 0 {
		panic("retry: MaxDelay must be positive")
	}
	if baseDelay > maxDelay {
		panic("retry: BaseDelay cannot be greater than MaxDelay")
	}

	cfg := retryConfig{
		BaseDelay: baseDelay,
		MaxDelay:  maxDelay,
		backoff:   newExponentialFullJitterBackoff(baseDelay, maxDelay),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Retry{
		cfg:   cfg,
		timer: realTimer{},
	}
}

// StartAttempt waits for the backoff delay (except before the first attempt,
// unless WithInitialDelay was configured) and returns ctx.Err() if the
// context ends first.
func (r *Retry) StartAttempt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if r.attempt > 0 || r.cfg.InitialDelay {
		delay := r.cfg.backoff.nextDelay()
		select {
		case <-r.timer.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.attempt++
	return nil
}

// Attempt returns the current attempt number (1-indexed after first StartAttempt call).
func (r *Retry) Attempt() int {
	return r.attempt
}

// Reset resets the backoff state to the initial delay. The attempt counter
// keeps counting.
func (r *Retry) Reset() {
	r.cfg.backoff.reset()
}

// Attempts returns an iterator for range-based retry loops.
// Yields (attempt number, error) pairs where error is nil for each retry attempt,
// or non-nil when the context is cancelled/timed out (final iteration).
func (r *Retry) Attempts(ctx context.Context) func(yield func(int, error) bool) {
	return func(yield func(int, error) bool) {
		for {
			err := r.StartAttempt(ctx)
			if !yield(r.attempt, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// Poll calls probe every interval until it reports true, or until timeout
// elapses. Probe errors count as "not yet". It returns false on timeout.
func Poll(ctx context.Context, interval, timeout time.Duration, probe func(context.Context) (bool, error)) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := New(interval, interval, WithConstantDelay())
	for _, err := range r.Attempts(ctx) {
		if err != nil {
			return false
		}
		ok, perr := probe(ctx)
		if perr == nil && ok {
			return true
		}
	}
	return false
}
