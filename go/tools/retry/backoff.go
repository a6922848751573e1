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

package retry

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// backoff calculates retry delays and manages backoff state.
// Implementations must be thread-safe as reset() may be called from a different
// goroutine than nextDelay().
type backoff interface {
	nextDelay() time.Duration
	reset()
}

// exponentialFullJitterBackoff implements the "Full Jitter" algorithm:
// sleep = random_between(0, min(cap, base * 2^attempt)).
type exponentialFullJitterBackoff struct {
	baseDelay     time.Duration
	maxDelay      time.Duration
	rng           *rand.Rand
	disableJitter bool

	mu      sync.Mutex
	attempt int
}

func newExponentialFullJitterBackoff(baseDelay, maxDelay time.Duration) *exponentialFullJitterBackoff {
	return &exponentialFullJitterBackoff{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		rng:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(time.Now().UnixNano()))),
	}
}

func newExponentialBackoffNoJitter(baseDelay, maxDelay time.Duration) *exponentialFullJitterBackoff {
	return &exponentialFullJitterBackoff{
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		disableJitter: true,
	}
}

func (e *exponentialFullJitterBackoff) nextDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	delay := ExponentialDelay(e.baseDelay, e.maxDelay, e.attempt)
	if !e.disableJitter {
		delay = time.Duration(float64(delay) * e.rng.Float64())
	}
	e.attempt++
	return delay
}

func (e *exponentialFullJitterBackoff) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempt = 0
}

type constantBackoff struct {
	delay time.Duration
}

func (c constantBackoff) nextDelay() time.Duration { return c.delay }

func (constantBackoff) reset() {}

// ExponentialDelay returns min(maxDelay, baseDelay * 2^attempt) without jitter.
// attempt is 0-indexed.
func ExponentialDelay(baseDelay, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// shifting more than 62 bits would overflow int64
	if attempt > 62 {
		attempt = 62
	}
	multiplier := int64(1) << attempt
	base := int64(baseDelay)
	if base > 0 && multiplier > math.MaxInt64/base {
		return maxDelay
	}
	delay := time.Duration(base * multiplier)
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
