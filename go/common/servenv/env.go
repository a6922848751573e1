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

package servenv

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ServEnv runs a long-lived process: it fires OnRun hooks, blocks until the
// context ends or the process gets SIGTERM/SIGINT, then fires OnClose hooks.
type ServEnv struct {
	logger       *slog.Logger
	closeTimeout time.Duration

	mu      sync.Mutex
	onRun   []func(context.Context) error
	onClose []func()
}

func NewServEnv(logger *slog.Logger, closeTimeout time.Duration) *ServEnv {
	return &ServEnv{logger: logger, closeTimeout: closeTimeout}
}

// OnRun registers a hook that runs before Run starts waiting.
func (sv *ServEnv) OnRun(f func(context.Context) error) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.onRun = append(sv.onRun, f)
}

// OnClose registers a hook that runs during shutdown, in reverse order of
// registration.
func (sv *ServEnv) OnClose(f func()) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.onClose = append(sv.onClose, f)
}

// Run fires the run hooks, then calls serve with a context cancelled on
// SIGTERM/SIGINT. It returns serve's error, ignoring context cancellation.
func (sv *ServEnv) Run(ctx context.Context, serve func(context.Context) error) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	sv.mu.Lock()
	runHooks := append([]func(context.Context) error(nil), sv.onRun...)
	sv.mu.Unlock()
	for _, hook := range runHooks {
		if err := hook(ctx); err != nil {
			sv.fireOnClose()
			return err
		}
	}

	err := serve(ctx)
	sv.logger.Info("shutting down gracefully")
	sv.fireOnClose()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (sv *ServEnv) fireOnClose() {
	sv.mu.Lock()
	hooks := append([]func(){}, sv.onClose...)
	sv.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(hooks) - 1; i >= 0; i-- {
			hooks[i]()
		}
	}()

	select {
	case <-done:
	case <-time.After(sv.closeTimeout):
		sv.logger.Warn("OnClose hooks timed out", "timeout", sv.closeTimeout)
	}
}
