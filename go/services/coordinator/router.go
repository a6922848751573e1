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
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/multigres/pgoperator/go/services/dispatch"
)

// Handler reacts to one barrier.
type Handler interface {
	// Requested performs the member's local work for a round. Returning nil
	// acknowledges the round; an error leaves it unacknowledged and the
	// triggering event is redelivered.
	Requested(ctx context.Context) error
	// Approved runs on every member once all of them acknowledged.
	Approved(ctx context.Context) error
}

// HandlerFuncs adapts a pair of functions to Handler. Nil functions succeed.
type HandlerFuncs struct {
	OnRequested func(ctx context.Context) error
	OnApproved  func(ctx context.Context) error
}

func (f HandlerFuncs) Requested(ctx context.Context) error {
	if f.OnRequested == nil {
		return nil
	}
	return f.OnRequested(ctx)
}

func (f HandlerFuncs) Approved(ctx context.Context) error {
	if f.OnApproved == nil {
		return nil
	}
	return f.OnApproved(ctx)
}

type routeKey struct {
	scope int
	tag   string
}

type route struct {
	barrier *Barrier
	handler Handler
}

// Router owns the barriers of a unit and routes peer changes to them.
type Router struct {
	logger *slog.Logger

	mu     sync.Mutex
	routes map[routeKey]route
	order  []routeKey
}

func NewRouter(logger *slog.Logger) *Router {
	return &Router{logger: logger, routes: make(map[routeKey]route)}
}

// Register adds a barrier. A (scope, tag) pair has exactly one handler.
func (r *Router) Register(b *Barrier, h Handler) error {
	if h == nil {
		return fmt.Errorf("barrier %s: nil handler", b.Tag())
	}
	k := routeKey{scope: b.RelationID(), tag: b.Tag()}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routes[k]; ok {
		return fmt.Errorf("barrier %s already registered on relation %d", k.tag, k.scope)
	}
	r.routes[k] = route{barrier: b, handler: h}
	r.order = append(r.order, k)
	return nil
}

// Barrier returns the registered barrier for (scope, tag).
func (r *Router) Barrier(scope int, tag string) (*Barrier, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[routeKey{scope: scope, tag: tag}]
	return rt.barrier, ok
}

func (r *Router) routesFor(scope int) []route {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []route
	for _, k := range r.order {
		if k.scope == scope {
			out = append(out, r.routes[k])
		}
	}
	return out
}

// OnPeerChanged is the dispatch.Handler for changes on the peer relation.
// Every barrier scoped to the relation is observed; a leader also retries
// approval of pending rounds.
func (r *Router) OnPeerChanged(ctx context.Context, ev dispatch.Event) error {
	var errs []error
	for _, rt := range r.routesFor(ev.RelationID) {
		if err := r.step(ctx, rt); err != nil {
			errs = append(errs, fmt.Errorf("barrier %s: %w", rt.barrier.Tag(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *Router) step(ctx context.Context, rt route) error {
	b := rt.barrier
	n, err := b.Observe(ctx)
	if err != nil {
		return err
	}

	switch n {
	case NotifyRequested:
		r.logger.DebugContext(ctx, "coordination requested", "barrier", b.Tag())
		if err := rt.handler.Requested(ctx); err != nil {
			return err
		}
		if _, err := b.Acknowledge(ctx); err != nil {
			return err
		}
	case NotifyApproved:
		r.logger.DebugContext(ctx, "coordination approved", "barrier", b.Tag())
		if err := rt.handler.Approved(ctx); err != nil {
			return err
		}
		if err := b.Complete(ctx); err != nil {
			return err
		}
	}

	_, _, err = b.ApproveIfLeader(ctx)
	return err
}
