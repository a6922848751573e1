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

package coordinator_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/pgoperator/go/services/coordinator"
	"github.com/multigres/pgoperator/go/services/dispatch"
)

type recorder struct {
	requested, approved int
	failRequested       error
}

func (r *recorder) handler() coordinator.Handler {
	return coordinator.HandlerFuncs{
		OnRequested: func(context.Context) error {
			if r.failRequested != nil {
				return r.failRequested
			}
			r.requested++
			return nil
		},
		OnApproved: func(context.Context) error {
			r.approved++
			return nil
		},
	}
}

func TestRouter_RejectsDuplicateRegistration(t *testing.T) {
	g := newGroup(t, 1)
	r := coordinator.NewRouter(slog.Default())
	require.NoError(t, r.Register(g[0].barrier, coordinator.HandlerFuncs{}))
	assert.Error(t, r.Register(g[0].barrier, coordinator.HandlerFuncs{}))
	assert.Error(t, r.Register(g[0].barrier, nil))

	b, ok := r.Barrier(peerRelation, tag)
	assert.True(t, ok)
	assert.Same(t, g[0].barrier, b)
	_, ok = r.Barrier(peerRelation, "other")
	assert.False(t, ok)
}

func TestRouter_DrivesRoundToApproval(t *testing.T) {
	ctx := context.Background()
	g := newGroup(t, 3)
	routers := make([]*coordinator.Router, len(g))
	recs := make([]*recorder, len(g))
	for i, m := range g {
		routers[i] = coordinator.NewRouter(slog.Default())
		recs[i] = &recorder{}
		require.NoError(t, routers[i].Register(m.barrier, recs[i].handler()))
	}
	ev := dispatch.Event{Kind: dispatch.RelationChanged, Endpoint: "database-peers", RelationID: peerRelation}

	// pg/2 cannot finish its local work yet.
	recs[2].failRequested = dispatch.Deferf("workload busy")
	require.NoError(t, g[0].barrier.Coordinate(ctx, g[0].handle(t)))

	settle := func() []error {
		var errs []error
		for range 3 {
			errs = errs[:0]
			for i := range g {
				errs = append(errs, routers[i].OnPeerChanged(ctx, ev))
			}
		}
		return errs
	}

	errs := settle()
	assert.True(t, dispatch.IsDefer(errs[2]), "the failing member defers")
	pending, err := g[0].barrier.IsPending(ctx)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Zero(t, recs[0].approved)

	recs[2].failRequested = nil
	for _, err := range settle() {
		assert.NoError(t, err)
	}
	for i, rec := range recs {
		assert.Equal(t, 1, rec.requested, g[i].unit)
		assert.Equal(t, 1, rec.approved, g[i].unit)
	}
	pending, err = g[0].barrier.IsPending(ctx)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestRouter_IgnoresOtherScopes(t *testing.T) {
	ctx := context.Background()
	g := newGroup(t, 1)
	r := coordinator.NewRouter(slog.Default())
	rec := &recorder{failRequested: errors.New("must not run")}
	require.NoError(t, r.Register(g[0].barrier, rec.handler()))
	require.NoError(t, g[0].barrier.Coordinate(ctx, g[0].handle(t)))

	err := r.OnPeerChanged(ctx, dispatch.Event{Kind: dispatch.RelationChanged, RelationID: peerRelation + 1})
	assert.NoError(t, err)
}
