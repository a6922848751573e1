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

package operator

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/multigres/pgoperator/go/common/constants"
	"github.com/multigres/pgoperator/go/common/databag"
	"github.com/multigres/pgoperator/go/common/databag/memorybag"
	"github.com/multigres/pgoperator/go/services/dispatch"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type eventSink chan dispatch.Event

func (s eventSink) push(ev dispatch.Event) { s <- ev }

func (s eventSink) next(t *testing.T) dispatch.Event {
	t.Helper()
	select {
	case ev := <-s:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return dispatch.Event{}
	}
}

func (s eventSink) none(t *testing.T) {
	t.Helper()
	select {
	case ev := <-s:
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func startWatcher(t *testing.T, conn *memorybag.Conn, unit string) eventSink {
	t.Helper()
	sink := make(eventSink, 64)
	w := newWatcher(discard(), conn.Shared(), unit, sink.push)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sink
}

func TestWatcher_RelationLifecycle(t *testing.T) {
	ctx := context.Background()
	conn := memorybag.New()
	defer conn.Close()
	sink := startWatcher(t, conn, "pg-a/0")

	// relations of other applications are invisible
	other, err := Relate(ctx, conn, EndpointRef{App: "pg-c", Endpoint: constants.PeerEndpoint})
	require.NoError(t, err)
	require.NoError(t, databag.NewStore(conn.Shared(), "pg-c/0").SetOwn(ctx, other, func(b databag.Bag) { b["k"] = "v" }))
	sink.none(t)

	id, err := Relate(ctx, conn,
		EndpointRef{App: "pg-a", Endpoint: constants.AsyncPrimaryEndpoint},
		EndpointRef{App: "pg-b", Endpoint: constants.AsyncStandbyEndpoint})
	require.NoError(t, err)
	want := dispatch.Event{Endpoint: constants.AsyncPrimaryEndpoint, RelationID: id}

	ev := sink.next(t)
	assert.Equal(t, dispatch.RelationJoined, ev.Kind)
	assert.Equal(t, want.Endpoint, ev.Endpoint)
	assert.Equal(t, id, ev.RelationID)
	assert.Equal(t, dispatch.RelationChanged, sink.next(t).Kind)

	// the local unit's own writes are not reported back
	require.NoError(t, databag.NewStore(conn.Shared(), "pg-a/0").SetOwn(ctx, id, func(b databag.Bag) { b["k"] = "v" }))
	sink.none(t)

	remote := databag.NewStore(conn.Shared(), "pg-b/0")
	require.NoError(t, remote.SetOwn(ctx, id, func(b databag.Bag) { b["unit-address"] = "10.0.1.10" }))
	ev = sink.next(t)
	assert.Equal(t, dispatch.RelationChanged, ev.Kind)
	assert.Equal(t, "pg-b/0", ev.Unit)

	require.NoError(t, Unrelate(ctx, conn, id))
	ev = sink.next(t)
	assert.Equal(t, dispatch.RelationDeparted, ev.Kind)
	assert.Equal(t, "pg-b/0", ev.Unit)
	ev = sink.next(t)
	assert.Equal(t, dispatch.RelationBroken, ev.Kind)
	assert.Equal(t, want.Endpoint, ev.Endpoint)
	assert.Equal(t, id, ev.RelationID)
	sink.none(t)
}

func TestWatcher_StartupReportsExistingRelations(t *testing.T) {
	ctx := context.Background()
	conn := memorybag.New()
	defer conn.Close()
	id, err := Relate(ctx, conn, EndpointRef{App: "pg-a", Endpoint: constants.PeerEndpoint})
	require.NoError(t, err)
	require.NoError(t, databag.NewStore(conn.Shared(), "pg-a/1").SetOwn(ctx, id, func(b databag.Bag) { b["k"] = "v" }))

	sink := startWatcher(t, conn, "pg-a/0")
	ev := sink.next(t)
	assert.Equal(t, dispatch.RelationJoined, ev.Kind)
	assert.Equal(t, constants.PeerEndpoint, ev.Endpoint)
	assert.Equal(t, dispatch.RelationChanged, sink.next(t).Kind)
	sink.none(t)
}

func TestWatcher_ResyncBreaksVanishedRelations(t *testing.T) {
	var got []dispatch.Event
	w := newWatcher(discard(), nil, "pg-a/0", func(ev dispatch.Event) { got = append(got, ev) })

	meta := func(id int, app, endpoint string) *databag.WatchData {
		data, err := json.Marshal(databag.Relation{ID: id, Endpoints: map[string]string{app: endpoint}})
		require.NoError(t, err)
		return &databag.WatchData{Path: databag.RelationPath(id), Contents: data}
	}

	w.resync([]*databag.WatchData{
		meta(1, "pg-a", constants.PeerEndpoint),
		meta(2, "pg-b", constants.PeerEndpoint),
		{Path: databag.UnitPath(1, "pg-a/1"), Contents: []byte(`{}`)},
	})
	require.Len(t, got, 2)
	assert.Equal(t, dispatch.RelationJoined, got[0].Kind)
	assert.Equal(t, dispatch.RelationChanged, got[1].Kind)

	got = nil
	w.resync(nil)
	require.Len(t, got, 1)
	assert.Equal(t, dispatch.RelationBroken, got[0].Kind)
	assert.Equal(t, 1, got[0].RelationID)
	assert.Equal(t, constants.PeerEndpoint, got[0].Endpoint)
}
