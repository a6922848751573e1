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
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/multigres/pgoperator/go/common/databag"
	"github.com/multigres/pgoperator/go/services/dispatch"
	"github.com/multigres/pgoperator/go/tools/retry"
)

// watcher turns data plane changes under the relations root into events for
// the local unit. It only reports relations the local application joined,
// and ignores writes to the local unit's own bags.
type watcher struct {
	logger *slog.Logger
	conn   databag.Conn
	unit   string
	app    string
	push   func(dispatch.Event)

	// relations the local application joined, by id. Only the watch
	// goroutine touches it.
	relations map[int]databag.Relation
}

func newWatcher(logger *slog.Logger, conn databag.Conn, unit string, push func(dispatch.Event)) *watcher {
	return &watcher{
		logger:    logger.With("component", "relation-watcher"),
		conn:      conn,
		unit:      unit,
		app:       databag.AppOfUnit(unit),
		push:      push,
		relations: make(map[int]databag.Relation),
	}
}

// run keeps a recursive watch open until ctx ends, re-establishing it with
// backoff when it breaks.
func (w *watcher) run(ctx context.Context) error {
	r := retry.New(100*time.Millisecond, 30*time.Second)
	for attempt, err := range r.Attempts(ctx) {
		if err != nil {
			return err
		}
		if attempt > 1 {
			w.logger.InfoContext(ctx, "restarting relation watch", "attempt", attempt)
		}
		if err := w.watch(ctx, r); err != nil && ctx.Err() == nil {
			w.logger.WarnContext(ctx, "relation watch failed", "error", err)
		}
	}
	return ctx.Err()
}

func (w *watcher) watch(ctx context.Context, r *retry.Retry) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	initial, changes, err := w.conn.WatchRecursive(ctx, databag.RelationsPrefix())
	if err != nil && !databag.IsErrType(err, databag.NoNode) {
		return err
	}
	w.resync(initial)

	// Reset backoff after the watch has been stable for a while.
	resetTimer := time.AfterFunc(30*time.Second, r.Reset)
	defer resetTimer.Stop()

	for wd := range changes {
		if wd.Err != nil {
			return wd.Err
		}
		w.apply(wd)
	}
	return ctx.Err()
}

// resync reconciles the cached relations with a fresh snapshot. Relations
// that appeared are joined, relations that vanished while the watch was
// down are broken, and every known relation gets a changed event.
func (w *watcher) resync(snapshot []*databag.WatchData) {
	seen := make(map[int]databag.Relation)
	for _, wd := range snapshot {
		info, ok := databag.ParsePath(wd.Path)
		if !ok || info.Kind != databag.KindMeta {
			continue
		}
		rel, err := databag.DecodeRelation(wd.Contents)
		if err != nil {
			w.logger.Warn("skipping unreadable relation", "path", wd.Path, "error", err)
			continue
		}
		if rel.Endpoint(w.app) != "" {
			seen[info.RelationID] = rel
		}
	}

	for _, id := range slices.Sorted(maps.Keys(w.relations)) {
		if _, ok := seen[id]; !ok {
			w.broken(id)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(seen)) {
		rel := seen[id]
		if _, ok := w.relations[id]; !ok {
			w.relations[id] = rel
			w.emit(dispatch.RelationJoined, rel, "")
		}
		w.emit(dispatch.RelationChanged, rel, "")
	}
}

// apply maps one change to an event.
func (w *watcher) apply(wd *databag.WatchData) {
	info, ok := databag.ParsePath(wd.Path)
	if !ok {
		return
	}
	if info.Kind == databag.KindMeta {
		w.applyMeta(info.RelationID, wd)
		return
	}

	rel, ok := w.relations[info.RelationID]
	if !ok {
		return
	}
	if info.Kind == databag.KindUnit {
		if info.Name == w.unit {
			return
		}
		if wd.Deleted {
			w.emit(dispatch.RelationDeparted, rel, info.Name)
			return
		}
		w.emit(dispatch.RelationChanged, rel, info.Name)
		return
	}
	if !wd.Deleted {
		w.emit(dispatch.RelationChanged, rel, "")
	}
}

func (w *watcher) applyMeta(id int, wd *databag.WatchData) {
	if wd.Deleted {
		w.broken(id)
		return
	}
	rel, err := databag.DecodeRelation(wd.Contents)
	if err != nil {
		w.logger.Warn("skipping unreadable relation", "path", wd.Path, "error", err)
		return
	}
	if rel.Endpoint(w.app) == "" {
		return
	}
	_, known := w.relations[id]
	w.relations[id] = rel
	if !known {
		w.emit(dispatch.RelationJoined, rel, "")
	}
	w.emit(dispatch.RelationChanged, rel, "")
}

func (w *watcher) broken(id int) {
	rel, ok := w.relations[id]
	if !ok {
		return
	}
	delete(w.relations, id)
	w.emit(dispatch.RelationBroken, rel, "")
}

func (w *watcher) emit(kind dispatch.Kind, rel databag.Relation, unit string) {
	ev := dispatch.Event{
		Kind:       kind,
		Endpoint:   rel.Endpoint(w.app),
		RelationID: rel.ID,
		Unit:       unit,
	}
	w.logger.Debug("relation event", "event", ev.Key(), "unit", unit)
	w.push(ev)
}
