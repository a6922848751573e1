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

package logicalreplication

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/multigres/pgoperator/go/common/action"
	"github.com/multigres/pgoperator/go/common/constants"
	"github.com/multigres/pgoperator/go/common/databag"
	"github.com/multigres/pgoperator/go/common/leadership"
	"github.com/multigres/pgoperator/go/common/mterrors"
	"github.com/multigres/pgoperator/go/services/dispatch"
)

// Subscriber requests tables from publishers and watches the chains they
// return.
type Subscriber struct {
	logger  *slog.Logger
	graph   *Graph
	store   databag.PeerStore
	leader  leadership.Checker
	catalog Catalog
}

func NewSubscriber(logger *slog.Logger, graph *Graph, store databag.PeerStore, leader leadership.Checker, catalog Catalog) *Subscriber {
	return &Subscriber{logger: logger.With("component", "logical-subscriber"), graph: graph, store: store, leader: leader, catalog: catalog}
}

func (s *Subscriber) relationTo(ctx context.Context, publisher string) (databag.Relation, bool, error) {
	rels, err := s.store.Relations(ctx, constants.LogicalEndpoint)
	if err != nil {
		return databag.Relation{}, false, err
	}
	for _, rel := range rels {
		if rel.RemoteApp(s.store.LocalApp()) == publisher {
			return rel, true, nil
		}
	}
	return databag.Relation{}, false, nil
}

// Subscribe asks publisher for the tables of req. Failures are reported on
// res and never returned.
func (s *Subscriber) Subscribe(ctx context.Context, res *action.Results, publisher string, req Request) {
	if err := s.subscribe(ctx, res, publisher, req); err != nil {
		s.logger.WarnContext(ctx, "subscribe failed", "publisher", publisher, "error", err)
		res.Fail(err.Error())
	}
}

func (s *Subscriber) subscribe(ctx context.Context, res *action.Results, publisher string, req Request) error {
	if err := req.validate(); err != nil {
		return err
	}
	rel, ok, err := s.relationTo(ctx, publisher)
	if err != nil {
		return err
	}
	if !ok {
		return mterrors.PGO2004(constants.LogicalEndpoint + " to " + publisher)
	}
	h, err := leadership.Acquire(ctx, s.store.LocalUnit(), s.leader)
	if errors.Is(err, leadership.ErrNotLeader) {
		return mterrors.PGO2003(s.store.LocalUnit())
	}
	if err != nil {
		return err
	}

	exists, err := s.catalog.DatabaseExists(ctx, req.Database)
	if err != nil {
		return err
	}
	if !exists {
		return mterrors.PGO2007("database " + req.Database)
	}
	missing, err := s.catalog.MissingTables(ctx, req.Database, req.Tables)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return mterrors.PGO2007("table " + strings.Join(missing, ", "))
	}
	for _, table := range req.Tables {
		cycle, err := s.graph.WouldCreateCycle(ctx, rel.ID, req.Database, table)
		if err != nil {
			return err
		}
		if cycle {
			return mterrors.PGO2006(req.Database, table)
		}
	}

	encoded, err := req.encode()
	if err != nil {
		return err
	}
	if err := s.store.SetApp(ctx, h, rel.ID, func(b databag.Bag) {
		b[keyIdentity] = string(s.graph.Self())
		b[keyRequest] = encoded
	}); err != nil {
		return err
	}
	res.SetResults(map[string]any{
		"relation-id": rel.ID,
		"database":    req.Database,
		"tables":      strings.Join(req.Tables, ","),
	})
	return nil
}

// OnRelationChanged re-checks the requested tables against the chains the
// publisher returned and withdraws a request that closed a cycle.
func (s *Subscriber) OnRelationChanged(ctx context.Context, ev dispatch.Event) error {
	h, err := leadership.Acquire(ctx, s.store.LocalUnit(), s.leader)
	if errors.Is(err, leadership.ErrNotLeader) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.graph.publishIdentity(ctx, h, ev.RelationID); err != nil {
		return err
	}
	req, err := s.graph.ownRequest(ctx, ev.RelationID)
	if err != nil || req == nil {
		return err
	}
	rel, bag, err := s.graph.remote(ctx, ev.RelationID)
	if err != nil {
		return err
	}
	publisher := rel.RemoteApp(s.store.LocalApp())
	if msg := bag[keySubscriptionError]; msg != "" {
		return mterrors.PGO1005(publisher, msg)
	}

	var cyclic []string
	for _, table := range req.Tables {
		cycle, err := s.graph.WouldCreateCycle(ctx, ev.RelationID, req.Database, table)
		if err != nil {
			return err
		}
		if cycle {
			cyclic = append(cyclic, table)
		}
	}
	if len(cyclic) > 0 {
		s.logger.WarnContext(ctx, "withdrawing cyclic subscription", "publisher", publisher, "tables", cyclic)
		if err := s.store.SetApp(ctx, h, ev.RelationID, func(b databag.Bag) {
			delete(b, keyRequest)
		}); err != nil {
			return err
		}
		return mterrors.PGO1004(cyclic)
	}
	return nil
}
