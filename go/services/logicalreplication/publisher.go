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

	"github.com/multigres/pgoperator/go/common/databag"
	"github.com/multigres/pgoperator/go/common/leadership"
	"github.com/multigres/pgoperator/go/common/mterrors"
	"github.com/multigres/pgoperator/go/services/dispatch"
)

// Catalog checks that requested database objects exist.
type Catalog interface {
	DatabaseExists(ctx context.Context, database string) (bool, error)
	MissingTables(ctx context.Context, database string, tables []string) ([]string, error)
}

// Publisher serves subscription requests arriving on offer relations.
type Publisher struct {
	logger  *slog.Logger
	graph   *Graph
	store   databag.PeerStore
	leader  leadership.Checker
	catalog Catalog
}

func NewPublisher(logger *slog.Logger, graph *Graph, store databag.PeerStore, leader leadership.Checker, catalog Catalog) *Publisher {
	return &Publisher{logger: logger.With("component", "logical-publisher"), graph: graph, store: store, leader: leader, catalog: catalog}
}

// OnOfferChanged validates the subscriber's request and publishes the chains
// of the requested tables. A request that would close a cycle is refused and
// the error blocks the cluster.
func (p *Publisher) OnOfferChanged(ctx context.Context, ev dispatch.Event) error {
	h, err := leadership.Acquire(ctx, p.store.LocalUnit(), p.leader)
	if errors.Is(err, leadership.ErrNotLeader) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := p.graph.publishIdentity(ctx, h, ev.RelationID); err != nil {
		return err
	}

	rel, bag, err := p.graph.remote(ctx, ev.RelationID)
	if err != nil {
		return err
	}
	subscriber := rel.RemoteApp(p.store.LocalApp())
	if bag[keyRequest] == "" {
		return p.store.SetApp(ctx, h, ev.RelationID, func(b databag.Bag) {
			delete(b, keyChains)
			delete(b, keySubscriptionError)
		})
	}
	req, err := decodeRequest(bag[keyRequest])
	if err != nil {
		p.logger.WarnContext(ctx, "invalid subscription request", "subscriber", subscriber, "error", err)
		return p.refuse(ctx, h, ev.RelationID, err)
	}

	exists, err := p.catalog.DatabaseExists(ctx, req.Database)
	if err != nil {
		return err
	}
	if !exists {
		return dispatch.Deferf("database %s requested by %s does not exist", req.Database, subscriber)
	}
	missing, err := p.catalog.MissingTables(ctx, req.Database, req.Tables)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return dispatch.Deferf("tables %v requested by %s do not exist in %s", missing, subscriber, req.Database)
	}

	offending, err := p.graph.CheckPublisherCycle(ctx, ev.RelationID, req.Database, req.Tables)
	if err != nil {
		return err
	}
	if len(offending) > 0 {
		cycle := mterrors.PGO1003(offending)
		if err := p.refuse(ctx, h, ev.RelationID, cycle); err != nil {
			return err
		}
		return cycle
	}

	built, err := p.graph.BuildChains(ctx, req.Database, req.Tables)
	if err != nil {
		return err
	}
	chains := Chains{}
	for table, chain := range built {
		chains.Set(req.Database, table, chain)
	}
	encoded, err := chains.encode()
	if err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "publishing tables", "subscriber", subscriber, "database", req.Database, "tables", req.Tables)
	return p.store.SetApp(ctx, h, ev.RelationID, func(b databag.Bag) {
		b[keyChains] = encoded
		delete(b, keySubscriptionError)
	})
}

// refuse withdraws published chains and tells the subscriber why.
func (p *Publisher) refuse(ctx context.Context, h *leadership.Handle, relationID int, reason error) error {
	return p.store.SetApp(ctx, h, relationID, func(b databag.Bag) {
		delete(b, keyChains)
		b[keySubscriptionError] = reason.Error()
	})
}
