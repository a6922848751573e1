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
	"fmt"
	"log/slog"
	"slices"

	"github.com/multigres/pgoperator/go/common/constants"
	"github.com/multigres/pgoperator/go/common/databag"
	"github.com/multigres/pgoperator/go/common/leadership"
)

// Graph answers provenance questions from the chains published on the
// logical replication relations of the local cluster.
type Graph struct {
	logger *slog.Logger
	store  databag.PeerStore
	self   Identity
}

func NewGraph(logger *slog.Logger, store databag.PeerStore, self Identity) *Graph {
	return &Graph{logger: logger.With("component", "logical-replication", "identity", string(self)), store: store, self: self}
}

func (g *Graph) Self() Identity { return g.self }

// remote returns the other application's bag on a relation.
func (g *Graph) remote(ctx context.Context, relationID int) (databag.Relation, databag.Bag, error) {
	rel, err := g.store.Relation(ctx, relationID)
	if err != nil {
		return databag.Relation{}, nil, err
	}
	bag, err := g.store.GetApp(ctx, relationID, rel.RemoteApp(g.store.LocalApp()))
	return rel, bag, err
}

func (g *Graph) remoteChains(ctx context.Context, relationID int) (Chains, error) {
	_, bag, err := g.remote(ctx, relationID)
	if err != nil {
		return nil, err
	}
	return decodeChains(bag[keyChains])
}

// ownRequest returns what the local cluster requested on a subscriber-side
// relation, or nil.
func (g *Graph) ownRequest(ctx context.Context, relationID int) (*Request, error) {
	bag, err := g.store.GetApp(ctx, relationID, g.store.LocalApp())
	if err != nil {
		return nil, err
	}
	if bag[keyRequest] == "" {
		return nil, nil
	}
	req, err := decodeRequest(bag[keyRequest])
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// WouldCreateCycle reports whether the chain the relation's publisher
// published for the table already contains this cluster.
func (g *Graph) WouldCreateCycle(ctx context.Context, relationID int, database, table string) (bool, error) {
	chains, err := g.remoteChains(ctx, relationID)
	if err != nil {
		return false, err
	}
	chain, ok := chains.Get(database, table)
	return ok && chain.Contains(g.self), nil
}

// upstream returns the chain of a table this cluster subscribes to, if any.
func (g *Graph) upstream(ctx context.Context, database, table string) (Chain, int, bool, error) {
	rels, err := g.store.Relations(ctx, constants.LogicalEndpoint)
	if err != nil {
		return nil, 0, false, err
	}
	for _, rel := range rels {
		req, err := g.ownRequest(ctx, rel.ID)
		if err != nil {
			return nil, 0, false, err
		}
		if req == nil || req.Database != database || !slices.Contains(req.Tables, table) {
			continue
		}
		chains, err := g.remoteChains(ctx, rel.ID)
		if err != nil {
			return nil, 0, false, err
		}
		if chain, ok := chains.Get(database, table); ok {
			return chain, rel.ID, true, nil
		}
	}
	return nil, 0, false, nil
}

// BuildChains returns the chain to publish for each table: the upstream
// chain extended by this cluster, or a new chain naming this cluster as the
// origin.
func (g *Graph) BuildChains(ctx context.Context, database string, tables []string) (map[string]Chain, error) {
	out := make(map[string]Chain, len(tables))
	for _, table := range tables {
		chain, relID, ok, err := g.upstream(ctx, database, table)
		if err != nil {
			return nil, err
		}
		if !ok {
			out[table] = Chain{g.self}
			continue
		}
		if chain.Contains(g.self) {
			return nil, fmt.Errorf("chain of %s.%s on relation %d already contains %s", database, table, relID, g.self)
		}
		out[table] = chain.Extend(g.self)
	}
	return out, nil
}

// CheckPublisherCycle returns the tables that must not be published on the
// offer relation because this cluster receives them from the relation's
// subscriber, directly or further upstream.
func (g *Graph) CheckPublisherCycle(ctx context.Context, offerRelationID int, database string, tables []string) ([]string, error) {
	_, bag, err := g.remote(ctx, offerRelationID)
	if err != nil {
		return nil, err
	}
	subscriber := Identity(bag[keyIdentity])
	if subscriber == "" {
		return nil, nil
	}

	rels, err := g.store.Relations(ctx, constants.LogicalEndpoint)
	if err != nil {
		return nil, err
	}
	var offending []string
	for _, table := range tables {
		for _, rel := range rels {
			cycle, err := g.receivesFrom(ctx, rel.ID, subscriber, database, table)
			if err != nil {
				return nil, err
			}
			if cycle {
				offending = append(offending, table)
				break
			}
		}
	}
	return offending, nil
}

// receivesFrom reports whether the table arrives over a subscriber-side
// relation from id, or from a chain that passed through id.
func (g *Graph) receivesFrom(ctx context.Context, relationID int, id Identity, database, table string) (bool, error) {
	req, err := g.ownRequest(ctx, relationID)
	if err != nil || req == nil || req.Database != database || !slices.Contains(req.Tables, table) {
		return false, err
	}
	_, bag, err := g.remote(ctx, relationID)
	if err != nil {
		return false, err
	}
	if Identity(bag[keyIdentity]) == id {
		return true, nil
	}
	chains, err := decodeChains(bag[keyChains])
	if err != nil {
		return false, err
	}
	chain, ok := chains.Get(database, table)
	return ok && chain.Contains(id), nil
}

// publishIdentity writes the local identity on a relation once.
func (g *Graph) publishIdentity(ctx context.Context, h *leadership.Handle, relationID int) error {
	return g.store.SetApp(ctx, h, relationID, func(b databag.Bag) {
		b[keyIdentity] = string(g.self)
	})
}

// Subscription is one subscriber-side relation as seen locally.
type Subscription struct {
	RelationID int
	Publisher  string
	Request    *Request
	Chains     Chains
	// Error is the publisher's reason for refusing the request.
	Error string
}

// Subscriptions lists the subscriber-side relations of the local cluster.
func (g *Graph) Subscriptions(ctx context.Context) ([]Subscription, error) {
	rels, err := g.store.Relations(ctx, constants.LogicalEndpoint)
	if err != nil {
		return nil, err
	}
	var out []Subscription
	for _, rel := range rels {
		req, err := g.ownRequest(ctx, rel.ID)
		if err != nil {
			return nil, err
		}
		_, bag, err := g.remote(ctx, rel.ID)
		if err != nil {
			return nil, err
		}
		chains, err := decodeChains(bag[keyChains])
		if err != nil {
			return nil, err
		}
		out = append(out, Subscription{
			RelationID: rel.ID,
			Publisher:  rel.RemoteApp(g.store.LocalApp()),
			Request:    req,
			Chains:     chains,
			Error:      bag[keySubscriptionError],
		})
	}
	return out, nil
}
