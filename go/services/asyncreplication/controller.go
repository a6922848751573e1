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

// Package asyncreplication moves a pair of related clusters between the
// primary, standby and standalone roles.
package asyncreplication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/multigres/pgoperator/go/common/archive"
	"github.com/multigres/pgoperator/go/common/constants"
	"github.com/multigres/pgoperator/go/common/databag"
	"github.com/multigres/pgoperator/go/common/leadership"
	"github.com/multigres/pgoperator/go/common/mterrors"
	"github.com/multigres/pgoperator/go/common/secrets"
	"github.com/multigres/pgoperator/go/common/workload"
	"github.com/multigres/pgoperator/go/services/coordinator"
	"github.com/multigres/pgoperator/go/services/dispatch"
)

// Database is the workload as the controller drives it.
type Database interface {
	workload.Workload
	SystemIdentifier(ctx context.Context) (string, error)
	Clone(ctx context.Context, src workload.Source) error
	Init(ctx context.Context) error
	Promote(ctx context.Context) error
}

// Membership is the view of the local cluster's membership service.
type Membership interface {
	GetPrimary(ctx context.Context) (string, error)
	MemberStarted(ctx context.Context, timeout time.Duration) bool
	Reload(ctx context.Context) error
}

// ClusterRecords removes the membership records a cluster left in the DCS.
type ClusterRecords interface {
	RemoveClusterRecords(ctx context.Context) (int64, error)
}

// Config holds the unit-specific settings of a Controller.
type Config struct {
	// Address is published to the related cluster so a primary can admit
	// this unit.
	Address string
	// Endpoint is the host:port other clusters replicate from once this
	// cluster is promoted.
	Endpoint string
	// MemberName is the local member's name in the membership service.
	MemberName string
	// ReplicationUser authenticates base backups from the primary.
	ReplicationUser string
	// ReadyTimeout bounds the wait for the local member to start.
	ReadyTimeout time.Duration
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Store      databag.PeerStore
	Leader     leadership.Checker
	Router     *coordinator.Router
	Metrics    *coordinator.Metrics
	Database   Database
	DataDir    *workload.DataDir
	Configurer Configurer
	Membership Membership
	Records    ClusterRecords
	Archiver   archive.Archiver
	Secrets    *secrets.Store
}

// Controller reacts to the cross-cluster replication relation on one unit.
type Controller struct {
	logger *slog.Logger
	cfg    Config

	store      databag.PeerStore
	leader     leadership.Checker
	router     *coordinator.Router
	metrics    *coordinator.Metrics
	db         Database
	dataDir    *workload.DataDir
	configurer Configurer
	membership Membership
	records    ClusterRecords
	archiver   archive.Archiver
	secrets    *secrets.Store
}

func NewController(logger *slog.Logger, cfg Config, deps Deps) *Controller {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Minute
	}
	if cfg.ReplicationUser == "" {
		cfg.ReplicationUser = "replication"
	}
	return &Controller{
		logger:     logger.With("component", "async-replication", "unit", deps.Store.LocalUnit()),
		cfg:        cfg,
		store:      deps.Store,
		leader:     deps.Leader,
		router:     deps.Router,
		metrics:    deps.Metrics,
		db:         deps.Database,
		dataDir:    deps.DataDir,
		configurer: deps.Configurer,
		membership: deps.Membership,
		records:    deps.Records,
		archiver:   deps.Archiver,
		secrets:    deps.Secrets,
	}
}

// acquire returns a leadership handle, or nil when the unit is not the
// leader.
func (c *Controller) acquire(ctx context.Context) (*leadership.Handle, error) {
	h, err := leadership.Acquire(ctx, c.store.LocalUnit(), c.leader)
	if errors.Is(err, leadership.ErrNotLeader) {
		return nil, nil
	}
	return h, err
}

func (c *Controller) peerRelation(ctx context.Context) (int, error) {
	rels, err := c.store.Relations(ctx, constants.PeerEndpoint)
	if err != nil {
		return 0, err
	}
	if len(rels) == 0 {
		return 0, dispatch.Deferf("%s relation not joined yet", constants.PeerEndpoint)
	}
	return rels[0].ID, nil
}

// crossRelation returns the replication relation to the other cluster.
// Either side may have joined through either endpoint.
func (c *Controller) crossRelation(ctx context.Context) (databag.Relation, bool, error) {
	for _, ep := range []string{constants.AsyncPrimaryEndpoint, constants.AsyncStandbyEndpoint} {
		rels, err := c.store.Relations(ctx, ep)
		if err != nil {
			return databag.Relation{}, false, err
		}
		if len(rels) == 0 {
			continue
		}
		if len(rels) > 1 {
			c.logger.WarnContext(ctx, "more than one replication relation, using the oldest",
				"endpoint", ep, "relation_id", rels[0].ID)
		}
		return rels[0], true, nil
	}
	return databag.Relation{}, false, nil
}

// elected returns the elected data visible on the cross-cluster relation.
// No relation or no elected data yields nil.
func (c *Controller) elected(ctx context.Context) (*databag.View, *Elected, error) {
	rel, ok, err := c.crossRelation(ctx)
	if err != nil || !ok {
		return nil, nil, err
	}
	v, err := c.store.View(ctx, rel.ID)
	if err != nil {
		return nil, nil, err
	}
	e, err := electedIn(v)
	return v, e, err
}

// electedIn reads the elected data of every application on the relation.
// More than one is a split brain.
func electedIn(v *databag.View) (*Elected, error) {
	var (
		found []Elected
		apps  []string
	)
	for _, app := range v.Relation.Apps() {
		raw := v.App(app)[keyElected]
		if raw == "" {
			continue
		}
		e, err := decodeElected(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", app, err)
		}
		// only the owner of the bag can have written it
		e.App = app
		found = append(found, e)
		apps = append(apps, app)
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return &found[0], nil
	default:
		return nil, mterrors.MultiplePrimariesElected(apps)
	}
}

// Role derives the cluster role from the cross-cluster relation.
func (c *Controller) Role(ctx context.Context) (ClusterRole, error) {
	_, e, err := c.elected(ctx)
	if err != nil {
		return RoleStandalone, err
	}
	return roleFor(c.store.LocalApp(), e), nil
}

func roleFor(app string, e *Elected) ClusterRole {
	switch {
	case e == nil:
		return RoleStandalone
	case e.App == app:
		return RolePrimary
	default:
		return RoleStandby
	}
}

func (c *Controller) appliedRole(ctx context.Context, peerID int) (ClusterRole, error) {
	own, err := c.store.GetOwn(ctx, peerID)
	if err != nil {
		return RoleStandalone, err
	}
	return ParseRole(own[keyAppliedRole])
}

// settle records that the unit now runs as target, reached through ev.
func (c *Controller) settle(ctx context.Context, peerID int, target ClusterRole, ev RoleEvent) error {
	from, err := c.appliedRole(ctx, peerID)
	if err != nil {
		return err
	}
	if from == target {
		return nil
	}
	if to, ok := NextRole(from, ev); !ok || to != target {
		return fmt.Errorf("cannot move from %s to %s on %s", from, target, ev)
	}
	c.logger.InfoContext(ctx, "cluster role changed", "from", from, "to", target, "event", ev)
	return c.store.SetOwn(ctx, peerID, func(b databag.Bag) {
		b[keyAppliedRole] = target.String()
	})
}

// Status summarizes the unit's replication state.
type Status struct {
	Role        ClusterRole
	Applied     ClusterRole
	Initialized bool
	Elected     *Elected
}

func (c *Controller) Status(ctx context.Context) (Status, error) {
	_, e, err := c.elected(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{Role: roleFor(c.store.LocalApp(), e), Elected: e}
	peerID, err := c.peerRelation(ctx)
	if err != nil {
		return st, nil
	}
	if st.Applied, err = c.appliedRole(ctx, peerID); err != nil {
		return st, err
	}
	app, err := c.store.GetApp(ctx, peerID, c.store.LocalApp())
	if err != nil {
		return st, err
	}
	st.Initialized = app[keyClusterInitialized] == "true"
	return st, nil
}

// ensureBarrier registers the restart barrier of the peer relation with the
// router on first use.
func (c *Controller) ensureBarrier(ctx context.Context) (*coordinator.Barrier, error) {
	peerID, err := c.peerRelation(ctx)
	if err != nil {
		return nil, err
	}
	if b, ok := c.router.Barrier(peerID, constants.RestartBarrierTag); ok {
		return b, nil
	}
	b := coordinator.NewBarrier(c.logger, c.store, c.leader, c.metrics, peerID, constants.RestartBarrierTag)
	err = c.router.Register(b, coordinator.HandlerFuncs{
		OnRequested: c.OnCoordinationRequested,
		OnApproved:  c.OnCoordinationApproved,
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// OnStart publishes the unit on the peer relation and marks a running
// cluster initialized the first time.
func (c *Controller) OnStart(ctx context.Context, _ dispatch.Event) error {
	peerID, err := c.peerRelation(ctx)
	if err != nil {
		return err
	}
	if _, err := c.ensureBarrier(ctx); err != nil {
		return err
	}
	if err := c.store.SetOwn(ctx, peerID, func(b databag.Bag) {
		b[keyUnitAddress] = c.cfg.Address
	}); err != nil {
		return err
	}

	running, err := c.db.IsRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		return dispatch.Deferf("waiting for the workload to start")
	}
	h, err := c.acquire(ctx)
	if err != nil || h == nil {
		return err
	}
	return c.store.SetApp(ctx, h, peerID, func(b databag.Bag) {
		if _, ok := b[keyClusterInitialized]; !ok {
			b[keyClusterInitialized] = "true"
		}
	})
}

// OnPeerChanged drives the coordination barriers of the peer relation.
func (c *Controller) OnPeerChanged(ctx context.Context, ev dispatch.Event) error {
	if _, err := c.ensureBarrier(ctx); err != nil {
		return err
	}
	return c.router.OnPeerChanged(ctx, ev)
}

// OnRelationChanged dispatches a change of the cross-cluster relation to the
// primary or the standby side. Missing elected data means not ready.
func (c *Controller) OnRelationChanged(ctx context.Context, _ dispatch.Event) error {
	v, e, err := c.elected(ctx)
	if err != nil {
		return err
	}
	if e == nil {
		c.logger.DebugContext(ctx, "no cluster elected on the replication relation")
		return nil
	}
	if e.App == c.store.LocalApp() {
		return c.onPrimaryRelationChanged(ctx, v, *e)
	}
	return c.onStandbyRelationChanged(ctx, v, *e)
}

func splitEndpoint(endpoint string) (string, string, error) {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	return host, port, nil
}
