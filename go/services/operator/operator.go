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

// Package operator assembles the replication controllers of one unit and
// drives them from data plane changes.
package operator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/multigres/pgoperator/go/common/action"
	"github.com/multigres/pgoperator/go/common/archive"
	"github.com/multigres/pgoperator/go/common/constants"
	"github.com/multigres/pgoperator/go/common/databag"
	"github.com/multigres/pgoperator/go/common/leadership"
	"github.com/multigres/pgoperator/go/common/secrets"
	"github.com/multigres/pgoperator/go/common/servenv"
	"github.com/multigres/pgoperator/go/common/workload"
	"github.com/multigres/pgoperator/go/services/asyncreplication"
	"github.com/multigres/pgoperator/go/services/coordinator"
	"github.com/multigres/pgoperator/go/services/dispatch"
	"github.com/multigres/pgoperator/go/services/logicalreplication"
	"github.com/multigres/pgoperator/go/tools/timer"
)

// Campaigner competes for the application's leadership.
type Campaigner interface {
	// Campaign blocks until this unit is elected or ctx is done.
	Campaign(ctx context.Context) error
	// Observe reports every leadership change until ctx is done.
	Observe(ctx context.Context, onChange func(leader string))
}

// Components are the collaborators an Operator is assembled from. Open
// builds them from configuration; tests pass fakes.
type Components struct {
	Conn   databag.Conn
	Leader leadership.Checker
	// Campaigner is nil when leadership is decided elsewhere.
	Campaigner Campaigner
	Database   asyncreplication.Database
	Membership asyncreplication.Membership
	Records    asyncreplication.ClusterRecords
	Archiver   archive.Archiver
	Catalog    logicalreplication.Catalog
	// Fs holds the data directory and the replication configuration. It
	// defaults to the OS filesystem.
	Fs afero.Fs
	// Meter may be nil.
	Meter metric.Meter
	// ConfigReloads signals that dynamic settings changed. May be nil.
	ConfigReloads <-chan struct{}
}

// Operator runs the controllers of one unit.
type Operator struct {
	logger     *slog.Logger
	cfg        *Config
	conn       databag.Conn
	store      *databag.Store
	leader     leadership.Checker
	campaigner Campaigner
	reloads    <-chan struct{}

	queue      *dispatch.Queue
	dispatcher *dispatch.Dispatcher
	controller *asyncreplication.Controller
	graph      *logicalreplication.Graph
	publisher  *logicalreplication.Publisher
	subscriber *logicalreplication.Subscriber
	watcher    *watcher
	health     *servenv.HealthServer
	blocked    *blockedTracker
}

// New assembles an Operator. Nothing runs until Run.
func New(logger *slog.Logger, cfg *Config, c Components) (*Operator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if c.Fs == nil {
		c.Fs = afero.NewOsFs()
	}
	store := databag.NewStore(c.Conn, cfg.GetUnit())
	logger = logger.With("unit", store.LocalUnit())

	self, err := logicalreplication.NewIdentity(cfg.GetModelUUID(), store.LocalApp())
	if err != nil {
		return nil, err
	}
	coordMetrics, err := coordinator.NewMetrics(c.Meter, logger)
	if err != nil {
		return nil, err
	}
	dispatchMetrics, err := dispatch.NewMetrics(c.Meter, logger)
	if err != nil {
		return nil, err
	}

	o := &Operator{
		logger:     logger,
		cfg:        cfg,
		conn:       c.Conn,
		store:      store,
		leader:     c.Leader,
		campaigner: c.Campaigner,
		reloads:    c.ConfigReloads,
		queue:      dispatch.NewQueue(logger, cfg.GetDeferBaseDelay(), cfg.GetDeferMaxDelay()),
	}
	o.dispatcher = dispatch.NewDispatcher(logger, o.queue, dispatchMetrics)
	o.controller = asyncreplication.NewController(logger,
		asyncreplication.Config{
			Address:         cfg.GetAddress(),
			Endpoint:        cfg.GetEndpoint(),
			MemberName:      cfg.GetMemberName(),
			ReplicationUser: cfg.GetReplicationUser(),
			ReadyTimeout:    cfg.GetReadyTimeout(),
		},
		asyncreplication.Deps{
			Store:      store,
			Leader:     c.Leader,
			Router:     coordinator.NewRouter(logger),
			Metrics:    coordMetrics,
			Database:   c.Database,
			DataDir:    workload.NewDataDir(c.Fs, cfg.GetPgDataDir()),
			Configurer: asyncreplication.NewFileConfigurer(c.Fs, cfg.GetReplicationConfig()),
			Membership: c.Membership,
			Records:    c.Records,
			Archiver:   c.Archiver,
			Secrets:    secrets.NewStore(c.Conn),
		})
	o.graph = logicalreplication.NewGraph(logger, store, self)
	o.publisher = logicalreplication.NewPublisher(logger, o.graph, store, c.Leader, c.Catalog)
	o.subscriber = logicalreplication.NewSubscriber(logger, o.graph, store, c.Leader, c.Catalog)
	o.watcher = newWatcher(logger, c.Conn, store.LocalUnit(), o.dispatcher.Push)
	if cfg.GetHealthPort() >= 0 {
		o.health = servenv.NewHealthServer(logger)
	}
	o.blocked = newBlockedTracker(logger, c.Conn, store.LocalUnit(), o.health)

	o.register()
	return o, nil
}

// register routes every event kind to the controllers interested in it.
func (o *Operator) register() {
	d := o.dispatcher
	d.Handle(dispatch.Start, "", o.controller.OnStart)
	d.Handle(dispatch.LeaderElected, "", o.controller.OnStart)
	d.Handle(dispatch.UpdateStatus, "", o.controller.OnRelationChanged)

	for _, kind := range []dispatch.Kind{dispatch.RelationJoined, dispatch.RelationChanged, dispatch.RelationDeparted} {
		d.Handle(kind, constants.PeerEndpoint, o.controller.OnPeerChanged)
		d.Handle(kind, constants.PeerEndpoint, o.controller.OnRelationChanged)
		d.Handle(kind, constants.AsyncPrimaryEndpoint, o.controller.OnRelationChanged)
		d.Handle(kind, constants.AsyncStandbyEndpoint, o.controller.OnRelationChanged)
		d.Handle(kind, constants.LogicalOfferEndpoint, o.publisher.OnOfferChanged)
		d.Handle(kind, constants.LogicalEndpoint, o.subscriber.OnRelationChanged)
	}
	d.Handle(dispatch.RelationBroken, constants.AsyncPrimaryEndpoint, o.controller.OnRelationBroken)
	d.Handle(dispatch.RelationBroken, constants.AsyncStandbyEndpoint, o.controller.OnRelationBroken)

	d.Observe(o.blocked.observe)
}

// Run delivers events until ctx ends. It returns nil on cancellation.
func (o *Operator) Run(ctx context.Context) error {
	o.logger.InfoContext(ctx, "operator starting", "endpoint", o.cfg.GetEndpoint())
	defer o.queue.Close()

	g, ctx := errgroup.WithContext(ctx)
	o.dispatcher.Push(dispatch.Event{Kind: dispatch.Start})

	g.Go(func() error { return o.dispatcher.Run(ctx) })
	g.Go(func() error { return o.watcher.run(ctx) })
	g.Go(func() error {
		runner := timer.NewPeriodicRunner(o.cfg.GetUpdateStatusInterval())
		return runner.Run(ctx, func(context.Context) {
			o.dispatcher.Push(dispatch.Event{Kind: dispatch.UpdateStatus})
		})
	})
	if o.reloads != nil {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-o.reloads:
					o.logger.InfoContext(ctx, "configuration reloaded", "membership_urls", o.cfg.GetMembershipURLs())
					o.dispatcher.Push(dispatch.Event{Kind: dispatch.UpdateStatus})
				}
			}
		})
	}
	if o.health != nil {
		o.health.SetServing(true)
		g.Go(func() error {
			return o.health.Serve(ctx, o.cfg.GetHealthBindAddress(), o.cfg.GetHealthPort(), nil)
		})
	}
	if o.campaigner != nil {
		g.Go(func() error {
			o.campaigner.Observe(ctx, func(leader string) {
				if leader == o.store.LocalUnit() {
					o.dispatcher.Push(dispatch.Event{Kind: dispatch.LeaderElected})
				}
			})
			return ctx.Err()
		})
		g.Go(func() error {
			if err := o.campaigner.Campaign(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	err := g.Wait()
	o.logger.Info("operator stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// PromoteToPrimary runs the promote-to-primary action.
func (o *Operator) PromoteToPrimary(ctx context.Context) *action.Results {
	res := action.New("promote-to-primary")
	o.controller.PromoteToPrimary(ctx, res)
	return res
}

// Subscribe runs the subscribe action against publisher.
func (o *Operator) Subscribe(ctx context.Context, publisher string, req logicalreplication.Request) *action.Results {
	res := action.New("subscribe")
	o.subscriber.Subscribe(ctx, res, publisher, req)
	return res
}
