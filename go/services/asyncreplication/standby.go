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

package asyncreplication

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/multigres/pgoperator/go/common/databag"
	"github.com/multigres/pgoperator/go/common/leadership"
	"github.com/multigres/pgoperator/go/common/secrets"
	"github.com/multigres/pgoperator/go/common/workload"
	"github.com/multigres/pgoperator/go/services/dispatch"
)

// onStandbyRelationChanged runs on the cluster that follows the elected one.
// Every unit announces itself to the primary. Once the primary is ready the
// leader copies its credentials and starts a coordinated restart of the
// whole cluster.
func (c *Controller) onStandbyRelationChanged(ctx context.Context, v *databag.View, e Elected) error {
	peerID, err := c.peerRelation(ctx)
	if err != nil {
		return err
	}
	own := v.Own()
	if own[keyUnitAddress] != c.cfg.Address {
		if err := c.store.SetOwn(ctx, v.Relation.ID, func(b databag.Bag) {
			b[keyUnitAddress] = c.cfg.Address
		}); err != nil {
			return err
		}
		return dispatch.Deferf("published address %s to %s", c.cfg.Address, e.App)
	}

	h, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	if h != nil {
		if err := c.publishStandbyUnits(ctx, h, peerID, v.Relation.ID); err != nil {
			return err
		}
	}

	counter := strconv.Itoa(e.PromotedCounter)
	if v.App(e.App)[keyPrimaryClusterReady] != counter {
		return dispatch.Deferf("waiting for primary cluster %s", e.App)
	}

	if err := c.publishSystemID(ctx, v); err != nil {
		return err
	}
	if h == nil {
		return nil
	}

	app, err := c.store.GetApp(ctx, peerID, c.store.LocalApp())
	if err != nil {
		return err
	}
	if app[keySecretsCopied] != counter {
		if err := c.copySecrets(ctx, e); err != nil {
			return err
		}
		if err := c.store.SetApp(ctx, h, peerID, func(b databag.Bag) {
			b[keySecretsCopied] = counter
		}); err != nil {
			return err
		}
	}
	if app[keyStandbyInitialized] == counter || app[keyCoordinatedCounter] == counter {
		return nil
	}

	b, err := c.ensureBarrier(ctx)
	if err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "coordinating standby restart", "primary", e.App, "promoted_counter", e.PromotedCounter)
	if err := b.Coordinate(ctx, h); err != nil {
		return err
	}
	return c.store.SetApp(ctx, h, peerID, func(b databag.Bag) {
		b[keyCoordinatedCounter] = counter
		b[keyClusterInitialized] = "false"
	})
}

// publishStandbyUnits lists the cluster's units so the primary knows whose
// addresses to wait for.
func (c *Controller) publishStandbyUnits(ctx context.Context, h *leadership.Handle, peerID, relID int) error {
	peers, err := c.store.View(ctx, peerID)
	if err != nil {
		return err
	}
	units := strings.Join(peers.UnitsOf(c.store.LocalApp()), ",")
	return c.store.SetApp(ctx, h, relID, func(b databag.Bag) {
		b[keyStandbyUnits] = units
	})
}

func (c *Controller) publishSystemID(ctx context.Context, v *databag.View) error {
	initialized, err := c.dataDir.Initialized()
	if err != nil || !initialized {
		return err
	}
	id, err := c.db.SystemIdentifier(ctx)
	if err != nil {
		return err
	}
	if v.Own()[keySystemID] == id {
		return nil
	}
	return c.store.SetOwn(ctx, v.Relation.ID, func(b databag.Bag) {
		b[keySystemID] = id
	})
}

// copySecrets replaces the cluster's credentials with the primary's.
func (c *Controller) copySecrets(ctx context.Context, e Elected) error {
	values, err := c.secrets.GetAll(ctx, e.SecretID)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return dispatch.Deferf("no secrets shared by %s yet", e.App)
	}
	c.logger.InfoContext(ctx, "copying credentials of the primary cluster", "scope", e.SecretID)
	return c.secrets.SetAll(ctx, c.store.LocalApp(), values)
}

// standbyElected returns the elected data when this cluster is a standby, or
// nil.
func (c *Controller) standbyElected(ctx context.Context) (*Elected, error) {
	_, e, err := c.elected(ctx)
	if err != nil || e == nil || e.App == c.store.LocalApp() {
		return nil, err
	}
	return e, nil
}

// OnCoordinationRequested stops the unit and sets aside a data directory
// whose history diverged from the primary's.
func (c *Controller) OnCoordinationRequested(ctx context.Context) error {
	if err := c.db.Stop(ctx); err != nil {
		return err
	}
	e, err := c.standbyElected(ctx)
	if err != nil || e == nil {
		return err
	}
	_, err = c.archiveIfDiverged(ctx, *e)
	return err
}

// archiveIfDiverged reports whether the local data directory had to be
// archived. An empty data directory has nothing to compare.
func (c *Controller) archiveIfDiverged(ctx context.Context, e Elected) (bool, error) {
	initialized, err := c.dataDir.Initialized()
	if err != nil || !initialized {
		return false, err
	}
	id, err := c.db.SystemIdentifier(ctx)
	if err != nil {
		return false, err
	}
	if id == e.SystemID {
		return false, nil
	}
	c.logger.WarnContext(ctx, "data directory diverged from the primary cluster",
		"system_id", id, "primary_system_id", e.SystemID)
	location, err := c.archiver.Archive(ctx, c.dataDir)
	if err != nil {
		return false, fmt.Errorf("archiving diverged data directory: %w", err)
	}
	c.logger.InfoContext(ctx, "archived diverged data directory", "location", location)
	return true, nil
}

// OnCoordinationApproved restarts the unit as a standby of the elected
// cluster once every unit stopped. The leader then verifies it leads the
// standby cluster and that its history matches the primary before the
// cluster counts as initialized.
//
// A round whose elected cluster vanished, because the replication relation
// was removed after the units stopped, brings the units back standalone.
func (c *Controller) OnCoordinationApproved(ctx context.Context) error {
	e, err := c.standbyElected(ctx)
	if err != nil {
		return err
	}
	peerID, err := c.peerRelation(ctx)
	if err != nil {
		return err
	}
	h, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	if e == nil {
		c.logger.WarnContext(ctx, "no primary cluster elected at approval, restarting standalone")
		if err := c.resumeStandalone(ctx); err != nil {
			return err
		}
		return c.resetCluster(ctx, h, peerID)
	}
	if h != nil {
		n, err := c.records.RemoveClusterRecords(ctx)
		if err != nil {
			return fmt.Errorf("removing stale cluster records: %w", err)
		}
		c.logger.InfoContext(ctx, "removed stale cluster records", "count", n)
	}

	if _, err := c.configurer.Configure(ctx, ReplicationConfig{Role: RoleStandby, PrimaryEndpoint: e.Endpoint}); err != nil {
		return err
	}
	if err := c.startStandby(ctx, *e); err != nil {
		return err
	}
	if err := c.settle(ctx, peerID, RoleStandby, EventRemotePromoted); err != nil {
		return err
	}
	if h == nil {
		return nil
	}

	if !c.membership.MemberStarted(ctx, c.cfg.ReadyTimeout) {
		return dispatch.Deferf("member %s did not start", c.cfg.MemberName)
	}
	leader, err := c.membership.GetPrimary(ctx)
	if err != nil {
		return err
	}
	if leader != c.cfg.MemberName {
		return dispatch.Deferf("%s leads the standby cluster, not %s", leader, c.cfg.MemberName)
	}
	if err := c.verifySystemID(ctx, *e); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "standby cluster initialized", "primary", e.App, "promoted_counter", e.PromotedCounter)
	return c.store.SetApp(ctx, h, peerID, func(b databag.Bag) {
		b[keyClusterInitialized] = "true"
		b[keyStandbyInitialized] = strconv.Itoa(e.PromotedCounter)
	})
}

// verifySystemID recreates the data directory once more when the restarted
// standby still does not share the primary's history.
func (c *Controller) verifySystemID(ctx context.Context, e Elected) error {
	id, err := c.db.SystemIdentifier(ctx)
	if err != nil {
		return err
	}
	if id == e.SystemID {
		return nil
	}

	c.logger.WarnContext(ctx, "standby leader diverged after restart, recreating", "system_id", id, "primary_system_id", e.SystemID)
	if err := c.db.Stop(ctx); err != nil {
		return err
	}
	if _, err := c.archiveIfDiverged(ctx, e); err != nil {
		return err
	}
	if err := c.startStandby(ctx, e); err != nil {
		return err
	}
	if id, err = c.db.SystemIdentifier(ctx); err != nil {
		return err
	}
	if id != e.SystemID {
		return dispatch.Deferf("system identifier %s still differs from primary %s", id, e.SystemID)
	}
	return nil
}

// startStandby clones an empty data directory from the primary and starts
// the workload if it is not running.
func (c *Controller) startStandby(ctx context.Context, e Elected) error {
	initialized, err := c.dataDir.Initialized()
	if err != nil {
		return err
	}
	if !initialized {
		src, err := c.source(ctx, e)
		if err != nil {
			return err
		}
		c.logger.InfoContext(ctx, "cloning data directory from the primary cluster", "host", src.Host, "port", src.Port)
		if err := c.db.Clone(ctx, src); err != nil {
			return err
		}
	}
	running, err := c.db.IsRunning(ctx)
	if err != nil || running {
		return err
	}
	return c.db.Start(ctx)
}

func (c *Controller) source(ctx context.Context, e Elected) (workload.Source, error) {
	host, port, err := splitEndpoint(e.Endpoint)
	if err != nil {
		return workload.Source{}, err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return workload.Source{}, fmt.Errorf("invalid port in %q: %w", e.Endpoint, err)
	}
	password, err := c.secrets.Get(ctx, c.store.LocalApp(), ReplicationPasswordKey)
	if errors.Is(err, secrets.ErrNotFound) {
		return workload.Source{}, dispatch.Deferf("replication password of %s not copied yet", e.App)
	}
	if err != nil {
		return workload.Source{}, err
	}
	return workload.Source{Host: host, Port: p, User: c.cfg.ReplicationUser, Password: password}, nil
}
