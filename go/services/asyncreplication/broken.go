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

	"github.com/multigres/pgoperator/go/common/databag"
	"github.com/multigres/pgoperator/go/common/leadership"
	"github.com/multigres/pgoperator/go/services/dispatch"
)

// OnRelationBroken returns the unit to standalone operation after the
// replication relation is removed. A standby is promoted in place. A unit
// still stopped for a restart round that never finished is started again.
func (c *Controller) OnRelationBroken(ctx context.Context, _ dispatch.Event) error {
	peerID, err := c.peerRelation(ctx)
	if err != nil {
		return err
	}
	applied, err := c.appliedRole(ctx, peerID)
	if err != nil {
		return err
	}

	switch applied {
	case RoleStandalone:
		if err := c.resumeStandalone(ctx); err != nil {
			return err
		}
	case RoleStandby:
		if _, err := c.configurer.Configure(ctx, ReplicationConfig{Role: RoleStandalone}); err != nil {
			return err
		}
		running, err := c.db.IsRunning(ctx)
		if err != nil {
			return err
		}
		if running {
			if err := c.db.Promote(ctx); err != nil {
				return err
			}
		}
	case RolePrimary:
		if _, err := c.configurer.Configure(ctx, ReplicationConfig{Role: RoleStandalone}); err != nil {
			return err
		}
		if err := c.membership.Reload(ctx); err != nil {
			return err
		}
	}
	if err := c.settle(ctx, peerID, RoleStandalone, EventRelationBroken); err != nil {
		return err
	}

	h, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	return c.resetCluster(ctx, h, peerID)
}

// resumeStandalone configures the unit for standalone operation and starts
// the workload if it is stopped. A data directory emptied for a clone that
// never happened gets a new database cluster.
func (c *Controller) resumeStandalone(ctx context.Context) error {
	if _, err := c.configurer.Configure(ctx, ReplicationConfig{Role: RoleStandalone}); err != nil {
		return err
	}
	running, err := c.db.IsRunning(ctx)
	if err != nil || running {
		return err
	}
	initialized, err := c.dataDir.Initialized()
	if err != nil {
		return err
	}
	if !initialized {
		c.logger.WarnContext(ctx, "data directory is empty, initializing a new database cluster")
		if err := c.db.Init(ctx); err != nil {
			return err
		}
	}
	c.logger.InfoContext(ctx, "starting workload standalone")
	return c.db.Start(ctx)
}

// resetCluster clears the per-relation progress of the cluster and marks it
// initialized again. Only the leader writes; h is nil otherwise.
func (c *Controller) resetCluster(ctx context.Context, h *leadership.Handle, peerID int) error {
	if h == nil {
		return nil
	}
	return c.store.SetApp(ctx, h, peerID, func(b databag.Bag) {
		delete(b, keyCoordinatedCounter)
		delete(b, keyStandbyInitialized)
		delete(b, keySecretsCopied)
		b[keyClusterInitialized] = "true"
	})
}
