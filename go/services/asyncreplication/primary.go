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
	"strconv"
	"strings"

	"github.com/multigres/pgoperator/go/common/databag"
	"github.com/multigres/pgoperator/go/services/dispatch"
)

// standbyAddresses returns the address of every unit the standby cluster
// listed, or a deferral while one is missing.
func standbyAddresses(v *databag.View, remote string) ([]string, error) {
	listed := v.App(remote)[keyStandbyUnits]
	if listed == "" {
		return nil, dispatch.Deferf("waiting for %s to list its units", remote)
	}
	var addrs []string
	for _, u := range strings.Split(listed, ",") {
		addr := v.Unit(u)[keyUnitAddress]
		if addr == "" {
			return nil, dispatch.Deferf("waiting for %s to publish its address", u)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// onPrimaryRelationChanged runs on the elected cluster. Its leader restarts
// the workload with the standbys admitted and then announces the cluster
// ready. The other units only refresh their access rules.
func (c *Controller) onPrimaryRelationChanged(ctx context.Context, v *databag.View, e Elected) error {
	peerID, err := c.peerRelation(ctx)
	if err != nil {
		return err
	}
	local := c.store.LocalApp()
	addrs, err := standbyAddresses(v, v.Relation.RemoteApp(local))
	if err != nil {
		return err
	}
	cfg := ReplicationConfig{Role: RolePrimary, StandbyAddresses: addrs}

	h, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	counter := strconv.Itoa(e.PromotedCounter)
	if h == nil || v.App(local)[keyPrimaryClusterReady] == counter {
		changed, err := c.configurer.Configure(ctx, cfg)
		if err != nil {
			return err
		}
		if changed {
			if err := c.membership.Reload(ctx); err != nil {
				return err
			}
		}
		return c.settle(ctx, peerID, RolePrimary, EventPromote)
	}

	c.logger.InfoContext(ctx, "restarting primary cluster for standbys", "standbys", addrs)
	if err := c.db.Stop(ctx); err != nil {
		return err
	}
	if _, err := c.configurer.Configure(ctx, cfg); err != nil {
		return err
	}
	if err := c.db.Start(ctx); err != nil {
		return err
	}
	if err := c.store.SetApp(ctx, h, v.Relation.ID, func(b databag.Bag) {
		b[keyPrimaryClusterReady] = counter
	}); err != nil {
		return err
	}
	return c.settle(ctx, peerID, RolePrimary, EventPromote)
}
