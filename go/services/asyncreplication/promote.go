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

	"github.com/google/uuid"

	"github.com/multigres/pgoperator/go/common/action"
	"github.com/multigres/pgoperator/go/common/constants"
	"github.com/multigres/pgoperator/go/common/databag"
	"github.com/multigres/pgoperator/go/common/mterrors"
	"github.com/multigres/pgoperator/go/common/secrets"
)

// PromoteToPrimary elects this cluster primary on the replication relation.
// Failures are reported on res and never returned.
func (c *Controller) PromoteToPrimary(ctx context.Context, res *action.Results) {
	if err := c.promote(ctx, res); err != nil {
		c.logger.WarnContext(ctx, "promote-to-primary failed", "error", err)
		res.Fail(err.Error())
	}
}

func (c *Controller) promote(ctx context.Context, res *action.Results) error {
	rel, ok, err := c.crossRelation(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return mterrors.PGO2004(constants.AsyncPrimaryEndpoint + "/" + constants.AsyncStandbyEndpoint)
	}
	h, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	if h == nil {
		return mterrors.PGO2003(c.store.LocalUnit())
	}

	peerID, err := c.peerRelation(ctx)
	if err != nil {
		return err
	}
	local := c.store.LocalApp()
	app, err := c.store.GetApp(ctx, peerID, local)
	if err != nil {
		return err
	}
	if app[keyClusterInitialized] != "true" {
		return mterrors.PGO2002()
	}
	running, err := c.db.IsRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		return mterrors.PGO2005()
	}

	v, err := c.store.View(ctx, rel.ID)
	if err != nil {
		return err
	}
	e, err := electedIn(v)
	if err != nil {
		return err
	}
	if e != nil {
		if e.App == local {
			return mterrors.AlreadyPrimary("this cluster is already the primary cluster")
		}
		return mterrors.AlreadyPrimary(fmt.Sprintf("%s is already the primary cluster", e.App))
	}
	applied, err := c.appliedRole(ctx, peerID)
	if err != nil {
		return err
	}
	if _, ok := NextRole(applied, EventPromote); !ok {
		return mterrors.AlreadyPrimary(fmt.Sprintf("this cluster still runs as %s", applied))
	}

	id, err := c.db.SystemIdentifier(ctx)
	if err != nil {
		return fmt.Errorf("reading system identifier: %w", err)
	}
	if err := c.ensureReplicationPassword(ctx); err != nil {
		return err
	}

	counter := nextPromotedCounter(app, v)
	payload, err := Elected{
		Endpoint:        c.cfg.Endpoint,
		SecretID:        local,
		SystemID:        id,
		PromotedCounter: counter,
		App:             local,
	}.encode()
	if err != nil {
		return err
	}
	if err := c.store.SetApp(ctx, h, peerID, func(b databag.Bag) {
		b[keyPromotedCounter] = strconv.Itoa(counter)
	}); err != nil {
		return err
	}
	if err := c.store.SetApp(ctx, h, rel.ID, func(b databag.Bag) {
		b[keyElected] = payload
		delete(b, keyPrimaryClusterReady)
	}); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "cluster promoted to primary", "system_id", id, "promoted_counter", counter)
	res.SetResults(map[string]any{
		"endpoint":         c.cfg.Endpoint,
		"system-id":        id,
		"promoted-counter": counter,
	})
	return nil
}

// nextPromotedCounter exceeds every promotion this cluster made and every
// readiness marker left on the relation.
func nextPromotedCounter(app databag.Bag, v *databag.View) int {
	highest, _ := strconv.Atoi(app[keyPromotedCounter])
	for _, name := range v.Relation.Apps() {
		if n, err := strconv.Atoi(v.App(name)[keyPrimaryClusterReady]); err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1
}

func (c *Controller) ensureReplicationPassword(ctx context.Context) error {
	_, err := c.secrets.Get(ctx, c.store.LocalApp(), ReplicationPasswordKey)
	if !errors.Is(err, secrets.ErrNotFound) {
		return err
	}
	return c.secrets.Set(ctx, c.store.LocalApp(), ReplicationPasswordKey, uuid.NewString())
}
