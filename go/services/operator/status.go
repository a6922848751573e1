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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/multigres/pgoperator/go/common/databag"
	"github.com/multigres/pgoperator/go/common/servenv"
	"github.com/multigres/pgoperator/go/services/dispatch"
)

// Unit status values. A unit that never published a status is unknown.
const (
	StatusActive  = "active"
	StatusWaiting = "waiting"
	StatusBlocked = "blocked"
	StatusUnknown = "unknown"
)

func statusPath(unit string) string {
	return path.Join("status", unit)
}

// unitStatus is what a running operator publishes at statusPath.
type unitStatus struct {
	Status   string   `json:"status"`
	Messages []string `json:"messages,omitempty"`
}

func readUnitStatus(ctx context.Context, conn databag.Conn, unit string) (unitStatus, error) {
	data, _, err := conn.Get(ctx, statusPath(unit))
	if databag.IsErrType(err, databag.NoNode) {
		return unitStatus{Status: StatusUnknown}, nil
	}
	if err != nil {
		return unitStatus{}, err
	}
	var st unitStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return unitStatus{}, fmt.Errorf("decoding status of %s: %w", unit, err)
	}
	return st, nil
}

type blockedEvent struct {
	ev     dispatch.Event
	reason string
}

// blockedTracker remembers events whose last delivery failed fatally. The
// unit is blocked while any remain; a later successful delivery of the same
// event, or the relation breaking, clears them. Every change is published
// to the data plane and to the health service.
type blockedTracker struct {
	logger *slog.Logger
	conn   databag.Conn
	unit   string
	health *servenv.HealthServer

	mu        sync.Mutex
	blocked   map[string]blockedEvent
	deferred  map[string]string
	published *unitStatus
}

func newBlockedTracker(logger *slog.Logger, conn databag.Conn, unit string, health *servenv.HealthServer) *blockedTracker {
	return &blockedTracker{
		logger:   logger,
		conn:     conn,
		unit:     unit,
		health:   health,
		blocked:  make(map[string]blockedEvent),
		deferred: make(map[string]string),
	}
}

func (b *blockedTracker) observe(ctx context.Context, ev dispatch.Event, outcome dispatch.Outcome, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := ev.Key()
	switch outcome {
	case dispatch.Failed:
		b.blocked[key] = blockedEvent{ev: ev, reason: err.Error()}
		delete(b.deferred, key)
	case dispatch.Deferred:
		b.deferred[key] = err.Error()
	case dispatch.Handled:
		delete(b.blocked, key)
		delete(b.deferred, key)
	}
	if ev.Kind == dispatch.RelationBroken && outcome != dispatch.Failed {
		for k, be := range b.blocked {
			if be.ev.RelationID == ev.RelationID && be.ev.Endpoint == ev.Endpoint {
				delete(b.blocked, k)
			}
		}
		for k := range b.deferred {
			if strings.HasSuffix(k, "/"+ev.Endpoint+"/"+strconv.Itoa(ev.RelationID)) {
				delete(b.deferred, k)
			}
		}
	}
	if b.health != nil {
		b.health.SetServing(len(b.blocked) == 0)
	}
	b.publish(ctx, b.stateLocked())
}

func (b *blockedTracker) stateLocked() unitStatus {
	if len(b.blocked) > 0 {
		st := unitStatus{Status: StatusBlocked}
		for _, k := range slices.Sorted(maps.Keys(b.blocked)) {
			st.Messages = append(st.Messages, k+": "+b.blocked[k].reason)
		}
		return st
	}
	if len(b.deferred) > 0 {
		st := unitStatus{Status: StatusWaiting}
		for _, k := range slices.Sorted(maps.Keys(b.deferred)) {
			st.Messages = append(st.Messages, k+": "+b.deferred[k])
		}
		return st
	}
	return unitStatus{Status: StatusActive}
}

func (b *blockedTracker) publish(ctx context.Context, st unitStatus) {
	if b.published != nil && b.published.Status == st.Status && slices.Equal(b.published.Messages, st.Messages) {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if _, err := b.conn.Update(ctx, statusPath(b.unit), data, nil); err != nil {
		b.logger.WarnContext(ctx, "failed to publish unit status", "status", st.Status, "error", err)
		return
	}
	if st.Status != StatusActive && (b.published == nil || b.published.Status != st.Status) {
		b.logger.InfoContext(ctx, "unit status changed", "status", st.Status, "messages", st.Messages)
	}
	b.published = &st
}

// Report is the status of one unit.
type Report struct {
	Unit          string               `yaml:"unit"`
	Leader        bool                 `yaml:"leader"`
	Status        string               `yaml:"status"`
	Messages      []string             `yaml:"messages,omitempty"`
	Replication   ReplicationReport    `yaml:"replication"`
	Subscriptions []SubscriptionReport `yaml:"subscriptions,omitempty"`
}

// ReplicationReport is the cross-cluster replication state.
type ReplicationReport struct {
	Role            string `yaml:"role"`
	AppliedRole     string `yaml:"applied-role"`
	Initialized     bool   `yaml:"initialized"`
	Primary         string `yaml:"primary,omitempty"`
	PrimaryEndpoint string `yaml:"primary-endpoint,omitempty"`
	PromotedCounter int    `yaml:"promoted-counter,omitempty"`
}

// SubscriptionReport is one logical replication subscription.
type SubscriptionReport struct {
	RelationID int               `yaml:"relation-id"`
	Publisher  string            `yaml:"publisher"`
	Database   string            `yaml:"database,omitempty"`
	Tables     []string          `yaml:"tables,omitempty"`
	Chains     map[string]string `yaml:"chains,omitempty"`
	Error      string            `yaml:"error,omitempty"`
}

// Status collects the unit's report.
func (o *Operator) Status(ctx context.Context) (*Report, error) {
	leader, err := o.leader.IsLeader(ctx)
	if err != nil {
		return nil, err
	}
	st, err := o.controller.Status(ctx)
	if err != nil {
		return nil, err
	}
	r := &Report{
		Unit:   o.store.LocalUnit(),
		Leader: leader,
		Replication: ReplicationReport{
			Role:        st.Role.String(),
			AppliedRole: st.Applied.String(),
			Initialized: st.Initialized,
		},
	}
	us, err := readUnitStatus(ctx, o.conn, r.Unit)
	if err != nil {
		return nil, err
	}
	r.Status, r.Messages = us.Status, us.Messages
	if e := st.Elected; e != nil {
		r.Replication.Primary = e.App
		r.Replication.PrimaryEndpoint = e.Endpoint
		r.Replication.PromotedCounter = e.PromotedCounter
	}

	subs, err := o.graph.Subscriptions(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range subs {
		sr := SubscriptionReport{RelationID: s.RelationID, Publisher: s.Publisher, Error: s.Error}
		if s.Request != nil {
			sr.Database = s.Request.Database
			sr.Tables = s.Request.Tables
			for _, table := range s.Request.Tables {
				chain, ok := s.Chains.Get(s.Request.Database, table)
				if !ok {
					continue
				}
				if sr.Chains == nil {
					sr.Chains = map[string]string{}
				}
				hops := make([]string, len(chain))
				for i, id := range chain {
					hops[i] = string(id)
				}
				sr.Chains[table] = strings.Join(hops, " -> ")
			}
		}
		r.Subscriptions = append(r.Subscriptions, sr)
	}
	return r, nil
}

// Render writes the report as YAML.
func (r *Report) Render(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return err
	}
	return enc.Close()
}
