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

package leadership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Election elects one unit per application through an etcd election under
// <root>/leadership/<app>.
type Election struct {
	logger   *slog.Logger
	unit     string
	session  *concurrency.Session
	election *concurrency.Election
}

// NewElection creates a session with the given TTL (seconds). The unit does
// not campaign until Campaign is called.
func NewElection(cli *clientv3.Client, root, app, unit string, ttl int, logger *slog.Logger) (*Election, error) {
	session, err := concurrency.NewSession(cli, concurrency.WithTTL(ttl))
	if err != nil {
		return nil, fmt.Errorf("creating etcd session: %w", err)
	}
	return &Election{
		logger:   logger,
		unit:     unit,
		session:  session,
		election: concurrency.NewElection(session, electionPrefix(root, app)),
	}, nil
}

func electionPrefix(root, app string) string {
	return root + "/leadership/" + app
}

// Campaign blocks until this unit is elected or ctx is done.
func (e *Election) Campaign(ctx context.Context) error {
	if err := e.election.Campaign(ctx, e.unit); err != nil {
		return fmt.Errorf("campaigning for leadership: %w", err)
	}
	e.logger.InfoContext(ctx, "elected leader", "unit", e.unit)
	return nil
}

// IsLeader implements Checker by reading the current election winner.
func (e *Election) IsLeader(ctx context.Context) (bool, error) {
	resp, err := e.election.Leader(ctx)
	if errors.Is(err, concurrency.ErrElectionNoLeader) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(resp.Kvs) > 0 && string(resp.Kvs[0].Value) == e.unit, nil
}

// Observe calls onChange with the winner every time leadership changes,
// until ctx is done.
func (e *Election) Observe(ctx context.Context, onChange func(leader string)) {
	for resp := range e.election.Observe(ctx) {
		if len(resp.Kvs) == 0 {
			continue
		}
		onChange(string(resp.Kvs[0].Value))
	}
}

// Close resigns (if elected) and ends the session.
func (e *Election) Close(ctx context.Context) error {
	if err := e.election.Resign(ctx); err != nil {
		e.logger.WarnContext(ctx, "failed to resign leadership", "error", err)
	}
	return e.session.Close()
}
