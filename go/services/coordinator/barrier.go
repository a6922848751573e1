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

// Package coordinator implements a leader-driven barrier over the peer
// relation's data bags. The leader starts a round by bumping a counter;
// every member acknowledges once its local work is done; the leader flips
// the round to approved when every acknowledgement matches the counter.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/multigres/pgoperator/go/common/databag"
	"github.com/multigres/pgoperator/go/common/leadership"
)

// MaxCounter is the largest round number. The round after it is 0.
const MaxCounter = 10_000_000

// noAck is the acknowledgement of a member that never acknowledged.
const noAck = -1

// Notification is what a member learns from observing the barrier.
type Notification int

const (
	NotifyNone Notification = iota
	NotifyRequested
	NotifyApproved
)

func (n Notification) String() string {
	switch n {
	case NotifyRequested:
		return "requested"
	case NotifyApproved:
		return "approved"
	default:
		return "none"
	}
}

// State is a snapshot of one barrier.
type State struct {
	// Started is false until the first round.
	Started  bool
	Counter  int
	Approved bool
	// Acks maps every observed member to its acknowledged round, or -1.
	Acks  map[string]int
	Phase Phase
}

// Pending reports whether the current round awaits approval.
func (s State) Pending() bool {
	return s.Started && !s.Approved
}

// Barrier is one (scope, tag) barrier. Scope is the peer relation id.
type Barrier struct {
	logger     *slog.Logger
	store      databag.PeerStore
	leader     leadership.Checker
	metrics    *Metrics
	relationID int
	tag        string
}

func NewBarrier(logger *slog.Logger, store databag.PeerStore, leader leadership.Checker, metrics *Metrics, relationID int, tag string) *Barrier {
	if metrics == nil {
		metrics = noopMetrics()
	}
	return &Barrier{
		logger:     logger.With("barrier", tag, "relation_id", relationID),
		store:      store,
		leader:     leader,
		metrics:    metrics,
		relationID: relationID,
		tag:        tag,
	}
}

func (b *Barrier) Tag() string     { return b.tag }
func (b *Barrier) RelationID() int { return b.relationID }

func (b *Barrier) counterKey() string  { return "coord-" + b.tag + "-counter" }
func (b *Barrier) approvedKey() string { return "coord-" + b.tag + "-approved" }
func (b *Barrier) ackKey() string      { return "coord-" + b.tag + "-ack" }
func (b *Barrier) phaseKey() string    { return "coord-" + b.tag + "-phase" }

// Coordinate starts a new round. Only the leader can call it; a handle whose
// leadership has lapsed makes it a no-op.
func (b *Barrier) Coordinate(ctx context.Context, h *leadership.Handle) error {
	var (
		counter  int
		parseErr error
	)
	err := b.store.SetApp(ctx, h, b.relationID, func(bag databag.Bag) {
		current, err := parseInt(bag[b.counterKey()])
		if err != nil {
			parseErr = err
			return
		}
		counter = current + 1
		if counter > MaxCounter {
			counter = 0
		}
		bag[b.counterKey()] = strconv.Itoa(counter)
		bag[b.approvedKey()] = "false"
	})
	if errors.Is(err, leadership.ErrNotLeader) {
		b.logger.DebugContext(ctx, "not coordinating, leadership lost")
		return nil
	}
	if err == nil {
		err = parseErr
	}
	if err != nil {
		return fmt.Errorf("starting round of %s: %w", b.tag, err)
	}
	b.metrics.rounds.Add(ctx, b.tag, "started")
	b.logger.InfoContext(ctx, "coordination round started", "counter", counter)
	return nil
}

// Acknowledge records that the local member finished its work for the
// current round. If the member is the leader it also tries to approve the
// round. It returns whether the round is approved.
func (b *Barrier) Acknowledge(ctx context.Context) (bool, error) {
	st, err := b.State(ctx)
	if err != nil {
		return false, err
	}
	if !st.Started {
		return false, nil
	}

	err = b.store.SetOwn(ctx, b.relationID, func(bag databag.Bag) {
		bag[b.ackKey()] = strconv.Itoa(st.Counter)
		if st.Phase != PhaseWaitingApproval && !st.Approved {
			bag[b.phaseKey()] = PhaseWaitingApproval.String()
		}
	})
	if err != nil {
		return false, fmt.Errorf("acknowledging round %d of %s: %w", st.Counter, b.tag, err)
	}

	approved, isLeader, err := b.ApproveIfLeader(ctx)
	if err != nil || !isLeader {
		return st.Approved, err
	}
	return approved, nil
}

// ApproveIfLeader runs TryApprove when the local unit is the leader.
func (b *Barrier) ApproveIfLeader(ctx context.Context) (approved, isLeader bool, err error) {
	h, err := leadership.Acquire(ctx, b.store.LocalUnit(), b.leader)
	if errors.Is(err, leadership.ErrNotLeader) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	approved, err = b.TryApprove(ctx, h)
	return approved, true, err
}

// TryApprove approves the current round if every member acknowledged it.
// Otherwise it leaves the round pending; the next peer change retries.
func (b *Barrier) TryApprove(ctx context.Context, h *leadership.Handle) (bool, error) {
	st, err := b.State(ctx)
	if err != nil {
		return false, err
	}
	if !st.Started {
		return false, nil
	}
	if st.Approved {
		return true, nil
	}
	for unit, ack := range st.Acks {
		if ack != st.Counter {
			b.logger.DebugContext(ctx, "round not acknowledged by every member yet", "counter", st.Counter, "waiting_for", unit, "ack", ack)
			return false, nil
		}
	}

	approved := false
	err = b.store.SetApp(ctx, h, b.relationID, func(bag databag.Bag) {
		// A round started since the scan must not be approved by it.
		if bag[b.counterKey()] != strconv.Itoa(st.Counter) {
			return
		}
		bag[b.approvedKey()] = "true"
		approved = true
	})
	if errors.Is(err, leadership.ErrNotLeader) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("approving round %d of %s: %w", st.Counter, b.tag, err)
	}
	if approved {
		b.metrics.rounds.Add(ctx, b.tag, "approved")
		b.logger.InfoContext(ctx, "coordination round approved", "counter", st.Counter)
	}
	return approved, nil
}

// IsPending reports whether the current round awaits approval.
func (b *Barrier) IsPending(ctx context.Context) (bool, error) {
	st, err := b.State(ctx)
	if err != nil {
		return false, err
	}
	return st.Pending(), nil
}

// Observe advances the local member's phase from the shared state and
// returns what the member should do. Requested is returned on every
// observation until the member acknowledges; Approved is returned until
// Complete is called.
func (b *Barrier) Observe(ctx context.Context) (Notification, error) {
	st, err := b.State(ctx)
	if err != nil {
		return NotifyNone, err
	}
	own := st.Acks[b.store.LocalUnit()]

	switch {
	case !st.Started:
		return NotifyNone, nil
	case !st.Approved && own != st.Counter:
		if st.Phase != PhaseRequested {
			if err := b.setPhase(ctx, st.Phase, PhaseRequested); err != nil {
				return NotifyNone, err
			}
		}
		return NotifyRequested, nil
	case st.Approved && own == st.Counter && st.Phase == PhaseWaitingApproval:
		return NotifyApproved, nil
	}
	return NotifyNone, nil
}

// Complete ends the local member's round after its approved work succeeded.
func (b *Barrier) Complete(ctx context.Context) error {
	st, err := b.State(ctx)
	if err != nil {
		return err
	}
	return b.setPhase(ctx, st.Phase, PhaseIdle)
}

func (b *Barrier) setPhase(ctx context.Context, from, to Phase) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("barrier %s: illegal phase transition %s -> %s", b.tag, from, to)
	}
	return b.store.SetOwn(ctx, b.relationID, func(bag databag.Bag) {
		bag[b.phaseKey()] = to.String()
	})
}

// State reads the barrier from the peer relation. Members are the units of
// the local application that have a bag, plus the local unit.
func (b *Barrier) State(ctx context.Context) (State, error) {
	view, err := b.store.View(ctx, b.relationID)
	if err != nil {
		return State{}, err
	}
	app := view.App(b.store.LocalApp())

	st := State{Acks: make(map[string]int)}
	if raw, ok := app[b.counterKey()]; ok {
		if st.Counter, err = parseInt(raw); err != nil {
			return State{}, fmt.Errorf("barrier %s counter: %w", b.tag, err)
		}
		st.Started = true
	}
	st.Approved = st.Started && app[b.approvedKey()] == "true"

	for _, unit := range view.UnitsOf(b.store.LocalApp()) {
		ack := noAck
		if raw, ok := view.Unit(unit)[b.ackKey()]; ok {
			if ack, err = parseInt(raw); err != nil {
				return State{}, fmt.Errorf("barrier %s ack of %s: %w", b.tag, unit, err)
			}
		}
		st.Acks[unit] = ack
	}
	if st.Phase, err = ParsePhase(view.Own()[b.phaseKey()]); err != nil {
		return State{}, err
	}
	return st, nil
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
