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

// Package dispatch delivers operator events to handlers one at a time. A
// handler that cannot make progress yet returns a DeferError and the event
// is delivered again after a backoff.
package dispatch

import (
	"errors"
	"fmt"
	"strconv"
)

// Kind names an event type.
type Kind string

const (
	Start            Kind = "start"
	LeaderElected    Kind = "leader-elected"
	UpdateStatus     Kind = "update-status"
	RelationJoined   Kind = "relation-joined"
	RelationChanged  Kind = "relation-changed"
	RelationDeparted Kind = "relation-departed"
	RelationBroken   Kind = "relation-broken"
)

// Event is one notification. Relation events carry the relation id and the
// endpoint the local application joined it with.
type Event struct {
	Kind       Kind
	Endpoint   string
	RelationID int
	// Unit is the remote unit whose bag triggered the event, if any. It is
	// informational: pending events for the same key are merged.
	Unit string
}

// Key identifies events that may be merged while waiting in the queue.
func (e Event) Key() string {
	if e.Endpoint == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + "/" + e.Endpoint + "/" + strconv.Itoa(e.RelationID)
}

func (e Event) String() string {
	return e.Key()
}

// DeferError asks the dispatcher to deliver the event again later. It is a
// normal outcome, logged at debug level.
type DeferError struct {
	Reason string
}

func (e *DeferError) Error() string {
	return "deferred: " + e.Reason
}

// Deferf returns a DeferError with a formatted reason.
func Deferf(format string, args ...any) error {
	return &DeferError{Reason: fmt.Sprintf(format, args...)}
}

// IsDefer reports whether err asks for redelivery.
func IsDefer(err error) bool {
	var d *DeferError
	return errors.As(err, &d)
}
