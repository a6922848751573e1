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

// Package mterrors defines the coded errors surfaced by the operator. Each
// code carries a class that tells the event loop how to react to it.
package mterrors

import (
	"errors"
	"fmt"
)

// Class groups errors by the reaction they require.
type Class int

const (
	// ClassUnknown is any error without a code.
	ClassUnknown Class = iota
	// ClassTransient errors are retried with backoff at the call site.
	ClassTransient
	// ClassFatal errors halt automatic progress and block the operator.
	ClassFatal
	// ClassActionFailure errors are reported to the operator who invoked an
	// action and never reach the event loop.
	ClassActionFailure
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	case ClassActionFailure:
		return "action-failure"
	default:
		return "unknown"
	}
}

// Errors added below must also be listed in Errors.

var (
	// PGO1001 two clusters published elected data on the same relation.
	PGO1001 = newCode("PGO1001", ClassFatal, "multiple primaries elected: %s", "More than one cluster published elected data on the replication relation. Remove the relation or the stale elected data manually.")
	// PGO1002 no member reported the leader role.
	PGO1002 = newCode("PGO1002", ClassFatal, "no primary found after querying %d member endpoints", "None of the known members reported a leader role.")
	// PGO1003 a published replication chain would close a cycle.
	PGO1003 = newCode("PGO1003", ClassFatal, "publishing %v would create a replication cycle", "The tables are already replicated from the relation's remote cluster.")
	// PGO1004 the publisher's chains show a requested table originating here.
	PGO1004 = newCode("PGO1004", ClassFatal, "subscribing to %v would create a replication cycle", "The publisher replicates these tables from this cluster. Remove them from the subscription request.")
	// PGO1005 the publisher refused the subscription request.
	PGO1005 = newCode("PGO1005", ClassFatal, "%s rejected the subscription: %s", "Fix the subscription request or the publisher's replication topology.")

	// PGO2001 the cluster is already the elected primary.
	PGO2001 = newCode("PGO2001", ClassActionFailure, "%s", "Another promotion already elected a primary cluster on this relation.")
	// PGO2002 the cluster has not finished initializing.
	PGO2002 = newCode("PGO2002", ClassActionFailure, "cluster not initialized yet", "Wait for the cluster to finish its first start.")
	// PGO2003 the action must run on the leader.
	PGO2003 = newCode("PGO2003", ClassActionFailure, "%s is not the leader", "Run the action on the leader unit.")
	// PGO2004 no cross-cluster relation exists.
	PGO2004 = newCode("PGO2004", ClassActionFailure, "no %s relation", "Relate the two clusters first.")
	// PGO2005 the workload must be running.
	PGO2005 = newCode("PGO2005", ClassActionFailure, "workload is not running", "Start the database before running the action.")
	// PGO2006 a subscription request would close a replication cycle.
	PGO2006 = newCode("PGO2006", ClassActionFailure, "subscribing to %s.%s would create a replication cycle", "The table's replication chain already contains this cluster.")
	// PGO2007 a subscription request names a database or table that does not exist.
	PGO2007 = newCode("PGO2007", ClassActionFailure, "%s does not exist", "Create the database objects on the publisher first.")

	Errors = []func(args ...any) *Error{
		PGO1001, PGO1002, PGO1003, PGO1004, PGO1005,
		PGO2001, PGO2002, PGO2003, PGO2004, PGO2005, PGO2006, PGO2007,
	}
)

// Error is a coded operator error.
type Error struct {
	Err         error
	Description string
	ID          string
	Class       Class
}

func (o *Error) Error() string {
	return o.Err.Error()
}

func (o *Error) Unwrap() error {
	return o.Err
}

// Is matches another *Error with the same ID, so errors.Is works against a
// freshly constructed code.
func (o *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.ID == o.ID
}

var _ error = (*Error)(nil)

func newCode(id string, class Class, short, long string) func(args ...any) *Error {
	return func(args ...any) *Error {
		s := short
		if len(args) != 0 {
			s = fmt.Sprintf(s, args...)
		}
		return &Error{
			Err:         errors.New(id + ": " + s),
			Description: long,
			ID:          id,
			Class:       class,
		}
	}
}

// ClassOf returns the class of the first coded error in err's chain.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassUnknown
}

// IsError reports whether err's chain contains the code id.
func IsError(err error, id string) bool {
	var e *Error
	return errors.As(err, &e) && e.ID == id
}

// MultiplePrimariesElected reports the applications that published elected data.
func MultiplePrimariesElected(apps []string) *Error {
	return PGO1001(fmt.Sprint(apps))
}

// NoPrimaryFound reports that none of n member endpoints named a leader.
func NoPrimaryFound(n int) *Error {
	return PGO1002(n)
}

// AlreadyPrimary carries the human readable reason.
func AlreadyPrimary(reason string) *Error {
	return PGO2001(reason)
}
