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

// Package leadership answers "is this unit the leader of its application"
// and hands out Handles, the capability required by every leader-only write.
package leadership

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrNotLeader is returned when leadership is required but not held.
var ErrNotLeader = errors.New("unit is not the leader")

// Checker reports whether the local unit currently holds leadership. It is
// queried at every point of use; results must not be cached by callers.
type Checker interface {
	IsLeader(ctx context.Context) (bool, error)
}

// Handle proves leadership was confirmed when it was acquired. Only Acquire
// can construct one.
type Handle struct {
	unit    string
	checker Checker
}

// Acquire returns a Handle if unit is currently the leader, and ErrNotLeader
// otherwise.
func Acquire(ctx context.Context, unit string, c Checker) (*Handle, error) {
	ok, err := c.IsLeader(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking leadership of %s: %w", unit, err)
	}
	if !ok {
		return nil, ErrNotLeader
	}
	return &Handle{unit: unit, checker: c}, nil
}

// Unit is the name of the unit that holds leadership.
func (h *Handle) Unit() string {
	return h.unit
}

// Confirm re-queries leadership. Writers call it right before mutating shared
// state so a handle that outlived its leadership cannot write.
func (h *Handle) Confirm(ctx context.Context) error {
	if h == nil {
		return ErrNotLeader
	}
	ok, err := h.checker.IsLeader(ctx)
	if err != nil {
		return fmt.Errorf("confirming leadership of %s: %w", h.unit, err)
	}
	if !ok {
		return ErrNotLeader
	}
	return nil
}

// Static is a Checker whose answer is set explicitly. It serves single-unit
// deployments and tests.
type Static struct {
	leader atomic.Bool
}

func NewStatic(leader bool) *Static {
	s := &Static{}
	s.leader.Store(leader)
	return s
}

// Set changes the answer returned by IsLeader.
func (s *Static) Set(leader bool) {
	s.leader.Store(leader)
}

func (s *Static) IsLeader(context.Context) (bool, error) {
	return s.leader.Load(), nil
}
