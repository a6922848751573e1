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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingChecker struct{}

func (failingChecker) IsLeader(context.Context) (bool, error) {
	return false, errors.New("api unavailable")
}

func TestAcquire(t *testing.T) {
	ctx := context.Background()

	t.Run("leader gets a handle", func(t *testing.T) {
		h, err := Acquire(ctx, "pg/0", NewStatic(true))
		require.NoError(t, err)
		assert.Equal(t, "pg/0", h.Unit())
		assert.NoError(t, h.Confirm(ctx))
	})

	t.Run("follower is refused", func(t *testing.T) {
		h, err := Acquire(ctx, "pg/1", NewStatic(false))
		assert.ErrorIs(t, err, ErrNotLeader)
		assert.Nil(t, h)
	})

	t.Run("checker error is propagated", func(t *testing.T) {
		_, err := Acquire(ctx, "pg/1", failingChecker{})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotLeader)
	})
}

func TestHandleConfirm_LostLeadership(t *testing.T) {
	ctx := context.Background()
	s := NewStatic(true)
	h, err := Acquire(ctx, "pg/0", s)
	require.NoError(t, err)

	s.Set(false)
	assert.ErrorIs(t, h.Confirm(ctx), ErrNotLeader)

	var nilHandle *Handle
	assert.ErrorIs(t, nilHandle.Confirm(ctx), ErrNotLeader)
}

func TestElectionPrefix(t *testing.T) {
	assert.Equal(t, "/pgoperator/leadership/postgresql", electionPrefix("/pgoperator", "postgresql"))
}
