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

package secrets_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/pgoperator/go/common/databag/memorybag"
	"github.com/multigres/pgoperator/go/common/secrets"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	conn := memorybag.New()
	defer conn.Close()
	s := secrets.NewStore(conn)

	_, err := s.Get(ctx, "pg", "replication-password")
	assert.ErrorIs(t, err, secrets.ErrNotFound)

	require.NoError(t, s.Set(ctx, "pg", "replication-password", "r3pl"))
	require.NoError(t, s.SetAll(ctx, "pg", map[string]string{"operator-password": "0p", "replication-password": "r3pl2"}))
	require.NoError(t, s.Set(ctx, "pg/0", "tls-key", "k"))

	v, err := s.Get(ctx, "pg", "replication-password")
	require.NoError(t, err)
	assert.Equal(t, "r3pl2", v)

	all, err := s.GetAll(ctx, "pg")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"operator-password": "0p", "replication-password": "r3pl2"}, all)

	unit, err := secrets.NewStore(conn.Shared()).GetAll(ctx, "pg/0")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tls-key": "k"}, unit)
}
