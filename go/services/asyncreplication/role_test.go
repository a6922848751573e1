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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRole(t *testing.T) {
	roles := []ClusterRole{RoleStandalone, RolePrimary, RoleStandby}
	events := []RoleEvent{EventPromote, EventRemotePromoted, EventRelationBroken}

	want := map[ClusterRole]map[RoleEvent]ClusterRole{
		RoleStandalone: {
			EventPromote:        RolePrimary,
			EventRemotePromoted: RoleStandby,
			EventRelationBroken: RoleStandalone,
		},
		RolePrimary: {
			EventRemotePromoted: RoleStandby,
			EventRelationBroken: RoleStandalone,
		},
		RoleStandby: {
			EventPromote:        RolePrimary,
			EventRemotePromoted: RoleStandby,
			EventRelationBroken: RoleStandalone,
		},
	}

	for _, from := range roles {
		for _, ev := range events {
			t.Run(from.String()+"/"+ev.String(), func(t *testing.T) {
				to, ok := NextRole(from, ev)
				expected, legal := want[from][ev]
				require.Equal(t, legal, ok)
				if legal {
					assert.Equal(t, expected, to)
				}
			})
		}
	}
}

func TestNextRole_BrokenAlwaysEndsStandalone(t *testing.T) {
	for _, from := range []ClusterRole{RoleStandalone, RolePrimary, RoleStandby} {
		to, ok := NextRole(from, EventRelationBroken)
		require.True(t, ok)
		assert.Equal(t, RoleStandalone, to)
	}
}

func TestParseRole(t *testing.T) {
	for _, r := range []ClusterRole{RoleStandalone, RolePrimary, RoleStandby} {
		got, err := ParseRole(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}

	got, err := ParseRole("")
	require.NoError(t, err)
	assert.Equal(t, RoleStandalone, got)

	_, err = ParseRole("leader")
	assert.Error(t, err)
	assert.Equal(t, "role(7)", ClusterRole(7).String())
}

func TestElected_Decode(t *testing.T) {
	e, err := decodeElected(`{"endpoint":"10.0.0.10:5432","secret-id":"pg-a","system-id":"7291835468362214523","promoted-counter":2,"app":"pg-a"}`)
	require.NoError(t, err)
	assert.Equal(t, Elected{
		Endpoint:        "10.0.0.10:5432",
		SecretID:        "pg-a",
		SystemID:        "7291835468362214523",
		PromotedCounter: 2,
		App:             "pg-a",
	}, e)

	_, err = decodeElected("not json")
	assert.Error(t, err)
}
