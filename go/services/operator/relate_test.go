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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/pgoperator/go/common/constants"
	"github.com/multigres/pgoperator/go/common/databag"
	"github.com/multigres/pgoperator/go/common/databag/memorybag"
)

func TestParseEndpointRef(t *testing.T) {
	ref, err := ParseEndpointRef("pg-a:replication-offer")
	require.NoError(t, err)
	assert.Equal(t, EndpointRef{App: "pg-a", Endpoint: constants.AsyncPrimaryEndpoint}, ref)
	assert.Equal(t, "pg-a:replication-offer", ref.String())

	for _, bad := range []string{"", "pg-a", ":replication", "pg-a:"} {
		_, err := ParseEndpointRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestRelate(t *testing.T) {
	ctx := context.Background()
	conn := memorybag.New()
	defer conn.Close()

	peer, err := Relate(ctx, conn, EndpointRef{App: "pg-a", Endpoint: constants.PeerEndpoint})
	require.NoError(t, err)
	assert.Equal(t, 0, peer)

	cross, err := Relate(ctx, conn,
		EndpointRef{App: "pg-a", Endpoint: constants.LogicalOfferEndpoint},
		EndpointRef{App: "pg-b", Endpoint: constants.LogicalEndpoint})
	require.NoError(t, err)
	assert.Equal(t, 1, cross)

	rel, err := databag.NewStore(conn, "pg-b/0").Relation(ctx, cross)
	require.NoError(t, err)
	assert.Equal(t, constants.LogicalEndpoint, rel.Endpoint("pg-b"))
	assert.Equal(t, "pg-a", rel.RemoteApp("pg-b"))

	// ids are not reused while a higher one is taken
	require.NoError(t, Unrelate(ctx, conn, peer))
	next, err := Relate(ctx, conn, EndpointRef{App: "pg-b", Endpoint: constants.PeerEndpoint})
	require.NoError(t, err)
	assert.Equal(t, 2, next)

	assert.True(t, databag.IsErrType(Unrelate(ctx, conn, peer), databag.NoNode))
}

func TestRelate_Invalid(t *testing.T) {
	ctx := context.Background()
	conn := memorybag.New()
	defer conn.Close()

	_, err := Relate(ctx, conn)
	assert.Error(t, err)

	_, err = Relate(ctx, conn,
		EndpointRef{App: "pg-a", Endpoint: constants.AsyncPrimaryEndpoint},
		EndpointRef{App: "pg-a", Endpoint: constants.AsyncStandbyEndpoint})
	assert.ErrorContains(t, err, "appears twice")

	_, err = Relate(ctx, conn, EndpointRef{App: "pg/a", Endpoint: constants.PeerEndpoint})
	assert.True(t, databag.IsErrType(err, databag.BadInput))
}
