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
	"fmt"
	"strings"

	"github.com/multigres/pgoperator/go/common/databag"
)

// maxRelateAttempts bounds the retries when another caller takes the id
// Relate picked.
const maxRelateAttempts = 8

// EndpointRef names one side of a relation as <app>:<endpoint>.
type EndpointRef struct {
	App      string
	Endpoint string
}

func (r EndpointRef) String() string {
	return r.App + ":" + r.Endpoint
}

func ParseEndpointRef(s string) (EndpointRef, error) {
	app, endpoint, ok := strings.Cut(s, ":")
	if !ok || app == "" || endpoint == "" {
		return EndpointRef{}, fmt.Errorf("%q is not <app>:<endpoint>", s)
	}
	return EndpointRef{App: app, Endpoint: endpoint}, nil
}

// Relate registers a relation between refs and returns its id. A single
// ref makes a peer relation. Ids are allocated one above the highest in
// use.
func Relate(ctx context.Context, conn databag.Conn, refs ...EndpointRef) (int, error) {
	if len(refs) == 0 || len(refs) > 2 {
		return 0, fmt.Errorf("a relation joins one or two endpoints, got %d", len(refs))
	}
	endpoints := make(map[string]string, len(refs))
	for _, ref := range refs {
		if _, dup := endpoints[ref.App]; dup {
			return 0, fmt.Errorf("application %s appears twice", ref.App)
		}
		endpoints[ref.App] = ref.Endpoint
	}

	for range maxRelateAttempts {
		id, err := nextRelationID(ctx, conn)
		if err != nil {
			return 0, err
		}
		err = databag.CreateRelation(ctx, conn, databag.Relation{ID: id, Endpoints: endpoints})
		if databag.IsErrType(err, databag.NodeExists) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return id, nil
	}
	return 0, fmt.Errorf("relating %v: too many concurrent relation changes", refs)
}

// Unrelate removes relation id and its data.
func Unrelate(ctx context.Context, conn databag.Conn, id int) error {
	return databag.RemoveRelation(ctx, conn, id)
}

func nextRelationID(ctx context.Context, conn databag.Conn) (int, error) {
	kvs, err := conn.List(ctx, databag.RelationsPrefix())
	if databag.IsErrType(err, databag.NoNode) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	next := 0
	for _, kv := range kvs {
		if info, ok := databag.ParsePath(kv.Key); ok && info.RelationID >= next {
			next = info.RelationID + 1
		}
	}
	return next, nil
}
