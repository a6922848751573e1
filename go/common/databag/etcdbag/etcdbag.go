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

package etcdbag

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/multigres/pgoperator/go/common/databag"
)

// Version is an etcd ModRevision.
type Version int64

func (v Version) String() string {
	return fmt.Sprintf("%d", int64(v))
}

// Server is a databag.Conn rooted at a key prefix.
type Server struct {
	cli  *clientv3.Client
	root string
}

var _ databag.Conn = (*Server)(nil)

// New returns a Server using cli. Close does not close cli.
func New(cli *clientv3.Client, root string) *Server {
	return &Server{cli: cli, root: root}
}

func (s *Server) nodePath(p string) string {
	return path.Join(s.root, p)
}

// relative converts an etcd key back into a databag path.
func (s *Server) relative(key []byte) string {
	return strings.TrimPrefix(strings.TrimPrefix(string(key), s.root), "/")
}

func (s *Server) Get(ctx context.Context, p string) ([]byte, databag.Version, error) {
	nodePath := s.nodePath(p)
	resp, err := s.cli.Get(ctx, nodePath)
	if err != nil {
		return nil, nil, convertError(err, nodePath)
	}
	if len(resp.Kvs) != 1 {
		return nil, nil, databag.NewError(databag.NoNode, nodePath)
	}
	return resp.Kvs[0].Value, Version(resp.Kvs[0].ModRevision), nil
}

func (s *Server) Create(ctx context.Context, p string, contents []byte) (databag.Version, error) {
	nodePath := s.nodePath(p)

	// Version 0 means the key does not exist.
	txnresp, err := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(nodePath), "=", 0)).
		Then(clientv3.OpPut(nodePath, string(contents))).
		Commit()
	if err != nil {
		return nil, convertError(err, nodePath)
	}
	if !txnresp.Succeeded {
		return nil, databag.NewError(databag.NodeExists, nodePath)
	}
	return Version(txnresp.Header.Revision), nil
}

func (s *Server) Update(ctx context.Context, p string, contents []byte, version databag.Version) (databag.Version, error) {
	nodePath := s.nodePath(p)

	if version != nil {
		txnresp, err := s.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(nodePath), "=", int64(version.(Version)))).
			Then(clientv3.OpPut(nodePath, string(contents))).
			Commit()
		if err != nil {
			return nil, convertError(err, nodePath)
		}
		if !txnresp.Succeeded {
			return nil, databag.NewError(databag.BadVersion, nodePath)
		}
		return Version(txnresp.Header.Revision), nil
	}

	resp, err := s.cli.Put(ctx, nodePath, string(contents))
	if err != nil {
		return nil, convertError(err, nodePath)
	}
	return Version(resp.Header.Revision), nil
}

func (s *Server) Delete(ctx context.Context, p string, version databag.Version) error {
	nodePath := s.nodePath(p)

	if version != nil {
		// On failure the Else branch tells a missing key from a stale version.
		txnresp, err := s.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(nodePath), "=", int64(version.(Version)))).
			Then(clientv3.OpDelete(nodePath)).
			Else(clientv3.OpGet(nodePath)).
			Commit()
		if err != nil {
			return convertError(err, nodePath)
		}
		if !txnresp.Succeeded {
			if len(txnresp.Responses) > 0 && len(txnresp.Responses[0].GetResponseRange().Kvs) > 0 {
				return databag.NewError(databag.BadVersion, nodePath)
			}
			return databag.NewError(databag.NoNode, nodePath)
		}
		return nil
	}

	resp, err := s.cli.Delete(ctx, nodePath)
	if err != nil {
		return convertError(err, nodePath)
	}
	if resp.Deleted != 1 {
		return databag.NewError(databag.NoNode, nodePath)
	}
	return nil
}

func (s *Server) List(ctx context.Context, prefix string) ([]databag.KVInfo, error) {
	nodePrefix := s.nodePath(prefix)
	if strings.HasSuffix(prefix, "/") {
		nodePrefix += "/"
	}

	resp, err := s.cli.Get(ctx, nodePrefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, convertError(err, nodePrefix)
	}
	if len(resp.Kvs) == 0 {
		return nil, databag.NewError(databag.NoNode, nodePrefix)
	}
	results := make([]databag.KVInfo, len(resp.Kvs))
	for i, kv := range resp.Kvs {
		results[i] = databag.KVInfo{
			Key:     s.relative(kv.Key),
			Value:   kv.Value,
			Version: Version(kv.ModRevision),
		}
	}
	return results, nil
}

// Close is a no-op; the client is owned by the caller of New.
func (s *Server) Close() error {
	return nil
}

func convertError(err error, nodePath string) error {
	switch {
	case errors.Is(err, context.Canceled):
		return databag.NewError(databag.Interrupted, nodePath)
	case errors.Is(err, context.DeadlineExceeded):
		return databag.NewError(databag.Timeout, nodePath)
	default:
		return fmt.Errorf("etcd %s: %w", nodePath, err)
	}
}
