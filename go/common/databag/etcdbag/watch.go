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
	"strings"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/multigres/pgoperator/go/common/databag"
)

// WatchRecursive reads the current contents under prefix and watches from
// the next revision, so no change between the read and the watch is lost.
func (s *Server) WatchRecursive(ctx context.Context, prefix string) ([]*databag.WatchData, <-chan *databag.WatchData, error) {
	nodePrefix := s.nodePath(prefix)
	if strings.HasSuffix(prefix, "/") {
		nodePrefix += "/"
	}

	resp, err := s.cli.Get(ctx, nodePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, nil, convertError(err, nodePrefix)
	}
	initial := make([]*databag.WatchData, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		initial = append(initial, &databag.WatchData{
			Path:     s.relative(kv.Key),
			Contents: kv.Value,
			Version:  Version(kv.ModRevision),
		})
	}

	watchCtx, cancel := context.WithCancel(ctx)
	wc := s.cli.Watch(watchCtx, nodePrefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))

	notifications := make(chan *databag.WatchData, 16)
	go func() {
		defer cancel()
		defer close(notifications)

		for wresp := range wc {
			if err := wresp.Err(); err != nil {
				send(watchCtx, notifications, &databag.WatchData{Err: convertError(err, nodePrefix)})
				return
			}
			for _, ev := range wresp.Events {
				wd := &databag.WatchData{
					Path:    s.relative(ev.Kv.Key),
					Version: Version(ev.Kv.ModRevision),
				}
				if ev.Type == mvccpb.DELETE {
					wd.Deleted = true
				} else {
					wd.Contents = ev.Kv.Value
				}
				if !send(watchCtx, notifications, wd) {
					break
				}
			}
		}
		// The watch channel closes when the context ends.
		select {
		case notifications <- &databag.WatchData{Err: databag.NewError(databag.Interrupted, nodePrefix)}:
		default:
		}
	}()

	return initial, notifications, nil
}

func send(ctx context.Context, ch chan<- *databag.WatchData, wd *databag.WatchData) bool {
	select {
	case ch <- wd:
		return true
	case <-ctx.Done():
		return false
	}
}
