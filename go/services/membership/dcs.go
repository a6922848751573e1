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

package membership

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DCS manages the records the membership service keeps in etcd for one
// cluster scope.
type DCS struct {
	logger    *slog.Logger
	kv        clientv3.KV
	namespace string
	scope     string
}

// NewDCS returns a DCS for the records under <namespace>/<scope>/.
func NewDCS(logger *slog.Logger, kv clientv3.KV, namespace, scope string) *DCS {
	if namespace == "" {
		namespace = "/service"
	}
	return &DCS{logger: logger, kv: kv, namespace: namespace, scope: scope}
}

func (d *DCS) prefix() string {
	return path.Join(d.namespace, d.scope) + "/"
}

// RemoveClusterRecords deletes the scope's leader lock, member records and
// initialization marker, so a cluster that changed role bootstraps afresh.
func (d *DCS) RemoveClusterRecords(ctx context.Context) (int64, error) {
	resp, err := d.kv.Delete(ctx, d.prefix(), clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("removing cluster records under %s: %w", d.prefix(), err)
	}
	d.logger.InfoContext(ctx, "removed stale cluster records", "prefix", d.prefix(), "deleted", resp.Deleted)
	return resp.Deleted, nil
}
