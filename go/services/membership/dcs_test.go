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
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type fakeKV struct {
	clientv3.KV
	deleted []string
	prefix  bool
	err     error
}

func (f *fakeKV) Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.deleted = append(f.deleted, key)
	op := clientv3.OpDelete(key, opts...)
	f.prefix = len(op.RangeBytes()) > 0
	return &clientv3.DeleteResponse{Deleted: 3}, nil
}

func TestDCS_RemoveClusterRecords(t *testing.T) {
	kv := &fakeKV{}
	d := NewDCS(slog.Default(), kv, "", "pg-standby")

	n, err := d.RemoveClusterRecords(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, []string{"/service/pg-standby/"}, kv.deleted)
	assert.True(t, kv.prefix, "records are removed by prefix")
}

func TestDCS_RemoveClusterRecordsError(t *testing.T) {
	d := NewDCS(slog.Default(), &fakeKV{err: errors.New("etcdserver: request timed out")}, "/pg", "main")
	_, err := d.RemoveClusterRecords(context.Background())
	assert.ErrorContains(t, err, "/pg/main/")
}
