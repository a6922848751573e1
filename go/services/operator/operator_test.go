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
	"path"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/pgoperator/go/common/action"
	"github.com/multigres/pgoperator/go/common/archive"
	"github.com/multigres/pgoperator/go/common/constants"
	"github.com/multigres/pgoperator/go/common/databag/memorybag"
	"github.com/multigres/pgoperator/go/common/leadership"
	"github.com/multigres/pgoperator/go/common/mterrors"
	"github.com/multigres/pgoperator/go/common/workload"
	"github.com/multigres/pgoperator/go/services/logicalreplication"
)

const (
	dataDir         = "/var/lib/postgresql/data"
	primarySystemID = "7291835468362214523"
	standbySystemID = "7291835468362299999"
)

type fakeDB struct {
	dir *workload.DataDir

	mu      sync.Mutex
	running bool
	sysID   string
	clones  int
}

func (f *fakeDB) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	return nil
}

func (f *fakeDB) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return nil
}

func (f *fakeDB) Restart(ctx context.Context) error { return f.Start(ctx) }

func (f *fakeDB) IsRunning(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeDB) Exec(context.Context, string, ...string) (string, string, error) {
	return "", "", nil
}

func (f *fakeDB) SystemIdentifier(context.Context) (string, error) {
	ok, err := f.dir.Initialized()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", workload.ErrNoSystemIdentifier
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sysID, nil
}

func (f *fakeDB) Clone(context.Context, workload.Source) error {
	f.mu.Lock()
	f.clones++
	f.sysID = primarySystemID
	f.mu.Unlock()
	return afero.WriteFile(f.dir.Fs(), path.Join(f.dir.Path(), "PG_VERSION"), []byte("16\n"), 0o600)
}

func (f *fakeDB) Init(context.Context) error {
	return afero.WriteFile(f.dir.Fs(), path.Join(f.dir.Path(), "PG_VERSION"), []byte("16\n"), 0o600)
}

func (f *fakeDB) Promote(context.Context) error { return nil }

func (f *fakeDB) cloned() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clones
}

type fakeMembership struct{ primary string }

func (f fakeMembership) GetPrimary(context.Context) (string, error) { return f.primary, nil }

func (fakeMembership) MemberStarted(context.Context, time.Duration) bool { return true }

func (fakeMembership) Reload(context.Context) error { return nil }

type fakeCatalog struct{}

func (fakeCatalog) DatabaseExists(context.Context, string) (bool, error) { return true, nil }

func (fakeCatalog) MissingTables(context.Context, string, []string) ([]string, error) {
	return nil, nil
}

func newTestOperator(t *testing.T, conn *memorybag.Conn, unit, address, sysID string) (*Operator, *fakeDB) {
	t.Helper()
	fs := afero.NewMemMapFs()
	dir := workload.NewDataDir(fs, dataDir)
	require.NoError(t, dir.Create())
	require.NoError(t, afero.WriteFile(fs, path.Join(dataDir, "PG_VERSION"), []byte("16\n"), 0o600))
	db := &fakeDB{dir: dir, running: true, sysID: sysID}

	cfg := NewTestConfig(
		WithUnit(unit),
		WithModelUUID(testModelUUID),
		WithAddress(address),
		WithEndpoint(address+":5432"),
		WithArchivePolicy(archive.PolicyDiscard),
		WithUpdateStatusInterval(50*time.Millisecond),
	)
	o, err := New(discard(), cfg, Components{
		Conn:       conn.Shared(),
		Leader:     leadership.NewStatic(true),
		Database:   db,
		Membership: fakeMembership{primary: cfg.GetMemberName()},
		Records:    noRecords{},
		Archiver:   archive.Discard{},
		Catalog:    fakeCatalog{},
		Fs:         fs,
	})
	require.NoError(t, err)
	return o, db
}

func runOperator(t *testing.T, o *Operator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func TestOperator_NewRejectsInvalidIdentity(t *testing.T) {
	conn := memorybag.New()
	defer conn.Close()
	_, err := New(discard(), NewTestConfig(WithUnit("pg-a/0"), WithModelUUID("not-a-uuid")), Components{
		Conn:   conn,
		Leader: leadership.NewStatic(true),
	})
	assert.ErrorContains(t, err, "invalid model uuid")
}

func TestOperator_StandbyFollowsPromotedCluster(t *testing.T) {
	ctx := context.Background()
	conn := memorybag.New()
	defer conn.Close()

	for _, refs := range [][]EndpointRef{
		{{App: "pg-a", Endpoint: constants.PeerEndpoint}},
		{{App: "pg-b", Endpoint: constants.PeerEndpoint}},
		{{App: "pg-a", Endpoint: constants.AsyncPrimaryEndpoint}, {App: "pg-b", Endpoint: constants.AsyncStandbyEndpoint}},
	} {
		_, err := Relate(ctx, conn, refs...)
		require.NoError(t, err)
	}

	a, _ := newTestOperator(t, conn, "pg-a/0", "10.0.0.10", primarySystemID)
	b, bdb := newTestOperator(t, conn, "pg-b/0", "10.0.1.10", standbySystemID)
	runOperator(t, a)
	runOperator(t, b)

	// promotion needs the cluster marked initialized by the start hook
	var res *action.Results
	require.Eventually(t, func() bool {
		res = a.PromoteToPrimary(ctx)
		_, failed := res.Failed()
		return !failed
	}, 5*time.Second, 20*time.Millisecond)
	_, failed := res.Failed()
	require.False(t, failed)

	require.Eventually(t, func() bool {
		st, err := b.Status(ctx)
		if err != nil {
			return false
		}
		return st.Replication.AppliedRole == "standby" && st.Replication.Initialized
	}, 10*time.Second, 50*time.Millisecond)

	st, err := b.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "standby", st.Replication.Role)
	assert.Equal(t, "pg-a", st.Replication.Primary)
	assert.Equal(t, "10.0.0.10:5432", st.Replication.PrimaryEndpoint)
	assert.Equal(t, 1, bdb.cloned())

	require.Eventually(t, func() bool {
		st, err := a.Status(ctx)
		return err == nil && st.Replication.AppliedRole == "primary"
	}, 5*time.Second, 50*time.Millisecond)

	// a second promotion is refused while the first stands
	again := b.PromoteToPrimary(ctx)
	msg, failed := again.Failed()
	assert.True(t, failed)
	assert.Contains(t, msg, "pg-a is already the primary cluster")
}

func TestOperator_SubscribeWithoutRelationFails(t *testing.T) {
	conn := memorybag.New()
	defer conn.Close()
	o, _ := newTestOperator(t, conn, "pg-a/0", "10.0.0.10", primarySystemID)

	res := o.Subscribe(context.Background(), "pg-c", logicalreplication.Request{Database: "shop", Tables: []string{"orders"}})
	msg, failed := res.Failed()
	assert.True(t, failed)
	assert.Contains(t, msg, mterrors.PGO2004("").ID)
}
