// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package command

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	"gopkg.in/yaml.v3"

	"github.com/multigres/pgoperator/go/common/archive"
	"github.com/multigres/pgoperator/go/common/databag"
	"github.com/multigres/pgoperator/go/common/databag/memorybag"
	"github.com/multigres/pgoperator/go/common/leadership"
	"github.com/multigres/pgoperator/go/common/mterrors"
	"github.com/multigres/pgoperator/go/services/operator"
)

const testModelUUID = "6f1c2a8e-5d4b-4c3a-9e2f-1a2b3c4d5e6f"

// execute runs one pgoperator invocation as unit against conn and returns
// its output.
func execute(t *testing.T, conn *memorybag.Conn, unit string, args ...string) (string, error) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	root, oc := GetRootCommand()
	oc.open = func(_ context.Context, _ *slog.Logger, _ *operator.Config, meter metric.Meter) (operator.Components, func(), error) {
		return operator.Components{
			Conn:     conn.Shared(),
			Leader:   leadership.NewStatic(true),
			Archiver: archive.Discard{},
			Fs:       afero.NewMemMapFs(),
			Meter:    meter,
		}, func() {}, nil
	}

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{
		"--unit", unit,
		"--model-uuid", testModelUUID,
		"--backend", operator.BackendMemory,
		"--health-port", "-1",
		"--log-output", filepath.Join(t.TempDir(), "pgoperator.log"),
	}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommand_Subcommands(t *testing.T) {
	root, _ := GetRootCommand()
	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	assert.Subset(t, names, []string{"run", "promote-to-primary", "subscribe", "relate", "unrelate", "status"})

	for _, flag := range []string{"unit", "model-uuid", "backend", "etcd-endpoints", "archive-policy", "config-file", "log-level"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestRelateAndUnrelate(t *testing.T) {
	conn := memorybag.New()
	ctx := context.Background()

	out, err := execute(t, conn, "pg-a/0", "relate", "pg-a:database-peers")
	require.NoError(t, err)
	assert.Equal(t, "0\n", out)

	out, err = execute(t, conn, "pg-a/0", "relate", "pg-a:replication-offer", "pg-b:replication")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	rels, err := databag.NewStore(conn.Shared(), "pg-b/0").Relations(ctx, "replication")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, 1, rels[0].ID)

	_, err = execute(t, conn, "pg-a/0", "unrelate", "1")
	require.NoError(t, err)
	_, err = execute(t, conn, "pg-a/0", "unrelate", "1")
	require.Error(t, err)

	_, err = execute(t, conn, "pg-a/0", "unrelate", "one")
	assert.ErrorContains(t, err, "invalid relation id")

	_, err = execute(t, conn, "pg-a/0", "relate", "pg-a")
	require.Error(t, err)
}

func TestStatus_NoOperatorRunning(t *testing.T) {
	conn := memorybag.New()

	out, err := execute(t, conn, "pg-a/0", "status")
	require.NoError(t, err)

	var report operator.Report
	require.NoError(t, yaml.Unmarshal([]byte(out), &report))
	assert.Equal(t, "pg-a/0", report.Unit)
	assert.True(t, report.Leader)
	assert.Equal(t, operator.StatusUnknown, report.Status)
	assert.Empty(t, report.Subscriptions)
}

func TestPromote_WithoutRelationFails(t *testing.T) {
	conn := memorybag.New()

	out, err := execute(t, conn, "pg-a/0", "promote-to-primary")
	require.Error(t, err)
	assert.Contains(t, err.Error(), mterrors.PGO2004("").ID)
	assert.Contains(t, out, "promote-to-primary")
}

func TestSubscribe_Flags(t *testing.T) {
	conn := memorybag.New()

	_, err := execute(t, conn, "pg-a/0", "subscribe", "--database", "shop", "--tables", "public.orders")
	assert.ErrorContains(t, err, "--publisher needs to be set")

	out, err := execute(t, conn, "pg-a/0", "subscribe", "--publisher", "pg-b", "--database", "shop", "--tables", "public.orders")
	require.Error(t, err)
	assert.Contains(t, out, "subscribe")
}

func TestInvalidUnitRejected(t *testing.T) {
	_, err := execute(t, memorybag.New(), "pg-a", "status")
	assert.ErrorContains(t, err, "is not <app>/<n>")
}
