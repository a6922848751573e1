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
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/multigres/pgoperator/go/common/servenv"
	"github.com/multigres/pgoperator/go/services/operator"
)

// shutdownTimeout bounds the close hooks run after the operator stops.
const shutdownTimeout = 30 * time.Second

// RunCmd holds the run command configuration.
type RunCmd struct {
	oc *OperatorCommand
}

// AddRunCommand adds the run subcommand to the root command.
func AddRunCommand(root *cobra.Command, oc *OperatorCommand) {
	rc := &RunCmd{oc: oc}
	root.AddCommand(rc.createCommand())
}

func (rc *RunCmd) createCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the operator of the local unit",
		Long: `Run the operator of the local unit until SIGTERM or SIGINT.

The operator campaigns for leadership of its application, watches the
relations the application takes part in and reconciles replication as
relation data changes.

Examples:
  # Run against etcd
  pgoperator run --unit pg/0 --model-uuid $MODEL --endpoint pg-0:5432 \
    --etcd-endpoints etcd-0:2379,etcd-1:2379

  # Run from a config file
  pgoperator run --config-file /etc/pgoperator/pg-0.yaml`,
		Args: cobra.NoArgs,
		RunE: rc.runOperator,
	}
}

func (rc *RunCmd) runOperator(cmd *cobra.Command, args []string) error {
	oc := rc.oc
	logger := oc.logger

	c, closeAll, err := oc.open(cmd.Context(), logger, oc.cfg, oc.meter())
	if err != nil {
		return err
	}
	c.ConfigReloads = oc.reloads
	op, err := operator.New(logger, oc.cfg, c)
	if err != nil {
		closeAll()
		return err
	}

	sv := servenv.NewServEnv(logger, shutdownTimeout)
	sv.OnRun(func(ctx context.Context) error {
		logger.InfoContext(ctx, "operator configured",
			"unit", oc.cfg.GetUnit(),
			"backend", oc.cfg.GetBackend(),
			"archive_policy", oc.cfg.GetArchivePolicy(),
		)
		return nil
	})
	sv.OnClose(closeAll)
	return sv.Run(cmd.Context(), op.Run)
}
