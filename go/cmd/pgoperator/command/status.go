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
	"github.com/spf13/cobra"
)

// StatusCmd holds the status command configuration.
type StatusCmd struct {
	oc *OperatorCommand
}

// AddStatusCommand adds the status subcommand to the root command.
func AddStatusCommand(root *cobra.Command, oc *OperatorCommand) {
	sc := &StatusCmd{oc: oc}
	root.AddCommand(sc.createCommand())
}

func (sc *StatusCmd) createCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report the replication status of the local unit",
		Long: `Report the unit status published by the running operator together with
the asynchronous replication role of the cluster and the logical
replication subscriptions it holds.`,
		Args: cobra.NoArgs,
		RunE: sc.runStatus,
	}
}

func (sc *StatusCmd) runStatus(cmd *cobra.Command, args []string) error {
	op, closeAll, err := sc.oc.openOperator(cmd.Context())
	if err != nil {
		return err
	}
	defer closeAll()

	report, err := op.Status(cmd.Context())
	if err != nil {
		return err
	}
	return report.Render(cmd.OutOrStdout())
}
