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
	"errors"

	"github.com/spf13/cobra"

	"github.com/multigres/pgoperator/go/common/action"
)

// PromoteCmd holds the promote-to-primary command configuration.
type PromoteCmd struct {
	oc *OperatorCommand
}

// AddPromoteCommand adds the promote-to-primary subcommand to the root command.
func AddPromoteCommand(root *cobra.Command, oc *OperatorCommand) {
	pc := &PromoteCmd{oc: oc}
	root.AddCommand(pc.createCommand())
}

func (pc *PromoteCmd) createCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "promote-to-primary",
		Short: "Promote the local cluster to primary of its replication relation",
		Long: `Promote the local cluster to primary of the asynchronous replication
relation it takes part in. Must run against the leader unit of the
application. Fails when another cluster is already primary.`,
		Args: cobra.NoArgs,
		RunE: pc.runPromote,
	}
}

func (pc *PromoteCmd) runPromote(cmd *cobra.Command, args []string) error {
	op, closeAll, err := pc.oc.openOperator(cmd.Context())
	if err != nil {
		return err
	}
	defer closeAll()

	return renderResults(cmd, op.PromoteToPrimary(cmd.Context()))
}

// renderResults writes res to the command output and turns a failed action
// into an error.
func renderResults(cmd *cobra.Command, res *action.Results) error {
	if err := res.Render(cmd.OutOrStdout()); err != nil {
		return err
	}
	if msg, failed := res.Failed(); failed {
		return errors.New(msg)
	}
	return nil
}
