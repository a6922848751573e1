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
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/multigres/pgoperator/go/services/operator"
)

// RelateCmd holds the relate command configuration.
type RelateCmd struct {
	oc *OperatorCommand
}

// AddRelateCommand adds the relate subcommand to the root command.
func AddRelateCommand(root *cobra.Command, oc *OperatorCommand) {
	rc := &RelateCmd{oc: oc}
	root.AddCommand(rc.createCommand())
}

func (rc *RelateCmd) createCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "relate <app:endpoint> [app:endpoint]",
		Short: "Create a relation between applications",
		Long: `Create a relation joining one endpoint of each given application and
print its id. A single argument creates a peer relation of that
application.

Examples:
  pgoperator relate pg-a:database-peers
  pgoperator relate pg-a:replication-offer pg-b:replication`,
		Args: cobra.RangeArgs(1, 2),
		RunE: rc.runRelate,
	}
}

func (rc *RelateCmd) runRelate(cmd *cobra.Command, args []string) error {
	refs := make([]operator.EndpointRef, 0, len(args))
	for _, arg := range args {
		ref, err := operator.ParseEndpointRef(arg)
		if err != nil {
			return err
		}
		refs = append(refs, ref)
	}

	c, closeAll, err := rc.oc.open(cmd.Context(), rc.oc.logger, rc.oc.cfg, rc.oc.meter())
	if err != nil {
		return err
	}
	defer closeAll()

	id, err := operator.Relate(cmd.Context(), c.Conn, refs...)
	if err != nil {
		return err
	}
	rc.oc.logger.InfoContext(cmd.Context(), "relation created", "relation_id", id, "endpoints", args)
	_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
	return err
}

// UnrelateCmd holds the unrelate command configuration.
type UnrelateCmd struct {
	oc *OperatorCommand
}

// AddUnrelateCommand adds the unrelate subcommand to the root command.
func AddUnrelateCommand(root *cobra.Command, oc *OperatorCommand) {
	uc := &UnrelateCmd{oc: oc}
	root.AddCommand(uc.createCommand())
}

func (uc *UnrelateCmd) createCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unrelate <relation-id>",
		Short: "Remove a relation and its data",
		Args:  cobra.ExactArgs(1),
		RunE:  uc.runUnrelate,
	}
}

func (uc *UnrelateCmd) runUnrelate(cmd *cobra.Command, args []string) error {
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid relation id %q: %w", args[0], err)
	}

	c, closeAll, err := uc.oc.open(cmd.Context(), uc.oc.logger, uc.oc.cfg, uc.oc.meter())
	if err != nil {
		return err
	}
	defer closeAll()

	if err := operator.Unrelate(cmd.Context(), c.Conn, id); err != nil {
		return err
	}
	uc.oc.logger.InfoContext(cmd.Context(), "relation removed", "relation_id", id)
	return nil
}
