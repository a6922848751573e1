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

	"github.com/multigres/pgoperator/go/services/logicalreplication"
)

// SubscribeCmd holds the subscribe command configuration.
type SubscribeCmd struct {
	oc        *OperatorCommand
	publisher string
	database  string
	tables    []string
}

// AddSubscribeCommand adds the subscribe subcommand to the root command.
func AddSubscribeCommand(root *cobra.Command, oc *OperatorCommand) {
	sc := &SubscribeCmd{oc: oc}
	root.AddCommand(sc.createCommand())
}

func (sc *SubscribeCmd) createCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Subscribe the local cluster to tables of a publisher",
		Long: `Request a logical replication subscription to tables published by
another application over a logical replication relation.

Examples:
  pgoperator subscribe --publisher pg-orders --database shop --tables public.orders,public.items`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if sc.publisher == "" {
				return errors.New("--publisher needs to be set")
			}
			return nil
		},
		RunE: sc.runSubscribe,
	}
	cmd.Flags().StringVar(&sc.publisher, "publisher", "", "Application publishing the tables")
	cmd.Flags().StringVar(&sc.database, "database", "", "Database holding the tables")
	cmd.Flags().StringSliceVar(&sc.tables, "tables", nil, "Schema-qualified tables to subscribe to")
	return cmd
}

func (sc *SubscribeCmd) runSubscribe(cmd *cobra.Command, args []string) error {
	op, closeAll, err := sc.oc.openOperator(cmd.Context())
	if err != nil {
		return err
	}
	defer closeAll()

	req := logicalreplication.Request{Database: sc.database, Tables: sc.tables}
	return renderResults(cmd, op.Subscribe(cmd.Context(), sc.publisher, req))
}
