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
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/multigres/pgoperator/go/common/constants"
	"github.com/multigres/pgoperator/go/common/servenv"
	"github.com/multigres/pgoperator/go/services/operator"
	"github.com/multigres/pgoperator/go/tools/telemetry"
	"github.com/multigres/pgoperator/go/viperutil"
)

// OpenFunc builds the components an operator runs on.
type OpenFunc func(ctx context.Context, logger *slog.Logger, cfg *operator.Config, meter metric.Meter) (operator.Components, func(), error)

// OperatorCommand holds the configuration shared by every pgoperator command.
type OperatorCommand struct {
	reg       *viperutil.Registry
	cfg       *operator.Config
	vc        *viperutil.ViperConfig
	lg        *servenv.Logger
	telemetry *telemetry.Telemetry

	logger       *slog.Logger
	reloads      chan struct{}
	cancelReload context.CancelFunc
	open         OpenFunc
}

// GetRootCommand creates the root command with all subcommands.
func GetRootCommand() (*cobra.Command, *OperatorCommand) {
	reg := viperutil.NewRegistry()
	oc := &OperatorCommand{
		reg:       reg,
		cfg:       operator.NewConfig(reg),
		vc:        viperutil.NewViperConfig(reg),
		lg:        servenv.NewLogger(reg),
		telemetry: telemetry.NewTelemetry(),
		open:      operator.Open,
		reloads:   make(chan struct{}, 1),
	}
	viperutil.NotifyConfigReload(reg, oc.reloads)

	var span trace.Span

	root := &cobra.Command{
		Use:   constants.ServicePgoperator,
		Short: "Replication operator for PostgreSQL clusters",
		Long: `pgoperator drives the asynchronous and logical replication of one
PostgreSQL unit from the relation data it shares with other units.

The run command starts the long-lived operator. The remaining commands are
one-shot actions against the same data plane.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if span, err = oc.telemetry.InitForCommand(cmd, constants.ServicePgoperator, cmd.Name() != "run" /* startSpan */); err != nil {
				return err
			}
			oc.lg.WrapHandler(oc.telemetry.WrapSlogHandler)
			if oc.logger, err = oc.lg.Setup(); err != nil {
				return err
			}
			if oc.cancelReload, err = oc.vc.LoadConfig(oc.reg, oc.logger); err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if span != nil {
				span.End()
			}
			if oc.cancelReload != nil {
				oc.cancelReload()
			}

			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 5*time.Second)
			defer cancel()
			if err := oc.telemetry.ShutdownTelemetry(ctx); err != nil {
				return fmt.Errorf("failed to shutdown OpenTelemetry: %w", err)
			}
			return oc.lg.Close()
		},
	}

	oc.cfg.RegisterFlags(root.PersistentFlags())
	oc.vc.RegisterFlags(root.PersistentFlags())
	oc.lg.RegisterFlags(root.PersistentFlags())

	AddRunCommand(root, oc)
	AddPromoteCommand(root, oc)
	AddSubscribeCommand(root, oc)
	AddRelateCommand(root, oc)
	AddUnrelateCommand(root, oc)
	AddStatusCommand(root, oc)

	return root, oc
}

// meter returns the operator meter of the configured provider.
func (oc *OperatorCommand) meter() metric.Meter {
	return oc.telemetry.GetMeterProvider().Meter(constants.ServicePgoperator)
}

// openOperator assembles an operator for a one-shot action. It does not run
// the event loop or campaign for leadership.
func (oc *OperatorCommand) openOperator(ctx context.Context) (*operator.Operator, func(), error) {
	c, closeAll, err := oc.open(ctx, oc.logger, oc.cfg, oc.meter())
	if err != nil {
		return nil, nil, err
	}
	op, err := operator.New(oc.logger, oc.cfg, c)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return op, closeAll, nil
}
