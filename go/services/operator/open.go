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
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/multigres/pgoperator/go/common/archive"
	"github.com/multigres/pgoperator/go/common/databag"
	"github.com/multigres/pgoperator/go/common/databag/etcdbag"
	"github.com/multigres/pgoperator/go/common/databag/memorybag"
	"github.com/multigres/pgoperator/go/common/leadership"
	"github.com/multigres/pgoperator/go/common/pgclient"
	"github.com/multigres/pgoperator/go/common/workload"
	"github.com/multigres/pgoperator/go/services/membership"
	"github.com/multigres/pgoperator/go/tools/telemetry"
)

// noRecords stands in for the DCS when the data plane is in memory and no
// membership records exist outside the process.
type noRecords struct{}

func (noRecords) RemoveClusterRecords(context.Context) (int64, error) { return 0, nil }

// Open builds the production components described by cfg. The returned
// function releases them. Campaigner is set for the etcd backend; callers
// that only run an action leave it unused.
func Open(ctx context.Context, logger *slog.Logger, cfg *Config, meter metric.Meter) (Components, func(), error) {
	if err := cfg.Validate(); err != nil {
		return Components{}, nil, err
	}
	c := Components{Meter: meter}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.GetBackend() {
	case BackendEtcd:
		cert, key, ca := cfg.GetEtcdTLS()
		cli, err := etcdbag.NewClient(etcdbag.ClientConfig{
			Endpoints: cfg.GetEtcdEndpoints(),
			CertPath:  cert,
			KeyPath:   key,
			CAPath:    ca,
		})
		if err != nil {
			return Components{}, nil, fmt.Errorf("connecting to etcd: %w", err)
		}
		closers = append(closers, func() { _ = cli.Close() })

		conn := etcdbag.New(cli, cfg.GetEtcdRoot())
		closers = append(closers, func() { _ = conn.Close() })

		unit := cfg.GetUnit()
		election, err := leadership.NewElection(cli, cfg.GetEtcdRoot(), databag.AppOfUnit(unit), unit, cfg.GetLeaderTTL(), logger)
		if err != nil {
			closeAll()
			return Components{}, nil, err
		}
		closers = append(closers, func() {
			if err := election.Close(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("failed to close leadership session", "error", err)
			}
		})

		c.Conn = conn
		c.Leader = election
		c.Campaigner = election
		c.Records = membership.NewDCS(logger, cli, cfg.GetDCSNamespace(), cfg.GetDCSScope())
	case BackendMemory:
		conn := memorybag.New()
		closers = append(closers, func() { _ = conn.Close() })
		c.Conn = conn
		c.Leader = leadership.NewStatic(true)
		c.Records = noRecords{}
	default:
		return Components{}, nil, fmt.Errorf("unknown backend %q", cfg.GetBackend())
	}

	c.Database = workload.NewPgCtl(logger, workload.Config{
		BinDir:  cfg.GetPgBinDir(),
		DataDir: cfg.GetPgDataDir(),
		Port:    cfg.GetPgPort(),
	})

	urls := cfg.GetMembershipURLs()
	if len(urls) == 0 {
		closeAll()
		return Components{}, nil, errors.New("membership-urls needs at least the local member")
	}
	user, password := cfg.GetMembershipAuth()
	c.Membership = membership.NewClient(logger, membership.Config{
		Local:        urls[0],
		Members:      cfg.membershipEndpoints,
		PollInterval: cfg.GetMembershipPollInterval(),
		Transport:    telemetry.HTTPTransport(nil),
		User:         user,
		Password:     password,
	})

	archiver, err := newArchiver(cfg)
	if err != nil {
		closeAll()
		return Components{}, nil, err
	}
	c.Archiver = archiver

	host, pgUser, pgPassword := cfg.GetPostgres()
	c.Catalog = pgclient.NewClient(pgclient.PqOpener(pgclient.Config{
		Host:     host,
		Port:     cfg.GetPgPort(),
		User:     pgUser,
		Password: pgPassword,
	}))

	return c, closeAll, nil
}

func newArchiver(cfg *Config) (archive.Archiver, error) {
	policy, err := archive.ParsePolicy(cfg.GetArchivePolicy())
	if err != nil {
		return nil, err
	}
	switch policy {
	case archive.PolicyDiscard:
		return archive.Discard{}, nil
	case archive.PolicyS3:
		s3cfg := cfg.GetS3()
		client, err := archive.NewS3Client(s3cfg)
		if err != nil {
			return nil, err
		}
		return archive.NewS3(client, s3cfg), nil
	default:
		return archive.NewLocal(), nil
	}
}
