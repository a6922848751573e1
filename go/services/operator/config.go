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
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/multigres/pgoperator/go/common/archive"
	"github.com/multigres/pgoperator/go/common/constants"
	"github.com/multigres/pgoperator/go/viperutil"
)

// Data plane backends.
const (
	BackendEtcd   = "etcd"
	BackendMemory = "memory"
)

// Config encapsulates all operator configuration.
type Config struct {
	unit       viperutil.Value[string]
	modelUUID  viperutil.Value[string]
	address    viperutil.Value[string]
	endpoint   viperutil.Value[string]
	memberName viperutil.Value[string]

	backend       viperutil.Value[string]
	etcdEndpoints viperutil.Value[[]string]
	etcdRoot      viperutil.Value[string]
	etcdCert      viperutil.Value[string]
	etcdKey       viperutil.Value[string]
	etcdCA        viperutil.Value[string]
	leaderTTL     viperutil.Value[int]

	pgBinDir   viperutil.Value[string]
	pgDataDir  viperutil.Value[string]
	pgHost     viperutil.Value[string]
	pgPort     viperutil.Value[int]
	pgUser     viperutil.Value[string]
	pgPassword viperutil.Value[string]

	replicationConfig viperutil.Value[string]
	replicationUser   viperutil.Value[string]
	readyTimeout      viperutil.Value[time.Duration]

	membershipURLs         viperutil.Value[[]string]
	membershipUser         viperutil.Value[string]
	membershipPassword     viperutil.Value[string]
	membershipPollInterval viperutil.Value[time.Duration]
	dcsNamespace           viperutil.Value[string]
	dcsScope               viperutil.Value[string]

	archivePolicy viperutil.Value[string]
	s3Bucket      viperutil.Value[string]
	s3Region      viperutil.Value[string]
	s3Endpoint    viperutil.Value[string]
	s3KeyPrefix   viperutil.Value[string]

	healthBindAddress    viperutil.Value[string]
	healthPort           viperutil.Value[int]
	updateStatusInterval viperutil.Value[time.Duration]
	deferBaseDelay       viperutil.Value[time.Duration]
	deferMaxDelay        viperutil.Value[time.Duration]
}

// NewConfig creates a new Config with all viperutil values configured.
func NewConfig(reg *viperutil.Registry) *Config {
	return &Config{
		unit: viperutil.Configure(reg, "unit", viperutil.Options[string]{
			FlagName: "unit",
			EnvVars:  []string{"PGO_UNIT"},
		}),
		modelUUID: viperutil.Configure(reg, "model-uuid", viperutil.Options[string]{
			FlagName: "model-uuid",
			EnvVars:  []string{"PGO_MODEL_UUID"},
		}),
		address: viperutil.Configure(reg, "address", viperutil.Options[string]{
			FlagName: "address",
			EnvVars:  []string{"PGO_ADDRESS"},
		}),
		endpoint: viperutil.Configure(reg, "endpoint", viperutil.Options[string]{
			FlagName: "endpoint",
			EnvVars:  []string{"PGO_ENDPOINT"},
		}),
		memberName: viperutil.Configure(reg, "member-name", viperutil.Options[string]{
			FlagName: "member-name",
			EnvVars:  []string{"PGO_MEMBER_NAME"},
		}),
		backend: viperutil.Configure(reg, "backend", viperutil.Options[string]{
			Default:  BackendEtcd,
			FlagName: "backend",
			EnvVars:  []string{"PGO_BACKEND"},
		}),
		etcdEndpoints: viperutil.Configure(reg, "etcd-endpoints", viperutil.Options[[]string]{
			Default:  []string{"localhost:2379"},
			FlagName: "etcd-endpoints",
			EnvVars:  []string{"PGO_ETCD_ENDPOINTS"},
		}),
		etcdRoot: viperutil.Configure(reg, "etcd-root", viperutil.Options[string]{
			Default:  "/pgoperator",
			FlagName: "etcd-root",
			EnvVars:  []string{"PGO_ETCD_ROOT"},
		}),
		etcdCert: viperutil.Configure(reg, "etcd-cert", viperutil.Options[string]{
			FlagName: "etcd-cert",
			EnvVars:  []string{"PGO_ETCD_CERT"},
		}),
		etcdKey: viperutil.Configure(reg, "etcd-key", viperutil.Options[string]{
			FlagName: "etcd-key",
			EnvVars:  []string{"PGO_ETCD_KEY"},
		}),
		etcdCA: viperutil.Configure(reg, "etcd-ca", viperutil.Options[string]{
			FlagName: "etcd-ca",
			EnvVars:  []string{"PGO_ETCD_CA"},
		}),
		leaderTTL: viperutil.Configure(reg, "leader-ttl", viperutil.Options[int]{
			Default:  10,
			FlagName: "leader-ttl",
			EnvVars:  []string{"PGO_LEADER_TTL"},
		}),
		pgBinDir: viperutil.Configure(reg, "pg-bin-dir", viperutil.Options[string]{
			FlagName: "pg-bin-dir",
			EnvVars:  []string{"PGO_PG_BIN_DIR"},
		}),
		pgDataDir: viperutil.Configure(reg, "pg-data-dir", viperutil.Options[string]{
			Default:  "/var/lib/postgresql/data",
			FlagName: "pg-data-dir",
			EnvVars:  []string{"PGO_PG_DATA_DIR"},
		}),
		pgHost: viperutil.Configure(reg, "pg-host", viperutil.Options[string]{
			Default:  "localhost",
			FlagName: "pg-host",
			EnvVars:  []string{"PGO_PG_HOST"},
		}),
		pgPort: viperutil.Configure(reg, "pg-port", viperutil.Options[int]{
			Default:  5432,
			FlagName: "pg-port",
			EnvVars:  []string{"PGO_PG_PORT"},
		}),
		pgUser: viperutil.Configure(reg, "pg-user", viperutil.Options[string]{
			Default:  constants.DefaultPostgresUser,
			FlagName: "pg-user",
			EnvVars:  []string{"PGO_PG_USER"},
		}),
		pgPassword: viperutil.Configure(reg, "pg-password", viperutil.Options[string]{
			FlagName: "pg-password",
			EnvVars:  []string{"PGO_PG_PASSWORD"},
		}),
		replicationConfig: viperutil.Configure(reg, "replication-config", viperutil.Options[string]{
			Default:  "/etc/patroni/replication.yaml",
			FlagName: "replication-config",
			EnvVars:  []string{"PGO_REPLICATION_CONFIG"},
		}),
		replicationUser: viperutil.Configure(reg, "replication-user", viperutil.Options[string]{
			Default:  "replication",
			FlagName: "replication-user",
			EnvVars:  []string{"PGO_REPLICATION_USER"},
		}),
		readyTimeout: viperutil.Configure(reg, "ready-timeout", viperutil.Options[time.Duration]{
			Default:  2 * time.Minute,
			FlagName: "ready-timeout",
			EnvVars:  []string{"PGO_READY_TIMEOUT"},
		}),
		membershipURLs: viperutil.Configure(reg, "membership-urls", viperutil.Options[[]string]{
			Default:  []string{"http://localhost:8008"},
			FlagName: "membership-urls",
			Dynamic:  true,
			EnvVars:  []string{"PGO_MEMBERSHIP_URLS"},
		}),
		membershipUser: viperutil.Configure(reg, "membership-user", viperutil.Options[string]{
			FlagName: "membership-user",
			EnvVars:  []string{"PGO_MEMBERSHIP_USER"},
		}),
		membershipPassword: viperutil.Configure(reg, "membership-password", viperutil.Options[string]{
			FlagName: "membership-password",
			EnvVars:  []string{"PGO_MEMBERSHIP_PASSWORD"},
		}),
		membershipPollInterval: viperutil.Configure(reg, "membership-poll-interval", viperutil.Options[time.Duration]{
			Default:  3 * time.Second,
			FlagName: "membership-poll-interval",
			EnvVars:  []string{"PGO_MEMBERSHIP_POLL_INTERVAL"},
		}),
		dcsNamespace: viperutil.Configure(reg, "dcs-namespace", viperutil.Options[string]{
			Default:  "/service",
			FlagName: "dcs-namespace",
			EnvVars:  []string{"PGO_DCS_NAMESPACE"},
		}),
		dcsScope: viperutil.Configure(reg, "dcs-scope", viperutil.Options[string]{
			FlagName: "dcs-scope",
			EnvVars:  []string{"PGO_DCS_SCOPE"},
		}),
		archivePolicy: viperutil.Configure(reg, "archive-policy", viperutil.Options[string]{
			Default:  string(archive.PolicyLocal),
			FlagName: "archive-policy",
			EnvVars:  []string{"PGO_ARCHIVE_POLICY"},
		}),
		s3Bucket: viperutil.Configure(reg, "s3-bucket", viperutil.Options[string]{
			FlagName: "s3-bucket",
			EnvVars:  []string{"PGO_S3_BUCKET"},
		}),
		s3Region: viperutil.Configure(reg, "s3-region", viperutil.Options[string]{
			FlagName: "s3-region",
			EnvVars:  []string{"PGO_S3_REGION", "AWS_REGION"},
		}),
		s3Endpoint: viperutil.Configure(reg, "s3-endpoint", viperutil.Options[string]{
			FlagName: "s3-endpoint",
			EnvVars:  []string{"PGO_S3_ENDPOINT"},
		}),
		s3KeyPrefix: viperutil.Configure(reg, "s3-key-prefix", viperutil.Options[string]{
			Default:  "archives",
			FlagName: "s3-key-prefix",
			EnvVars:  []string{"PGO_S3_KEY_PREFIX"},
		}),
		healthBindAddress: viperutil.Configure(reg, "health-bind-address", viperutil.Options[string]{
			Default:  "0.0.0.0",
			FlagName: "health-bind-address",
			EnvVars:  []string{"PGO_HEALTH_BIND_ADDRESS"},
		}),
		healthPort: viperutil.Configure(reg, "health-port", viperutil.Options[int]{
			Default:  15400,
			FlagName: "health-port",
			EnvVars:  []string{"PGO_HEALTH_PORT"},
		}),
		updateStatusInterval: viperutil.Configure(reg, "update-status-interval", viperutil.Options[time.Duration]{
			Default:  constants.UpdateStatusInterval,
			FlagName: "update-status-interval",
			EnvVars:  []string{"PGO_UPDATE_STATUS_INTERVAL"},
		}),
		deferBaseDelay: viperutil.Configure(reg, "defer-base-delay", viperutil.Options[time.Duration]{
			Default:  time.Second,
			FlagName: "defer-base-delay",
			EnvVars:  []string{"PGO_DEFER_BASE_DELAY"},
		}),
		deferMaxDelay: viperutil.Configure(reg, "defer-max-delay", viperutil.Options[time.Duration]{
			Default:  time.Minute,
			FlagName: "defer-max-delay",
			EnvVars:  []string{"PGO_DEFER_MAX_DELAY"},
		}),
	}
}

func (c *Config) GetUnit() string                          { return c.unit.Get() }
func (c *Config) GetModelUUID() string                     { return c.modelUUID.Get() }
func (c *Config) GetAddress() string                       { return c.address.Get() }
func (c *Config) GetEndpoint() string                      { return c.endpoint.Get() }
func (c *Config) GetBackend() string                       { return c.backend.Get() }
func (c *Config) GetEtcdEndpoints() []string               { return c.etcdEndpoints.Get() }
func (c *Config) GetEtcdRoot() string                      { return c.etcdRoot.Get() }
func (c *Config) GetLeaderTTL() int                        { return c.leaderTTL.Get() }
func (c *Config) GetPgBinDir() string                      { return c.pgBinDir.Get() }
func (c *Config) GetPgDataDir() string                     { return c.pgDataDir.Get() }
func (c *Config) GetPgPort() int                           { return c.pgPort.Get() }
func (c *Config) GetReplicationConfig() string             { return c.replicationConfig.Get() }
func (c *Config) GetReplicationUser() string               { return c.replicationUser.Get() }
func (c *Config) GetReadyTimeout() time.Duration           { return c.readyTimeout.Get() }
func (c *Config) GetMembershipURLs() []string              { return c.membershipURLs.Get() }
func (c *Config) GetMembershipPollInterval() time.Duration { return c.membershipPollInterval.Get() }
func (c *Config) GetDCSNamespace() string                  { return c.dcsNamespace.Get() }
func (c *Config) GetArchivePolicy() string                 { return c.archivePolicy.Get() }
func (c *Config) GetHealthBindAddress() string             { return c.healthBindAddress.Get() }
func (c *Config) GetHealthPort() int                       { return c.healthPort.Get() }
func (c *Config) GetUpdateStatusInterval() time.Duration   { return c.updateStatusInterval.Get() }
func (c *Config) GetDeferBaseDelay() time.Duration         { return c.deferBaseDelay.Get() }
func (c *Config) GetDeferMaxDelay() time.Duration          { return c.deferMaxDelay.Get() }

// GetMemberName returns the membership service's name for the local
// member. It defaults to the unit name with the slash replaced.
func (c *Config) GetMemberName() string {
	if name := c.memberName.Get(); name != "" {
		return name
	}
	return strings.ReplaceAll(c.GetUnit(), "/", "-")
}

// GetDCSScope returns the membership scope, the application name unless
// set.
func (c *Config) GetDCSScope() string {
	if scope := c.dcsScope.Get(); scope != "" {
		return scope
	}
	app, _, _ := strings.Cut(c.GetUnit(), "/")
	return app
}

func (c *Config) GetEtcdTLS() (cert, key, ca string) {
	return c.etcdCert.Get(), c.etcdKey.Get(), c.etcdCA.Get()
}

// GetPostgres locates the local server for catalog queries.
func (c *Config) GetPostgres() (host, user, password string) {
	return c.pgHost.Get(), c.pgUser.Get(), c.pgPassword.Get()
}

func (c *Config) GetMembershipAuth() (user, password string) {
	return c.membershipUser.Get(), c.membershipPassword.Get()
}

// GetS3 returns the archive bucket settings. Credentials come from the
// standard AWS environment variables.
func (c *Config) GetS3() archive.S3Config {
	return archive.S3Config{
		Bucket:    c.s3Bucket.Get(),
		Region:    c.s3Region.Get(),
		Endpoint:  c.s3Endpoint.Get(),
		KeyPrefix: c.s3KeyPrefix.Get(),
	}.CredentialsFromEnv()
}

// membershipEndpoints reads membership-urls at each query, so a config
// reload takes effect without a restart.
func (c *Config) membershipEndpoints(context.Context) ([]string, error) {
	urls := c.GetMembershipURLs()
	if len(urls) == 0 {
		return nil, errors.New("membership-urls is empty")
	}
	return urls, nil
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	unit := c.GetUnit()
	app, n, ok := strings.Cut(unit, "/")
	if !ok || app == "" || n == "" || strings.Contains(n, "/") {
		return fmt.Errorf("unit %q is not <app>/<n>", unit)
	}
	switch c.GetBackend() {
	case BackendEtcd:
		if len(c.GetEtcdEndpoints()) == 0 {
			return fmt.Errorf("etcd-endpoints needs to be set")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.GetBackend(), BackendEtcd, BackendMemory)
	}
	if _, err := archive.ParsePolicy(c.GetArchivePolicy()); err != nil {
		return err
	}
	if c.GetDeferBaseDelay() <= 0 || c.GetDeferMaxDelay() < c.GetDeferBaseDelay() {
		return fmt.Errorf("defer delays must satisfy 0 < base (%v) <= max (%v)", c.GetDeferBaseDelay(), c.GetDeferMaxDelay())
	}
	return nil
}

// RegisterFlags registers all operator flags with the given FlagSet.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.String("unit", c.unit.Default(), "local unit name, <app>/<n>")
	fs.String("model-uuid", c.modelUUID.Default(), "UUID of the model the application belongs to")
	fs.String("address", c.address.Default(), "address of this unit that a primary cluster admits")
	fs.String("endpoint", c.endpoint.Default(), "host:port other clusters replicate from after a promotion")
	fs.String("member-name", c.memberName.Default(), "name of the local member in the membership service")
	fs.String("backend", c.backend.Default(), "data plane backend (etcd or memory)")
	fs.StringSlice("etcd-endpoints", c.etcdEndpoints.Default(), "etcd endpoints")
	fs.String("etcd-root", c.etcdRoot.Default(), "etcd key prefix of the data plane")
	fs.String("etcd-cert", c.etcdCert.Default(), "client certificate for etcd")
	fs.String("etcd-key", c.etcdKey.Default(), "client key for etcd")
	fs.String("etcd-ca", c.etcdCA.Default(), "CA bundle for etcd")
	fs.Int("leader-ttl", c.leaderTTL.Default(), "leadership session TTL in seconds")
	fs.String("pg-bin-dir", c.pgBinDir.Default(), "directory holding pg_ctl and friends; empty uses PATH")
	fs.String("pg-data-dir", c.pgDataDir.Default(), "PostgreSQL data directory")
	fs.String("pg-host", c.pgHost.Default(), "PostgreSQL host for catalog queries")
	fs.Int("pg-port", c.pgPort.Default(), "PostgreSQL port")
	fs.String("pg-user", c.pgUser.Default(), "PostgreSQL user for catalog queries")
	fs.String("pg-password", c.pgPassword.Default(), "PostgreSQL password for catalog queries")
	fs.String("replication-config", c.replicationConfig.Default(), "path of the rendered replication configuration")
	fs.String("replication-user", c.replicationUser.Default(), "user standbys authenticate base backups with")
	fs.Duration("ready-timeout", c.readyTimeout.Default(), "how long to wait for the local member to start")
	fs.StringSlice("membership-urls", c.membershipURLs.Default(), "membership API URLs, the local one first")
	fs.String("membership-user", c.membershipUser.Default(), "membership API user")
	fs.String("membership-password", c.membershipPassword.Default(), "membership API password")
	fs.Duration("membership-poll-interval", c.membershipPollInterval.Default(), "delay between membership readiness probes")
	fs.String("dcs-namespace", c.dcsNamespace.Default(), "namespace of the membership records in etcd")
	fs.String("dcs-scope", c.dcsScope.Default(), "scope of the membership records; defaults to the application")
	fs.String("archive-policy", c.archivePolicy.Default(), "what to do with diverged data (discard, local or s3)")
	fs.String("s3-bucket", c.s3Bucket.Default(), "archive bucket")
	fs.String("s3-region", c.s3Region.Default(), "archive bucket region")
	fs.String("s3-endpoint", c.s3Endpoint.Default(), "endpoint of S3-compatible storage")
	fs.String("s3-key-prefix", c.s3KeyPrefix.Default(), "key prefix of archived tarballs")
	fs.String("health-bind-address", c.healthBindAddress.Default(), "bind address of the gRPC health service")
	fs.Int("health-port", c.healthPort.Default(), "port of the gRPC health service; negative disables it")
	fs.Duration("update-status-interval", c.updateStatusInterval.Default(), "interval of the update-status event")
	fs.Duration("defer-base-delay", c.deferBaseDelay.Default(), "first redelivery delay of a deferred event")
	fs.Duration("defer-max-delay", c.deferMaxDelay.Default(), "longest redelivery delay of a deferred event")

	viperutil.BindFlags(fs,
		c.unit,
		c.modelUUID,
		c.address,
		c.endpoint,
		c.memberName,
		c.backend,
		c.etcdEndpoints,
		c.etcdRoot,
		c.etcdCert,
		c.etcdKey,
		c.etcdCA,
		c.leaderTTL,
		c.pgBinDir,
		c.pgDataDir,
		c.pgHost,
		c.pgPort,
		c.pgUser,
		c.pgPassword,
		c.replicationConfig,
		c.replicationUser,
		c.readyTimeout,
		c.membershipURLs,
		c.membershipUser,
		c.membershipPassword,
		c.membershipPollInterval,
		c.dcsNamespace,
		c.dcsScope,
		c.archivePolicy,
		c.s3Bucket,
		c.s3Region,
		c.s3Endpoint,
		c.s3KeyPrefix,
		c.healthBindAddress,
		c.healthPort,
		c.updateStatusInterval,
		c.deferBaseDelay,
		c.deferMaxDelay,
	)
}

// ConfigOption customizes a test Config.
type ConfigOption func(*Config)

func WithUnit(unit string) ConfigOption {
	return func(c *Config) { c.unit.Set(unit) }
}

func WithModelUUID(id string) ConfigOption {
	return func(c *Config) { c.modelUUID.Set(id) }
}

func WithEndpoint(endpoint string) ConfigOption {
	return func(c *Config) { c.endpoint.Set(endpoint) }
}

func WithAddress(address string) ConfigOption {
	return func(c *Config) { c.address.Set(address) }
}

func WithArchivePolicy(p archive.Policy) ConfigOption {
	return func(c *Config) { c.archivePolicy.Set(string(p)) }
}

func WithUpdateStatusInterval(d time.Duration) ConfigOption {
	return func(c *Config) { c.updateStatusInterval.Set(d) }
}

func WithDeferDelays(base, max time.Duration) ConfigOption {
	return func(c *Config) {
		c.deferBaseDelay.Set(base)
		c.deferMaxDelay.Set(max)
	}
}

// NewTestConfig returns a Config on the memory backend with the health
// service disabled.
func NewTestConfig(opts ...ConfigOption) *Config {
	cfg := NewConfig(viperutil.NewRegistry())
	cfg.backend.Set(BackendMemory)
	cfg.healthPort.Set(-1)
	cfg.deferBaseDelay.Set(10 * time.Millisecond)
	cfg.deferMaxDelay.Set(100 * time.Millisecond)
	cfg.replicationConfig.Set("/etc/patroni/replication.yaml")
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
