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

package asyncreplication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// ReplicationConfig is the replication-related part of the workload
// configuration.
type ReplicationConfig struct {
	Role ClusterRole
	// PrimaryEndpoint is the host:port a standby cluster follows.
	PrimaryEndpoint string
	// StandbyAddresses are allowed to stream from a primary cluster.
	StandbyAddresses []string
}

// Configurer regenerates the workload configuration. It reports whether the
// rendered configuration changed.
type Configurer interface {
	Configure(ctx context.Context, cfg ReplicationConfig) (changed bool, err error)
}

type standbyClusterSection struct {
	Host                 string   `yaml:"host"`
	Port                 string   `yaml:"port"`
	CreateReplicaMethods []string `yaml:"create_replica_methods"`
}

type replicationDocument struct {
	Role           string                 `yaml:"role"`
	StandbyCluster *standbyClusterSection `yaml:"standby_cluster,omitempty"`
	// AllowedReplicas become pg_hba replication entries.
	AllowedReplicas []string `yaml:"allowed_replicas,omitempty"`
}

func render(cfg ReplicationConfig) ([]byte, error) {
	doc := replicationDocument{Role: cfg.Role.String()}
	switch cfg.Role {
	case RoleStandby:
		host, port, err := splitEndpoint(cfg.PrimaryEndpoint)
		if err != nil {
			return nil, err
		}
		doc.StandbyCluster = &standbyClusterSection{
			Host:                 host,
			Port:                 port,
			CreateReplicaMethods: []string{"basebackup"},
		}
	case RolePrimary:
		doc.AllowedReplicas = slices.Sorted(slices.Values(cfg.StandbyAddresses))
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FileConfigurer renders the configuration into a YAML file that the
// workload includes.
type FileConfigurer struct {
	fs   afero.Fs
	path string
}

var _ Configurer = (*FileConfigurer)(nil)

func NewFileConfigurer(fsys afero.Fs, path string) *FileConfigurer {
	return &FileConfigurer{fs: fsys, path: path}
}

func (f *FileConfigurer) Path() string { return f.path }

func (f *FileConfigurer) Configure(_ context.Context, cfg ReplicationConfig) (bool, error) {
	data, err := render(cfg)
	if err != nil {
		return false, fmt.Errorf("rendering replication config: %w", err)
	}
	current, err := afero.ReadFile(f.fs, f.path)
	switch {
	case err == nil && bytes.Equal(current, data):
		return false, nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return false, err
	}

	if err := f.fs.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return false, err
	}
	tmp := f.path + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, data, 0o600); err != nil {
		return false, err
	}
	if err := f.fs.Rename(tmp, f.path); err != nil {
		return false, err
	}
	return true, nil
}
