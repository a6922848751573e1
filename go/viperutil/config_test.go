// Copyright 2023 The Vitess Authors.
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
//
// Modifications Copyright 2025 Supabase, Inc.

package viperutil

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetConfigHandlingValue(t *testing.T) {
	v := viper.New()
	v.SetDefault("default", ExitOnConfigFileNotFound)
	v.SetConfigType("yaml")

	cfg := `
foo: 2
bar: "2" # not valid, defaults to "ignore" (0)
baz: error
`
	err := v.ReadConfig(strings.NewReader(cfg))
	require.NoError(t, err)

	get := getHandlingValue(v)
	assert.Equal(t, ErrorOnConfigFileNotFound, get("foo"))
	assert.Equal(t, IgnoreConfigFileNotFound, get("bar"))
	assert.Equal(t, ErrorOnConfigFileNotFound, get("baz"))
	assert.Equal(t, IgnoreConfigFileNotFound, get("notset"))
	assert.Equal(t, ExitOnConfigFileNotFound, get("default"))
}

func TestLoadConfig(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	t.Run("no config file configured", func(t *testing.T) {
		reg := NewRegistry()
		vc := NewViperConfig(reg)
		cancel, err := vc.LoadConfig(reg, logger)
		require.NoError(t, err)
		cancel()
	})

	t.Run("ignore file not found", func(t *testing.T) {
		reg := NewRegistry()
		vc := NewViperConfig(reg)
		vc.configFile.Set(filepath.Join(t.TempDir(), "notfound.yaml"))
		vc.configFileNotFoundHandling.Set(IgnoreConfigFileNotFound)
		_, err := vc.LoadConfig(reg, logger)
		require.NoError(t, err)
	})

	t.Run("error on file not found", func(t *testing.T) {
		reg := NewRegistry()
		vc := NewViperConfig(reg)
		vc.configFile.Set(filepath.Join(t.TempDir(), "notfound.yaml"))
		vc.configFileNotFoundHandling.Set(ErrorOnConfigFileNotFound)
		_, err := vc.LoadConfig(reg, logger)
		require.Error(t, err)
	})

	t.Run("static and dynamic values read from file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "pgoperator.yaml")
		require.NoError(t, os.WriteFile(file, []byte("unit-name: pg/0\ndefer-max: 30s\n"), 0o600))

		reg := NewRegistry()
		vc := NewViperConfig(reg)
		unit := Configure(reg, "unit-name", Options[string]{})
		deferMax := Configure(reg, "defer-max", Options[time.Duration]{Default: time.Minute, Dynamic: true})
		vc.configFile.Set(file)

		cancel, err := vc.LoadConfig(reg, logger)
		require.NoError(t, err)
		defer cancel()

		assert.Equal(t, "pg/0", unit.Get())
		assert.Equal(t, 30*time.Second, deferMax.Get())
		assert.Equal(t, "pg/0", reg.Combined().GetString("unit-name"))
	})
}

func TestLoadConfig_ReloadsDynamicValues(t *testing.T) {
	file := filepath.Join(t.TempDir(), "pgoperator.yaml")
	require.NoError(t, os.WriteFile(file, []byte("membership-urls: [http://pg-0:8008]\n"), 0o600))

	reg := NewRegistry()
	vc := NewViperConfig(reg)
	urls := Configure(reg, "membership-urls", Options[[]string]{Dynamic: true})
	vc.configFile.Set(file)

	reloads := make(chan struct{}, 1)
	NotifyConfigReload(reg, reloads)
	cancel, err := vc.LoadConfig(reg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, []string{"http://pg-0:8008"}, urls.Get())

	require.NoError(t, os.WriteFile(file, []byte("membership-urls: [http://pg-0:8008, http://pg-1:8008]\n"), 0o600))
	select {
	case <-reloads:
	case <-time.After(10 * time.Second):
		t.Fatal("no reload notification")
	}
	assert.Equal(t, []string{"http://pg-0:8008", "http://pg-1:8008"}, urls.Get())

	assert.Panics(t, func() { NotifyConfigReload(reg, make(chan struct{})) })
}

type policy string

func (p *policy) UnmarshalText(text []byte) error {
	switch s := string(text); s {
	case "a", "b":
		*p = policy(s)
		return nil
	default:
		return os.ErrInvalid
	}
}

func TestConfigureAndBindFlags(t *testing.T) {
	reg := NewRegistry()
	name := Configure(reg, "app-name", Options[string]{Default: "postgresql", FlagName: "app-name", EnvVars: []string{"PGO_TEST_APP_NAME"}})
	endpoints := Configure(reg, "etcd-endpoints", Options[[]string]{FlagName: "etcd-endpoints"})
	pol := Configure(reg, "policy", Options[policy]{Default: "a", FlagName: "policy"})

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("app-name", name.Default(), "")
	fs.StringSlice("etcd-endpoints", nil, "")
	fs.String("policy", string(pol.Default()), "")
	BindFlags(fs, name, endpoints, pol)

	assert.Equal(t, "postgresql", name.Get())
	assert.Equal(t, policy("a"), pol.Get())

	require.NoError(t, fs.Parse([]string{"--app-name=pg", "--etcd-endpoints=a:2379,b:2379", "--policy=b"}))
	assert.Equal(t, "pg", name.Get())
	assert.Equal(t, []string{"a:2379", "b:2379"}, endpoints.Get())
	assert.Equal(t, policy("b"), pol.Get())

	t.Setenv("PGO_TEST_APP_NAME", "from-env")
	reg2 := NewRegistry()
	name2 := Configure(reg2, "app-name", Options[string]{Default: "postgresql", EnvVars: []string{"PGO_TEST_APP_NAME"}})
	assert.Equal(t, "from-env", name2.Get())
}

func TestBindFlags_MissingFlagPanics(t *testing.T) {
	reg := NewRegistry()
	v := Configure(reg, "missing", Options[string]{FlagName: "missing"})
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	assert.Panics(t, func() { BindFlags(fs, v) })
}

func TestDecodeGetter_NamedStringType(t *testing.T) {
	v := viper.New()
	v.SetDefault("policy", policy("b"))
	get := decodeGetter[policy](v)
	assert.NotPanics(t, func() { assert.Equal(t, policy("b"), get("policy")) })

	v.Set("policy", "a")
	assert.Equal(t, policy("a"), get("policy"))

	v.Set("policy", "c")
	assert.Equal(t, policy(""), get("policy"))
}
