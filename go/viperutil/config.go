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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ViperConfig holds the values controlling config-file loading.
type ViperConfig struct {
	configFile                 Value[string]
	configFileNotFoundHandling Value[ConfigFileNotFoundHandling]
}

func NewViperConfig(reg *Registry) *ViperConfig {
	return &ViperConfig{
		configFile: Configure(
			reg,
			"config.file",
			Options[string]{
				EnvVars:  []string{"PGO_CONFIG_FILE"},
				FlagName: "config-file",
			},
		),
		configFileNotFoundHandling: Configure(
			reg,
			"config.notfound.handling",
			Options[ConfigFileNotFoundHandling]{
				Default:  WarnOnConfigFileNotFound,
				GetFunc:  getHandlingValue,
				FlagName: "config-file-not-found-handling",
			},
		),
	}
}

// RegisterFlags installs the flags that control config-loading behavior.
func (vc *ViperConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config-file", vc.configFile.Default(), "Full path of the config file (with extension) to use.")

	h := vc.configFileNotFoundHandling.Default()
	fs.Var(&h, "config-file-not-found-handling", fmt.Sprintf("Behavior when a config file is not found. (Options: %s)", strings.Join(handlingNames, ", ")))

	BindFlags(fs, vc.configFile, vc.configFileNotFoundHandling)
}

// LoadConfig reads the config file, if one is configured, into the static
// registry and starts watching it for the dynamic registry.
//
// The returned cancel function stops reload notifications.
func (vc *ViperConfig) LoadConfig(reg *Registry, logger *slog.Logger) (context.CancelFunc, error) {
	file := vc.configFile.Get()
	if file == "" {
		return func() {}, nil
	}

	reg.static.SetConfigFile(file)
	err := reg.static.ReadInConfig()
	if err != nil && isConfigFileNotFoundError(err) {
		switch vc.configFileNotFoundHandling.Get() {
		case WarnOnConfigFileNotFound:
			logger.Warn("config file not found, using flags and environment only", "file", file)
			return func() {}, nil
		case IgnoreConfigFileNotFound:
			return func() {}, nil
		case ErrorOnConfigFileNotFound:
			logger.Error("failed to read in config", "file", file, "error", err)
		case ExitOnConfigFileNotFound:
			logger.Error("failed to read in config", "file", file, "error", err)
			os.Exit(1)
		}
	}
	if err != nil {
		return nil, err
	}

	return reg.dynamic.watch(context.Background(), reg.static, logger)
}

func isConfigFileNotFoundError(err error) bool {
	if errors.As(err, &viper.ConfigFileNotFoundError{}) {
		return true
	}
	return errors.Is(err, os.ErrNotExist)
}

// NotifyConfigReload subscribes ch to dynamic config reloads. Notifications
// are sent non-blocking. Must be called before LoadConfig.
func NotifyConfigReload(reg *Registry, ch chan<- struct{}) {
	reg.dynamic.notify(ch)
}

// ConfigFileNotFoundHandling controls how LoadConfig treats a missing file.
type ConfigFileNotFoundHandling int

const (
	IgnoreConfigFileNotFound ConfigFileNotFoundHandling = iota
	WarnOnConfigFileNotFound
	ErrorOnConfigFileNotFound
	ExitOnConfigFileNotFound
)

var handlingByName = map[string]ConfigFileNotFoundHandling{
	"ignore": IgnoreConfigFileNotFound,
	"warn":   WarnOnConfigFileNotFound,
	"error":  ErrorOnConfigFileNotFound,
	"exit":   ExitOnConfigFileNotFound,
}

var handlingNames = slices.Sorted(maps.Keys(handlingByName))

// getHandlingValue accepts a handling name or its integer value. Anything
// else reads as ignore.
func getHandlingValue(v *viper.Viper) func(key string) ConfigFileNotFoundHandling {
	return func(key string) (h ConfigFileNotFoundHandling) {
		hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(decodeHandlingValue))
		if err := v.UnmarshalKey(key, &h, hook); err != nil {
			slog.Warn("invalid config file handling, using ignore", "key", key, "error", err)
			return IgnoreConfigFileNotFound
		}
		return h
	}
}

func decodeHandlingValue(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeFor[ConfigFileNotFoundHandling]() {
		return data, nil
	}
	switch from.Kind() {
	case reflect.Int:
		return ConfigFileNotFoundHandling(reflect.ValueOf(data).Int()), nil
	case reflect.String:
		var h ConfigFileNotFoundHandling
		err := h.Set(reflect.ValueOf(data).String())
		return h, err
	}
	return data, fmt.Errorf("invalid config file handling %v", data)
}

func (h *ConfigFileNotFoundHandling) Set(arg string) error {
	v, ok := handlingByName[strings.ToLower(arg)]
	if !ok {
		return fmt.Errorf("unknown handling name %s", arg)
	}
	*h = v
	return nil
}

func (h *ConfigFileNotFoundHandling) String() string {
	for name, v := range handlingByName {
		if v == *h {
			return name
		}
	}
	return "<UNKNOWN>"
}

func (h *ConfigFileNotFoundHandling) Type() string { return "ConfigFileNotFoundHandling" }
