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
	"github.com/spf13/viper"
)

// Registry holds the static and dynamic viper instances for configuration.
// Each command gets its own isolated registry.
//
// Static registry values never change after LoadConfig is called.
// Dynamic registry values are refreshed when the loaded config file changes.
type Registry struct {
	static  *viper.Viper
	dynamic *syncViper
}

// NewRegistry creates a new isolated configuration registry.
//
// Example usage:
//
//	reg := viperutil.NewRegistry()
//	unitName := viperutil.Configure(reg, "unit-name", viperutil.Options[string]{
//	    FlagName: "unit-name",
//	})
func NewRegistry() *Registry {
	return &Registry{
		static:  viper.New(),
		dynamic: newSyncViper(),
	}
}

// Combined returns a viper instance combining the static and dynamic registries.
func (reg *Registry) Combined() *viper.Viper {
	v := viper.New()
	_ = v.MergeConfigMap(reg.static.AllSettings())
	_ = v.MergeConfigMap(reg.dynamic.AllSettings())

	v.SetConfigFile(reg.static.ConfigFileUsed())
	return v
}
