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
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Options configures a value registered with Configure.
type Options[T any] struct {
	// Aliases are alternate keys for the value.
	Aliases []string
	// FlagName, if set, binds the value to the flag of that name once
	// BindFlags is called.
	FlagName string
	// EnvVars are environment variables bound to the value, in precedence order.
	EnvVars []string
	// Default is the value returned when nothing else is set.
	Default T
	// Dynamic values are re-read from the config file whenever it changes.
	Dynamic bool
	// GetFunc overrides the default getter for T.
	GetFunc func(v *viper.Viper) func(key string) T
}

// Bindable represents the methods needed to bind a value to a registry.
type Bindable interface {
	BindEnv(vars ...string) error
	BindPFlag(key string, flag *pflag.Flag) error
	RegisterAlias(alias string, key string)
	SetDefault(key string, value any)
}

var (
	_ Bindable = (*viper.Viper)(nil)
	_ Bindable = (*syncViper)(nil)
)

// Registerable is a value that can be bound to a flag.
type Registerable interface {
	Key() string
	Registry() Bindable
	Flag(fs *pflag.FlagSet) (*pflag.Flag, error)
}

// Value is a typed configuration value.
type Value[T any] interface {
	Registerable
	Get() T
	Set(v T)
	Default() T
}

// Configure registers a value under key on the registry and returns it.
func Configure[T any](reg *Registry, key string, opts Options[T]) Value[T] {
	getFunc := opts.GetFunc
	if getFunc == nil {
		getFunc = GetFuncForType[T]()
	}

	var (
		bindable Bindable
		get      func(string) T
		set      func(string, any)
	)
	if opts.Dynamic {
		bindable = reg.dynamic
		get = adaptGetter(reg.dynamic, getFunc)
		set = reg.dynamic.Set
	} else {
		bindable = reg.static
		get = getFunc(reg.static)
		set = reg.static.Set
	}

	bindable.SetDefault(key, opts.Default)
	for _, alias := range opts.Aliases {
		bindable.RegisterAlias(alias, key)
	}
	if len(opts.EnvVars) > 0 {
		vars := append([]string{key}, opts.EnvVars...)
		if err := bindable.BindEnv(vars...); err != nil {
			panic(fmt.Errorf("viperutil: failed to bind env vars for %s: %w", key, err))
		}
	}

	return &value[T]{
		key:      key,
		flagName: opts.FlagName,
		def:      opts.Default,
		get:      get,
		set:      set,
		bindable: bindable,
	}
}

type value[T any] struct {
	key      string
	flagName string
	def      T
	get      func(string) T
	set      func(string, any)
	bindable Bindable
}

func (v *value[T]) Key() string        { return v.key }
func (v *value[T]) Get() T             { return v.get(v.key) }
func (v *value[T]) Set(val T)          { v.set(v.key, val) }
func (v *value[T]) Default() T         { return v.def }
func (v *value[T]) Registry() Bindable { return v.bindable }

// Flag returns the flag bound to this value in fs, or nil when the value has
// no flag name.
func (v *value[T]) Flag(fs *pflag.FlagSet) (*pflag.Flag, error) {
	if v.flagName == "" {
		return nil, nil
	}
	f := fs.Lookup(v.flagName)
	if f == nil {
		return nil, fmt.Errorf("flag %s for key %s is not defined", v.flagName, v.key)
	}
	return f, nil
}

// BindFlags binds each value to its flag in fs. Values must have had their
// flags defined on fs beforehand; a missing flag is a programming error.
func BindFlags(fs *pflag.FlagSet, values ...Registerable) {
	for _, v := range values {
		f, err := v.Flag(fs)
		switch {
		case err != nil:
			panic(fmt.Errorf("failed to load flag for %s: %w", v.Key(), err))
		case f == nil:
			continue
		}

		if err := v.Registry().BindPFlag(v.Key(), f); err != nil {
			panic(fmt.Errorf("failed to bind flag %s to %s: %w", f.Name, v.Key(), err))
		}
		if f.Name != v.Key() {
			v.Registry().RegisterAlias(f.Name, v.Key())
		}
	}
}

// GetFuncForType returns the viper getter for common types. Types without a
// direct viper getter are decoded with mapstructure, which accepts text
// values for types implementing encoding.TextUnmarshaler.
func GetFuncForType[T any]() func(v *viper.Viper) func(key string) T {
	var zero T
	var f any
	switch any(zero).(type) {
	case string:
		f = func(v *viper.Viper) func(string) string { return v.GetString }
	case bool:
		f = func(v *viper.Viper) func(string) bool { return v.GetBool }
	case int:
		f = func(v *viper.Viper) func(string) int { return v.GetInt }
	case int64:
		f = func(v *viper.Viper) func(string) int64 { return v.GetInt64 }
	case float64:
		f = func(v *viper.Viper) func(string) float64 { return v.GetFloat64 }
	case time.Duration:
		f = func(v *viper.Viper) func(string) time.Duration { return v.GetDuration }
	case []string:
		f = func(v *viper.Viper) func(string) []string { return v.GetStringSlice }
	default:
		return decodeGetter[T]
	}
	return f.(func(v *viper.Viper) func(key string) T)
}

// plainStringHook turns values of named string types, such as a typed
// default, into plain strings. TextUnmarshallerHookFunc asserts its input is
// a string and panics on anything else of string kind.
func plainStringHook(from reflect.Type, _ reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || from == reflect.TypeFor[string]() {
		return data, nil
	}
	return reflect.ValueOf(data).String(), nil
}

func decodeGetter[T any](v *viper.Viper) func(key string) T {
	return func(key string) T {
		var out T
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.DecodeHookFuncType(plainStringHook),
				mapstructure.TextUnmarshallerHookFunc(),
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			WeaklyTypedInput: true,
			Result:           &out,
		})
		if err != nil {
			panic(fmt.Errorf("viperutil: building decoder for %s: %w", key, err))
		}
		if err := decoder.Decode(v.Get(key)); err != nil {
			slog.Warn("failed to decode config value, using zero value", "key", key, "error", err)
			var zero T
			return zero
		}
		return out
	}
}
