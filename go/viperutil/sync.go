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

package viperutil

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// syncViper guards a viper instance whose contents are replaced whenever the
// watched config file changes. Reads and writes of dynamic values go through
// its lock.
type syncViper struct {
	mu sync.RWMutex
	v  *viper.Viper

	watcher  *viper.Viper
	watching bool
	subs     []chan<- struct{}
}

func newSyncViper() *syncViper {
	return &syncViper{v: viper.New()}
}

func (s *syncViper) BindEnv(vars ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.BindEnv(vars...)
}

func (s *syncViper) BindPFlag(key string, flag *pflag.Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.BindPFlag(key, flag)
}

func (s *syncViper) RegisterAlias(alias string, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.RegisterAlias(alias, key)
}

func (s *syncViper) SetDefault(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.SetDefault(key, value)
}

func (s *syncViper) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Set(key, value)
}

func (s *syncViper) AllSettings() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.AllSettings()
}

// notify registers ch for reload notifications. Panics once watching started.
func (s *syncViper) notify(ch chan<- struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watching {
		panic("viperutil: cannot add reload subscription after the config is being watched")
	}
	s.subs = append(s.subs, ch)
}

// watch loads the config file used by static into the dynamic registry and
// re-merges it every time the file changes on disk.
func (s *syncViper) watch(ctx context.Context, static *viper.Viper, logger *slog.Logger) (context.CancelFunc, error) {
	file := static.ConfigFileUsed()
	if file == "" {
		return func() {}, nil
	}

	w := viper.New()
	w.SetConfigFile(file)
	if err := w.ReadInConfig(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if err := s.v.MergeConfigMap(w.AllSettings()); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.watcher = w
	s.watching = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	w.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		s.mu.Lock()
		err := s.v.MergeConfigMap(w.AllSettings())
		subs := s.subs
		s.mu.Unlock()
		if err != nil {
			logger.Warn("failed to merge reloaded config", "file", e.Name, "error", err)
			return
		}

		logger.Info("config reloaded", "file", e.Name)
		for _, ch := range subs {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	})
	w.WatchConfig()

	return cancel, nil
}

// adaptGetter wraps a viper getter so that it reads under the registry lock.
func adaptGetter[T any](s *syncViper, get func(v *viper.Viper) func(key string) T) func(key string) T {
	g := get(s.v)
	return func(key string) T {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return g(key)
	}
}
