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

// Package secrets stores credentials in the data plane, scoped to an
// application or to one unit.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"path"

	"github.com/multigres/pgoperator/go/common/databag"
)

const maxCASAttempts = 8

// ErrNotFound means the scope has no value for the key.
var ErrNotFound = errors.New("secret not found")

// Store reads and writes secrets under secrets/<scope>/. A scope is an
// application name or a unit name.
type Store struct {
	conn databag.Conn
}

func NewStore(conn databag.Conn) *Store {
	return &Store{conn: conn}
}

func scopePath(scope string) string {
	return path.Join("secrets", scope)
}

func (s *Store) read(ctx context.Context, scope string) (map[string]string, databag.Version, error) {
	data, version, err := s.conn.Get(ctx, scopePath(scope))
	if databag.IsErrType(err, databag.NoNode) {
		return map[string]string{}, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	values := map[string]string{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, nil, fmt.Errorf("decoding secrets of %s: %w", scope, err)
	}
	return values, version, nil
}

// Get returns the value of key in scope.
func (s *Store) Get(ctx context.Context, scope, key string) (string, error) {
	values, _, err := s.read(ctx, scope)
	if err != nil {
		return "", err
	}
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("%s/%s: %w", scope, key, ErrNotFound)
	}
	return v, nil
}

// GetAll returns a copy of every value in scope.
func (s *Store) GetAll(ctx context.Context, scope string) (map[string]string, error) {
	values, _, err := s.read(ctx, scope)
	return values, err
}

// Set stores value under key in scope.
func (s *Store) Set(ctx context.Context, scope, key, value string) error {
	return s.SetAll(ctx, scope, map[string]string{key: value})
}

// SetAll merges values into scope.
func (s *Store) SetAll(ctx context.Context, scope string, values map[string]string) error {
	for range maxCASAttempts {
		current, version, err := s.read(ctx, scope)
		if err != nil {
			return err
		}
		maps.Copy(current, values)
		data, err := json.Marshal(current)
		if err != nil {
			return err
		}
		if version == nil {
			_, err = s.conn.Create(ctx, scopePath(scope), data)
		} else {
			_, err = s.conn.Update(ctx, scopePath(scope), data, version)
		}
		if databag.IsErrType(err, databag.NodeExists) || databag.IsErrType(err, databag.BadVersion) {
			continue
		}
		return err
	}
	return fmt.Errorf("writing secrets of %s: too many concurrent updates", scope)
}
