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

// Package databag is the shared relation data plane: a versioned key-value
// store holding one application bag and one bag per unit for every relation.
package databag

import (
	"context"
)

// Version is an opaque, backend-specific revision of a key.
type Version interface {
	String() string
}

// KVInfo is one key returned by List. Key is relative to the store root.
type KVInfo struct {
	Key     string
	Value   []byte
	Version Version
}

// WatchData is one change delivered by WatchRecursive. A final entry with
// Err set is sent before the channel closes.
type WatchData struct {
	Path     string
	Contents []byte
	Version  Version
	Deleted  bool
	Err      error
}

// Conn is the contract every data plane backend implements. Paths are
// slash separated and relative to the backend's root.
type Conn interface {
	// Get returns the contents and version of path, or NoNode.
	Get(ctx context.Context, path string) ([]byte, Version, error)

	// Create writes path if it does not exist, or fails with NodeExists.
	Create(ctx context.Context, path string, contents []byte) (Version, error)

	// Update writes path. With a non-nil version it only succeeds if the
	// stored version matches, and fails with BadVersion otherwise.
	Update(ctx context.Context, path string, contents []byte, version Version) (Version, error)

	// Delete removes path. With a non-nil version it is conditional.
	Delete(ctx context.Context, path string, version Version) error

	// List returns every key under prefix, sorted by key. An empty result
	// is reported as NoNode.
	List(ctx context.Context, prefix string) ([]KVInfo, error)

	// WatchRecursive returns the current contents under prefix and a
	// channel of subsequent changes. Cancel ctx to stop the watch.
	WatchRecursive(ctx context.Context, prefix string) ([]*WatchData, <-chan *WatchData, error)

	Close() error
}
