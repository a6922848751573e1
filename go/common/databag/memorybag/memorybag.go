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

// Package memorybag is an in-process databag.Conn. It backs single-host
// deployments and every test that needs a relation data plane.
package memorybag

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/multigres/pgoperator/go/common/databag"
)

// ErrConnectionClosed is returned by every method after Close.
var ErrConnectionClosed = errors.New("connection closed")

// NodeVersion is the revision at which a key was last written.
type NodeVersion int64

func (v NodeVersion) String() string {
	return fmt.Sprintf("%d", int64(v))
}

type entry struct {
	contents []byte
	version  NodeVersion
}

// Conn is a databag.Conn backed by a map. Several Conns created with
// Shared see the same data, the way units share a real backend.
type Conn struct {
	f *factory
}

type factory struct {
	mu       sync.Mutex
	revision NodeVersion
	entries  map[string]*entry
	watchers map[int]*watcher
	nextID   int
	closed   bool
}

var _ databag.Conn = (*Conn)(nil)

// New returns an empty data plane.
func New() *Conn {
	return &Conn{f: &factory{
		entries:  make(map[string]*entry),
		watchers: make(map[int]*watcher),
	}}
}

// Shared returns another Conn on the same data.
func (c *Conn) Shared() *Conn {
	return &Conn{f: c.f}
}

func normalize(p string) string {
	return strings.TrimPrefix(p, "/")
}

func (c *Conn) Get(ctx context.Context, p string) ([]byte, databag.Version, error) {
	p = normalize(p)
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if c.f.closed {
		return nil, nil, ErrConnectionClosed
	}
	e, ok := c.f.entries[p]
	if !ok {
		return nil, nil, databag.NewError(databag.NoNode, p)
	}
	return slices.Clone(e.contents), e.version, nil
}

func (c *Conn) Create(ctx context.Context, p string, contents []byte) (databag.Version, error) {
	p = normalize(p)
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if c.f.closed {
		return nil, ErrConnectionClosed
	}
	if _, ok := c.f.entries[p]; ok {
		return nil, databag.NewError(databag.NodeExists, p)
	}
	return c.f.put(p, contents), nil
}

func (c *Conn) Update(ctx context.Context, p string, contents []byte, version databag.Version) (databag.Version, error) {
	p = normalize(p)
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if c.f.closed {
		return nil, ErrConnectionClosed
	}
	if version != nil {
		e, ok := c.f.entries[p]
		if !ok {
			return nil, databag.NewError(databag.NoNode, p)
		}
		if e.version != version.(NodeVersion) {
			return nil, databag.NewError(databag.BadVersion, p)
		}
	}
	return c.f.put(p, contents), nil
}

func (c *Conn) Delete(ctx context.Context, p string, version databag.Version) error {
	p = normalize(p)
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if c.f.closed {
		return ErrConnectionClosed
	}
	e, ok := c.f.entries[p]
	if !ok {
		return databag.NewError(databag.NoNode, p)
	}
	if version != nil && e.version != version.(NodeVersion) {
		return databag.NewError(databag.BadVersion, p)
	}
	delete(c.f.entries, p)
	c.f.revision++
	c.f.notify(&databag.WatchData{Path: p, Version: c.f.revision, Deleted: true})
	return nil
}

func (c *Conn) List(ctx context.Context, prefix string) ([]databag.KVInfo, error) {
	prefix = normalize(prefix)
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if c.f.closed {
		return nil, ErrConnectionClosed
	}
	var out []databag.KVInfo
	for k, e := range c.f.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, databag.KVInfo{Key: k, Value: slices.Clone(e.contents), Version: e.version})
		}
	}
	if len(out) == 0 {
		return nil, databag.NewError(databag.NoNode, prefix)
	}
	slices.SortFunc(out, func(a, b databag.KVInfo) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

func (c *Conn) WatchRecursive(ctx context.Context, prefix string) ([]*databag.WatchData, <-chan *databag.WatchData, error) {
	prefix = normalize(prefix)
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if c.f.closed {
		return nil, nil, ErrConnectionClosed
	}

	var initial []*databag.WatchData
	for k, e := range c.f.entries {
		if strings.HasPrefix(k, prefix) {
			initial = append(initial, &databag.WatchData{Path: k, Contents: slices.Clone(e.contents), Version: e.version})
		}
	}
	slices.SortFunc(initial, func(a, b *databag.WatchData) int { return strings.Compare(a.Path, b.Path) })

	ctx, cancel := context.WithCancel(ctx)
	w := newWatcher(prefix, cancel)
	id := c.f.nextID
	c.f.nextID++
	c.f.watchers[id] = w

	go func() {
		<-ctx.Done()
		c.f.mu.Lock()
		delete(c.f.watchers, id)
		c.f.mu.Unlock()
		w.stop(databag.NewError(databag.Interrupted, "watch "+prefix))
	}()
	go w.pump()

	return initial, w.out, nil
}

// Close stops every watch. Other Conns sharing the data are closed too.
func (c *Conn) Close() error {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	c.f.closed = true
	for _, w := range c.f.watchers {
		w.cancel()
	}
	return nil
}

// put must be called with mu held.
func (f *factory) put(p string, contents []byte) NodeVersion {
	f.revision++
	f.entries[p] = &entry{contents: slices.Clone(contents), version: f.revision}
	f.notify(&databag.WatchData{Path: p, Contents: slices.Clone(contents), Version: f.revision})
	return f.revision
}

// notify must be called with mu held.
func (f *factory) notify(wd *databag.WatchData) {
	for _, w := range f.watchers {
		if strings.HasPrefix(wd.Path, w.prefix) {
			w.push(wd)
		}
	}
}
