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

package databag

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/multigres/pgoperator/go/common/leadership"
)

// maxCASAttempts bounds the read-modify-write loop of a bag update.
const maxCASAttempts = 8

// Bag is one string-keyed data bag.
type Bag map[string]string

// Clone returns a copy of b that is never nil.
func (b Bag) Clone() Bag {
	out := make(Bag, len(b))
	maps.Copy(out, b)
	return out
}

// View is a snapshot of one relation as seen by the local unit.
type View struct {
	Relation  Relation
	LocalUnit string
	// Units holds every unit bag found, plus the local unit even when it has
	// not written anything yet.
	Units map[string]Bag
	Apps  map[string]Bag
}

// UnitNames returns all unit names in the view, sorted.
func (v *View) UnitNames() []string {
	return slices.Sorted(maps.Keys(v.Units))
}

// UnitsOf returns the sorted unit names belonging to app.
func (v *View) UnitsOf(app string) []string {
	var out []string
	for _, u := range v.UnitNames() {
		if AppOfUnit(u) == app {
			out = append(out, u)
		}
	}
	return out
}

// Own returns the local unit's bag.
func (v *View) Own() Bag {
	return v.Unit(v.LocalUnit)
}

// Unit returns unit's bag, or an empty bag.
func (v *View) Unit(unit string) Bag {
	if b, ok := v.Units[unit]; ok {
		return b
	}
	return Bag{}
}

// App returns app's bag, or an empty bag.
func (v *View) App(app string) Bag {
	if b, ok := v.Apps[app]; ok {
		return b
	}
	return Bag{}
}

// PeerStore reads every bag of a relation and writes only the bags the
// local unit owns: its own unit bag, and its application bag when it holds
// a leadership.Handle.
type PeerStore interface {
	LocalUnit() string
	LocalApp() string

	Relation(ctx context.Context, id int) (Relation, error)
	// Relations lists the relations the local application joined through
	// endpoint.
	Relations(ctx context.Context, endpoint string) ([]Relation, error)
	View(ctx context.Context, id int) (*View, error)

	GetOwn(ctx context.Context, id int) (Bag, error)
	GetPeer(ctx context.Context, id int, unit string) (Bag, error)
	GetApp(ctx context.Context, id int, app string) (Bag, error)

	SetOwn(ctx context.Context, id int, mutate func(Bag)) error
	SetApp(ctx context.Context, h *leadership.Handle, id int, mutate func(Bag)) error
}

// Store implements PeerStore on a Conn.
type Store struct {
	conn Conn
	app  string
	unit string
}

var _ PeerStore = (*Store)(nil)

// NewStore returns the PeerStore of unit (<app>/<n>).
func NewStore(conn Conn, unit string) *Store {
	return &Store{conn: conn, app: AppOfUnit(unit), unit: unit}
}

func (s *Store) LocalUnit() string { return s.unit }
func (s *Store) LocalApp() string  { return s.app }

func (s *Store) Relation(ctx context.Context, id int) (Relation, error) {
	data, _, err := s.conn.Get(ctx, RelationPath(id))
	if err != nil {
		return Relation{}, err
	}
	return DecodeRelation(data)
}

func (s *Store) Relations(ctx context.Context, endpoint string) ([]Relation, error) {
	kvs, err := s.conn.List(ctx, RelationsPrefix())
	if IsErrType(err, NoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Relation
	for _, kv := range kvs {
		info, ok := ParsePath(kv.Key)
		if !ok || info.Kind != KindMeta {
			continue
		}
		r, err := DecodeRelation(kv.Value)
		if err != nil {
			return nil, err
		}
		if r.Endpoint(s.app) == endpoint {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b Relation) int { return a.ID - b.ID })
	return out, nil
}

func (s *Store) View(ctx context.Context, id int) (*View, error) {
	r, err := s.Relation(ctx, id)
	if err != nil {
		return nil, err
	}
	v := &View{
		Relation:  r,
		LocalUnit: s.unit,
		Units:     map[string]Bag{s.unit: {}},
		Apps:      map[string]Bag{},
	}

	kvs, err := s.conn.List(ctx, relationPrefix(id))
	if err != nil && !IsErrType(err, NoNode) {
		return nil, err
	}
	for _, kv := range kvs {
		info, ok := ParsePath(kv.Key)
		if !ok || info.Kind == KindMeta {
			continue
		}
		bag, err := decodeBag(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", kv.Key, err)
		}
		switch info.Kind {
		case KindApp:
			v.Apps[info.Name] = bag
		case KindUnit:
			v.Units[info.Name] = bag
		}
	}
	return v, nil
}

func (s *Store) GetOwn(ctx context.Context, id int) (Bag, error) {
	return s.GetPeer(ctx, id, s.unit)
}

func (s *Store) GetPeer(ctx context.Context, id int, unit string) (Bag, error) {
	return s.getBag(ctx, UnitPath(id, unit))
}

func (s *Store) GetApp(ctx context.Context, id int, app string) (Bag, error) {
	return s.getBag(ctx, AppPath(id, app))
}

func (s *Store) SetOwn(ctx context.Context, id int, mutate func(Bag)) error {
	if _, err := s.Relation(ctx, id); err != nil {
		return err
	}
	return s.update(ctx, UnitPath(id, s.unit), mutate)
}

func (s *Store) SetApp(ctx context.Context, h *leadership.Handle, id int, mutate func(Bag)) error {
	if err := h.Confirm(ctx); err != nil {
		return err
	}
	if h.Unit() != s.unit {
		return fmt.Errorf("leadership handle of %s used by %s: %w", h.Unit(), s.unit, leadership.ErrNotLeader)
	}
	if _, err := s.Relation(ctx, id); err != nil {
		return err
	}
	return s.update(ctx, AppPath(id, s.app), mutate)
}

func (s *Store) getBag(ctx context.Context, p string) (Bag, error) {
	data, _, err := s.conn.Get(ctx, p)
	if IsErrType(err, NoNode) {
		return Bag{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeBag(data)
}

// update applies mutate with a compare-and-swap loop. Writes that leave the
// bag unchanged are skipped so they do not wake watchers.
func (s *Store) update(ctx context.Context, p string, mutate func(Bag)) error {
	for range maxCASAttempts {
		data, version, err := s.conn.Get(ctx, p)
		bag := Bag{}
		switch {
		case IsErrType(err, NoNode):
			version = nil
		case err != nil:
			return err
		default:
			if bag, err = decodeBag(data); err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
		}

		before := bag.Clone()
		mutate(bag)
		if version != nil && maps.Equal(before, bag) {
			return nil
		}

		contents, err := json.Marshal(bag)
		if err != nil {
			return err
		}
		if version == nil {
			_, err = s.conn.Create(ctx, p, contents)
		} else {
			_, err = s.conn.Update(ctx, p, contents, version)
		}
		if IsErrType(err, NodeExists) || IsErrType(err, BadVersion) {
			continue
		}
		return err
	}
	return NewError(BadVersion, p)
}

func decodeBag(data []byte) (Bag, error) {
	bag := Bag{}
	if len(data) == 0 {
		return bag, nil
	}
	if err := json.Unmarshal(data, &bag); err != nil {
		return nil, fmt.Errorf("decoding bag: %w", err)
	}
	return bag, nil
}

// CreateRelation registers a relation. It is the orchestrator's side of the
// data plane and fails with NodeExists if the id is taken.
func CreateRelation(ctx context.Context, conn Conn, r Relation) error {
	if err := r.validate(); err != nil {
		return NewError(BadInput, err.Error())
	}
	data, err := encodeRelation(r)
	if err != nil {
		return err
	}
	_, err = conn.Create(ctx, RelationPath(r.ID), data)
	return err
}

// RemoveRelation deletes a relation and every bag in it. Bags are removed
// before the metadata so watchers see the relation broken last.
func RemoveRelation(ctx context.Context, conn Conn, id int) error {
	kvs, err := conn.List(ctx, relationPrefix(id))
	if IsErrType(err, NoNode) {
		return NewError(NoNode, RelationPath(id))
	}
	if err != nil {
		return err
	}
	meta := RelationPath(id)
	for _, kv := range kvs {
		if kv.Key == meta {
			continue
		}
		if err := conn.Delete(ctx, kv.Key, nil); err != nil && !IsErrType(err, NoNode) {
			return err
		}
	}
	if err := conn.Delete(ctx, meta, nil); err != nil && !IsErrType(err, NoNode) {
		return err
	}
	return nil
}
