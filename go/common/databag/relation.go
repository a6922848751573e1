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
	"encoding/json"
	"fmt"
	"maps"
	"path"
	"slices"
	"strconv"
	"strings"
)

const relationsRoot = "relations"

// Relation connects the endpoints of one or two applications. A peer
// relation has a single application.
type Relation struct {
	ID int `json:"id"`
	// Endpoints maps application name to the endpoint it joined with.
	Endpoints map[string]string `json:"endpoints"`
}

// Endpoint returns the endpoint app joined the relation with.
func (r Relation) Endpoint(app string) string {
	return r.Endpoints[app]
}

// RemoteApp returns the application on the other side, or "" for a peer
// relation.
func (r Relation) RemoteApp(app string) string {
	for other := range r.Endpoints {
		if other != app {
			return other
		}
	}
	return ""
}

// Apps returns the related applications in sorted order.
func (r Relation) Apps() []string {
	return slices.Sorted(maps.Keys(r.Endpoints))
}

func (r Relation) validate() error {
	if r.ID < 0 {
		return fmt.Errorf("relation id must not be negative: %d", r.ID)
	}
	if len(r.Endpoints) == 0 || len(r.Endpoints) > 2 {
		return fmt.Errorf("relation %d must have one or two applications, got %d", r.ID, len(r.Endpoints))
	}
	for app, ep := range r.Endpoints {
		if app == "" || ep == "" || strings.Contains(app, "/") {
			return fmt.Errorf("relation %d has an invalid endpoint %q:%q", r.ID, app, ep)
		}
	}
	return nil
}

func encodeRelation(r Relation) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRelation parses relation metadata as stored at RelationPath.
func DecodeRelation(data []byte) (Relation, error) {
	var r Relation
	if err := json.Unmarshal(data, &r); err != nil {
		return Relation{}, fmt.Errorf("decoding relation: %w", err)
	}
	return r, nil
}

// Path kinds under a relation.
const (
	KindMeta = "meta"
	KindApp  = "apps"
	KindUnit = "units"
)

// RelationPath returns the path of the relation's metadata.
func RelationPath(id int) string {
	return path.Join(relationsRoot, strconv.Itoa(id), KindMeta)
}

// AppPath returns the path of app's bag in the relation.
func AppPath(id int, app string) string {
	return path.Join(relationsRoot, strconv.Itoa(id), KindApp, app)
}

// UnitPath returns the path of unit's bag in the relation. Unit names have
// the form <app>/<n>.
func UnitPath(id int, unit string) string {
	return path.Join(relationsRoot, strconv.Itoa(id), KindUnit, unit)
}

func relationPrefix(id int) string {
	return path.Join(relationsRoot, strconv.Itoa(id)) + "/"
}

// RelationsPrefix is the prefix to watch for every relation change.
func RelationsPrefix() string {
	return relationsRoot + "/"
}

// PathInfo describes a path under the relations root.
type PathInfo struct {
	RelationID int
	Kind       string
	// Name is the app or unit name; empty for KindMeta.
	Name string
}

// ParsePath splits a relation path into its parts.
func ParsePath(p string) (PathInfo, bool) {
	rest, ok := strings.CutPrefix(strings.TrimPrefix(p, "/"), relationsRoot+"/")
	if !ok {
		return PathInfo{}, false
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 {
		return PathInfo{}, false
	}
	id, err := strconv.Atoi(parts[0])
	if err != nil {
		return PathInfo{}, false
	}
	info := PathInfo{RelationID: id, Kind: parts[1]}
	switch info.Kind {
	case KindMeta:
		if len(parts) != 2 {
			return PathInfo{}, false
		}
	case KindApp, KindUnit:
		if len(parts) != 3 || parts[2] == "" {
			return PathInfo{}, false
		}
		info.Name = parts[2]
	default:
		return PathInfo{}, false
	}
	return info, true
}

// AppOfUnit returns the application part of a unit name.
func AppOfUnit(unit string) string {
	app, _, _ := strings.Cut(unit, "/")
	return app
}
