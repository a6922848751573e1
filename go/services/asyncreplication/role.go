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

package asyncreplication

import (
	"encoding/json"
	"fmt"
)

// ClusterRole is the replication role of a whole cluster.
type ClusterRole int

const (
	RoleStandalone ClusterRole = iota
	RolePrimary
	RoleStandby
)

var roleNames = map[ClusterRole]string{
	RoleStandalone: "standalone",
	RolePrimary:    "primary",
	RoleStandby:    "standby",
}

func (r ClusterRole) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ParseRole parses the stored form of a role. An empty string is standalone.
func ParseRole(s string) (ClusterRole, error) {
	if s == "" {
		return RoleStandalone, nil
	}
	for r, name := range roleNames {
		if name == s {
			return r, nil
		}
	}
	return RoleStandalone, fmt.Errorf("unknown cluster role %q", s)
}

// RoleEvent is what moves a cluster between roles.
type RoleEvent int

const (
	// EventPromote: the operator promoted this cluster.
	EventPromote RoleEvent = iota
	// EventRemotePromoted: the related cluster was elected primary.
	EventRemotePromoted
	// EventRelationBroken: the cross-cluster relation was removed.
	EventRelationBroken
)

func (e RoleEvent) String() string {
	switch e {
	case EventPromote:
		return "promote"
	case EventRemotePromoted:
		return "remote-promoted"
	case EventRelationBroken:
		return "relation-broken"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

type roleStep struct {
	from  ClusterRole
	event RoleEvent
}

// roleTransitions is the complete role machine. A missing entry is an
// illegal move.
var roleTransitions = map[roleStep]ClusterRole{
	{RoleStandalone, EventPromote}:        RolePrimary,
	{RoleStandby, EventPromote}:           RolePrimary,
	{RoleStandalone, EventRemotePromoted}: RoleStandby,
	{RolePrimary, EventRemotePromoted}:    RoleStandby,
	// a new promotion on the remote side re-initializes the standby
	{RoleStandby, EventRemotePromoted}:    RoleStandby,
	{RoleStandalone, EventRelationBroken}: RoleStandalone,
	{RolePrimary, EventRelationBroken}:    RoleStandalone,
	{RoleStandby, EventRelationBroken}:    RoleStandalone,
}

// NextRole returns the role reached from 'from' on ev, and whether the move
// is legal.
func NextRole(from ClusterRole, ev RoleEvent) (ClusterRole, bool) {
	to, ok := roleTransitions[roleStep{from, ev}]
	return to, ok
}

// Elected is published in the application bag of the cross-cluster relation
// by the cluster that was promoted to primary.
type Elected struct {
	// Endpoint is the host:port standbys replicate from.
	Endpoint string `json:"endpoint"`
	// SecretID is the secret scope holding the replication credentials.
	SecretID string `json:"secret-id"`
	SystemID string `json:"system-id"`
	// PromotedCounter grows with every promotion on the relation.
	PromotedCounter int    `json:"promoted-counter"`
	App             string `json:"app"`
}

func (e Elected) encode() (string, error) {
	data, err := json.Marshal(e)
	return string(data), err
}

func decodeElected(s string) (Elected, error) {
	var e Elected
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return Elected{}, fmt.Errorf("decoding elected data: %w", err)
	}
	return e, nil
}

// Relation data keys.
const (
	// peer unit bag
	keyAppliedRole = "replication-role"

	// peer application bag
	keyClusterInitialized = "cluster-initialized"
	keyCoordinatedCounter = "standby-coordinated-counter"
	keyStandbyInitialized = "standby-initialized"
	keyPromotedCounter    = "promoted-counter"
	keySecretsCopied      = "secrets-copied-counter"

	// cross-cluster unit bag
	keyUnitAddress = "unit-address"
	keySystemID    = "system-id"

	// cross-cluster application bag
	keyElected             = "elected"
	keyPrimaryClusterReady = "primary-cluster-ready"
	keyStandbyUnits        = "standby-units"
)

// ReplicationPasswordKey names the replication password in a secret scope.
const ReplicationPasswordKey = "replication-password"
