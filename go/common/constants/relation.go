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

package constants

// Relation endpoints the operator joins.
const (
	// PeerEndpoint is the relation between units of one cluster.
	PeerEndpoint = "database-peers"

	// AsyncPrimaryEndpoint is joined by the cluster offering itself as primary.
	AsyncPrimaryEndpoint = "replication-offer"

	// AsyncStandbyEndpoint is joined by the cluster consuming a primary.
	AsyncStandbyEndpoint = "replication"

	// LogicalOfferEndpoint is joined by a cluster publishing tables.
	LogicalOfferEndpoint = "logical-replication-offer"

	// LogicalEndpoint is joined by a cluster subscribing to tables.
	LogicalEndpoint = "logical-replication"
)

// RestartBarrierTag names the barrier that stops every unit before any of
// them restarts with a new replication role.
const RestartBarrierTag = "async-restart"
