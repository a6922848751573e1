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

// Package logicalreplication tracks where logically replicated tables come
// from and refuses subscriptions that would send a table back to its origin.
package logicalreplication

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Identity names a cluster as <model-uuid>:<app>. Identities compare by
// exact string equality.
type Identity string

func NewIdentity(modelUUID, app string) (Identity, error) {
	if _, err := uuid.Parse(modelUUID); err != nil {
		return "", fmt.Errorf("invalid model uuid %q: %w", modelUUID, err)
	}
	if app == "" || strings.Contains(app, ":") {
		return "", fmt.Errorf("invalid application name %q", app)
	}
	return Identity(modelUUID + ":" + app), nil
}

// ParseIdentity validates an identity read from relation data.
func ParseIdentity(s string) (Identity, error) {
	model, app, ok := strings.Cut(s, ":")
	if !ok {
		return "", fmt.Errorf("identity %q is not <model-uuid>:<app>", s)
	}
	return NewIdentity(model, app)
}

// Chain lists the clusters a table flowed through, origin first and the
// current publisher last.
type Chain []Identity

func (c Chain) Contains(id Identity) bool {
	return slices.Contains(c, id)
}

// Extend returns a copy of c with id appended.
func (c Chain) Extend(id Identity) Chain {
	return append(slices.Clone(c), id)
}

// Origin is the cluster the table was first written on.
func (c Chain) Origin() Identity {
	if len(c) == 0 {
		return ""
	}
	return c[0]
}

// Chains maps database and table to the table's chain.
type Chains map[string]map[string]Chain

func (c Chains) Get(database, table string) (Chain, bool) {
	chain, ok := c[database][table]
	return chain, ok
}

func (c Chains) Set(database, table string, chain Chain) {
	if c[database] == nil {
		c[database] = map[string]Chain{}
	}
	c[database][table] = chain
}

func (c Chains) encode() (string, error) {
	data, err := json.Marshal(c)
	return string(data), err
}

func decodeChains(s string) (Chains, error) {
	chains := Chains{}
	if s == "" {
		return chains, nil
	}
	if err := json.Unmarshal([]byte(s), &chains); err != nil {
		return nil, fmt.Errorf("decoding replication chains: %w", err)
	}
	return chains, nil
}

// Request is what a subscriber asks its publisher for.
type Request struct {
	Database string   `json:"database"`
	Tables   []string `json:"tables"`
}

func (r Request) validate() error {
	if r.Database == "" {
		return fmt.Errorf("subscription request names no database")
	}
	if len(r.Tables) == 0 {
		return fmt.Errorf("subscription request for %s names no tables", r.Database)
	}
	return nil
}

func (r Request) encode() (string, error) {
	data, err := json.Marshal(r)
	return string(data), err
}

func decodeRequest(s string) (Request, error) {
	var r Request
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return Request{}, fmt.Errorf("decoding subscription request: %w", err)
	}
	return r, r.validate()
}

// Application bag keys on logical replication relations.
const (
	keyIdentity          = "identity"
	keyChains            = "replication-chains"
	keyRequest           = "subscription-request"
	keySubscriptionError = "subscription-error"
)
