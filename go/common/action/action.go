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

// Package action carries the outcome of an operator-invoked action.
package action

import (
	"fmt"
	"io"
	"maps"
	"sync"

	"gopkg.in/yaml.v3"
)

// Results collects an action's results and its failure message, if any.
type Results struct {
	mu      sync.Mutex
	name    string
	results map[string]any
	failure string
	failed  bool
}

func New(name string) *Results {
	return &Results{name: name, results: make(map[string]any)}
}

// SetResults merges values into the results.
func (r *Results) SetResults(values map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	maps.Copy(r.results, values)
}

// Fail marks the action failed. The last message wins.
func (r *Results) Fail(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = true
	r.failure = message
}

// Failed returns the failure message and whether the action failed.
func (r *Results) Failed() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure, r.failed
}

// Results returns a copy of the results.
func (r *Results) Results() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.results)
}

type document struct {
	Action  string         `yaml:"action"`
	Status  string         `yaml:"status"`
	Message string         `yaml:"message,omitempty"`
	Results map[string]any `yaml:"results,omitempty"`
}

// Render writes the outcome as YAML.
func (r *Results) Render(w io.Writer) error {
	r.mu.Lock()
	doc := document{Action: r.name, Status: "completed", Results: maps.Clone(r.results)}
	if r.failed {
		doc.Status = "failed"
		doc.Message = r.failure
	}
	r.mu.Unlock()

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("rendering %s results: %w", r.name, err)
	}
	return enc.Close()
}
