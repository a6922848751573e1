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

// Package archive sets aside a data directory that diverged from its
// primary before the directory is recreated empty.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/multigres/pgoperator/go/common/workload"
)

// Policy names an archive strategy.
type Policy string

const (
	// PolicyDiscard deletes the diverged data.
	PolicyDiscard Policy = "discard"
	// PolicyLocal renames the data directory next to itself.
	PolicyLocal Policy = "local"
	// PolicyS3 uploads a tarball of the data directory to object storage.
	PolicyS3 Policy = "s3"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyDiscard, PolicyLocal, PolicyS3:
		return p, nil
	}
	return "", fmt.Errorf("unknown archive policy %q (want discard, local or s3)", s)
}

// Archiver sets aside the contents of a data directory and leaves the
// directory empty. It returns where the data went, or "" if it was deleted.
type Archiver interface {
	Archive(ctx context.Context, d *workload.DataDir) (string, error)
}

// Discard deletes diverged data.
type Discard struct{}

func (Discard) Archive(_ context.Context, d *workload.DataDir) (string, error) {
	return "", d.Recreate()
}

func stamp(now func() time.Time) string {
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format("20060102T150405Z")
}
