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

package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/multigres/pgoperator/go/common/workload"
)

// Local renames the data directory to <dir>.diverged-<timestamp> on the same
// filesystem.
type Local struct {
	now func() time.Time
}

func NewLocal() *Local {
	return &Local{now: time.Now}
}

func (l *Local) Archive(_ context.Context, d *workload.DataDir) (string, error) {
	dest := d.Path() + ".diverged-" + stamp(l.now)
	if err := d.Fs().Rename(d.Path(), dest); err != nil {
		return "", fmt.Errorf("archiving %s: %w", d.Path(), err)
	}
	if err := d.Create(); err != nil {
		return "", err
	}
	return dest, nil
}
