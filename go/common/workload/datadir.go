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

package workload

import (
	"fmt"
	"os"
	"path"

	"github.com/spf13/afero"
)

// DataDirMode is the permission PostgreSQL requires on its data directory.
const DataDirMode os.FileMode = 0o700

// DataDir is the database's on-disk state.
type DataDir struct {
	fs   afero.Fs
	path string
}

func NewDataDir(fs afero.Fs, p string) *DataDir {
	return &DataDir{fs: fs, path: path.Clean(p)}
}

func (d *DataDir) Path() string { return d.path }
func (d *DataDir) Fs() afero.Fs { return d.fs }

// Initialized reports whether the directory holds a database cluster.
func (d *DataDir) Initialized() (bool, error) {
	return afero.Exists(d.fs, path.Join(d.path, "PG_VERSION"))
}

// Recreate deletes the directory and creates it again, empty.
func (d *DataDir) Recreate() error {
	if err := d.fs.RemoveAll(d.path); err != nil {
		return fmt.Errorf("removing %s: %w", d.path, err)
	}
	return d.Create()
}

// Create makes the directory with the mode the database requires.
func (d *DataDir) Create() error {
	if err := d.fs.MkdirAll(d.path, DataDirMode); err != nil {
		return fmt.Errorf("creating %s: %w", d.path, err)
	}
	return d.fs.Chmod(d.path, DataDirMode)
}
