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
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoSystemIdentifier means pg_controldata printed no identifier.
var ErrNoSystemIdentifier = errors.New("no database system identifier in pg_controldata output")

const systemIdentifierLabel = "Database system identifier:"

// SystemIdentifier runs pg_controldata through w and returns the data
// directory's system identifier.
func SystemIdentifier(ctx context.Context, w Workload, controlData, dataDir string) (string, error) {
	stdout, stderr, err := w.Exec(ctx, controlData, "-D", dataDir)
	if err != nil {
		return "", fmt.Errorf("pg_controldata: %w: %s", err, strings.TrimSpace(stderr))
	}
	return ParseSystemIdentifier(stdout)
}

// ParseSystemIdentifier extracts the system identifier from pg_controldata
// output.
func ParseSystemIdentifier(out string) (string, error) {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if v, ok := strings.CutPrefix(line, systemIdentifierLabel); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v, nil
			}
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", ErrNoSystemIdentifier
}
