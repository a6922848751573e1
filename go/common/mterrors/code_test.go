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

package mterrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodes(t *testing.T) {
	err := MultiplePrimariesElected([]string{"pg-a", "pg-b"})
	assert.Equal(t, "PGO1001: multiple primaries elected: [pg-a pg-b]", err.Error())
	assert.Equal(t, ClassFatal, err.Class)

	wrapped := fmt.Errorf("handling relation 3: %w", err)
	assert.True(t, errors.Is(wrapped, PGO1001()))
	assert.False(t, errors.Is(wrapped, PGO1002()))
	assert.True(t, IsError(wrapped, "PGO1001"))
	assert.False(t, IsError(errors.New("PGO1001"), "PGO1001"))
	assert.Equal(t, ClassFatal, ClassOf(wrapped))
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		err  error
		want Class
	}{
		{err: nil, want: ClassUnknown},
		{err: errors.New("plain"), want: ClassUnknown},
		{err: NoPrimaryFound(3), want: ClassFatal},
		{err: AlreadyPrimary("this cluster is already the primary"), want: ClassActionFailure},
		{err: PGO2004("replication"), want: ClassActionFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassOf(tt.err), "%v", tt.err)
	}
}

func TestErrorsListHasUniqueIDs(t *testing.T) {
	seen := map[string]bool{}
	for _, f := range Errors {
		id := f().ID
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
