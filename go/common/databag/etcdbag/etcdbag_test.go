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

package etcdbag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRelative(t *testing.T) {
	s := &Server{root: "/pgoperator"}
	assert.Equal(t, "/pgoperator/relations/1/meta", s.nodePath("relations/1/meta"))
	assert.Equal(t, "relations/1/units/pg/0", s.relative([]byte("/pgoperator/relations/1/units/pg/0")))
}

func TestNewTLSConfig_Disabled(t *testing.T) {
	cfg, err := newTLSConfig("", "", "")
	assert.NoError(t, err)
	assert.Nil(t, cfg)
}
