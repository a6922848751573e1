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

package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseTransitions(t *testing.T) {
	phases := []Phase{PhaseIdle, PhaseRequested, PhaseWaitingApproval}
	allowed := map[[2]Phase]bool{
		{PhaseIdle, PhaseRequested}:            true,
		{PhaseIdle, PhaseWaitingApproval}:      true,
		{PhaseRequested, PhaseWaitingApproval}: true,
		{PhaseWaitingApproval, PhaseIdle}:      true,
		{PhaseWaitingApproval, PhaseRequested}: true,
	}
	for _, from := range phases {
		for _, to := range phases {
			want := from == to || allowed[[2]Phase{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestParsePhase(t *testing.T) {
	for _, p := range []Phase{PhaseIdle, PhaseRequested, PhaseWaitingApproval} {
		got, err := ParsePhase(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	got, err := ParsePhase("")
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, got)

	_, err = ParsePhase("restarting")
	assert.Error(t, err)
	assert.Equal(t, "phase(9)", Phase(9).String())
}
