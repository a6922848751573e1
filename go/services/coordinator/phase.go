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
	"fmt"
	"slices"
)

// Phase is where a member stands in the current barrier round.
type Phase int

const (
	// PhaseIdle: no round awaits this member.
	PhaseIdle Phase = iota
	// PhaseRequested: a round was observed and local work is pending.
	PhaseRequested
	// PhaseWaitingApproval: local work is done and acknowledged.
	PhaseWaitingApproval
)

var phaseNames = map[Phase]string{
	PhaseIdle:            "idle",
	PhaseRequested:       "requested",
	PhaseWaitingApproval: "waiting-approval",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ParsePhase parses the stored form of a phase. An empty string is idle.
func ParsePhase(s string) (Phase, error) {
	if s == "" {
		return PhaseIdle, nil
	}
	for p, name := range phaseNames {
		if name == s {
			return p, nil
		}
	}
	return PhaseIdle, fmt.Errorf("unknown barrier phase %q", s)
}

// phaseTransitions lists the legal moves of the per-member machine.
var phaseTransitions = map[Phase][]Phase{
	PhaseIdle: {
		PhaseRequested,
		// a member may acknowledge a round before it observed the request
		PhaseWaitingApproval,
	},
	PhaseRequested: {
		PhaseWaitingApproval,
	},
	PhaseWaitingApproval: {
		PhaseIdle,
		// the leader started a new round before this member saw approval
		PhaseRequested,
	},
}

// CanTransition reports whether a member may move from one phase to another.
// Staying in the same phase is always allowed.
func CanTransition(from, to Phase) bool {
	return from == to || slices.Contains(phaseTransitions[from], to)
}
