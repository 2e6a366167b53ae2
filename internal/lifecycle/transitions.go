// Package lifecycle owns the agent state machine and the manager that moves
// agents through it.
package lifecycle

import (
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// legalTransitions is the complete transition table. Anything absent is
// rejected; DELETED has no outgoing edges.
var legalTransitions = map[v1.AgentState][]v1.AgentState{
	v1.AgentStateCreated:  {v1.AgentStateStarting, v1.AgentStateDeleted},
	v1.AgentStateStarting: {v1.AgentStateRunning, v1.AgentStateError},
	v1.AgentStateRunning:  {v1.AgentStateStopping, v1.AgentStateError},
	v1.AgentStateStopping: {v1.AgentStateStopped, v1.AgentStateError},
	v1.AgentStateStopped:  {v1.AgentStateStarting, v1.AgentStateDeleted},
	v1.AgentStateError:    {v1.AgentStateStarting, v1.AgentStateStopping, v1.AgentStateDeleted},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to v1.AgentState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
