// Package events defines the event types and subjects used on the Trinity
// event bus.
package events

import "fmt"

// Event types for agent lifecycle
const (
	AgentStateChanged = "agent.state_changed"
	AgentDeleted      = "agent.deleted"
)

// Event types for executions
const (
	ExecutionStarted = "execution.started"
	ExecutionEnded   = "execution.ended"
)

// Event types for the activity journal
const (
	ActivityAppended = "activity.appended"
)

// Event types for supervision
const (
	RemediationRequested = "ops.remediation_requested"
)

// Subjects. The activity feed is per-agent so observers can subscribe with
// a wildcard ("trinity.activity.*") or narrow to one agent.
const (
	SubjectRemediation = "trinity.ops.remediate"
	SubjectLifecycle   = "trinity.lifecycle"
)

// ActivitySubject returns the journal subject for one agent.
func ActivitySubject(agentName string) string {
	return fmt.Sprintf("trinity.activity.%s", agentName)
}

// ActivitySubjectAll matches every agent's journal subject.
const ActivitySubjectAll = "trinity.activity.*"
