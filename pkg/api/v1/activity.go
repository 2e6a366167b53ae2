package v1

import (
	"encoding/json"
	"time"
)

// ActivityKind classifies a journal record.
type ActivityKind string

const (
	ActivityStateTransition   ActivityKind = "state_transition"
	ActivityExecutionStarted  ActivityKind = "execution_started"
	ActivityExecutionEnded    ActivityKind = "execution_ended"
	ActivityToolCall          ActivityKind = "tool_call"
	ActivityAgentEdge         ActivityKind = "agent_edge"
	ActivityAlert             ActivityKind = "alert"
	ActivityScheduleFired     ActivityKind = "schedule_fired"
	ActivityScheduleSkipped   ActivityKind = "schedule_skipped"
)

// ActivitySeverity grades the operator-facing importance of a record.
type ActivitySeverity string

const (
	SeverityInfo     ActivitySeverity = "info"
	SeverityWarn     ActivitySeverity = "warn"
	SeverityError    ActivitySeverity = "error"
	SeverityCritical ActivitySeverity = "critical"
)

// ActivityRecord is one entry in the append-only activity journal.
// IDs are monotone per agent; records are never updated or deleted.
type ActivityRecord struct {
	ID          int64            `json:"id"`
	Timestamp   time.Time        `json:"timestamp"`
	Kind        ActivityKind     `json:"kind"`
	AgentName   string           `json:"agent_name"`
	ExecutionID string           `json:"execution_id,omitempty"`
	PeerAgent   string           `json:"peer_agent,omitempty"`
	Severity    ActivitySeverity `json:"severity"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
}

// ActivityQuery filters a historical journal read.
type ActivityQuery struct {
	AgentName string        `json:"agent_name,omitempty"`
	Kinds     []ActivityKind `json:"kinds,omitempty"`
	Since     *time.Time    `json:"since,omitempty"`
	Until     *time.Time    `json:"until,omitempty"`
	Limit     int           `json:"limit,omitempty"`
}
