package v1

import "time"

// ExecutionMode distinguishes the two execution paths against an agent.
type ExecutionMode string

const (
	// ExecutionModeChat is serialized and session-preserving: at most one
	// chat execution runs against a given agent at a time.
	ExecutionModeChat ExecutionMode = "chat"
	// ExecutionModeTask is stateless and parallel up to the per-agent and
	// global caps.
	ExecutionModeTask ExecutionMode = "task"
)

// ExecutionTrigger records what initiated an execution.
type ExecutionTrigger string

const (
	TriggerManual    ExecutionTrigger = "manual"
	TriggerScheduled ExecutionTrigger = "scheduled"
	TriggerMCP       ExecutionTrigger = "mcp"
	TriggerAgent     ExecutionTrigger = "agent-triggered"
)

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionAccepted  ExecutionStatus = "accepted"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimedOut  ExecutionStatus = "timed_out"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionTimedOut, ExecutionCancelled:
		return true
	}
	return false
}

// Execution is one unit of work performed against an agent.
type Execution struct {
	ID           string           `json:"id"`
	AgentName    string           `json:"agent_name"`
	Mode         ExecutionMode    `json:"mode"`
	Trigger      ExecutionTrigger `json:"trigger"`
	Initiator    string           `json:"initiator"`
	Message      string           `json:"message"`
	Status       ExecutionStatus  `json:"status"`
	SessionID    string           `json:"session_id,omitempty"`
	Result       string           `json:"result,omitempty"`
	CostUSD      float64          `json:"cost_usd"`
	InputTokens  int64            `json:"input_tokens"`
	OutputTokens int64            `json:"output_tokens"`
	ContextPct   float64          `json:"context_pct"`
	DurationMS   int64            `json:"duration_ms"`
	Error        string           `json:"error,omitempty"`
	CallChain    []string         `json:"call_chain,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	EndedAt      *time.Time       `json:"ended_at,omitempty"`
}

// ToolCall is one tool invocation parsed from the runtime's structured output.
type ToolCall struct {
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ExecutionResult is returned to callers of the execution engine.
type ExecutionResult struct {
	Execution *Execution `json:"execution"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}
