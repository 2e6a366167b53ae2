// Package v1 defines the shared API types for the Trinity orchestration engine.
package v1

import (
	"regexp"
	"time"
)

// AgentState represents the lifecycle state of an agent.
type AgentState string

const (
	AgentStateCreated  AgentState = "CREATED"
	AgentStateStarting AgentState = "STARTING"
	AgentStateRunning  AgentState = "RUNNING"
	AgentStateStopping AgentState = "STOPPING"
	AgentStateStopped  AgentState = "STOPPED"
	AgentStateError    AgentState = "ERROR"
	AgentStateDeleted  AgentState = "DELETED"
)

// RuntimeKind identifies the language-model CLI runtime an agent runs.
type RuntimeKind string

const (
	RuntimeClaude RuntimeKind = "claude"
	RuntimeGemini RuntimeKind = "gemini"
)

// ResourceLimits defines container resource limits for an agent.
type ResourceLimits struct {
	MemoryBytes int64   `json:"memory_bytes"`
	CPUCores    float64 `json:"cpu_cores"`
}

// SharedFolderConfig controls an agent's participation in shared folders.
type SharedFolderConfig struct {
	Expose  bool `json:"expose"`
	Consume bool `json:"consume"`
}

// Agent is a managed, named, containerized language-model runtime.
type Agent struct {
	Name             string             `json:"name"`
	TemplateRef      string             `json:"template_ref"`
	Owner            string             `json:"owner"`
	SharedWith       []string           `json:"shared_with,omitempty"`
	Resources        ResourceLimits     `json:"resources"`
	Runtime          RuntimeKind        `json:"runtime"`
	Model            string             `json:"model,omitempty"`
	Autonomy         bool               `json:"autonomy"`
	FullCapabilities bool               `json:"full_capabilities"`
	SystemProtected  bool               `json:"system_protected"`
	Worker           bool               `json:"worker"`
	SharedFolders    SharedFolderConfig `json:"shared_folders"`
	State            AgentState         `json:"state"`
	ContainerID      string             `json:"container_id,omitempty"`
	Port             int                `json:"port,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	LastStartedAt    *time.Time         `json:"last_started_at,omitempty"`
}

// PermissionEdge is a directed right for one agent to call another.
type PermissionEdge struct {
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	GrantedBy string    `json:"granted_by"`
	GrantedAt time.Time `json:"granted_at"`
}

// agentNamePattern is the canonical agent name format: lowercase
// alphanumerics and hyphens, 3-50 characters, no leading/trailing hyphen.
var agentNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,48}[a-z0-9]$`)

// ValidAgentName reports whether name is a legal agent name.
func ValidAgentName(name string) bool {
	return agentNamePattern.MatchString(name)
}
