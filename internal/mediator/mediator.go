package mediator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webmixgamer/trinity/internal/activity"
	"github.com/webmixgamer/trinity/internal/common/logger"
	"github.com/webmixgamer/trinity/internal/container"
	"github.com/webmixgamer/trinity/internal/execution"
	"github.com/webmixgamer/trinity/internal/identity"
	"github.com/webmixgamer/trinity/internal/permissions"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// maxCallDepth bounds agent-to-agent call chains. A request whose chain
// would grow past this is rejected, which also breaks call cycles.
const maxCallDepth = 3

// Engine is the slice of the execution engine the mediator uses.
type Engine interface {
	Chat(ctx context.Context, req execution.Request) (*v1.ExecutionResult, error)
	Task(ctx context.Context, req execution.Request) (*v1.ExecutionResult, error)
	InFlight() []execution.InFlightInfo
}

// PeerInfo is what an agent learns about a peer it may call.
type PeerInfo struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Runtime string `json:"runtime"`
}

// Mediator brokers agent-to-agent operations.
type Mediator struct {
	keys     *KeyStore
	graph    *permissions.Graph
	agents   *identity.Store
	engine   Engine
	recorder *activity.Recorder
	builder  *container.SpecBuilder
	logger   *logger.Logger
}

// New creates the mediator.
func New(
	keys *KeyStore,
	graph *permissions.Graph,
	agents *identity.Store,
	engine Engine,
	recorder *activity.Recorder,
	builder *container.SpecBuilder,
	log *logger.Logger,
) *Mediator {
	return &Mediator{
		keys:     keys,
		graph:    graph,
		agents:   agents,
		engine:   engine,
		recorder: recorder,
		builder:  builder,
		logger:   log,
	}
}

// Keys exposes the key store for lifecycle wiring and transport auth.
func (m *Mediator) Keys() *KeyStore { return m.keys }

// ListPeers returns the agents the caller may reach. System-scope callers
// see everything.
func (m *Mediator) ListPeers(ctx context.Context, caller Caller) ([]PeerInfo, error) {
	var names []string
	if caller.System() {
		agents, err := m.agents.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, agent := range agents {
			names = append(names, agent.Name)
		}
	} else {
		peers, err := m.graph.Peers(ctx, caller.AgentName)
		if err != nil {
			return nil, err
		}
		names = peers
	}

	infos := make([]PeerInfo, 0, len(names))
	for _, name := range names {
		agent, err := m.agents.Get(ctx, name)
		if err != nil {
			continue
		}
		infos = append(infos, PeerInfo{
			Name:    agent.Name,
			State:   string(agent.State),
			Runtime: string(agent.Runtime),
		})
	}
	return infos, nil
}

// authorize checks the permission edge and computes the call chain for a
// mediated request.
func (m *Mediator) authorize(ctx context.Context, caller Caller, target string) ([]string, error) {
	if _, err := m.agents.Get(ctx, target); err != nil {
		return nil, err
	}
	if caller.System() {
		return nil, nil
	}
	if !m.graph.MayCall(caller.AgentName, target) {
		return nil, v1.NewError(v1.KindPermissionDenied,
			"agent %s may not call %s", caller.AgentName, target)
	}

	// The callee would be participant len(chain)+1: with a depth bound of
	// 3 the fourth hop in a -> b -> c -> d is rejected.
	chain := append(m.currentChain(caller.AgentName), caller.AgentName)
	if len(chain) >= maxCallDepth {
		return nil, v1.NewError(v1.KindDepthExceeded,
			"call chain %s -> %s exceeds depth %d", strings.Join(chain, " -> "), target, maxCallDepth)
	}
	return chain, nil
}

// currentChain finds the longest chain behind the caller's in-flight
// executions, so nested mediated calls accumulate depth.
func (m *Mediator) currentChain(agentName string) []string {
	var longest []string
	for _, inf := range m.engine.InFlight() {
		if inf.AgentName == agentName && len(inf.CallChain) > len(longest) {
			longest = inf.CallChain
		}
	}
	return longest
}

func (m *Mediator) journalEdge(ctx context.Context, caller Caller, target, operation, executionID string) {
	source := caller.AgentName
	if caller.System() {
		source = "system"
	}
	payload, _ := json.Marshal(map[string]string{"operation": operation})
	m.recorder.Record(ctx, &v1.ActivityRecord{
		Kind:        v1.ActivityAgentEdge,
		AgentName:   source,
		PeerAgent:   target,
		ExecutionID: executionID,
		Payload:     payload,
	})
}

// Chat sends a chat message to a peer and waits for the reply.
func (m *Mediator) Chat(ctx context.Context, caller Caller, target, message string) (*v1.ExecutionResult, error) {
	chain, err := m.authorize(ctx, caller, target)
	if err != nil {
		return nil, err
	}
	result, err := m.engine.Chat(ctx, execution.Request{
		AgentName: target,
		Message:   message,
		Trigger:   v1.TriggerAgent,
		Initiator: initiator(caller),
		CallChain: chain,
	})
	if result != nil {
		m.journalEdge(ctx, caller, target, "chat", result.Execution.ID)
	}
	return result, err
}

// Task runs a stateless task on a peer and waits for the result.
func (m *Mediator) Task(ctx context.Context, caller Caller, target, message string) (*v1.ExecutionResult, error) {
	chain, err := m.authorize(ctx, caller, target)
	if err != nil {
		return nil, err
	}
	result, err := m.engine.Task(ctx, execution.Request{
		AgentName: target,
		Message:   message,
		Trigger:   v1.TriggerAgent,
		Initiator: initiator(caller),
		CallChain: chain,
	})
	if result != nil {
		m.journalEdge(ctx, caller, target, "task", result.Execution.ID)
	}
	return result, err
}

// Job is a folder-based work request on a peer.
type Job struct {
	ID          string             `json:"id"`
	Target      string             `json:"target"`
	ExecutionID string             `json:"execution_id"`
	Status      v1.ExecutionStatus `json:"status"`
	OutputFiles []string           `json:"output_files,omitempty"`
}

// TriggerJob materializes a job folder in the target's workspace, runs a
// task pointing the agent at it, and reports where the output landed.
func (m *Mediator) TriggerJob(ctx context.Context, caller Caller, target, instructions, input string) (*Job, error) {
	chain, err := m.authorize(ctx, caller, target)
	if err != nil {
		return nil, err
	}

	jobID := uuid.New().String()[:8]
	jobDir := filepath.Join(m.builder.WorkspacePath(target), "jobs", jobID)
	if err := os.MkdirAll(filepath.Join(jobDir, "request"), 0o755); err != nil {
		return nil, v1.WrapError(v1.KindInjectionFailed, err, "failed to create job folder")
	}
	if err := os.MkdirAll(filepath.Join(jobDir, "output"), 0o755); err != nil {
		return nil, v1.WrapError(v1.KindInjectionFailed, err, "failed to create job folder")
	}
	if input != "" {
		path := filepath.Join(jobDir, "request", "input.md")
		if err := os.WriteFile(path, []byte(input), 0o644); err != nil {
			return nil, v1.WrapError(v1.KindInjectionFailed, err, "failed to write job input")
		}
	}

	message := fmt.Sprintf(
		"Process job %s. Read the request under jobs/%s/request and write all results to jobs/%s/output.",
		jobID, jobID, jobID)
	result, err := m.engine.Task(ctx, execution.Request{
		AgentName:          target,
		Message:            message,
		Trigger:            v1.TriggerAgent,
		Initiator:          initiator(caller),
		CallChain:          chain,
		AppendSystemPrompt: instructions,
	})
	if result != nil {
		m.journalEdge(ctx, caller, target, "job:"+jobID, result.Execution.ID)
	}
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:          jobID,
		Target:      target,
		ExecutionID: result.Execution.ID,
		Status:      result.Execution.Status,
	}
	job.OutputFiles, _ = m.jobOutputs(target, jobID)
	return job, nil
}

// JobStatus reports a job's output files.
func (m *Mediator) JobStatus(ctx context.Context, caller Caller, target, jobID string) (*Job, error) {
	if _, err := m.authorize(ctx, caller, target); err != nil {
		return nil, err
	}
	outputs, err := m.jobOutputs(target, jobID)
	if err != nil {
		return nil, v1.NewError(v1.KindNotFound, "job %s not found on %s", jobID, target)
	}
	return &Job{ID: jobID, Target: target, OutputFiles: outputs}, nil
}

func (m *Mediator) jobOutputs(target, jobID string) ([]string, error) {
	dir := filepath.Join(m.builder.WorkspacePath(target), "jobs", jobID, "output")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, entry.Name())
		}
	}
	return files, nil
}

func initiator(caller Caller) string {
	if caller.System() {
		return "system:" + caller.AgentName
	}
	return "agent:" + caller.AgentName
}

// PruneJobs removes job folders older than maxAge from an agent workspace.
func (m *Mediator) PruneJobs(agentName string, maxAge time.Duration) {
	root := filepath.Join(m.builder.WorkspacePath(agentName), "jobs")
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		info, err := entry.Info()
		if err == nil && info.ModTime().Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
				m.logger.Warn("failed to prune job folder",
					zap.String("agent", agentName), zap.String("job", entry.Name()), zap.Error(err))
			}
		}
	}
}
