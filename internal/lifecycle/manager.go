package lifecycle

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/webmixgamer/trinity/internal/activity"
	"github.com/webmixgamer/trinity/internal/common/logger"
	"github.com/webmixgamer/trinity/internal/container"
	"github.com/webmixgamer/trinity/internal/events"
	"github.com/webmixgamer/trinity/internal/events/bus"
	"github.com/webmixgamer/trinity/internal/identity"
	"github.com/webmixgamer/trinity/internal/injection"
	"github.com/webmixgamer/trinity/internal/permissions"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

const (
	stopGrace          = 30 * time.Second
	healthProbeBudget  = 60 * time.Second
	healthProbeRetries = 10
)

// KeyIssuer provides the per-agent API key injected into containers.
// Implemented by the mediator.
type KeyIssuer interface {
	IssueAgentKey(ctx context.Context, agentName string) (string, error)
}

// Manager drives agents through the lifecycle state machine. All operations
// on one agent are serialized by a per-agent lock; operations on different
// agents run concurrently.
type Manager struct {
	identity *identity.Service
	store    *identity.Store
	runtime  container.Runtime
	builder  *container.SpecBuilder
	injector *injection.Pipeline
	graph    *permissions.Graph
	recorder *activity.Recorder
	bus      bus.EventBus
	ports    *container.PortAllocator
	keys     KeyIssuer
	logger   *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates the lifecycle manager.
func NewManager(
	ids *identity.Service,
	runtime container.Runtime,
	builder *container.SpecBuilder,
	injector *injection.Pipeline,
	graph *permissions.Graph,
	recorder *activity.Recorder,
	eventBus bus.EventBus,
	ports *container.PortAllocator,
	keys KeyIssuer,
	log *logger.Logger,
) *Manager {
	return &Manager{
		identity: ids,
		store:    ids.Store(),
		runtime:  runtime,
		builder:  builder,
		injector: injector,
		graph:    graph,
		recorder: recorder,
		bus:      eventBus,
		ports:    ports,
		keys:     keys,
		logger:   log,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lock returns the mutex serializing lifecycle operations for one agent.
func (m *Manager) lock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// transition validates, persists, journals and publishes a state change.
func (m *Manager) transition(ctx context.Context, agent *v1.Agent, to v1.AgentState, reason string) error {
	if !CanTransition(agent.State, to) {
		return v1.NewError(v1.KindAgentNotRunning,
			"agent %s cannot go from %s to %s", agent.Name, agent.State, to)
	}
	if err := m.store.UpdateState(ctx, agent.Name, to); err != nil {
		return err
	}
	from := agent.State
	agent.State = to

	m.recorder.StateTransition(ctx, agent.Name, from, to, reason)
	event := bus.NewEvent(events.AgentStateChanged, "lifecycle", map[string]any{
		"agent_name": agent.Name,
		"from":       string(from),
		"to":         string(to),
		"reason":     reason,
	})
	if err := m.bus.Publish(ctx, events.SubjectLifecycle, event); err != nil {
		m.logger.Warn("failed to publish state change", zap.Error(err))
	}
	m.logger.Info("agent state changed",
		zap.String("agent", agent.Name),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	return nil
}

// Start brings an agent to RUNNING: injection, container create, health
// probe. A failed start lands the agent in ERROR with the container cleaned
// up.
func (m *Manager) Start(ctx context.Context, principal v1.Principal, name string) error {
	l := m.lock(name)
	l.Lock()
	defer l.Unlock()

	agent, err := m.identity.Get(ctx, principal, name)
	if err != nil {
		return err
	}
	if !identity.CanAccess(principal, agent, v1.ScopeWrite) {
		return v1.NewError(v1.KindNotAuthorized, "not authorized to start agent %s", name)
	}
	if agent.State == v1.AgentStateRunning || agent.State == v1.AgentStateStarting {
		return v1.NewError(v1.KindNameConflict, "agent %s is already %s", name, agent.State)
	}
	if err := m.transition(ctx, agent, v1.AgentStateStarting, "start requested by "+principal.ID); err != nil {
		return err
	}

	if err := m.startContainer(ctx, agent); err != nil {
		_ = m.transition(ctx, agent, v1.AgentStateError, err.Error())
		return err
	}
	return m.transition(ctx, agent, v1.AgentStateRunning, "healthy")
}

// startContainer runs the start sequence below the state bookkeeping.
func (m *Manager) startContainer(ctx context.Context, agent *v1.Agent) error {
	if err := m.injector.Prepare(ctx, agent); err != nil {
		return err
	}

	port := agent.Port
	if port == 0 {
		p, err := m.ports.Allocate()
		if err != nil {
			return err
		}
		port = p
	}

	apiKey, err := m.keys.IssueAgentKey(ctx, agent.Name)
	if err != nil {
		return err
	}

	shares, err := m.peerShares(ctx, agent)
	if err != nil {
		return err
	}

	// A container from a previous run may still exist; remove it so the
	// spec is rebuilt from current state.
	if agent.ContainerID != "" {
		_ = m.runtime.Remove(ctx, agent.ContainerID, true)
	}

	spec := m.builder.Build(agent, container.BuildOptions{
		Port:       port,
		APIKey:     apiKey,
		PeerShares: shares,
	})
	containerID, err := m.runtime.Create(ctx, spec)
	if err != nil {
		return err
	}
	if err := m.runtime.Start(ctx, containerID); err != nil {
		_ = m.runtime.Remove(ctx, containerID, true)
		return err
	}

	if err := m.probeHealth(ctx, containerID); err != nil {
		_ = m.runtime.Stop(ctx, containerID, stopGrace)
		_ = m.runtime.Remove(ctx, containerID, true)
		return err
	}

	now := time.Now().UTC()
	agent.ContainerID = containerID
	agent.Port = port
	agent.LastStartedAt = &now
	return m.store.UpdateRuntimeInfo(ctx, agent.Name, containerID, port, &now)
}

// peerShares collects the shared-out folders this agent may consume: peers
// it holds a call edge to that expose their shared folder.
func (m *Manager) peerShares(ctx context.Context, agent *v1.Agent) ([]container.PeerShare, error) {
	if !agent.SharedFolders.Consume {
		return nil, nil
	}
	peers, err := m.graph.Peers(ctx, agent.Name)
	if err != nil {
		return nil, err
	}
	var shares []container.PeerShare
	for _, peer := range peers {
		peerAgent, err := m.store.Get(ctx, peer)
		if err != nil {
			continue
		}
		if peerAgent.SharedFolders.Expose {
			shares = append(shares, container.PeerShare{
				AgentName: peer,
				HostPath:  m.builder.SharedOutPath(peer),
			})
		}
	}
	return shares, nil
}

// probeHealth waits for the container to report healthy: up to 10 attempts
// with exponential backoff from 1s, bounded by a 60s budget.
func (m *Manager) probeHealth(ctx context.Context, containerID string) error {
	deadline := time.Now().Add(healthProbeBudget)
	backoff := time.Second

	var lastState string
	for attempt := 0; attempt < healthProbeRetries && time.Now().Before(deadline); attempt++ {
		info, err := m.runtime.Inspect(ctx, containerID)
		if err == nil {
			lastState = info.State
			if info.Healthy() && (info.Health == "healthy" || info.Health == "") {
				return nil
			}
			if info.State == "exited" || info.State == "dead" {
				break
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return v1.NewError(v1.KindContainerUnavailable,
		"container %s did not become healthy (last state %s)", containerID, lastState)
}

// Stop takes a running agent to STOPPED and removes its container. The
// workspace and port assignment persist.
func (m *Manager) Stop(ctx context.Context, principal v1.Principal, name string) error {
	l := m.lock(name)
	l.Lock()
	defer l.Unlock()
	return m.stopLocked(ctx, principal, name)
}

func (m *Manager) stopLocked(ctx context.Context, principal v1.Principal, name string) error {
	agent, err := m.identity.Get(ctx, principal, name)
	if err != nil {
		return err
	}
	if !identity.CanAccess(principal, agent, v1.ScopeWrite) {
		return v1.NewError(v1.KindNotAuthorized, "not authorized to stop agent %s", name)
	}
	if agent.SystemProtected && principal.Role != v1.RoleSystem {
		return v1.NewError(v1.KindNotAuthorized, "agent %s is system-protected", name)
	}
	if agent.State != v1.AgentStateRunning && agent.State != v1.AgentStateError {
		return v1.NewError(v1.KindAgentNotRunning, "agent %s is %s", name, agent.State)
	}
	if err := m.transition(ctx, agent, v1.AgentStateStopping, "stop requested by "+principal.ID); err != nil {
		return err
	}

	if agent.ContainerID != "" {
		if err := m.runtime.Stop(ctx, agent.ContainerID, stopGrace); err != nil {
			m.logger.Warn("container stop failed, forcing removal",
				zap.String("agent", name), zap.Error(err))
		}
		if err := m.runtime.Remove(ctx, agent.ContainerID, true); err != nil {
			m.logger.Warn("container removal failed",
				zap.String("agent", name), zap.Error(err))
		}
	}
	if err := m.store.UpdateRuntimeInfo(ctx, name, "", agent.Port, nil); err != nil {
		return err
	}
	agent.ContainerID = ""
	return m.transition(ctx, agent, v1.AgentStateStopped, "container removed")
}

// Restart stops then starts an agent.
func (m *Manager) Restart(ctx context.Context, principal v1.Principal, name string) error {
	if err := m.Stop(ctx, principal, name); err != nil && !v1.IsKind(err, v1.KindAgentNotRunning) {
		return err
	}
	return m.Start(ctx, principal, name)
}

// Reinitialize rebuilds the agent from scratch: stop, empty the workspace,
// then start so injection reruns against a clean slate and shared-folder
// mounts are recomputed from the present permission and expose state. The
// workspace volume itself survives, its contents do not.
func (m *Manager) Reinitialize(ctx context.Context, principal v1.Principal, name string) error {
	if err := m.Stop(ctx, principal, name); err != nil && !v1.IsKind(err, v1.KindAgentNotRunning) {
		return err
	}
	if err := m.clearWorkspace(name); err != nil {
		return err
	}
	return m.Start(ctx, principal, name)
}

// clearWorkspace empties an agent's workspace directory, keeping the
// directory itself so the volume binding stays valid.
func (m *Manager) clearWorkspace(name string) error {
	ws := m.builder.WorkspacePath(name)
	entries, err := os.ReadDir(ws)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return v1.WrapError(v1.KindInjectionFailed, err, "failed to read workspace for %s", name)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(ws, entry.Name())); err != nil {
			return v1.WrapError(v1.KindInjectionFailed, err, "failed to clear workspace for %s", name)
		}
	}
	m.logger.Info("workspace cleared", zap.String("agent", name))
	return nil
}

// Delete stops an agent if needed, removes its container and cascades the
// record delete. The activity journal survives.
func (m *Manager) Delete(ctx context.Context, principal v1.Principal, name string) error {
	l := m.lock(name)
	l.Lock()
	defer l.Unlock()

	agent, err := m.identity.Get(ctx, principal, name)
	if err != nil {
		return err
	}
	if agent.State == v1.AgentStateRunning || agent.State == v1.AgentStateError {
		if err := m.stopLocked(ctx, principal, name); err != nil {
			return err
		}
	}
	if err := m.identity.Delete(ctx, principal, name); err != nil {
		return err
	}
	if agent.Port > 0 {
		m.ports.Release(agent.Port)
	}

	m.recorder.StateTransition(ctx, name, agent.State, v1.AgentStateDeleted, "deleted by "+principal.ID)
	event := bus.NewEvent(events.AgentDeleted, "lifecycle", map[string]any{"agent_name": name})
	if err := m.bus.Publish(ctx, events.SubjectLifecycle, event); err != nil {
		m.logger.Warn("failed to publish agent deletion", zap.Error(err))
	}
	return nil
}

// Health reports an agent's container state and resource usage.
func (m *Manager) Health(ctx context.Context, principal v1.Principal, name string) (*container.Info, *container.Stats, error) {
	agent, err := m.identity.Get(ctx, principal, name)
	if err != nil {
		return nil, nil, err
	}
	if agent.ContainerID == "" {
		return nil, nil, v1.NewError(v1.KindAgentNotRunning, "agent %s has no container", name)
	}
	info, err := m.runtime.Inspect(ctx, agent.ContainerID)
	if err != nil {
		return nil, nil, err
	}
	stats, err := m.runtime.Stats(ctx, agent.ContainerID)
	if err != nil {
		// stats are best-effort; a stopping container has none
		stats = nil
	}
	return info, stats, nil
}

// Logs streams the tail of an agent's container output.
func (m *Manager) Logs(ctx context.Context, principal v1.Principal, name string, tail int) (io.ReadCloser, error) {
	agent, err := m.identity.Get(ctx, principal, name)
	if err != nil {
		return nil, err
	}
	if agent.ContainerID == "" {
		return nil, v1.NewError(v1.KindAgentNotRunning, "agent %s has no container", name)
	}
	return m.runtime.Logs(ctx, agent.ContainerID, tail)
}

// Reconcile aligns records with reality at boot: agents marked RUNNING whose
// containers are gone move to ERROR, containers still up are re-adopted, and
// the port allocator is seeded from persisted assignments.
func (m *Manager) Reconcile(ctx context.Context) error {
	agents, err := m.store.List(ctx)
	if err != nil {
		return err
	}

	var ports []int
	for _, agent := range agents {
		if agent.Port > 0 {
			ports = append(ports, agent.Port)
		}
	}
	m.ports.Seed(ports)

	infos, err := m.runtime.List(ctx, map[string]string{
		container.LabelPlatform: container.PlatformLabelValue,
	})
	if err != nil {
		return err
	}
	byAgent := make(map[string]container.Info, len(infos))
	for _, info := range infos {
		if name, err := container.AgentNameFromLabels(info.Labels); err == nil {
			byAgent[name] = info
		}
	}

	for _, agent := range agents {
		info, up := byAgent[agent.Name]
		delete(byAgent, agent.Name)

		switch agent.State {
		case v1.AgentStateRunning, v1.AgentStateStarting, v1.AgentStateStopping:
			if up && info.Running() {
				if agent.ContainerID != info.ID {
					_ = m.store.UpdateRuntimeInfo(ctx, agent.Name, info.ID, agent.Port, nil)
				}
				if agent.State != v1.AgentStateRunning {
					_ = m.store.UpdateState(ctx, agent.Name, v1.AgentStateRunning)
				}
				m.logger.Info("re-adopted running agent", zap.String("agent", agent.Name))
			} else {
				_ = m.store.UpdateState(ctx, agent.Name, v1.AgentStateError)
				m.recorder.StateTransition(ctx, agent.Name, agent.State, v1.AgentStateError,
					"container missing at boot")
			}
		default:
			if up {
				// record says down but a container exists; remove it
				_ = m.runtime.Remove(ctx, info.ID, true)
				m.logger.Warn("removed orphaned container for stopped agent",
					zap.String("agent", agent.Name))
			}
		}
	}

	// containers labeled as agents with no record at all
	for name, info := range byAgent {
		_ = m.runtime.Remove(ctx, info.ID, true)
		m.logger.Warn("removed container for unknown agent", zap.String("agent", name))
	}
	return nil
}

// HandleRemediation subscribes the manager to supervisor remediation
// intents. Restart and stop intents run under the system principal.
func (m *Manager) HandleRemediation() (bus.Subscription, error) {
	return m.bus.Subscribe(events.SubjectRemediation, func(ctx context.Context, event *bus.Event) error {
		action, _ := event.Data["action"].(string)
		name, _ := event.Data["agent_name"].(string)
		if name == "" {
			return nil
		}
		switch action {
		case "restart":
			return m.Restart(ctx, v1.System(), name)
		case "stop":
			return m.Stop(ctx, v1.System(), name)
		}
		return nil
	})
}
