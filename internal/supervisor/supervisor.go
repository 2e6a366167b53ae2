// Package supervisor watches the fleet and remediates: stuck executions,
// context exhaustion, cost overruns, unhealthy containers. It holds no
// engine or lifecycle locks; container remediation goes out as intents on
// the event bus.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/webmixgamer/trinity/internal/activity"
	"github.com/webmixgamer/trinity/internal/common/config"
	"github.com/webmixgamer/trinity/internal/common/logger"
	"github.com/webmixgamer/trinity/internal/container"
	"github.com/webmixgamer/trinity/internal/events"
	"github.com/webmixgamer/trinity/internal/events/bus"
	"github.com/webmixgamer/trinity/internal/execution"
	"github.com/webmixgamer/trinity/internal/identity"
	"github.com/webmixgamer/trinity/internal/settings"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// Alert kinds, used as the suppression key together with the agent name.
const (
	alertStuck           = "stuck_execution"
	alertContextWarn     = "context_warning"
	alertContextCritical = "context_critical"
	alertCostLimit       = "cost_limit"
	alertUnhealthy       = "container_unhealthy"
	alertGiveUp          = "restart_give_up"
)

// restartBackoff is the delay ladder between auto-restart attempts. After
// the ladder is exhausted the supervisor gives up on the agent until it is
// restarted manually.
var restartBackoff = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second, 5 * time.Minute}

const maxRestartAttempts = 5

// Engine is the slice of the execution engine the supervisor needs.
type Engine interface {
	InFlight() []execution.InFlightInfo
	Cancel(executionID string) error
	ForceNewSession(ctx context.Context, agentName string) error
	SetBudgeted(agentName string, over bool)
}

// FleetOps is the slice of the lifecycle manager used for admin fleet
// operations.
type FleetOps interface {
	Stop(ctx context.Context, principal v1.Principal, name string) error
	Restart(ctx context.Context, principal v1.Principal, name string) error
}

// restartState tracks auto-restart attempts against one agent.
type restartState struct {
	attempts int
	lastTry  time.Time
	gaveUp   bool
}

// Supervisor runs the fleet health loop.
type Supervisor struct {
	agents   *identity.Store
	engine   Engine
	execs    *execution.Store
	runtime  container.Runtime
	fleet    FleetOps
	settings *settings.Store
	recorder *activity.Recorder
	bus      bus.EventBus
	cfg      config.SupervisorConfig
	logger   *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	lastAlert  map[string]time.Time // "<agent>|<kind>" -> last emission
	restarts   map[string]*restartState
	costDay    time.Time // UTC day the budget flags belong to
	overBudget map[string]bool
}

// New creates the supervisor.
func New(
	agents *identity.Store,
	engine Engine,
	execs *execution.Store,
	runtime container.Runtime,
	fleet FleetOps,
	settingsStore *settings.Store,
	recorder *activity.Recorder,
	eventBus bus.EventBus,
	cfg config.SupervisorConfig,
	log *logger.Logger,
) *Supervisor {
	return &Supervisor{
		agents:     agents,
		engine:     engine,
		execs:      execs,
		runtime:    runtime,
		fleet:      fleet,
		settings:   settingsStore,
		recorder:   recorder,
		bus:        eventBus,
		cfg:        cfg,
		logger:     log,
		lastAlert:  make(map[string]time.Time),
		restarts:   make(map[string]*restartState),
		overBudget: make(map[string]bool),
	}
}

// Start begins the supervision loop.
func (s *Supervisor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx)
	s.logger.Info("supervisor started", zap.Duration("tick", s.cfg.Tick()))
}

// Stop halts the loop.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.logger.Info("supervisor stopped")
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Tick())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs all policies over the running fleet. Agents are checked
// concurrently; one slow inspect does not starve the rest.
func (s *Supervisor) sweep(ctx context.Context) {
	s.rollCostDay()
	s.checkStuck(ctx)

	agents, err := s.agents.ListByState(ctx, v1.AgentStateRunning)
	if err != nil {
		s.logger.Error("failed to list running agents", zap.Error(err))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, agent := range agents {
		g.Go(func() error {
			s.checkContext(gctx, agent)
			s.checkCost(gctx, agent)
			s.checkHealth(gctx, agent)
			return nil
		})
	}
	_ = g.Wait()
}

// suppressed reports and records an alert emission for (agent, kind),
// returning true when the suppression window has not elapsed.
func (s *Supervisor) suppressed(ctx context.Context, agentName, kind string) bool {
	window := s.settings.AlertSuppressWindow(ctx)
	key := agentName + "|" + kind

	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastAlert[key]; ok && time.Since(last) < window {
		return true
	}
	s.lastAlert[key] = time.Now()
	return false
}

func (s *Supervisor) alert(ctx context.Context, agentName, kind, message string, severity v1.ActivitySeverity) {
	if s.suppressed(ctx, agentName, kind) {
		return
	}
	s.recorder.Alert(ctx, agentName, kind, message, severity)
	s.logger.Warn("supervisor alert",
		zap.String("agent", agentName),
		zap.String("kind", kind),
		zap.String("message", message))
}

// checkStuck cancels in-flight executions that have shown no stream
// progress for the idle window.
func (s *Supervisor) checkStuck(ctx context.Context) {
	idle := s.settings.IdleTimeout(ctx)
	for _, inf := range s.engine.InFlight() {
		if time.Since(inf.LastProgress) < idle {
			continue
		}
		if err := s.engine.Cancel(inf.ExecutionID); err != nil {
			continue
		}
		s.alert(ctx, inf.AgentName, alertStuck,
			fmt.Sprintf("execution %s cancelled after %s without progress", inf.ExecutionID, idle.Round(time.Second)),
			v1.SeverityWarn)
	}
}

// checkContext inspects the agent's last finished execution for context
// pressure. Critical pressure forces a fresh chat session.
func (s *Supervisor) checkContext(ctx context.Context, agent *v1.Agent) {
	execs, err := s.execs.ListForAgent(ctx, agent.Name, 1, 0)
	if err != nil || len(execs) == 0 {
		return
	}
	pct := execs[0].ContextPct
	if pct <= 0 {
		return
	}

	critical := float64(s.settings.ContextCriticalPct(ctx))
	warn := float64(s.settings.ContextWarnPct(ctx))
	switch {
	case pct >= critical:
		if err := s.engine.ForceNewSession(ctx, agent.Name); err != nil {
			s.logger.Error("failed to force new session",
				zap.String("agent", agent.Name), zap.Error(err))
			return
		}
		s.alert(ctx, agent.Name, alertContextCritical,
			fmt.Sprintf("context at %.0f%%, chat session reset", pct), v1.SeverityCritical)
	case pct >= warn:
		s.alert(ctx, agent.Name, alertContextWarn,
			fmt.Sprintf("context at %.0f%%", pct), v1.SeverityWarn)
	}
}

// rollCostDay clears budget flags when the UTC day changes.
func (s *Supervisor) rollCostDay() {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.costDay.Equal(today) {
		return
	}
	s.costDay = today
	for name := range s.overBudget {
		s.engine.SetBudgeted(name, false)
	}
	s.overBudget = make(map[string]bool)
}

// checkCost enforces the per-agent daily cost ceiling: autonomy is forced
// off and new executions are rejected until midnight UTC.
func (s *Supervisor) checkCost(ctx context.Context, agent *v1.Agent) {
	limit := s.settings.DailyCostLimitUSD(ctx)
	if limit <= 0 {
		return
	}

	s.mu.Lock()
	already := s.overBudget[agent.Name]
	s.mu.Unlock()
	if already {
		return
	}

	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	spent, err := s.execs.CostSince(ctx, agent.Name, midnight)
	if err != nil {
		s.logger.Error("failed to compute daily cost", zap.String("agent", agent.Name), zap.Error(err))
		return
	}
	if spent < limit {
		return
	}

	s.mu.Lock()
	s.overBudget[agent.Name] = true
	s.mu.Unlock()

	s.engine.SetBudgeted(agent.Name, true)
	if agent.Autonomy {
		if err := s.agents.SetAutonomy(ctx, agent.Name, false); err != nil {
			s.logger.Error("failed to disable autonomy",
				zap.String("agent", agent.Name), zap.Error(err))
		}
	}
	s.alert(ctx, agent.Name, alertCostLimit,
		fmt.Sprintf("daily cost $%.2f reached limit $%.2f, autonomy disabled", spent, limit),
		v1.SeverityCritical)
}

// checkHealth requests restarts for unhealthy containers, backing off
// between attempts and giving up after the ladder is exhausted.
func (s *Supervisor) checkHealth(ctx context.Context, agent *v1.Agent) {
	if agent.ContainerID == "" {
		return
	}
	info, err := s.runtime.Inspect(ctx, agent.ContainerID)
	healthy := err == nil && info.Healthy()

	s.mu.Lock()
	state, ok := s.restarts[agent.Name]
	if !ok {
		state = &restartState{}
		s.restarts[agent.Name] = state
	}
	if healthy {
		// recovered; forget the history
		delete(s.restarts, agent.Name)
		s.mu.Unlock()
		return
	}
	if state.gaveUp {
		s.mu.Unlock()
		return
	}
	if state.attempts >= maxRestartAttempts {
		state.gaveUp = true
		s.mu.Unlock()
		s.alert(ctx, agent.Name, alertGiveUp,
			fmt.Sprintf("gave up restarting after %d attempts", maxRestartAttempts),
			v1.SeverityCritical)
		return
	}
	backoff := restartBackoff[min(state.attempts, len(restartBackoff)-1)]
	if !state.lastTry.IsZero() && time.Since(state.lastTry) < backoff {
		s.mu.Unlock()
		return
	}
	state.attempts++
	state.lastTry = time.Now()
	attempt := state.attempts
	s.mu.Unlock()

	s.alert(ctx, agent.Name, alertUnhealthy,
		fmt.Sprintf("container unhealthy, restart attempt %d/%d", attempt, maxRestartAttempts),
		v1.SeverityError)
	s.requestRemediation(ctx, agent.Name, "restart")
}

// requestRemediation publishes an intent for the lifecycle manager.
func (s *Supervisor) requestRemediation(ctx context.Context, agentName, action string) {
	event := bus.NewEvent(events.RemediationRequested, "supervisor", map[string]any{
		"agent_name": agentName,
		"action":     action,
	})
	if err := s.bus.Publish(ctx, events.SubjectRemediation, event); err != nil {
		s.logger.Error("failed to publish remediation intent",
			zap.String("agent", agentName), zap.Error(err))
	}
}

// PauseSchedules stops all scheduled firing fleet-wide.
func (s *Supervisor) PauseSchedules(ctx context.Context) error {
	return s.settings.SetSchedulesPaused(ctx, true)
}

// ResumeSchedules re-enables scheduled firing.
func (s *Supervisor) ResumeSchedules(ctx context.Context) error {
	return s.settings.SetSchedulesPaused(ctx, false)
}

// EmergencyStop pauses schedules and stops every running agent except
// system-protected ones, which keep the platform itself alive.
func (s *Supervisor) EmergencyStop(ctx context.Context) error {
	if err := s.PauseSchedules(ctx); err != nil {
		return err
	}
	return s.fanOut(ctx, true, func(ctx context.Context, name string) error {
		return s.fleet.Stop(ctx, v1.System(), name)
	})
}

// RestartAll restarts every running agent.
func (s *Supervisor) RestartAll(ctx context.Context) error {
	return s.fanOut(ctx, false, func(ctx context.Context, name string) error {
		return s.fleet.Restart(ctx, v1.System(), name)
	})
}

func (s *Supervisor) fanOut(ctx context.Context, skipProtected bool, op func(context.Context, string) error) error {
	agents, err := s.agents.ListByState(ctx, v1.AgentStateRunning)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, agent := range agents {
		if skipProtected && agent.SystemProtected {
			continue
		}
		g.Go(func() error {
			if err := op(gctx, agent.Name); err != nil {
				s.logger.Error("fleet operation failed",
					zap.String("agent", agent.Name), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}
