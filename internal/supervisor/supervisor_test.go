package supervisor

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/webmixgamer/trinity/internal/activity"
	"github.com/webmixgamer/trinity/internal/common/config"
	"github.com/webmixgamer/trinity/internal/common/logger"
	"github.com/webmixgamer/trinity/internal/container"
	"github.com/webmixgamer/trinity/internal/db"
	"github.com/webmixgamer/trinity/internal/events"
	"github.com/webmixgamer/trinity/internal/events/bus"
	"github.com/webmixgamer/trinity/internal/execution"
	"github.com/webmixgamer/trinity/internal/identity"
	"github.com/webmixgamer/trinity/internal/settings"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// fakeEngine records supervisor interventions.
type fakeEngine struct {
	mu        sync.Mutex
	inflight  []execution.InFlightInfo
	cancelled []string
	resets    []string
	budgeted  map[string]bool
}

func (f *fakeEngine) InFlight() []execution.InFlightInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight
}

func (f *fakeEngine) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeEngine) ForceNewSession(_ context.Context, agentName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, agentName)
	return nil
}

func (f *fakeEngine) SetBudgeted(agentName string, over bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.budgeted == nil {
		f.budgeted = make(map[string]bool)
	}
	f.budgeted[agentName] = over
}

// fakeFleet records fleet operations.
type fakeFleet struct {
	mu       sync.Mutex
	stops    []string
	restarts []string
}

func (f *fakeFleet) Stop(_ context.Context, _ v1.Principal, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, name)
	return nil
}

func (f *fakeFleet) Restart(_ context.Context, _ v1.Principal, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, name)
	return nil
}

// fakeRuntime answers health inspections.
type fakeRuntime struct {
	mu      sync.Mutex
	healthy bool
}

func (f *fakeRuntime) Inspect(context.Context, string) (*container.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthy {
		return &container.Info{State: "running", Health: "healthy"}, nil
	}
	return &container.Info{State: "running", Health: "unhealthy"}, nil
}

func (f *fakeRuntime) setHealthy(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = healthy
}

func (f *fakeRuntime) Ping(context.Context) error { return nil }
func (f *fakeRuntime) Create(context.Context, container.Spec) (string, error) {
	return "", fmt.Errorf("not implemented")
}
func (f *fakeRuntime) Start(context.Context, string) error               { return nil }
func (f *fakeRuntime) Stop(context.Context, string, time.Duration) error { return nil }
func (f *fakeRuntime) Remove(context.Context, string, bool) error        { return nil }
func (f *fakeRuntime) Exec(context.Context, string, container.ExecOptions) (container.ExecStream, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeRuntime) Logs(context.Context, string, int) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}
func (f *fakeRuntime) Stats(context.Context, string) (*container.Stats, error) {
	return &container.Stats{}, nil
}
func (f *fakeRuntime) List(context.Context, map[string]string) ([]container.Info, error) {
	return nil, nil
}
func (f *fakeRuntime) Close() error { return nil }

type supFixture struct {
	sup      *Supervisor
	agents   *identity.Store
	execs    *execution.Store
	settings *settings.Store
	journal  *activity.Store
	engine   *fakeEngine
	fleet    *fakeFleet
	runtime  *fakeRuntime
	bus      *bus.MemoryEventBus
}

func newSupFixture(t *testing.T) *supFixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	writer, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open writer: %v", err)
	}
	reader, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	pool := db.NewPool(writer, reader)
	t.Cleanup(func() { pool.Close() })

	log := logger.Default()
	agents, err := identity.NewStore(pool)
	if err != nil {
		t.Fatalf("failed to create agent store: %v", err)
	}
	execs, err := execution.NewStore(pool)
	if err != nil {
		t.Fatalf("failed to create execution store: %v", err)
	}
	settingsStore, err := settings.NewStore(pool)
	if err != nil {
		t.Fatalf("failed to create settings store: %v", err)
	}
	journal, err := activity.NewStore(pool)
	if err != nil {
		t.Fatalf("failed to create activity store: %v", err)
	}

	eventBus := bus.NewMemoryEventBus(log)
	recorder := activity.NewRecorder(journal, eventBus, log)
	engine := &fakeEngine{}
	fleet := &fakeFleet{}
	runtime := &fakeRuntime{healthy: true}

	sup := New(agents, engine, execs, runtime, fleet, settingsStore, recorder, eventBus,
		config.SupervisorConfig{TickSeconds: 30}, log)
	return &supFixture{
		sup:      sup,
		agents:   agents,
		execs:    execs,
		settings: settingsStore,
		journal:  journal,
		engine:   engine,
		fleet:    fleet,
		runtime:  runtime,
		bus:      eventBus,
	}
}

func (f *supFixture) addRunningAgent(t *testing.T, name string, autonomy bool) {
	t.Helper()
	ctx := context.Background()
	agent := &v1.Agent{
		Name:      name,
		Owner:     "owner-1",
		Runtime:   v1.RuntimeClaude,
		State:     v1.AgentStateCreated,
		CreatedAt: time.Now().UTC(),
	}
	if err := f.agents.Create(ctx, agent); err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	if err := f.agents.UpdateState(ctx, name, v1.AgentStateRunning); err != nil {
		t.Fatalf("failed to set state: %v", err)
	}
	if err := f.agents.UpdateRuntimeInfo(ctx, name, "ctr-"+name, 0, nil); err != nil {
		t.Fatalf("failed to set container: %v", err)
	}
	if autonomy {
		if err := f.agents.SetAutonomy(ctx, name, true); err != nil {
			t.Fatalf("failed to set autonomy: %v", err)
		}
	}
}

// addFinishedExecution plants a completed execution with the given cost and
// context fill.
func (f *supFixture) addFinishedExecution(t *testing.T, agent string, costUSD, contextPct float64) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	exec := &v1.Execution{
		ID:        uuid.New().String(),
		AgentName: agent,
		Mode:      v1.ExecutionModeChat,
		Trigger:   v1.TriggerManual,
		Status:    v1.ExecutionAccepted,
		CreatedAt: now,
	}
	if err := f.execs.Create(ctx, exec); err != nil {
		t.Fatalf("failed to create execution: %v", err)
	}
	exec.Status = v1.ExecutionCompleted
	exec.CostUSD = costUSD
	exec.ContextPct = contextPct
	exec.EndedAt = &now
	if err := f.execs.Finish(ctx, exec); err != nil {
		t.Fatalf("failed to finish execution: %v", err)
	}
}

func (f *supFixture) alerts(t *testing.T, agent string) []*v1.ActivityRecord {
	t.Helper()
	records, err := f.journal.Query(context.Background(), v1.ActivityQuery{
		AgentName: agent,
		Kinds:     []v1.ActivityKind{v1.ActivityAlert},
	})
	if err != nil {
		t.Fatalf("journal query failed: %v", err)
	}
	return records
}

func TestSupervisor_StuckExecutionCancelled(t *testing.T) {
	f := newSupFixture(t)
	ctx := context.Background()

	f.engine.inflight = []execution.InFlightInfo{{
		ExecutionID:  "exec-stuck",
		AgentName:    "worker",
		StartedAt:    time.Now().Add(-2 * time.Hour),
		LastProgress: time.Now().Add(-2 * time.Hour),
	}}
	f.sup.checkStuck(ctx)

	if len(f.engine.cancelled) != 1 || f.engine.cancelled[0] != "exec-stuck" {
		t.Errorf("expected exec-stuck cancelled, got %v", f.engine.cancelled)
	}
	if len(f.alerts(t, "worker")) != 1 {
		t.Error("expected a stuck alert in the journal")
	}
}

func TestSupervisor_LiveExecutionLeftAlone(t *testing.T) {
	f := newSupFixture(t)

	f.engine.inflight = []execution.InFlightInfo{{
		ExecutionID:  "exec-live",
		AgentName:    "worker",
		StartedAt:    time.Now().Add(-2 * time.Hour),
		LastProgress: time.Now(),
	}}
	f.sup.checkStuck(context.Background())

	if len(f.engine.cancelled) != 0 {
		t.Errorf("progressing execution must not be cancelled, got %v", f.engine.cancelled)
	}
}

func TestSupervisor_AlertSuppression(t *testing.T) {
	f := newSupFixture(t)
	ctx := context.Background()

	f.engine.inflight = []execution.InFlightInfo{{
		ExecutionID:  "exec-stuck",
		AgentName:    "worker",
		LastProgress: time.Now().Add(-2 * time.Hour),
	}}
	f.sup.checkStuck(ctx)
	f.sup.checkStuck(ctx)
	f.sup.checkStuck(ctx)

	// The same (agent, kind) pair alerts once per suppression window.
	if got := len(f.alerts(t, "worker")); got != 1 {
		t.Errorf("expected one alert, got %d", got)
	}
}

func TestSupervisor_ContextWarning(t *testing.T) {
	f := newSupFixture(t)
	ctx := context.Background()
	f.addRunningAgent(t, "worker", false)
	f.settings.Set(ctx, v1.SettingContextWarnPct, "50")
	f.settings.Set(ctx, v1.SettingContextCriticalPct, "90")
	f.addFinishedExecution(t, "worker", 0, 60)

	f.sup.sweep(ctx)

	if len(f.engine.resets) != 0 {
		t.Errorf("warning must not reset the session, got %v", f.engine.resets)
	}
	if len(f.alerts(t, "worker")) != 1 {
		t.Error("expected a context warning alert")
	}
}

func TestSupervisor_ContextCriticalResetsSession(t *testing.T) {
	f := newSupFixture(t)
	ctx := context.Background()
	f.addRunningAgent(t, "worker", false)
	f.settings.Set(ctx, v1.SettingContextWarnPct, "50")
	f.settings.Set(ctx, v1.SettingContextCriticalPct, "90")
	f.addFinishedExecution(t, "worker", 0, 95)

	f.sup.sweep(ctx)

	if len(f.engine.resets) != 1 || f.engine.resets[0] != "worker" {
		t.Errorf("expected session reset for worker, got %v", f.engine.resets)
	}
}

func TestSupervisor_CostLimitDisablesAutonomy(t *testing.T) {
	f := newSupFixture(t)
	ctx := context.Background()
	f.addRunningAgent(t, "worker", true)
	f.settings.Set(ctx, v1.SettingDailyCostLimitUSD, "1.0")
	f.addFinishedExecution(t, "worker", 2.5, 0)

	f.sup.sweep(ctx)

	if !f.engine.budgeted["worker"] {
		t.Error("expected worker budget-gated")
	}
	agent, _ := f.agents.Get(ctx, "worker")
	if agent.Autonomy {
		t.Error("expected autonomy forced off")
	}
	if len(f.alerts(t, "worker")) != 1 {
		t.Error("expected a cost alert")
	}
}

func TestSupervisor_UnhealthyContainerRequestsRestart(t *testing.T) {
	f := newSupFixture(t)
	ctx := context.Background()
	f.addRunningAgent(t, "worker", false)
	f.runtime.setHealthy(false)

	var mu sync.Mutex
	var remediations []string
	sub, err := f.bus.Subscribe(events.SubjectRemediation, func(_ context.Context, event *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		name, _ := event.Data["agent_name"].(string)
		action, _ := event.Data["action"].(string)
		remediations = append(remediations, name+":"+action)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	f.sup.sweep(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(remediations)
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(remediations) != 1 || remediations[0] != "worker:restart" {
		t.Errorf("expected one restart intent, got %v", remediations)
	}
}

func TestSupervisor_RestartBackoffAndGiveUp(t *testing.T) {
	f := newSupFixture(t)
	ctx := context.Background()
	f.addRunningAgent(t, "worker", false)
	f.runtime.setHealthy(false)
	agent, _ := f.agents.Get(ctx, "worker")

	// Within the backoff window a second sweep does not retry.
	f.sup.checkHealth(ctx, agent)
	f.sup.checkHealth(ctx, agent)
	f.sup.mu.Lock()
	attempts := f.sup.restarts["worker"].attempts
	f.sup.mu.Unlock()
	if attempts != 1 {
		t.Errorf("expected one attempt inside the backoff window, got %d", attempts)
	}

	// After the ladder is exhausted the supervisor gives up.
	f.sup.mu.Lock()
	f.sup.restarts["worker"].attempts = maxRestartAttempts
	f.sup.restarts["worker"].lastTry = time.Time{}
	f.sup.mu.Unlock()
	f.sup.checkHealth(ctx, agent)

	f.sup.mu.Lock()
	gaveUp := f.sup.restarts["worker"].gaveUp
	f.sup.mu.Unlock()
	if !gaveUp {
		t.Error("expected give-up after exhausted attempts")
	}

	// Recovery clears the history.
	f.runtime.setHealthy(true)
	f.sup.checkHealth(ctx, agent)
	f.sup.mu.Lock()
	_, tracked := f.sup.restarts["worker"]
	f.sup.mu.Unlock()
	if tracked {
		t.Error("expected restart history cleared after recovery")
	}
}

func TestSupervisor_EmergencyStop(t *testing.T) {
	f := newSupFixture(t)
	ctx := context.Background()
	f.addRunningAgent(t, "alpha", false)
	f.addRunningAgent(t, "beta", false)

	if err := f.sup.EmergencyStop(ctx); err != nil {
		t.Fatalf("emergency stop failed: %v", err)
	}
	if !f.settings.SchedulesPaused(ctx) {
		t.Error("expected schedules paused")
	}
	sort.Strings(f.fleet.stops)
	if len(f.fleet.stops) != 2 || f.fleet.stops[0] != "alpha" || f.fleet.stops[1] != "beta" {
		t.Errorf("expected both agents stopped, got %v", f.fleet.stops)
	}
}

func TestSupervisor_EmergencyStopSparesSystemAgents(t *testing.T) {
	f := newSupFixture(t)
	ctx := context.Background()
	f.addRunningAgent(t, "worker", false)

	guard := &v1.Agent{
		Name:            "platform-supervisor",
		Owner:           "owner-1",
		Runtime:         v1.RuntimeClaude,
		SystemProtected: true,
		State:           v1.AgentStateCreated,
		CreatedAt:       time.Now().UTC(),
	}
	if err := f.agents.Create(ctx, guard); err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	if err := f.agents.UpdateState(ctx, guard.Name, v1.AgentStateRunning); err != nil {
		t.Fatalf("failed to set state: %v", err)
	}

	if err := f.sup.EmergencyStop(ctx); err != nil {
		t.Fatalf("emergency stop failed: %v", err)
	}
	if len(f.fleet.stops) != 1 || f.fleet.stops[0] != "worker" {
		t.Errorf("expected only the regular agent stopped, got %v", f.fleet.stops)
	}
}

func TestSupervisor_RestartAll(t *testing.T) {
	f := newSupFixture(t)
	ctx := context.Background()
	f.addRunningAgent(t, "alpha", false)
	f.addRunningAgent(t, "beta", false)

	if err := f.sup.RestartAll(ctx); err != nil {
		t.Fatalf("restart all failed: %v", err)
	}
	sort.Strings(f.fleet.restarts)
	if len(f.fleet.restarts) != 2 {
		t.Errorf("expected both agents restarted, got %v", f.fleet.restarts)
	}
}
