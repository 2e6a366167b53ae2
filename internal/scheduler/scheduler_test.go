package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/webmixgamer/trinity/internal/activity"
	"github.com/webmixgamer/trinity/internal/common/config"
	"github.com/webmixgamer/trinity/internal/common/logger"
	"github.com/webmixgamer/trinity/internal/db"
	"github.com/webmixgamer/trinity/internal/events/bus"
	"github.com/webmixgamer/trinity/internal/execution"
	"github.com/webmixgamer/trinity/internal/identity"
	"github.com/webmixgamer/trinity/internal/settings"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// fakeSubmitter records submitted chats.
type fakeSubmitter struct {
	submitted []execution.Request
	depth     int
}

func (f *fakeSubmitter) SubmitChat(_ context.Context, req execution.Request) (*v1.Execution, error) {
	f.submitted = append(f.submitted, req)
	return &v1.Execution{ID: uuid.New().String(), AgentName: req.AgentName}, nil
}

func (f *fakeSubmitter) ChatQueueDepth(string) int { return f.depth }

type schedFixture struct {
	sched     *Scheduler
	store     *Store
	agents    *identity.Store
	settings  *settings.Store
	submitter *fakeSubmitter
	journal   *activity.Store
}

func newFixture(t *testing.T) *schedFixture {
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

	store, err := NewStore(pool)
	if err != nil {
		t.Fatalf("failed to create schedule store: %v", err)
	}
	agents, err := identity.NewStore(pool)
	if err != nil {
		t.Fatalf("failed to create agent store: %v", err)
	}
	settingsStore, err := settings.NewStore(pool)
	if err != nil {
		t.Fatalf("failed to create settings store: %v", err)
	}
	journal, err := activity.NewStore(pool)
	if err != nil {
		t.Fatalf("failed to create activity store: %v", err)
	}

	log := logger.Default()
	recorder := activity.NewRecorder(journal, bus.NewMemoryEventBus(log), log)
	submitter := &fakeSubmitter{}
	sched := New(store, agents, submitter, settingsStore, recorder,
		config.SchedulerConfig{TickSeconds: 15}, config.ExecutionConfig{ChatQueueDepth: 3}, log)

	return &schedFixture{
		sched:     sched,
		store:     store,
		agents:    agents,
		settings:  settingsStore,
		submitter: submitter,
		journal:   journal,
	}
}

func (f *schedFixture) addRunningAgent(t *testing.T, name string, autonomy bool) {
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
	if autonomy {
		if err := f.agents.SetAutonomy(ctx, name, true); err != nil {
			t.Fatalf("failed to set autonomy: %v", err)
		}
	}
}

func (f *schedFixture) addCron(t *testing.T, agent, expr string) *v1.Schedule {
	t.Helper()
	schedule := &v1.Schedule{
		AgentName:      agent,
		CronExpression: expr,
		Message:        "do the thing",
		Enabled:        true,
		Owner:          "owner-1",
	}
	if err := f.store.Create(context.Background(), schedule); err != nil {
		t.Fatalf("failed to create schedule: %v", err)
	}
	return schedule
}

func (f *schedFixture) addOneShot(t *testing.T, agent string, at time.Time) *v1.Schedule {
	t.Helper()
	schedule := &v1.Schedule{
		AgentName: agent,
		OneShotAt: &at,
		Message:   "run once",
		Enabled:   true,
		Owner:     "owner-1",
	}
	if err := f.store.Create(context.Background(), schedule); err != nil {
		t.Fatalf("failed to create schedule: %v", err)
	}
	return schedule
}

func TestScheduler_CronFiresWhenDue(t *testing.T) {
	f := newFixture(t)
	f.addRunningAgent(t, "worker", true)
	f.addCron(t, "worker", "* * * * *")

	f.sched.tick(context.Background(), time.Now().UTC())

	if len(f.submitter.submitted) != 1 {
		t.Fatalf("expected one submission, got %d", len(f.submitter.submitted))
	}
	req := f.submitter.submitted[0]
	if req.Trigger != v1.TriggerScheduled {
		t.Errorf("expected scheduled trigger, got %s", req.Trigger)
	}
	if req.AgentName != "worker" || req.Message != "do the thing" {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestScheduler_CronDedupesWithinMinute(t *testing.T) {
	f := newFixture(t)
	f.addRunningAgent(t, "worker", true)
	f.addCron(t, "worker", "* * * * *")

	now := time.Date(2026, 3, 14, 9, 26, 5, 0, time.UTC)
	f.sched.tick(context.Background(), now)
	f.sched.tick(context.Background(), now.Add(15*time.Second))
	f.sched.tick(context.Background(), now.Add(30*time.Second))

	if len(f.submitter.submitted) != 1 {
		t.Errorf("expected one submission within the minute, got %d", len(f.submitter.submitted))
	}
}

func TestScheduler_OneShotFiresExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.addRunningAgent(t, "worker", true)
	schedule := f.addOneShot(t, "worker", time.Now().UTC().Add(-time.Minute))

	f.sched.tick(context.Background(), time.Now().UTC())
	f.sched.tick(context.Background(), time.Now().UTC().Add(time.Hour))

	if len(f.submitter.submitted) != 1 {
		t.Fatalf("expected one submission, got %d", len(f.submitter.submitted))
	}

	// Firing disables the one-shot.
	stored, err := f.store.Get(context.Background(), schedule.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Enabled {
		t.Error("one-shot must be disabled after firing")
	}
}

func TestScheduler_FutureOneShotWaits(t *testing.T) {
	f := newFixture(t)
	f.addRunningAgent(t, "worker", true)
	f.addOneShot(t, "worker", time.Now().UTC().Add(time.Hour))

	f.sched.tick(context.Background(), time.Now().UTC())

	if len(f.submitter.submitted) != 0 {
		t.Errorf("future one-shot must not fire, got %d submissions", len(f.submitter.submitted))
	}
}

func TestScheduler_PausedFleetSkipsAll(t *testing.T) {
	f := newFixture(t)
	f.addRunningAgent(t, "worker", true)
	f.addCron(t, "worker", "* * * * *")

	f.settings.SetSchedulesPaused(context.Background(), true)
	f.sched.tick(context.Background(), time.Now().UTC())

	if len(f.submitter.submitted) != 0 {
		t.Errorf("paused fleet must not fire, got %d submissions", len(f.submitter.submitted))
	}
}

func TestScheduler_GateSkipsAndJournals(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T, f *schedFixture)
	}{
		{"autonomy disabled", func(t *testing.T, f *schedFixture) {
			f.addRunningAgent(t, "worker", false)
		}},
		{"agent not running", func(t *testing.T, f *schedFixture) {
			f.addRunningAgent(t, "worker", true)
			f.agents.UpdateState(context.Background(), "worker", v1.AgentStateStopped)
		}},
		{"queue congested", func(t *testing.T, f *schedFixture) {
			f.addRunningAgent(t, "worker", true)
			f.submitter.depth = 10
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			tc.setup(t, f)
			f.addCron(t, "worker", "* * * * *")

			f.sched.tick(context.Background(), time.Now().UTC())

			if len(f.submitter.submitted) != 0 {
				t.Fatalf("expected skip, got %d submissions", len(f.submitter.submitted))
			}
			records, err := f.journal.Query(context.Background(), v1.ActivityQuery{
				AgentName: "worker",
				Kinds:     []v1.ActivityKind{v1.ActivityScheduleSkipped},
			})
			if err != nil {
				t.Fatalf("journal query failed: %v", err)
			}
			if len(records) != 1 {
				t.Errorf("expected one skip record, got %d", len(records))
			}
		})
	}
}

func TestScheduler_SkippedFiringIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.addRunningAgent(t, "worker", false) // autonomy off, will skip
	f.addOneShot(t, "worker", time.Now().UTC().Add(-time.Minute))

	f.sched.tick(context.Background(), time.Now().UTC())
	f.agents.SetAutonomy(context.Background(), "worker", true)
	f.sched.tick(context.Background(), time.Now().UTC())

	// The one-shot was consumed by the skipped firing.
	if len(f.submitter.submitted) != 0 {
		t.Errorf("skipped one-shot must not fire later, got %d", len(f.submitter.submitted))
	}
}
