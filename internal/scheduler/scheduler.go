package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/webmixgamer/trinity/internal/activity"
	"github.com/webmixgamer/trinity/internal/common/config"
	"github.com/webmixgamer/trinity/internal/common/logger"
	"github.com/webmixgamer/trinity/internal/execution"
	"github.com/webmixgamer/trinity/internal/identity"
	"github.com/webmixgamer/trinity/internal/settings"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// Submitter is the slice of the execution engine the scheduler needs.
type Submitter interface {
	SubmitChat(ctx context.Context, req execution.Request) (*v1.Execution, error)
	ChatQueueDepth(agentName string) int
}

// Scheduler evaluates schedules on a fixed tick and submits due ones as
// chat executions. Firing is at-most-once: a missed window is skipped, never
// backfilled.
type Scheduler struct {
	store    *Store
	agents   *identity.Store
	engine   Submitter
	settings *settings.Store
	recorder *activity.Recorder
	cfg      config.SchedulerConfig
	logger   *logger.Logger

	cron   gronx.Gronx
	cancel context.CancelFunc
	done   chan struct{}

	maxQueueDepth int
}

// New creates the scheduler.
func New(
	store *Store,
	agents *identity.Store,
	engine Submitter,
	settingsStore *settings.Store,
	recorder *activity.Recorder,
	cfg config.SchedulerConfig,
	execCfg config.ExecutionConfig,
	log *logger.Logger,
) *Scheduler {
	depth := execCfg.ChatQueueDepth
	if depth <= 0 {
		depth = 3
	}
	return &Scheduler{
		store:         store,
		agents:        agents,
		engine:        engine,
		settings:      settingsStore,
		recorder:      recorder,
		cfg:           cfg,
		logger:        log,
		cron:          *gronx.New(),
		maxQueueDepth: depth,
	}
}

// Start begins the tick loop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx)
	s.logger.Info("scheduler started", zap.Duration("tick", s.cfg.Tick()))
}

// Stop halts the tick loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Tick())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now.UTC())
		}
	}
}

// tick evaluates every enabled schedule against one instant. Schedules on
// the same agent due at the same instant are admitted in id order.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if s.settings.SchedulesPaused(ctx) {
		return
	}
	schedules, err := s.store.ListEnabled(ctx)
	if err != nil {
		s.logger.Error("failed to list schedules", zap.Error(err))
		return
	}
	for _, schedule := range schedules {
		if due, firedAt := s.isDue(schedule, now); due {
			s.fire(ctx, schedule, firedAt)
		}
	}
}

// isDue decides whether a schedule fires at this tick. Cron schedules have
// minute granularity; the fired-at stamp dedupes ticks landing in the same
// minute.
func (s *Scheduler) isDue(schedule *v1.Schedule, now time.Time) (bool, time.Time) {
	if schedule.OneShot() {
		at := schedule.OneShotAt.UTC()
		if !at.After(now) && schedule.LastFiredAt == nil {
			return true, now
		}
		return false, time.Time{}
	}

	loc, err := time.LoadLocation(schedule.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	minute := local.Truncate(time.Minute)
	if schedule.LastFiredAt != nil && !schedule.LastFiredAt.UTC().Before(minute.UTC()) {
		return false, time.Time{}
	}
	due, err := s.cron.IsDue(schedule.CronExpression, local)
	if err != nil {
		s.logger.Warn("cron evaluation failed",
			zap.String("schedule_id", schedule.ID),
			zap.String("expression", schedule.CronExpression),
			zap.Error(err))
		return false, time.Time{}
	}
	return due, minute.UTC()
}

// fire gates and submits one due schedule. Any gate failure drops the firing
// with a journal record; there is no retry.
func (s *Scheduler) fire(ctx context.Context, schedule *v1.Schedule, firedAt time.Time) {
	// stamp first so a crash mid-fire cannot double-run a one-shot
	if err := s.store.MarkFired(ctx, schedule.ID, firedAt, schedule.OneShot()); err != nil {
		s.logger.Error("failed to mark schedule fired",
			zap.String("schedule_id", schedule.ID), zap.Error(err))
		return
	}

	if reason := s.gate(ctx, schedule); reason != "" {
		s.journalSkip(ctx, schedule, reason)
		return
	}

	exec, err := s.engine.SubmitChat(ctx, execution.Request{
		AgentName: schedule.AgentName,
		Message:   schedule.Message,
		Trigger:   v1.TriggerScheduled,
		Initiator: "schedule:" + schedule.ID,
	})
	if err != nil {
		s.journalSkip(ctx, schedule, err.Error())
		return
	}

	payload, _ := json.Marshal(map[string]string{"schedule_id": schedule.ID})
	s.recorder.Record(ctx, &v1.ActivityRecord{
		Kind:        v1.ActivityScheduleFired,
		AgentName:   schedule.AgentName,
		ExecutionID: exec.ID,
		Payload:     payload,
	})
	s.logger.Debug("schedule fired",
		zap.String("schedule_id", schedule.ID),
		zap.String("agent", schedule.AgentName),
		zap.String("execution_id", exec.ID))
}

// gate returns a non-empty skip reason when the schedule must not run now.
func (s *Scheduler) gate(ctx context.Context, schedule *v1.Schedule) string {
	agent, err := s.agents.Get(ctx, schedule.AgentName)
	if err != nil {
		return "agent not found"
	}
	if !agent.Autonomy {
		return "autonomy disabled"
	}
	if agent.State != v1.AgentStateRunning {
		return "agent is " + string(agent.State)
	}
	if depth := s.engine.ChatQueueDepth(schedule.AgentName); depth > s.maxQueueDepth {
		return "chat queue congested"
	}
	return ""
}

func (s *Scheduler) journalSkip(ctx context.Context, schedule *v1.Schedule, reason string) {
	payload, _ := json.Marshal(map[string]string{
		"schedule_id": schedule.ID,
		"reason":      reason,
	})
	s.recorder.Record(ctx, &v1.ActivityRecord{
		Kind:      v1.ActivityScheduleSkipped,
		AgentName: schedule.AgentName,
		Severity:  v1.SeverityWarn,
		Payload:   payload,
	})
	s.logger.Debug("schedule skipped",
		zap.String("schedule_id", schedule.ID),
		zap.String("reason", reason))
}
