package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/webmixgamer/trinity/internal/activity"
	"github.com/webmixgamer/trinity/internal/common/config"
	"github.com/webmixgamer/trinity/internal/common/logger"
	"github.com/webmixgamer/trinity/internal/common/tracing"
	"github.com/webmixgamer/trinity/internal/container"
	"github.com/webmixgamer/trinity/internal/events"
	"github.com/webmixgamer/trinity/internal/events/bus"
	"github.com/webmixgamer/trinity/internal/identity"
	"github.com/webmixgamer/trinity/internal/settings"
	"github.com/webmixgamer/trinity/pkg/agentcli"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// Request is one submission to the engine.
type Request struct {
	AgentName string
	Message   string
	Trigger   v1.ExecutionTrigger
	Initiator string

	// CallChain is the chain of agents behind this request, for mediated
	// calls. The engine records it; depth enforcement is the mediator's.
	CallChain []string

	// AppendSystemPrompt is passed through to the runtime CLI.
	AppendSystemPrompt string
}

// chatItem is one queued chat execution.
type chatItem struct {
	exec      *v1.Execution
	prompt    Request
	callerCtx context.Context
	done      chan *v1.ExecutionResult // nil for fire-and-forget submissions
}

// lanes holds the per-agent concurrency state.
type lanes struct {
	chat  chan *chatItem
	depth atomic.Int64 // queued plus running chat executions
	tasks *semaphore.Weighted
}

// inflight tracks a running execution for cancellation and supervision.
type inflight struct {
	exec         *v1.Execution
	cancel       context.CancelFunc
	cancelled    atomic.Bool
	startedAt    time.Time
	lastProgress atomic.Int64 // unix nanos of last observed stream message
}

// InFlightInfo is a supervisor-facing snapshot of a running execution.
type InFlightInfo struct {
	ExecutionID  string
	AgentName    string
	Mode         v1.ExecutionMode
	CallChain    []string
	StartedAt    time.Time
	LastProgress time.Time
}

// Engine runs executions. One chat at a time per agent, tasks in parallel
// under per-agent and global caps.
type Engine struct {
	store    *Store
	agents   *identity.Store
	runtime  container.Runtime
	recorder *activity.Recorder
	settings *settings.Store
	bus      bus.EventBus
	tracer   trace.Tracer
	cfg      config.ExecutionConfig
	logger   *logger.Logger

	rootCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	global *semaphore.Weighted

	mu       sync.Mutex
	lanes    map[string]*lanes
	running  map[string]*inflight
	budgeted map[string]bool // agents whose daily budget is exhausted
}

// NewEngine creates the engine. Call Start before submitting work.
func NewEngine(
	store *Store,
	agents *identity.Store,
	runtime container.Runtime,
	recorder *activity.Recorder,
	settingsStore *settings.Store,
	eventBus bus.EventBus,
	cfg config.ExecutionConfig,
	log *logger.Logger,
) *Engine {
	globalCap := int64(cfg.GlobalTaskCap)
	if globalCap <= 0 {
		globalCap = v1.DefaultMaxParallelGlobal
	}
	return &Engine{
		store:    store,
		agents:   agents,
		runtime:  runtime,
		recorder: recorder,
		settings: settingsStore,
		bus:      eventBus,
		tracer:   tracing.Tracer("execution"),
		cfg:      cfg,
		logger:   log,
		global:   semaphore.NewWeighted(globalCap),
		lanes:    make(map[string]*lanes),
		running:  make(map[string]*inflight),
		budgeted: make(map[string]bool),
	}
}

// Start rebuilds chat queues from persisted accepted executions and begins
// accepting work. Executions that were running when the process died are
// marked failed.
func (e *Engine) Start(ctx context.Context) error {
	e.rootCtx, e.stop = context.WithCancel(context.Background())

	if err := e.store.AbortStale(ctx); err != nil {
		return err
	}
	pending, err := e.store.PendingChats(ctx)
	if err != nil {
		return err
	}
	for _, exec := range pending {
		item := &chatItem{
			exec: exec,
			prompt: Request{
				AgentName: exec.AgentName,
				Message:   exec.Message,
				Trigger:   exec.Trigger,
				Initiator: exec.Initiator,
				CallChain: exec.CallChain,
			},
			callerCtx: context.Background(),
		}
		e.enqueueChat(item)
	}
	if len(pending) > 0 {
		e.logger.Info("requeued pending chat executions", zap.Int("count", len(pending)))
	}
	return nil
}

// Shutdown stops workers and cancels running executions.
func (e *Engine) Shutdown() {
	if e.stop != nil {
		e.stop()
	}
	e.mu.Lock()
	for _, inf := range e.running {
		inf.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// agentLanes returns (creating if needed) the lane state for an agent and
// ensures its chat worker is running.
func (e *Engine) agentLanes(agentName string) *lanes {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.lanes[agentName]
	if !ok {
		perAgent := int64(e.cfg.PerAgentTaskCap)
		if perAgent <= 0 {
			perAgent = v1.DefaultPerAgentTaskCap
		}
		l = &lanes{
			chat:  make(chan *chatItem, 64),
			tasks: semaphore.NewWeighted(perAgent),
		}
		e.lanes[agentName] = l
		e.wg.Add(1)
		go e.chatWorker(agentName, l)
	}
	return l
}

// ChatQueueDepth reports queued plus running chat executions for an agent.
// The scheduler gates on this.
func (e *Engine) ChatQueueDepth(agentName string) int {
	e.mu.Lock()
	l, ok := e.lanes[agentName]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	return int(l.depth.Load())
}

// admit validates that an agent can accept an execution right now.
func (e *Engine) admit(ctx context.Context, agentName string) (*v1.Agent, error) {
	agent, err := e.agents.Get(ctx, agentName)
	if err != nil {
		return nil, err
	}
	if agent.State != v1.AgentStateRunning {
		return nil, v1.NewError(v1.KindAgentNotRunning, "agent %s is %s", agentName, agent.State)
	}

	e.mu.Lock()
	over := e.budgeted[agentName]
	e.mu.Unlock()
	if over {
		return nil, v1.NewError(v1.KindBudgeted, "agent %s reached its daily cost limit", agentName)
	}
	return agent, nil
}

// newExecutionID mints a time-ordered id so persisted executions sort in
// submission order.
func newExecutionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func (e *Engine) newExecution(req Request, mode v1.ExecutionMode) *v1.Execution {
	return &v1.Execution{
		ID:        newExecutionID(),
		AgentName: req.AgentName,
		Mode:      mode,
		Trigger:   req.Trigger,
		Initiator: req.Initiator,
		Message:   req.Message,
		Status:    v1.ExecutionAccepted,
		CallChain: req.CallChain,
		CreatedAt: time.Now().UTC(),
	}
}

// Chat submits a chat execution and blocks until it completes. Messages to
// the same agent run strictly in submission order.
func (e *Engine) Chat(ctx context.Context, req Request) (*v1.ExecutionResult, error) {
	exec, item, err := e.submitChat(ctx, req, true)
	if err != nil {
		return nil, err
	}
	select {
	case result := <-item.done:
		if result.Execution.Status == v1.ExecutionCompleted {
			return result, nil
		}
		return result, statusError(result.Execution)
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, v1.WrapError(v1.KindTimeout, ctx.Err(), "chat %s exceeded the caller deadline", exec.ID)
		}
		e.Cancel(exec.ID)
		return nil, v1.WrapError(v1.KindCancelled, ctx.Err(), "chat %s abandoned by caller", exec.ID)
	}
}

// SubmitChat enqueues a chat execution without waiting for it, for the
// scheduler.
func (e *Engine) SubmitChat(ctx context.Context, req Request) (*v1.Execution, error) {
	exec, _, err := e.submitChat(ctx, req, false)
	return exec, err
}

func (e *Engine) submitChat(ctx context.Context, req Request, wait bool) (*v1.Execution, *chatItem, error) {
	if _, err := e.admit(ctx, req.AgentName); err != nil {
		return nil, nil, err
	}

	exec := e.newExecution(req, v1.ExecutionModeChat)
	if err := e.store.Create(ctx, exec); err != nil {
		return nil, nil, err
	}

	item := &chatItem{exec: exec, prompt: req, callerCtx: context.Background()}
	if wait {
		item.callerCtx = ctx
		item.done = make(chan *v1.ExecutionResult, 1)
	}
	e.enqueueChat(item)
	return exec, item, nil
}

func (e *Engine) enqueueChat(item *chatItem) {
	l := e.agentLanes(item.exec.AgentName)
	l.depth.Add(1)
	l.chat <- item
}

// chatWorker drains one agent's chat queue, one execution at a time.
func (e *Engine) chatWorker(agentName string, l *lanes) {
	defer e.wg.Done()
	for {
		select {
		case <-e.rootCtx.Done():
			return
		case item := <-l.chat:
			e.runChatItem(agentName, l, item)
		}
	}
}

func (e *Engine) runChatItem(agentName string, l *lanes, item *chatItem) {
	defer l.depth.Add(-1)

	ctx := e.rootCtx
	exec := item.exec

	// the caller may have walked away while the item sat in the queue
	if err := item.callerCtx.Err(); err != nil {
		if err == context.DeadlineExceeded {
			e.finishWithoutRun(ctx, exec, v1.ExecutionTimedOut, "caller deadline expired while queued")
		} else {
			e.finishWithoutRun(ctx, exec, v1.ExecutionCancelled, "abandoned while queued")
		}
		return
	}
	agent, err := e.admit(ctx, agentName)
	if err != nil {
		e.finishWithoutRun(ctx, exec, v1.ExecutionFailed, err.Error())
		if item.done != nil {
			item.done <- &v1.ExecutionResult{Execution: exec}
		}
		return
	}

	sessionID, err := e.store.ChatSession(ctx, agentName)
	if err != nil {
		e.logger.Warn("failed to load chat session", zap.String("agent", agentName), zap.Error(err))
	}
	exec.SessionID = sessionID

	result := e.run(item.callerCtx, exec, agent, item.prompt)

	// persist the session for the next chat turn
	if result.Execution.SessionID != "" && result.Execution.Status == v1.ExecutionCompleted {
		if err := e.store.SaveChatSession(ctx, agentName, result.Execution.SessionID); err != nil {
			e.logger.Warn("failed to save chat session", zap.String("agent", agentName), zap.Error(err))
		}
	}
	if item.done != nil {
		item.done <- result
	}
}

// Task runs a stateless task execution, in parallel with others, and blocks
// until it completes. When either the per-agent or global cap is saturated
// the request is rejected immediately with a rate-limit error.
func (e *Engine) Task(ctx context.Context, req Request) (*v1.ExecutionResult, error) {
	agent, err := e.admit(ctx, req.AgentName)
	if err != nil {
		return nil, err
	}

	l := e.agentLanes(req.AgentName)
	if !l.tasks.TryAcquire(1) {
		return nil, rateLimited("agent %s task capacity exhausted", req.AgentName)
	}
	if !e.global.TryAcquire(1) {
		l.tasks.Release(1)
		return nil, rateLimited("global task capacity exhausted")
	}
	defer func() {
		e.global.Release(1)
		l.tasks.Release(1)
	}()

	exec := e.newExecution(req, v1.ExecutionModeTask)
	if err := e.store.Create(ctx, exec); err != nil {
		return nil, err
	}

	result := e.run(ctx, exec, agent, req)
	if result.Execution.Status != v1.ExecutionCompleted {
		return result, statusError(result.Execution)
	}
	return result, nil
}

func rateLimited(format string, args ...any) error {
	err := v1.NewError(v1.KindRateLimited, format, args...)
	err.RetryAfterSec = 15
	return err
}

// statusError maps a failed execution record to a typed error.
func statusError(exec *v1.Execution) error {
	switch exec.Status {
	case v1.ExecutionTimedOut:
		return v1.NewError(v1.KindTimeout, "execution %s exceeded the time ceiling", exec.ID)
	case v1.ExecutionCancelled:
		return v1.NewError(v1.KindCancelled, "execution %s was cancelled", exec.ID)
	default:
		return v1.NewError(v1.KindInternal, "execution %s failed: %s", exec.ID, exec.Error)
	}
}

// run performs one execution against the agent's container. The context
// triumvirate: callerCtx aborts on caller disconnect, the ceiling timeout
// bounds runtime, and Cancel aborts by execution id.
func (e *Engine) run(callerCtx context.Context, exec *v1.Execution, agent *v1.Agent, req Request) *v1.ExecutionResult {
	ceiling := e.settings.MaxExecutionDuration(e.rootCtx)
	runCtx, cancel := context.WithTimeout(e.rootCtx, ceiling)
	defer cancel()

	inf := &inflight{exec: exec, cancel: cancel, startedAt: time.Now().UTC()}
	inf.lastProgress.Store(inf.startedAt.UnixNano())
	e.mu.Lock()
	e.running[exec.ID] = inf
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, exec.ID)
		e.mu.Unlock()
	}()

	// Propagate caller disconnect into the run. A caller deadline is a
	// timeout, not a cancellation; only an explicit cancel marks the flag.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-callerCtx.Done():
			if callerCtx.Err() == context.Canceled {
				inf.cancelled.Store(true)
			}
			cancel()
		case <-stopWatch:
		}
	}()

	runCtx, span := e.tracer.Start(runCtx, "execution.run",
		trace.WithAttributes(
			attribute.String("agent.name", agent.Name),
			attribute.String("execution.id", exec.ID),
			attribute.String("execution.mode", string(exec.Mode)),
		))
	defer span.End()

	startedAt := inf.startedAt
	exec.StartedAt = &startedAt
	exec.Status = v1.ExecutionRunning
	if err := e.store.MarkRunning(runCtx, exec.ID, startedAt); err != nil {
		e.logger.Error("failed to mark execution running", zap.Error(err))
	}
	e.journalStart(exec)
	e.publish(events.ExecutionStarted, exec)

	result, runErr := e.invokeCLI(runCtx, exec, agent, req, inf)

	endedAt := time.Now().UTC()
	exec.EndedAt = &endedAt
	exec.DurationMS = endedAt.Sub(startedAt).Milliseconds()

	switch {
	case runErr == nil && !result.IsError:
		exec.Status = v1.ExecutionCompleted
		exec.Result = result.Text
	case inf.cancelled.Load():
		exec.Status = v1.ExecutionCancelled
		exec.Error = "cancelled"
	case callerCtx.Err() == context.DeadlineExceeded:
		exec.Status = v1.ExecutionTimedOut
		exec.Error = "exceeded caller deadline"
	case runCtx.Err() == context.DeadlineExceeded:
		exec.Status = v1.ExecutionTimedOut
		exec.Error = fmt.Sprintf("exceeded %s ceiling", ceiling)
	default:
		exec.Status = v1.ExecutionFailed
		if runErr != nil {
			exec.Error = runErr.Error()
		} else {
			exec.Error = result.ErrorText
		}
	}

	var toolCalls []v1.ToolCall
	if result != nil {
		exec.SessionID = result.SessionID
		exec.CostUSD = result.CostUSD
		exec.InputTokens = result.InputTokens
		exec.OutputTokens = result.OutputTokens
		profile, perr := agentcli.ProfileFor(string(agent.Runtime))
		if perr == nil {
			exec.ContextPct = result.ContextPct(profile.ContextWindow)
		}
		for _, use := range result.ToolUses {
			toolCalls = append(toolCalls, v1.ToolCall{Name: use.Name, Input: use.Input})
		}
	}

	if err := e.store.Finish(context.WithoutCancel(runCtx), exec); err != nil {
		e.logger.Error("failed to persist execution result", zap.Error(err))
	}
	e.journalEnd(exec)
	e.publish(events.ExecutionEnded, exec)
	e.checkBudget(agent.Name)

	return &v1.ExecutionResult{Execution: exec, ToolCalls: toolCalls}
}

// invokeCLI execs the runtime CLI in the agent container and parses its
// stream.
func (e *Engine) invokeCLI(ctx context.Context, exec *v1.Execution, agent *v1.Agent, req Request, inf *inflight) (*agentcli.Result, error) {
	profile, err := agentcli.ProfileFor(string(agent.Runtime))
	if err != nil {
		return nil, err
	}
	cliReq := agentcli.Request{
		Prompt:             req.Message,
		AppendSystemPrompt: req.AppendSystemPrompt,
		Model:              agent.Model,
	}
	if exec.Mode == v1.ExecutionModeChat {
		cliReq.SessionID = exec.SessionID
	}
	if !agent.FullCapabilities {
		cliReq.AllowedTools = []string{"Read", "Write", "Edit", "Glob", "Grep", "Bash"}
	}

	stream, err := e.runtime.Exec(ctx, agent.ContainerID, container.ExecOptions{
		Cmd:        profile.Command(cliReq),
		WorkingDir: container.WorkspaceDir,
		User:       "developer",
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	result, parseErr := agentcli.Parse(stream.Output(), func(msg *agentcli.StreamMessage) {
		inf.lastProgress.Store(time.Now().UnixNano())
		e.journalToolCalls(exec, msg)
	})

	exitCode, exitErr := stream.ExitCode(ctx)
	if parseErr != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, fmt.Errorf("%w (stderr: %s)", parseErr, stream.Stderr())
	}
	if exitErr != nil {
		return result, exitErr
	}
	if exitCode != 0 {
		return result, fmt.Errorf("runtime exited with code %d (stderr: %s)", exitCode, stream.Stderr())
	}
	return result, nil
}

// Cancel aborts a running execution by id.
func (e *Engine) Cancel(executionID string) error {
	e.mu.Lock()
	inf, ok := e.running[executionID]
	e.mu.Unlock()
	if !ok {
		return v1.NewError(v1.KindNotFound, "execution %s is not running", executionID)
	}
	inf.cancelled.Store(true)
	inf.cancel()
	return nil
}

// InFlight snapshots running executions for the supervisor.
func (e *Engine) InFlight() []InFlightInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]InFlightInfo, 0, len(e.running))
	for _, inf := range e.running {
		out = append(out, InFlightInfo{
			ExecutionID:  inf.exec.ID,
			AgentName:    inf.exec.AgentName,
			Mode:         inf.exec.Mode,
			CallChain:    inf.exec.CallChain,
			StartedAt:    inf.startedAt,
			LastProgress: time.Unix(0, inf.lastProgress.Load()),
		})
	}
	return out
}

// ForceNewSession resets an agent's chat session; the next chat starts
// fresh.
func (e *Engine) ForceNewSession(ctx context.Context, agentName string) error {
	return e.store.ResetChatSession(ctx, agentName)
}

// SetBudgeted flips budget-based admission for an agent. Set by the
// supervisor's cost guard, cleared at UTC midnight.
func (e *Engine) SetBudgeted(agentName string, over bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if over {
		e.budgeted[agentName] = true
	} else {
		delete(e.budgeted, agentName)
	}
}

// checkBudget re-evaluates the daily budget after an execution lands.
func (e *Engine) checkBudget(agentName string) {
	ctx := context.Background()
	limit := e.settings.DailyCostLimitUSD(ctx)
	if limit <= 0 {
		return
	}
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	spent, err := e.store.CostSince(ctx, agentName, midnight)
	if err != nil {
		e.logger.Warn("failed to compute daily cost", zap.String("agent", agentName), zap.Error(err))
		return
	}
	if spent >= limit {
		e.SetBudgeted(agentName, true)
	}
}

// Store exposes the execution store for the control plane.
func (e *Engine) Store() *Store {
	return e.store
}

func (e *Engine) finishWithoutRun(ctx context.Context, exec *v1.Execution, status v1.ExecutionStatus, reason string) {
	now := time.Now().UTC()
	exec.Status = status
	exec.Error = reason
	exec.EndedAt = &now
	if err := e.store.Finish(ctx, exec); err != nil {
		e.logger.Error("failed to finish execution", zap.Error(err))
	}
	e.journalEnd(exec)
}

func (e *Engine) journalStart(exec *v1.Execution) {
	payload, _ := json.Marshal(map[string]string{
		"mode":    string(exec.Mode),
		"trigger": string(exec.Trigger),
	})
	e.recorder.Record(context.Background(), &v1.ActivityRecord{
		Kind:        v1.ActivityExecutionStarted,
		AgentName:   exec.AgentName,
		ExecutionID: exec.ID,
		Payload:     payload,
	})
}

func (e *Engine) journalEnd(exec *v1.Execution) {
	payload, _ := json.Marshal(map[string]any{
		"status":      string(exec.Status),
		"cost_usd":    exec.CostUSD,
		"duration_ms": exec.DurationMS,
		"context_pct": exec.ContextPct,
	})
	severity := v1.SeverityInfo
	if exec.Status == v1.ExecutionFailed || exec.Status == v1.ExecutionTimedOut {
		severity = v1.SeverityWarn
	}
	e.recorder.Record(context.Background(), &v1.ActivityRecord{
		Kind:        v1.ActivityExecutionEnded,
		AgentName:   exec.AgentName,
		ExecutionID: exec.ID,
		Severity:    severity,
		Payload:     payload,
	})
}

func (e *Engine) journalToolCalls(exec *v1.Execution, msg *agentcli.StreamMessage) {
	if msg.Type != agentcli.MessageTypeAssistant || msg.Message == nil {
		return
	}
	for _, block := range msg.Message.Content {
		if block.Type != "tool_use" {
			continue
		}
		payload, _ := json.Marshal(map[string]any{
			"tool":  block.Name,
			"input": block.Input,
		})
		e.recorder.Record(context.Background(), &v1.ActivityRecord{
			Kind:        v1.ActivityToolCall,
			AgentName:   exec.AgentName,
			ExecutionID: exec.ID,
			Payload:     payload,
		})
	}
}

func (e *Engine) publish(eventType string, exec *v1.Execution) {
	event := bus.NewEvent(eventType, "execution", map[string]any{
		"execution_id": exec.ID,
		"agent_name":   exec.AgentName,
		"mode":         string(exec.Mode),
		"status":       string(exec.Status),
	})
	if err := e.bus.Publish(context.Background(), events.ActivitySubject(exec.AgentName), event); err != nil {
		e.logger.Warn("failed to publish execution event", zap.Error(err))
	}
}
