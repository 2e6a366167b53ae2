package mediator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/webmixgamer/trinity/internal/activity"
	"github.com/webmixgamer/trinity/internal/common/config"
	"github.com/webmixgamer/trinity/internal/common/logger"
	"github.com/webmixgamer/trinity/internal/container"
	"github.com/webmixgamer/trinity/internal/db"
	"github.com/webmixgamer/trinity/internal/events/bus"
	"github.com/webmixgamer/trinity/internal/execution"
	"github.com/webmixgamer/trinity/internal/identity"
	"github.com/webmixgamer/trinity/internal/permissions"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// fakeEngine records mediated requests and replays scripted in-flight state.
type fakeEngine struct {
	chats    []execution.Request
	tasks    []execution.Request
	inflight []execution.InFlightInfo
}

func (f *fakeEngine) result(req execution.Request) *v1.ExecutionResult {
	return &v1.ExecutionResult{Execution: &v1.Execution{
		ID:        "exec-1",
		AgentName: req.AgentName,
		Status:    v1.ExecutionCompleted,
		Result:    "done",
	}}
}

func (f *fakeEngine) Chat(_ context.Context, req execution.Request) (*v1.ExecutionResult, error) {
	f.chats = append(f.chats, req)
	return f.result(req), nil
}

func (f *fakeEngine) Task(_ context.Context, req execution.Request) (*v1.ExecutionResult, error) {
	f.tasks = append(f.tasks, req)
	return f.result(req), nil
}

func (f *fakeEngine) InFlight() []execution.InFlightInfo { return f.inflight }

type mediatorFixture struct {
	mediator *Mediator
	keys     *KeyStore
	graph    *permissions.Graph
	agents   *identity.Store
	engine   *fakeEngine
	builder  *container.SpecBuilder
}

func newMediatorFixture(t *testing.T) *mediatorFixture {
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
	keys, err := NewKeyStore(pool)
	if err != nil {
		t.Fatalf("failed to create key store: %v", err)
	}
	graph, err := permissions.NewGraph(pool, log)
	if err != nil {
		t.Fatalf("failed to create graph: %v", err)
	}
	agents, err := identity.NewStore(pool)
	if err != nil {
		t.Fatalf("failed to create agent store: %v", err)
	}
	journal, err := activity.NewStore(pool)
	if err != nil {
		t.Fatalf("failed to create activity store: %v", err)
	}
	recorder := activity.NewRecorder(journal, bus.NewMemoryEventBus(log), log)
	builder := container.NewSpecBuilder(config.DockerConfig{VolumeBasePath: t.TempDir()})
	engine := &fakeEngine{}

	return &mediatorFixture{
		mediator: New(keys, graph, agents, engine, recorder, builder, log),
		keys:     keys,
		graph:    graph,
		agents:   agents,
		engine:   engine,
		builder:  builder,
	}
}

func (f *mediatorFixture) addAgent(t *testing.T, name string) {
	t.Helper()
	agent := &v1.Agent{
		Name:      name,
		Owner:     "owner-1",
		Runtime:   v1.RuntimeClaude,
		State:     v1.AgentStateRunning,
		CreatedAt: time.Now().UTC(),
	}
	if err := f.agents.Create(context.Background(), agent); err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
}

func agentCaller(name string) Caller { return Caller{AgentName: name, Scope: ScopeAgent} }

func TestMediator_ChatRequiresEdge(t *testing.T) {
	f := newMediatorFixture(t)
	ctx := context.Background()
	f.addAgent(t, "alice")
	f.addAgent(t, "bob")

	_, err := f.mediator.Chat(ctx, agentCaller("alice"), "bob", "hi")
	if !v1.IsKind(err, v1.KindPermissionDenied) {
		t.Fatalf("expected permission_denied, got %v", err)
	}

	if err := f.graph.Grant(ctx, "alice", "bob", "admin"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	result, err := f.mediator.Chat(ctx, agentCaller("alice"), "bob", "hi")
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if result.Execution.Result != "done" {
		t.Errorf("unexpected result %q", result.Execution.Result)
	}

	req := f.engine.chats[0]
	if req.AgentName != "bob" || req.Trigger != v1.TriggerAgent {
		t.Errorf("unexpected request %+v", req)
	}
	if req.Initiator != "agent:alice" {
		t.Errorf("expected initiator agent:alice, got %q", req.Initiator)
	}
	if len(req.CallChain) != 1 || req.CallChain[0] != "alice" {
		t.Errorf("expected call chain [alice], got %v", req.CallChain)
	}
}

func TestMediator_UnknownTarget(t *testing.T) {
	f := newMediatorFixture(t)
	f.addAgent(t, "alice")

	_, err := f.mediator.Chat(context.Background(), agentCaller("alice"), "nobody", "hi")
	if !v1.IsKind(err, v1.KindNotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestMediator_DepthBound(t *testing.T) {
	f := newMediatorFixture(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c", "d"} {
		f.addAgent(t, name)
	}
	f.graph.Grant(ctx, "b", "c", "admin")
	f.graph.Grant(ctx, "c", "d", "admin")

	// c serves a call that arrived via a -> b; the fourth hop to d is one
	// agent too deep.
	f.engine.inflight = []execution.InFlightInfo{{
		ExecutionID: "exec-c",
		AgentName:   "c",
		CallChain:   []string{"a", "b"},
	}}
	_, err := f.mediator.Chat(ctx, agentCaller("c"), "d", "go deeper")
	if !v1.IsKind(err, v1.KindDepthExceeded) {
		t.Fatalf("expected depth_exceeded, got %v", err)
	}

	// The third hop is still in bounds.
	f.engine.inflight = []execution.InFlightInfo{{
		ExecutionID: "exec-b",
		AgentName:   "b",
		CallChain:   []string{"a"},
	}}
	_, err = f.mediator.Chat(ctx, agentCaller("b"), "c", "ok")
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	chain := f.engine.chats[0].CallChain
	if len(chain) != 2 || chain[0] != "a" || chain[1] != "b" {
		t.Errorf("expected chain [a b], got %v", chain)
	}
}

func TestMediator_SystemBypassesGraph(t *testing.T) {
	f := newMediatorFixture(t)
	ctx := context.Background()
	f.addAgent(t, "bob")

	system := Caller{AgentName: "supervisor", Scope: ScopeSystem}
	if _, err := f.mediator.Chat(ctx, system, "bob", "report"); err != nil {
		t.Fatalf("system chat failed: %v", err)
	}
	req := f.engine.chats[0]
	if req.Initiator != "system:supervisor" {
		t.Errorf("expected system initiator, got %q", req.Initiator)
	}
	if len(req.CallChain) != 0 {
		t.Errorf("system calls carry no chain, got %v", req.CallChain)
	}
}

func TestMediator_ListPeers(t *testing.T) {
	f := newMediatorFixture(t)
	ctx := context.Background()
	f.addAgent(t, "alice")
	f.addAgent(t, "bob")
	f.addAgent(t, "carol")
	f.graph.Grant(ctx, "alice", "bob", "admin")

	peers, err := f.mediator.ListPeers(ctx, agentCaller("alice"))
	if err != nil {
		t.Fatalf("list peers failed: %v", err)
	}
	if len(peers) != 1 || peers[0].Name != "bob" {
		t.Errorf("expected [bob], got %v", peers)
	}

	all, err := f.mediator.ListPeers(ctx, Caller{AgentName: "sys", Scope: ScopeSystem})
	if err != nil {
		t.Fatalf("system list failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected all agents for system scope, got %d", len(all))
	}
}

func TestMediator_TriggerJob(t *testing.T) {
	f := newMediatorFixture(t)
	ctx := context.Background()
	f.addAgent(t, "alice")
	f.addAgent(t, "bob")
	f.graph.Grant(ctx, "alice", "bob", "admin")

	job, err := f.mediator.TriggerJob(ctx, agentCaller("alice"), "bob", "be thorough", "the input document")
	if err != nil {
		t.Fatalf("trigger job failed: %v", err)
	}
	if job.Target != "bob" || job.ExecutionID != "exec-1" {
		t.Errorf("unexpected job %+v", job)
	}

	jobDir := filepath.Join(f.builder.WorkspacePath("bob"), "jobs", job.ID)
	input, err := os.ReadFile(filepath.Join(jobDir, "request", "input.md"))
	if err != nil {
		t.Fatalf("expected job input written: %v", err)
	}
	if string(input) != "the input document" {
		t.Errorf("unexpected input %q", input)
	}
	if _, err := os.Stat(filepath.Join(jobDir, "output")); err != nil {
		t.Errorf("expected output folder: %v", err)
	}

	req := f.engine.tasks[0]
	if req.AppendSystemPrompt != "be thorough" {
		t.Errorf("expected instructions forwarded, got %q", req.AppendSystemPrompt)
	}

	// Output files are reported back through JobStatus.
	if err := os.WriteFile(filepath.Join(jobDir, "output", "report.md"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	status, err := f.mediator.JobStatus(ctx, agentCaller("alice"), "bob", job.ID)
	if err != nil {
		t.Fatalf("job status failed: %v", err)
	}
	if len(status.OutputFiles) != 1 || status.OutputFiles[0] != "report.md" {
		t.Errorf("unexpected outputs %v", status.OutputFiles)
	}

	if _, err := f.mediator.JobStatus(ctx, agentCaller("alice"), "bob", "no-such-job"); !v1.IsKind(err, v1.KindNotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestKeyStore_IssueAndAuthenticate(t *testing.T) {
	f := newMediatorFixture(t)
	ctx := context.Background()

	key, err := f.keys.IssueAgentKey(ctx, "alice")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	// Keys are stable across repeated issuance.
	again, err := f.keys.IssueAgentKey(ctx, "alice")
	if err != nil {
		t.Fatalf("reissue failed: %v", err)
	}
	if key != again {
		t.Error("expected the same key on reissue")
	}

	caller, err := f.keys.Authenticate(ctx, key)
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if caller.AgentName != "alice" || caller.System() {
		t.Errorf("unexpected caller %+v", caller)
	}

	if _, err := f.keys.Authenticate(ctx, "trk_bogus"); !v1.IsKind(err, v1.KindNotAuthorized) {
		t.Errorf("expected not_authorized, got %v", err)
	}

	// Revocation invalidates the key and forces a fresh one.
	if err := f.keys.RevokeAgentKey(ctx, "alice"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if _, err := f.keys.Authenticate(ctx, key); !v1.IsKind(err, v1.KindNotAuthorized) {
		t.Errorf("expected revoked key rejected, got %v", err)
	}
	fresh, err := f.keys.IssueAgentKey(ctx, "alice")
	if err != nil {
		t.Fatalf("issue after revoke failed: %v", err)
	}
	if fresh == key {
		t.Error("expected a new key after revocation")
	}
}

func TestKeyStore_SystemScope(t *testing.T) {
	f := newMediatorFixture(t)
	ctx := context.Background()

	key, err := f.keys.IssueSystemKey(ctx, "supervisor")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	caller, err := f.keys.Authenticate(ctx, key)
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if !caller.System() {
		t.Errorf("expected system scope, got %+v", caller)
	}
}
