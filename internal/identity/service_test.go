package identity

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/webmixgamer/trinity/internal/common/logger"
	"github.com/webmixgamer/trinity/internal/db"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// fakeMesher records grants and cascade deletions.
type fakeMesher struct {
	grants  [][2]string
	deleted []string
}

func (f *fakeMesher) Grant(_ context.Context, source, target, _ string) error {
	f.grants = append(f.grants, [2]string{source, target})
	return nil
}

func (f *fakeMesher) DeleteForAgentTx(_ *sqlx.Tx, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

type fakeCascader struct {
	deleted []string
}

func (f *fakeCascader) DeleteForAgentTx(_ *sqlx.Tx, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeMesher, *fakeCascader) {
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
		t.Fatalf("failed to create store: %v", err)
	}
	mesher := &fakeMesher{}
	cascader := &fakeCascader{}
	return NewService(store, mesher, cascader, logger.Default()), mesher, cascader
}

func owner() v1.Principal { return v1.Principal{ID: "owner-1", Role: v1.RoleUser} }
func admin() v1.Principal { return v1.Principal{ID: "admin-1", Role: v1.RoleAdmin} }

func mustCreate(t *testing.T, svc *Service, principal v1.Principal, name string) *v1.Agent {
	t.Helper()
	agent, err := svc.Create(context.Background(), principal, CreateRequest{Name: name})
	if err != nil {
		t.Fatalf("failed to create %s: %v", name, err)
	}
	return agent
}

func TestService_CreateDefaults(t *testing.T) {
	svc, _, _ := newTestService(t)

	agent := mustCreate(t, svc, owner(), "research-bot")
	if agent.State != v1.AgentStateCreated {
		t.Errorf("expected CREATED, got %s", agent.State)
	}
	if agent.Runtime != v1.RuntimeClaude {
		t.Errorf("expected default runtime claude, got %s", agent.Runtime)
	}
	if agent.Owner != "owner-1" {
		t.Errorf("expected owner-1, got %s", agent.Owner)
	}
	if agent.Autonomy {
		t.Error("autonomy must default to off")
	}
}

func TestService_CreateRejectsBadNames(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for _, name := range []string{"", "ab", "UPPER", "has space", "-leading", "trailing-", "a_b_c"} {
		_, err := svc.Create(ctx, owner(), CreateRequest{Name: name})
		if !v1.IsKind(err, v1.KindInvalidName) {
			t.Errorf("name %q: expected invalid_name, got %v", name, err)
		}
	}
}

func TestService_CreateNameConflict(t *testing.T) {
	svc, _, _ := newTestService(t)

	mustCreate(t, svc, owner(), "research-bot")
	_, err := svc.Create(context.Background(), owner(), CreateRequest{Name: "research-bot"})
	if !v1.IsKind(err, v1.KindNameConflict) {
		t.Errorf("expected name_conflict, got %v", err)
	}
}

func TestService_CreateMeshesRunningSameOwnerSiblings(t *testing.T) {
	svc, mesher, _ := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, owner(), "first")
	mustCreate(t, svc, owner(), "dormant")
	if err := svc.Store().UpdateState(ctx, "first", v1.AgentStateRunning); err != nil {
		t.Fatalf("state update failed: %v", err)
	}
	mustCreate(t, svc, owner(), "second")

	// Only the running sibling joins the mesh; dormant stays out.
	want := map[[2]string]bool{
		{"second", "first"}: true,
		{"first", "second"}: true,
	}
	if len(mesher.grants) != 2 {
		t.Fatalf("expected 2 mesh grants, got %v", mesher.grants)
	}
	for _, g := range mesher.grants {
		if !want[g] {
			t.Errorf("unexpected grant %v", g)
		}
	}
}

func TestService_CreateDoesNotMeshAcrossOwners(t *testing.T) {
	svc, mesher, _ := newTestService(t)

	mustCreate(t, svc, owner(), "mine")
	other := v1.Principal{ID: "owner-2", Role: v1.RoleUser}
	mustCreate(t, svc, other, "theirs")

	if len(mesher.grants) != 0 {
		t.Errorf("agents of different owners must not be meshed: %v", mesher.grants)
	}
}

func TestService_SystemProtectedNeedsAdmin(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, owner(), CreateRequest{Name: "guard", SystemProtected: true})
	if !v1.IsKind(err, v1.KindNotAuthorized) {
		t.Errorf("expected not_authorized, got %v", err)
	}
	if _, err := svc.Create(ctx, admin(), CreateRequest{Name: "guard", SystemProtected: true}); err != nil {
		t.Errorf("admin create failed: %v", err)
	}
}

func TestService_GetVisibility(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, owner(), "private-agent")

	stranger := v1.Principal{ID: "someone-else", Role: v1.RoleUser}
	if _, err := svc.Get(ctx, stranger, "private-agent"); !v1.IsKind(err, v1.KindNotAuthorized) {
		t.Errorf("expected not_authorized for stranger, got %v", err)
	}
	if _, err := svc.Get(ctx, admin(), "private-agent"); err != nil {
		t.Errorf("admin read failed: %v", err)
	}
	if _, err := svc.Get(ctx, owner(), "private-agent"); err != nil {
		t.Errorf("owner read failed: %v", err)
	}
}

func TestService_ShareGrantsReadWrite(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, owner(), "shared-agent")
	if err := svc.Share(ctx, owner(), "shared-agent", "friend-1"); err != nil {
		t.Fatalf("share failed: %v", err)
	}

	friend := v1.Principal{ID: "friend-1", Role: v1.RoleUser}
	agent, err := svc.Get(ctx, friend, "shared-agent")
	if err != nil {
		t.Fatalf("shared read failed: %v", err)
	}
	if !CanAccess(friend, agent, v1.ScopeWrite) {
		t.Error("shared user should get write access")
	}
	if CanAccess(friend, agent, v1.ScopeDelete) {
		t.Error("shared user must not get delete access")
	}

	if err := svc.Unshare(ctx, owner(), "shared-agent", "friend-1"); err != nil {
		t.Fatalf("unshare failed: %v", err)
	}
	if _, err := svc.Get(ctx, friend, "shared-agent"); !v1.IsKind(err, v1.KindNotAuthorized) {
		t.Errorf("expected access revoked, got %v", err)
	}
}

func TestService_ShareRequiresOwner(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, owner(), "shared-agent")
	svc.Share(ctx, owner(), "shared-agent", "friend-1")

	// A shared user may not manage shares.
	friend := v1.Principal{ID: "friend-1", Role: v1.RoleUser}
	if err := svc.Share(ctx, friend, "shared-agent", "friend-2"); !v1.IsKind(err, v1.KindNotAuthorized) {
		t.Errorf("expected not_authorized, got %v", err)
	}
}

func TestService_ListFiltersByVisibility(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, owner(), "mine")
	other := v1.Principal{ID: "owner-2", Role: v1.RoleUser}
	mustCreate(t, svc, other, "theirs")

	visible, err := svc.List(ctx, owner())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(visible) != 1 || visible[0].Name != "mine" {
		t.Errorf("expected only owned agent, got %v", visible)
	}

	all, err := svc.List(ctx, admin())
	if err != nil {
		t.Fatalf("admin list failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected admin to see both agents, got %d", len(all))
	}
}

func TestService_DeleteBlockedWhileActive(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, owner(), "busy-agent")
	for _, state := range []v1.AgentState{v1.AgentStateStarting, v1.AgentStateRunning, v1.AgentStateStopping} {
		if err := svc.Store().UpdateState(ctx, "busy-agent", state); err != nil {
			t.Fatalf("state update failed: %v", err)
		}
		if err := svc.Delete(ctx, owner(), "busy-agent"); !v1.IsKind(err, v1.KindAgentNotRunning) {
			t.Errorf("state %s: expected deletion blocked, got %v", state, err)
		}
	}
}

func TestService_DeleteCascades(t *testing.T) {
	svc, mesher, cascader := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, owner(), "doomed")
	if err := svc.Delete(ctx, owner(), "doomed"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if len(mesher.deleted) != 1 || mesher.deleted[0] != "doomed" {
		t.Errorf("expected permission cascade for doomed, got %v", mesher.deleted)
	}
	if len(cascader.deleted) != 1 || cascader.deleted[0] != "doomed" {
		t.Errorf("expected schedule cascade for doomed, got %v", cascader.deleted)
	}
	if _, err := svc.Store().Get(ctx, "doomed"); !v1.IsKind(err, v1.KindNotFound) {
		t.Errorf("expected agent gone, got %v", err)
	}
}

func TestService_DeleteSystemProtected(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, admin(), CreateRequest{Name: "guard", SystemProtected: true}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := svc.Delete(ctx, admin(), "guard"); !v1.IsKind(err, v1.KindNotAuthorized) {
		t.Errorf("admin must not delete system-protected agents, got %v", err)
	}
	if err := svc.Delete(ctx, v1.System(), "guard"); err != nil {
		t.Errorf("system delete failed: %v", err)
	}
}

func TestService_SetAutonomy(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, owner(), "auto-agent")
	if err := svc.SetAutonomy(ctx, owner(), "auto-agent", true); err != nil {
		t.Fatalf("set autonomy failed: %v", err)
	}
	agent, _ := svc.Store().Get(ctx, "auto-agent")
	if !agent.Autonomy {
		t.Error("expected autonomy on")
	}

	stranger := v1.Principal{ID: "someone-else", Role: v1.RoleUser}
	if err := svc.SetAutonomy(ctx, stranger, "auto-agent", false); !v1.IsKind(err, v1.KindNotAuthorized) {
		t.Errorf("expected not_authorized, got %v", err)
	}
}
