package identity

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/webmixgamer/trinity/internal/common/logger"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// PermissionMesher is implemented by the permission graph. The identity
// service uses it to form the default same-owner mesh on create and to
// cascade edge removal on delete.
type PermissionMesher interface {
	Grant(ctx context.Context, source, target, grantedBy string) error
	DeleteForAgentTx(tx *sqlx.Tx, name string) error
}

// ScheduleCascader is implemented by the schedule store so agent deletion
// removes schedules in the same transaction.
type ScheduleCascader interface {
	DeleteForAgentTx(tx *sqlx.Tx, name string) error
}

// CreateRequest carries the caller-supplied fields for a new agent.
type CreateRequest struct {
	Name             string
	TemplateRef      string
	Resources        v1.ResourceLimits
	Runtime          v1.RuntimeKind
	Model            string
	FullCapabilities bool
	SystemProtected  bool
	Worker           bool
	SharedFolders    v1.SharedFolderConfig
}

// Service implements agent identity operations on top of the store.
type Service struct {
	store       *Store
	permissions PermissionMesher
	schedules   ScheduleCascader
	logger      *logger.Logger
}

// NewService creates the identity service.
func NewService(store *Store, permissions PermissionMesher, schedules ScheduleCascader, log *logger.Logger) *Service {
	return &Service{
		store:       store,
		permissions: permissions,
		schedules:   schedules,
		logger:      log,
	}
}

// Store exposes the underlying record store for engine components that only
// need reads and state updates.
func (s *Service) Store() *Store {
	return s.store
}

// Create registers a new agent owned by the principal. Agents of the same
// owner are meshed: every running sibling gains a call edge to and from the
// new agent.
func (s *Service) Create(ctx context.Context, principal v1.Principal, req CreateRequest) (*v1.Agent, error) {
	if !v1.ValidAgentName(req.Name) {
		return nil, v1.NewError(v1.KindInvalidName,
			"agent name %q must be 3-50 lowercase alphanumerics or hyphens with no leading/trailing hyphen", req.Name)
	}
	if req.SystemProtected && principal.Role != v1.RoleSystem && principal.Role != v1.RoleAdmin {
		return nil, v1.NewError(v1.KindNotAuthorized, "only admins may create system-protected agents")
	}
	if _, err := s.store.Get(ctx, req.Name); err == nil {
		return nil, v1.NewError(v1.KindNameConflict, "agent %s already exists", req.Name)
	} else if !v1.IsKind(err, v1.KindNotFound) {
		return nil, err
	}

	runtime := req.Runtime
	if runtime == "" {
		runtime = v1.RuntimeClaude
	}

	agent := &v1.Agent{
		Name:             req.Name,
		TemplateRef:      req.TemplateRef,
		Owner:            principal.ID,
		Resources:        req.Resources,
		Runtime:          runtime,
		Model:            req.Model,
		FullCapabilities: req.FullCapabilities,
		SystemProtected:  req.SystemProtected,
		Worker:           req.Worker,
		SharedFolders:    req.SharedFolders,
		State:            v1.AgentStateCreated,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.Create(ctx, agent); err != nil {
		return nil, err
	}

	siblings, err := s.store.ListByOwner(ctx, principal.ID)
	if err != nil {
		return nil, err
	}
	for _, sib := range siblings {
		// only running siblings join the default mesh
		if sib.Name == agent.Name || sib.State != v1.AgentStateRunning {
			continue
		}
		if err := s.permissions.Grant(ctx, agent.Name, sib.Name, principal.ID); err != nil {
			s.logger.Warn("failed to mesh new agent",
				zap.String("agent", agent.Name), zap.String("peer", sib.Name), zap.Error(err))
		}
		if err := s.permissions.Grant(ctx, sib.Name, agent.Name, principal.ID); err != nil {
			s.logger.Warn("failed to mesh new agent",
				zap.String("agent", sib.Name), zap.String("peer", agent.Name), zap.Error(err))
		}
	}

	s.logger.Info("agent created",
		zap.String("agent", agent.Name),
		zap.String("owner", agent.Owner),
		zap.String("template", agent.TemplateRef))
	return agent, nil
}

// Get resolves an agent the principal may read.
func (s *Service) Get(ctx context.Context, principal v1.Principal, name string) (*v1.Agent, error) {
	agent, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if !CanAccess(principal, agent, v1.ScopeRead) {
		return nil, v1.NewError(v1.KindNotAuthorized, "not authorized to access agent %s", name)
	}
	return agent, nil
}

// List returns the agents visible to the principal: all of them for admins
// and the system, owned plus shared for users.
func (s *Service) List(ctx context.Context, principal v1.Principal) ([]*v1.Agent, error) {
	agents, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if principal.Role == v1.RoleAdmin || principal.Role == v1.RoleSystem {
		return agents, nil
	}
	visible := make([]*v1.Agent, 0, len(agents))
	for _, agent := range agents {
		full, err := s.store.Get(ctx, agent.Name)
		if err != nil {
			continue
		}
		if CanAccess(principal, full, v1.ScopeRead) {
			visible = append(visible, full)
		}
	}
	return visible, nil
}

// Delete removes an agent record and cascades permission edges, schedules
// and shares in one transaction. The activity journal is retained. The agent
// must not be running; the lifecycle manager stops it first.
func (s *Service) Delete(ctx context.Context, principal v1.Principal, name string) error {
	agent, err := s.store.Get(ctx, name)
	if err != nil {
		return err
	}
	if !CanAccess(principal, agent, v1.ScopeDelete) {
		return v1.NewError(v1.KindNotAuthorized, "not authorized to delete agent %s", name)
	}
	if agent.SystemProtected && principal.Role != v1.RoleSystem {
		return v1.NewError(v1.KindNotAuthorized, "agent %s is system-protected", name)
	}
	switch agent.State {
	case v1.AgentStateRunning, v1.AgentStateStarting, v1.AgentStateStopping:
		return v1.NewError(v1.KindAgentNotRunning, "agent %s must be stopped before deletion", name)
	}

	err = s.store.DeleteCascade(ctx, name,
		func(tx *sqlx.Tx) error { return s.permissions.DeleteForAgentTx(tx, name) },
		func(tx *sqlx.Tx) error { return s.schedules.DeleteForAgentTx(tx, name) },
	)
	if err != nil {
		return err
	}

	s.logger.Info("agent deleted", zap.String("agent", name), zap.String("by", principal.ID))
	return nil
}

// SetAutonomy toggles scheduled execution for an agent.
func (s *Service) SetAutonomy(ctx context.Context, principal v1.Principal, name string, autonomy bool) error {
	agent, err := s.store.Get(ctx, name)
	if err != nil {
		return err
	}
	if !CanAccess(principal, agent, v1.ScopeWrite) {
		return v1.NewError(v1.KindNotAuthorized, "not authorized to modify agent %s", name)
	}
	return s.store.SetAutonomy(ctx, name, autonomy)
}

// Share grants a user access to an agent. Only the owner or an admin may
// manage shares.
func (s *Service) Share(ctx context.Context, principal v1.Principal, name, userID string) error {
	agent, err := s.store.Get(ctx, name)
	if err != nil {
		return err
	}
	if principal.Role != v1.RoleAdmin && principal.ID != agent.Owner {
		return v1.NewError(v1.KindNotAuthorized, "only the owner may share agent %s", name)
	}
	return s.store.Share(ctx, name, userID)
}

// Unshare revokes a user's access to an agent.
func (s *Service) Unshare(ctx context.Context, principal v1.Principal, name, userID string) error {
	agent, err := s.store.Get(ctx, name)
	if err != nil {
		return err
	}
	if principal.Role != v1.RoleAdmin && principal.ID != agent.Owner {
		return v1.NewError(v1.KindNotAuthorized, "only the owner may unshare agent %s", name)
	}
	return s.store.Unshare(ctx, name, userID)
}

// CanAccess decides whether a principal may act on an agent at the given
// scope. Admins and the system principal may do anything except delete
// system-protected agents, which is reserved for the system. Shared users
// get read and write but not delete.
func CanAccess(principal v1.Principal, agent *v1.Agent, scope v1.AccessScope) bool {
	if principal.Role == v1.RoleSystem {
		return true
	}
	if principal.Role == v1.RoleAdmin {
		if scope == v1.ScopeDelete && agent.SystemProtected {
			return false
		}
		return true
	}
	if principal.ID == agent.Owner {
		if scope == v1.ScopeDelete && agent.SystemProtected {
			return false
		}
		return true
	}
	for _, userID := range agent.SharedWith {
		if userID == principal.ID {
			return scope == v1.ScopeRead || scope == v1.ScopeWrite
		}
	}
	return false
}
