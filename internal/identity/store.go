// Package identity owns agent records: registration, resolution, ownership
// and sharing.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/webmixgamer/trinity/internal/db"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// Store persists agent records and shares.
type Store struct {
	pool *db.Pool
}

// agentRow is the database shape of an agent record.
type agentRow struct {
	Name             string       `db:"name"`
	TemplateRef      string       `db:"template_ref"`
	Owner            string       `db:"owner"`
	MemoryBytes      int64        `db:"memory_bytes"`
	CPUCores         float64      `db:"cpu_cores"`
	Runtime          string       `db:"runtime"`
	Model            string       `db:"model"`
	Autonomy         bool         `db:"autonomy"`
	FullCapabilities bool         `db:"full_capabilities"`
	SystemProtected  bool         `db:"system_protected"`
	Worker           bool         `db:"worker"`
	SharedExpose     bool         `db:"shared_expose"`
	SharedConsume    bool         `db:"shared_consume"`
	State            string       `db:"state"`
	ContainerID      string       `db:"container_id"`
	Port             int          `db:"port"`
	CreatedAt        time.Time    `db:"created_at"`
	LastStartedAt    sql.NullTime `db:"last_started_at"`
}

func (r *agentRow) toAgent() *v1.Agent {
	a := &v1.Agent{
		Name:        r.Name,
		TemplateRef: r.TemplateRef,
		Owner:       r.Owner,
		Resources: v1.ResourceLimits{
			MemoryBytes: r.MemoryBytes,
			CPUCores:    r.CPUCores,
		},
		Runtime:          v1.RuntimeKind(r.Runtime),
		Model:            r.Model,
		Autonomy:         r.Autonomy,
		FullCapabilities: r.FullCapabilities,
		SystemProtected:  r.SystemProtected,
		Worker:           r.Worker,
		SharedFolders: v1.SharedFolderConfig{
			Expose:  r.SharedExpose,
			Consume: r.SharedConsume,
		},
		State:       v1.AgentState(r.State),
		ContainerID: r.ContainerID,
		Port:        r.Port,
		CreatedAt:   r.CreatedAt,
	}
	if r.LastStartedAt.Valid {
		t := r.LastStartedAt.Time
		a.LastStartedAt = &t
	}
	return a
}

// NewStore creates the identity store and its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		name TEXT PRIMARY KEY,
		template_ref TEXT NOT NULL,
		owner TEXT NOT NULL,
		memory_bytes INTEGER NOT NULL DEFAULT 0,
		cpu_cores REAL NOT NULL DEFAULT 0,
		runtime TEXT NOT NULL DEFAULT 'claude',
		model TEXT NOT NULL DEFAULT '',
		autonomy INTEGER NOT NULL DEFAULT 0,
		full_capabilities INTEGER NOT NULL DEFAULT 0,
		system_protected INTEGER NOT NULL DEFAULT 0,
		worker INTEGER NOT NULL DEFAULT 0,
		shared_expose INTEGER NOT NULL DEFAULT 0,
		shared_consume INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'CREATED',
		container_id TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		last_started_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner);
	CREATE INDEX IF NOT EXISTS idx_agents_state ON agents(state);

	CREATE TABLE IF NOT EXISTS agent_shares (
		agent_name TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (agent_name, user_id)
	);
	`
	if _, err := pool.Writer().Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize identity schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Create inserts a new agent record.
func (s *Store) Create(ctx context.Context, agent *v1.Agent) error {
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO agents (
			name, template_ref, owner, memory_bytes, cpu_cores, runtime, model,
			autonomy, full_capabilities, system_protected, worker, shared_expose,
			shared_consume, state, container_id, port, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.Name, agent.TemplateRef, agent.Owner,
		agent.Resources.MemoryBytes, agent.Resources.CPUCores,
		string(agent.Runtime), agent.Model,
		agent.Autonomy, agent.FullCapabilities, agent.SystemProtected, agent.Worker,
		agent.SharedFolders.Expose, agent.SharedFolders.Consume,
		string(agent.State), agent.ContainerID, agent.Port, agent.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert agent %s: %w", agent.Name, err)
	}
	return nil
}

// Get resolves an agent by name.
func (s *Store) Get(ctx context.Context, name string) (*v1.Agent, error) {
	var row agentRow
	err := s.pool.Reader().GetContext(ctx, &row, "SELECT * FROM agents WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, v1.NewError(v1.KindNotFound, "agent %s not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agent %s: %w", name, err)
	}
	agent := row.toAgent()
	shares, err := s.shares(ctx, name)
	if err != nil {
		return nil, err
	}
	agent.SharedWith = shares
	return agent, nil
}

// List returns all agents ordered by name.
func (s *Store) List(ctx context.Context) ([]*v1.Agent, error) {
	var rows []agentRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, "SELECT * FROM agents ORDER BY name"); err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	agents := make([]*v1.Agent, 0, len(rows))
	for i := range rows {
		agents = append(agents, rows[i].toAgent())
	}
	return agents, nil
}

// ListByOwner returns the agents owned by a user.
func (s *Store) ListByOwner(ctx context.Context, owner string) ([]*v1.Agent, error) {
	var rows []agentRow
	err := s.pool.Reader().SelectContext(ctx, &rows,
		"SELECT * FROM agents WHERE owner = ? ORDER BY name", owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents for %s: %w", owner, err)
	}
	agents := make([]*v1.Agent, 0, len(rows))
	for i := range rows {
		agents = append(agents, rows[i].toAgent())
	}
	return agents, nil
}

// ListByState returns the agents currently in a given state.
func (s *Store) ListByState(ctx context.Context, state v1.AgentState) ([]*v1.Agent, error) {
	var rows []agentRow
	err := s.pool.Reader().SelectContext(ctx, &rows,
		"SELECT * FROM agents WHERE state = ? ORDER BY name", string(state))
	if err != nil {
		return nil, fmt.Errorf("failed to list agents in state %s: %w", state, err)
	}
	agents := make([]*v1.Agent, 0, len(rows))
	for i := range rows {
		agents = append(agents, rows[i].toAgent())
	}
	return agents, nil
}

// UpdateState persists a state transition.
func (s *Store) UpdateState(ctx context.Context, name string, state v1.AgentState) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		"UPDATE agents SET state = ? WHERE name = ?", string(state), name)
	if err != nil {
		return fmt.Errorf("failed to update state for %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return v1.NewError(v1.KindNotFound, "agent %s not found", name)
	}
	return nil
}

// UpdateRuntimeInfo records the container id, port and start time after a
// successful start, or clears them on stop.
func (s *Store) UpdateRuntimeInfo(ctx context.Context, name, containerID string, port int, startedAt *time.Time) error {
	var started sql.NullTime
	if startedAt != nil {
		started = sql.NullTime{Time: *startedAt, Valid: true}
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE agents SET container_id = ?, port = ?,
			last_started_at = COALESCE(?, last_started_at)
		WHERE name = ?`,
		containerID, port, started, name)
	if err != nil {
		return fmt.Errorf("failed to update runtime info for %s: %w", name, err)
	}
	return nil
}

// SetAutonomy flips the autonomy flag.
func (s *Store) SetAutonomy(ctx context.Context, name string, autonomy bool) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		"UPDATE agents SET autonomy = ? WHERE name = ?", autonomy, name)
	if err != nil {
		return fmt.Errorf("failed to set autonomy for %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return v1.NewError(v1.KindNotFound, "agent %s not found", name)
	}
	return nil
}

// Share grants a user access to an agent.
func (s *Store) Share(ctx context.Context, name, userID string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		"INSERT OR IGNORE INTO agent_shares (agent_name, user_id) VALUES (?, ?)", name, userID)
	if err != nil {
		return fmt.Errorf("failed to share agent %s with %s: %w", name, userID, err)
	}
	return nil
}

// Unshare revokes a user's access to an agent.
func (s *Store) Unshare(ctx context.Context, name, userID string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		"DELETE FROM agent_shares WHERE agent_name = ? AND user_id = ?", name, userID)
	if err != nil {
		return fmt.Errorf("failed to unshare agent %s from %s: %w", name, userID, err)
	}
	return nil
}

func (s *Store) shares(ctx context.Context, name string) ([]string, error) {
	var users []string
	err := s.pool.Reader().SelectContext(ctx, &users,
		"SELECT user_id FROM agent_shares WHERE agent_name = ? ORDER BY user_id", name)
	if err != nil {
		return nil, fmt.Errorf("failed to read shares for %s: %w", name, err)
	}
	return users, nil
}

// DeleteCascade removes the agent record, its shares, and whatever related
// rows the provided cascade functions delete, in one transaction. Activity
// journal rows are deliberately not part of the cascade.
func (s *Store) DeleteCascade(ctx context.Context, name string, cascades ...func(tx *sqlx.Tx) error) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM agents WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete agent %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return v1.NewError(v1.KindNotFound, "agent %s not found", name)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM agent_shares WHERE agent_name = ?", name); err != nil {
		return fmt.Errorf("failed to delete shares for %s: %w", name, err)
	}
	for _, cascade := range cascades {
		if err := cascade(tx); err != nil {
			return err
		}
	}
	return tx.Commit()
}
