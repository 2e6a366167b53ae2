// Package execution runs chat and task executions against agent containers.
// Chat is serialized per agent and session-preserving; tasks run in parallel
// under per-agent and global caps.
package execution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/webmixgamer/trinity/internal/db"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// Store persists execution records and chat sessions.
type Store struct {
	pool *db.Pool
}

type executionRow struct {
	ID           string       `db:"id"`
	AgentName    string       `db:"agent_name"`
	Mode         string       `db:"mode"`
	Trigger      string       `db:"trigger"`
	Initiator    string       `db:"initiator"`
	Message      string       `db:"message"`
	Status       string       `db:"status"`
	SessionID    string       `db:"session_id"`
	Result       string       `db:"result"`
	CostUSD      float64      `db:"cost_usd"`
	InputTokens  int64        `db:"input_tokens"`
	OutputTokens int64        `db:"output_tokens"`
	ContextPct   float64      `db:"context_pct"`
	DurationMS   int64        `db:"duration_ms"`
	Error        string       `db:"error"`
	CallChain    string       `db:"call_chain"`
	CreatedAt    time.Time    `db:"created_at"`
	StartedAt    sql.NullTime `db:"started_at"`
	EndedAt      sql.NullTime `db:"ended_at"`
}

func (r *executionRow) toExecution() *v1.Execution {
	e := &v1.Execution{
		ID:           r.ID,
		AgentName:    r.AgentName,
		Mode:         v1.ExecutionMode(r.Mode),
		Trigger:      v1.ExecutionTrigger(r.Trigger),
		Initiator:    r.Initiator,
		Message:      r.Message,
		Status:       v1.ExecutionStatus(r.Status),
		SessionID:    r.SessionID,
		Result:       r.Result,
		CostUSD:      r.CostUSD,
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		ContextPct:   r.ContextPct,
		DurationMS:   r.DurationMS,
		Error:        r.Error,
		CreatedAt:    r.CreatedAt,
	}
	if r.CallChain != "" {
		e.CallChain = strings.Split(r.CallChain, ",")
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		e.StartedAt = &t
	}
	if r.EndedAt.Valid {
		t := r.EndedAt.Time
		e.EndedAt = &t
	}
	return e
}

// NewStore creates the execution store and its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		mode TEXT NOT NULL,
		"trigger" TEXT NOT NULL,
		initiator TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		status TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		cost_usd REAL NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		context_pct REAL NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		call_chain TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		ended_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_executions_agent ON executions(agent_name, created_at);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		agent_name TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`
	if _, err := pool.Writer().Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize execution schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Create persists a newly accepted execution.
func (s *Store) Create(ctx context.Context, e *v1.Execution) error {
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO executions (id, agent_name, mode, "trigger", initiator, message,
			status, session_id, call_chain, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AgentName, string(e.Mode), string(e.Trigger), e.Initiator, e.Message,
		string(e.Status), e.SessionID, strings.Join(e.CallChain, ","), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// MarkRunning stamps the start of an execution.
func (s *Store) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		"UPDATE executions SET status = ?, started_at = ? WHERE id = ?",
		string(v1.ExecutionRunning), startedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark execution %s running: %w", id, err)
	}
	return nil
}

// Finish writes the terminal fields of an execution.
func (s *Store) Finish(ctx context.Context, e *v1.Execution) error {
	var ended sql.NullTime
	if e.EndedAt != nil {
		ended = sql.NullTime{Time: e.EndedAt.UTC(), Valid: true}
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE executions SET status = ?, session_id = ?, result = ?, cost_usd = ?,
			input_tokens = ?, output_tokens = ?, context_pct = ?, duration_ms = ?,
			error = ?, ended_at = ?
		WHERE id = ?`,
		string(e.Status), e.SessionID, e.Result, e.CostUSD,
		e.InputTokens, e.OutputTokens, e.ContextPct, e.DurationMS,
		e.Error, ended, e.ID)
	if err != nil {
		return fmt.Errorf("failed to finish execution %s: %w", e.ID, err)
	}
	return nil
}

// Get resolves one execution.
func (s *Store) Get(ctx context.Context, id string) (*v1.Execution, error) {
	var row executionRow
	err := s.pool.Reader().GetContext(ctx, &row, "SELECT * FROM executions WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, v1.NewError(v1.KindNotFound, "execution %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read execution %s: %w", id, err)
	}
	return row.toExecution(), nil
}

// ListForAgent returns an agent's executions newest first.
func (s *Store) ListForAgent(ctx context.Context, agentName string, limit, offset int) ([]*v1.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	var rows []executionRow
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT * FROM executions WHERE agent_name = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		agentName, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions for %s: %w", agentName, err)
	}
	out := make([]*v1.Execution, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toExecution())
	}
	return out, nil
}

// PendingChats returns accepted chat executions in FIFO order, used to
// rebuild per-agent chat queues at boot.
func (s *Store) PendingChats(ctx context.Context) ([]*v1.Execution, error) {
	var rows []executionRow
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT * FROM executions WHERE mode = ? AND status = ?
		ORDER BY created_at, id`,
		string(v1.ExecutionModeChat), string(v1.ExecutionAccepted))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending chats: %w", err)
	}
	out := make([]*v1.Execution, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toExecution())
	}
	return out, nil
}

// AbortStale marks non-terminal executions as failed, for boot recovery of
// work that was in flight when the process died.
func (s *Store) AbortStale(ctx context.Context) error {
	_, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE executions SET status = ?, error = 'orchestrator restarted', ended_at = ?
		WHERE status = ?`,
		string(v1.ExecutionFailed), time.Now().UTC(), string(v1.ExecutionRunning))
	if err != nil {
		return fmt.Errorf("failed to abort stale executions: %w", err)
	}
	return nil
}

// CostSince sums execution cost for an agent from a point in time,
// regardless of terminal status: cancelled work still spent the money.
func (s *Store) CostSince(ctx context.Context, agentName string, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.pool.Reader().GetContext(ctx, &total, `
		SELECT SUM(cost_usd) FROM executions
		WHERE agent_name = ? AND created_at >= ?`,
		agentName, since.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sum cost for %s: %w", agentName, err)
	}
	return total.Float64, nil
}

// ChatSession returns the persistent chat session id for an agent, or "".
func (s *Store) ChatSession(ctx context.Context, agentName string) (string, error) {
	var sessionID string
	err := s.pool.Reader().GetContext(ctx, &sessionID,
		"SELECT session_id FROM chat_sessions WHERE agent_name = ?", agentName)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read chat session for %s: %w", agentName, err)
	}
	return sessionID, nil
}

// SaveChatSession stores the chat session id for an agent.
func (s *Store) SaveChatSession(ctx context.Context, agentName, sessionID string) error {
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO chat_sessions (agent_name, session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(agent_name) DO UPDATE SET session_id = excluded.session_id,
			updated_at = excluded.updated_at`,
		agentName, sessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save chat session for %s: %w", agentName, err)
	}
	return nil
}

// ResetChatSession drops the persistent chat session so the next chat starts
// a fresh conversation.
func (s *Store) ResetChatSession(ctx context.Context, agentName string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		"DELETE FROM chat_sessions WHERE agent_name = ?", agentName)
	if err != nil {
		return fmt.Errorf("failed to reset chat session for %s: %w", agentName, err)
	}
	return nil
}
