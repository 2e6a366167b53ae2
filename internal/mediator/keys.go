// Package mediator brokers all agent-to-agent operations: peer discovery,
// chat, tasks and job triggers, under permission and depth checks.
package mediator

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/webmixgamer/trinity/internal/db"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// Key scopes. Agent keys act as the named agent; system keys act as the
// system principal and bypass the permission graph.
const (
	ScopeAgent  = "agent"
	ScopeSystem = "system"
)

// KeyStore persists per-agent API keys.
type KeyStore struct {
	pool *db.Pool
}

type keyRow struct {
	Key       string    `db:"key"`
	AgentName string    `db:"agent_name"`
	Scope     string    `db:"scope"`
	CreatedAt time.Time `db:"created_at"`
}

// NewKeyStore creates the key store and its schema.
func NewKeyStore(pool *db.Pool) (*KeyStore, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS api_keys (
		key TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT 'agent',
		created_at TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_api_keys_agent
		ON api_keys(agent_name) WHERE scope = 'agent';
	`
	if _, err := pool.Writer().Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize api key schema: %w", err)
	}
	return &KeyStore{pool: pool}, nil
}

func newKey() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return "trk_" + hex.EncodeToString(raw), nil
}

// IssueAgentKey returns the agent's key, minting one on first use. The key
// is stable across restarts so containers keep working.
func (s *KeyStore) IssueAgentKey(ctx context.Context, agentName string) (string, error) {
	var key string
	err := s.pool.Reader().GetContext(ctx, &key,
		"SELECT key FROM api_keys WHERE agent_name = ? AND scope = ?", agentName, ScopeAgent)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to read api key for %s: %w", agentName, err)
	}

	key, err = newKey()
	if err != nil {
		return "", err
	}
	_, err = s.pool.Writer().ExecContext(ctx,
		"INSERT INTO api_keys (key, agent_name, scope, created_at) VALUES (?, ?, ?, ?)",
		key, agentName, ScopeAgent, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to store api key for %s: %w", agentName, err)
	}
	return key, nil
}

// IssueSystemKey mints a system-scope key.
func (s *KeyStore) IssueSystemKey(ctx context.Context, holder string) (string, error) {
	key, err := newKey()
	if err != nil {
		return "", err
	}
	_, err = s.pool.Writer().ExecContext(ctx,
		"INSERT INTO api_keys (key, agent_name, scope, created_at) VALUES (?, ?, ?, ?)",
		key, holder, ScopeSystem, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to store system key: %w", err)
	}
	return key, nil
}

// Caller identifies an authenticated mediator caller.
type Caller struct {
	AgentName string
	Scope     string
}

// System reports whether the caller holds system scope.
func (c Caller) System() bool { return c.Scope == ScopeSystem }

// Authenticate resolves an API key to its caller.
func (s *KeyStore) Authenticate(ctx context.Context, key string) (Caller, error) {
	var row keyRow
	err := s.pool.Reader().GetContext(ctx, &row, "SELECT * FROM api_keys WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return Caller{}, v1.NewError(v1.KindNotAuthorized, "unknown api key")
	}
	if err != nil {
		return Caller{}, fmt.Errorf("failed to authenticate api key: %w", err)
	}
	return Caller{AgentName: row.AgentName, Scope: row.Scope}, nil
}

// RevokeAgentKey drops an agent's key, forcing a new one on next start.
func (s *KeyStore) RevokeAgentKey(ctx context.Context, agentName string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		"DELETE FROM api_keys WHERE agent_name = ? AND scope = ?", agentName, ScopeAgent)
	if err != nil {
		return fmt.Errorf("failed to revoke api key for %s: %w", agentName, err)
	}
	return nil
}
