// Package activity implements the append-only activity journal. Records are
// never updated or deleted; they survive agent deletion.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/webmixgamer/trinity/internal/db"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// Store persists activity records.
type Store struct {
	pool *db.Pool
}

type recordRow struct {
	ID          int64     `db:"id"`
	AgentName   string    `db:"agent_name"`
	Timestamp   time.Time `db:"timestamp"`
	Kind        string    `db:"kind"`
	ExecutionID string    `db:"execution_id"`
	PeerAgent   string    `db:"peer_agent"`
	Severity    string    `db:"severity"`
	Payload     []byte    `db:"payload"`
}

func (r *recordRow) toRecord() *v1.ActivityRecord {
	return &v1.ActivityRecord{
		ID:          r.ID,
		AgentName:   r.AgentName,
		Timestamp:   r.Timestamp,
		Kind:        v1.ActivityKind(r.Kind),
		ExecutionID: r.ExecutionID,
		PeerAgent:   r.PeerAgent,
		Severity:    v1.ActivitySeverity(r.Severity),
		Payload:     json.RawMessage(r.Payload),
	}
}

// NewStore creates the journal store and its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS activity (
		agent_name TEXT NOT NULL,
		id INTEGER NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		kind TEXT NOT NULL,
		execution_id TEXT NOT NULL DEFAULT '',
		peer_agent TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT 'info',
		payload BLOB,
		PRIMARY KEY (agent_name, id)
	);
	CREATE INDEX IF NOT EXISTS idx_activity_time ON activity(agent_name, timestamp);
	CREATE INDEX IF NOT EXISTS idx_activity_kind ON activity(agent_name, kind);
	`
	if _, err := pool.Writer().Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize activity schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Append persists a record, assigning the next per-agent id. The id sequence
// is gap-free and monotone because all writes go through the single writer
// connection.
func (s *Store) Append(ctx context.Context, record *v1.ActivityRecord) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	if record.Severity == "" {
		record.Severity = v1.SeverityInfo
	}

	row := s.pool.Writer().QueryRowContext(ctx, `
		INSERT INTO activity (agent_name, id, timestamp, kind, execution_id, peer_agent, severity, payload)
		VALUES (?, (SELECT COALESCE(MAX(id), 0) + 1 FROM activity WHERE agent_name = ?), ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		record.AgentName, record.AgentName, record.Timestamp, string(record.Kind),
		record.ExecutionID, record.PeerAgent, string(record.Severity), []byte(record.Payload))
	if err := row.Scan(&record.ID); err != nil {
		return fmt.Errorf("failed to append activity for %s: %w", record.AgentName, err)
	}
	return nil
}

// Query returns matching records, newest first, capped at q.Limit (default
// 100, maximum 1000).
func (s *Store) Query(ctx context.Context, q v1.ActivityQuery) ([]*v1.ActivityRecord, error) {
	query := "SELECT * FROM activity WHERE 1=1"
	args := []any{}

	if q.AgentName != "" {
		query += " AND agent_name = ?"
		args = append(args, q.AgentName)
	}
	if len(q.Kinds) > 0 {
		query += " AND kind IN ("
		for i, kind := range q.Kinds {
			if i > 0 {
				query += ", "
			}
			query += "?"
			args = append(args, string(kind))
		}
		query += ")"
	}
	if q.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, q.Since.UTC())
	}
	if q.Until != nil {
		query += " AND timestamp < ?"
		args = append(args, q.Until.UTC())
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	var rows []recordRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	records := make([]*v1.ActivityRecord, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].toRecord())
	}
	return records, nil
}

// LastByKind returns the newest record of a kind for an agent, or nil.
func (s *Store) LastByKind(ctx context.Context, agentName string, kind v1.ActivityKind) (*v1.ActivityRecord, error) {
	records, err := s.Query(ctx, v1.ActivityQuery{AgentName: agentName, Kinds: []v1.ActivityKind{kind}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}
