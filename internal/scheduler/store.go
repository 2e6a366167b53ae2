// Package scheduler turns cron expressions and one-shot instants into chat
// requests on the execution engine.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/webmixgamer/trinity/internal/db"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// Store persists schedules.
type Store struct {
	pool *db.Pool
}

type scheduleRow struct {
	ID             string       `db:"id"`
	AgentName      string       `db:"agent_name"`
	CronExpression string       `db:"cron_expression"`
	Timezone       string       `db:"timezone"`
	OneShotAt      sql.NullTime `db:"one_shot_at"`
	Message        string       `db:"message"`
	Enabled        bool         `db:"enabled"`
	Owner          string       `db:"owner"`
	LastFiredAt    sql.NullTime `db:"last_fired_at"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

func (r *scheduleRow) toSchedule() *v1.Schedule {
	s := &v1.Schedule{
		ID:             r.ID,
		AgentName:      r.AgentName,
		CronExpression: r.CronExpression,
		Timezone:       r.Timezone,
		Message:        r.Message,
		Enabled:        r.Enabled,
		Owner:          r.Owner,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.OneShotAt.Valid {
		t := r.OneShotAt.Time
		s.OneShotAt = &t
	}
	if r.LastFiredAt.Valid {
		t := r.LastFiredAt.Time
		s.LastFiredAt = &t
	}
	return s
}

// NewStore creates the schedule store and its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		cron_expression TEXT NOT NULL DEFAULT '',
		timezone TEXT NOT NULL DEFAULT 'UTC',
		one_shot_at TIMESTAMP,
		message TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		owner TEXT NOT NULL,
		last_fired_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_schedules_agent ON schedules(agent_name);
	`
	if _, err := pool.Writer().Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schedule schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// validate checks the schedule shape: exactly one of cron expression or
// one-shot instant, a resolvable timezone, and a non-empty message.
func validate(s *v1.Schedule) error {
	if s.Message == "" {
		return v1.NewError(v1.KindInvalidName, "schedule message must not be empty")
	}
	hasCron := s.CronExpression != ""
	hasOneShot := s.OneShotAt != nil
	if hasCron == hasOneShot {
		return v1.NewError(v1.KindInvalidName, "schedule needs exactly one of cron expression or one-shot time")
	}
	if hasCron && !gronx.New().IsValid(s.CronExpression) {
		return v1.NewError(v1.KindInvalidName, "invalid cron expression %q", s.CronExpression)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return v1.NewError(v1.KindInvalidName, "unknown timezone %q", s.Timezone)
		}
	}
	return nil
}

// Create persists a new schedule.
func (s *Store) Create(ctx context.Context, schedule *v1.Schedule) error {
	if err := validate(schedule); err != nil {
		return err
	}
	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	if schedule.Timezone == "" {
		schedule.Timezone = "UTC"
	}
	now := time.Now().UTC()
	schedule.CreatedAt = now
	schedule.UpdatedAt = now

	var oneShot sql.NullTime
	if schedule.OneShotAt != nil {
		oneShot = sql.NullTime{Time: schedule.OneShotAt.UTC(), Valid: true}
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO schedules (id, agent_name, cron_expression, timezone, one_shot_at,
			message, enabled, owner, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		schedule.ID, schedule.AgentName, schedule.CronExpression, schedule.Timezone,
		oneShot, schedule.Message, schedule.Enabled, schedule.Owner,
		schedule.CreatedAt, schedule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

// Get resolves a schedule by id.
func (s *Store) Get(ctx context.Context, id string) (*v1.Schedule, error) {
	var row scheduleRow
	err := s.pool.Reader().GetContext(ctx, &row, "SELECT * FROM schedules WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, v1.NewError(v1.KindNotFound, "schedule %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule %s: %w", id, err)
	}
	return row.toSchedule(), nil
}

// Update replaces the mutable fields of a schedule.
func (s *Store) Update(ctx context.Context, schedule *v1.Schedule) error {
	if err := validate(schedule); err != nil {
		return err
	}
	var oneShot sql.NullTime
	if schedule.OneShotAt != nil {
		oneShot = sql.NullTime{Time: schedule.OneShotAt.UTC(), Valid: true}
	}
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE schedules SET cron_expression = ?, timezone = ?, one_shot_at = ?,
			message = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		schedule.CronExpression, schedule.Timezone, oneShot,
		schedule.Message, schedule.Enabled, time.Now().UTC(), schedule.ID)
	if err != nil {
		return fmt.Errorf("failed to update schedule %s: %w", schedule.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return v1.NewError(v1.KindNotFound, "schedule %s not found", schedule.ID)
	}
	return nil
}

// Delete removes a schedule.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx, "DELETE FROM schedules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return v1.NewError(v1.KindNotFound, "schedule %s not found", id)
	}
	return nil
}

// ListForAgent returns an agent's schedules.
func (s *Store) ListForAgent(ctx context.Context, agentName string) ([]*v1.Schedule, error) {
	var rows []scheduleRow
	err := s.pool.Reader().SelectContext(ctx, &rows,
		"SELECT * FROM schedules WHERE agent_name = ? ORDER BY id", agentName)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules for %s: %w", agentName, err)
	}
	schedules := make([]*v1.Schedule, 0, len(rows))
	for i := range rows {
		schedules = append(schedules, rows[i].toSchedule())
	}
	return schedules, nil
}

// ListEnabled returns every enabled schedule ordered by id. The tick admits
// same-instant firings in this order.
func (s *Store) ListEnabled(ctx context.Context) ([]*v1.Schedule, error) {
	var rows []scheduleRow
	err := s.pool.Reader().SelectContext(ctx, &rows,
		"SELECT * FROM schedules WHERE enabled = 1 ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled schedules: %w", err)
	}
	schedules := make([]*v1.Schedule, 0, len(rows))
	for i := range rows {
		schedules = append(schedules, rows[i].toSchedule())
	}
	return schedules, nil
}

// MarkFired stamps last_fired_at; for one-shots it also disables the
// schedule so it can never fire twice.
func (s *Store) MarkFired(ctx context.Context, id string, firedAt time.Time, oneShot bool) error {
	query := "UPDATE schedules SET last_fired_at = ?, updated_at = ? WHERE id = ?"
	if oneShot {
		query = "UPDATE schedules SET last_fired_at = ?, updated_at = ?, enabled = 0 WHERE id = ?"
	}
	if _, err := s.pool.Writer().ExecContext(ctx, query, firedAt.UTC(), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to mark schedule %s fired: %w", id, err)
	}
	return nil
}

// DeleteForAgentTx removes an agent's schedules inside an ongoing
// transaction.
func (s *Store) DeleteForAgentTx(tx *sqlx.Tx, name string) error {
	if _, err := tx.Exec("DELETE FROM schedules WHERE agent_name = ?", name); err != nil {
		return fmt.Errorf("failed to delete schedules for %s: %w", name, err)
	}
	return nil
}
