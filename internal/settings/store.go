// Package settings provides the platform key-value settings store and typed
// accessors for the recognized keys.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/webmixgamer/trinity/internal/db"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// Store persists platform settings.
type Store struct {
	pool *db.Pool
}

// NewStore creates the settings store and its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`
	if _, err := pool.Writer().Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize settings schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Get returns the raw value for key, or "" when unset.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.Reader().GetContext(ctx, &value, "SELECT value FROM settings WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

// Set stores a value. The setup_completed key is one-way: once true it
// cannot be unset.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if key == v1.SettingSetupCompleted {
		current, err := s.Get(ctx, key)
		if err != nil {
			return err
		}
		if current == "true" && value != "true" {
			return v1.NewError(v1.KindNotAuthorized, "setup_completed cannot be unset")
		}
	}

	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// All returns every stored key/value pair.
func (s *Store) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Reader().QueryxContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// getInt reads an integer key falling back to def when unset or malformed.
func (s *Store) getInt(ctx context.Context, key string, def int) int {
	raw, err := s.Get(ctx, key)
	if err != nil || raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (s *Store) getFloat(ctx context.Context, key string, def float64) float64 {
	raw, err := s.Get(ctx, key)
	if err != nil || raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func (s *Store) getBool(ctx context.Context, key string) bool {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return false
	}
	return raw == "true"
}

// TrinityPrompt returns the platform-wide custom prompt suffix.
func (s *Store) TrinityPrompt(ctx context.Context) (string, error) {
	return s.Get(ctx, v1.SettingTrinityPrompt)
}

// SchedulesPaused reports the fleet-wide schedule pause switch.
func (s *Store) SchedulesPaused(ctx context.Context) bool {
	return s.getBool(ctx, v1.SettingSchedulesPaused)
}

// SetSchedulesPaused flips the fleet-wide schedule pause switch.
func (s *Store) SetSchedulesPaused(ctx context.Context, paused bool) error {
	return s.Set(ctx, v1.SettingSchedulesPaused, strconv.FormatBool(paused))
}

// ContextWarnPct returns the context warning threshold in percent.
func (s *Store) ContextWarnPct(ctx context.Context) int {
	return s.getInt(ctx, v1.SettingContextWarnPct, v1.DefaultContextWarnPct)
}

// ContextCriticalPct returns the context critical threshold in percent.
func (s *Store) ContextCriticalPct(ctx context.Context) int {
	return s.getInt(ctx, v1.SettingContextCriticalPct, v1.DefaultContextCriticalPct)
}

// IdleTimeout returns the stuck-execution detection window.
func (s *Store) IdleTimeout(ctx context.Context) time.Duration {
	return time.Duration(s.getInt(ctx, v1.SettingIdleTimeoutMin, v1.DefaultIdleTimeoutMin)) * time.Minute
}

// DailyCostLimitUSD returns the per-agent daily cost ceiling.
func (s *Store) DailyCostLimitUSD(ctx context.Context) float64 {
	return s.getFloat(ctx, v1.SettingDailyCostLimitUSD, v1.DefaultDailyCostLimitUSD)
}

// MaxExecutionDuration returns the platform execution ceiling.
func (s *Store) MaxExecutionDuration(ctx context.Context) time.Duration {
	return time.Duration(s.getInt(ctx, v1.SettingMaxExecutionMin, v1.DefaultMaxExecutionMin)) * time.Minute
}

// MaxParallelTasksGlobal returns the fleet-wide parallel task cap.
func (s *Store) MaxParallelTasksGlobal(ctx context.Context) int {
	return s.getInt(ctx, v1.SettingMaxParallelGlobal, v1.DefaultMaxParallelGlobal)
}

// AlertSuppressWindow returns the per-(agent, alert-kind) suppression window.
func (s *Store) AlertSuppressWindow(ctx context.Context) time.Duration {
	return time.Duration(s.getInt(ctx, v1.SettingAlertSuppressMin, v1.DefaultAlertSuppressMin)) * time.Minute
}
