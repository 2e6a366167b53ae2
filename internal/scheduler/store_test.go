package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/webmixgamer/trinity/internal/db"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

func newTestStore(t *testing.T) *Store {
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
	return store
}

func TestStore_CreateValidation(t *testing.T) {
	at := time.Now().UTC().Add(time.Hour)
	cases := []struct {
		name     string
		schedule v1.Schedule
		wantErr  bool
	}{
		{"valid cron", v1.Schedule{AgentName: "a", CronExpression: "0 9 * * 1-5", Message: "m", Owner: "o"}, false},
		{"valid one-shot", v1.Schedule{AgentName: "a", OneShotAt: &at, Message: "m", Owner: "o"}, false},
		{"empty message", v1.Schedule{AgentName: "a", CronExpression: "* * * * *", Owner: "o"}, true},
		{"neither trigger", v1.Schedule{AgentName: "a", Message: "m", Owner: "o"}, true},
		{"both triggers", v1.Schedule{AgentName: "a", CronExpression: "* * * * *", OneShotAt: &at, Message: "m", Owner: "o"}, true},
		{"bad cron", v1.Schedule{AgentName: "a", CronExpression: "not a cron", Message: "m", Owner: "o"}, true},
		{"bad timezone", v1.Schedule{AgentName: "a", CronExpression: "* * * * *", Timezone: "Mars/Olympus", Message: "m", Owner: "o"}, true},
	}

	store := newTestStore(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			schedule := tc.schedule
			err := store.Create(context.Background(), &schedule)
			if tc.wantErr {
				if !v1.IsKind(err, v1.KindInvalidName) {
					t.Errorf("expected invalid_name, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestStore_CreateDefaultsTimezone(t *testing.T) {
	store := newTestStore(t)

	schedule := &v1.Schedule{AgentName: "a", CronExpression: "* * * * *", Message: "m", Owner: "o", Enabled: true}
	if err := store.Create(context.Background(), schedule); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	stored, err := store.Get(context.Background(), schedule.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Timezone != "UTC" {
		t.Errorf("expected UTC default, got %q", stored.Timezone)
	}
}

func TestStore_GetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	if !v1.IsKind(err, v1.KindNotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestStore_Update(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	schedule := &v1.Schedule{AgentName: "a", CronExpression: "* * * * *", Message: "m", Owner: "o", Enabled: true}
	if err := store.Create(ctx, schedule); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	schedule.CronExpression = "0 9 * * *"
	schedule.Message = "updated"
	schedule.Enabled = false
	if err := store.Update(ctx, schedule); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	stored, _ := store.Get(ctx, schedule.ID)
	if stored.CronExpression != "0 9 * * *" || stored.Message != "updated" || stored.Enabled {
		t.Errorf("unexpected schedule after update: %+v", stored)
	}

	// Updates are validated too.
	schedule.CronExpression = "garbage"
	if err := store.Update(ctx, schedule); !v1.IsKind(err, v1.KindInvalidName) {
		t.Errorf("expected invalid_name, got %v", err)
	}

	missing := &v1.Schedule{ID: "missing", AgentName: "a", CronExpression: "* * * * *", Message: "m"}
	if err := store.Update(ctx, missing); !v1.IsKind(err, v1.KindNotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	schedule := &v1.Schedule{AgentName: "a", CronExpression: "* * * * *", Message: "m", Owner: "o"}
	if err := store.Create(ctx, schedule); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.Delete(ctx, schedule.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.Delete(ctx, schedule.ID); !v1.IsKind(err, v1.KindNotFound) {
		t.Errorf("expected not_found on second delete, got %v", err)
	}
}

func TestStore_ListEnabled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	on := &v1.Schedule{AgentName: "a", CronExpression: "* * * * *", Message: "m", Owner: "o", Enabled: true}
	off := &v1.Schedule{AgentName: "a", CronExpression: "* * * * *", Message: "m", Owner: "o", Enabled: false}
	for _, s := range []*v1.Schedule{on, off} {
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	enabled, err := store.ListEnabled(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(enabled) != 1 || enabled[0].ID != on.ID {
		t.Errorf("expected only the enabled schedule, got %v", enabled)
	}
}

func TestStore_MarkFired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	firedAt := time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)

	cron := &v1.Schedule{AgentName: "a", CronExpression: "* * * * *", Message: "m", Owner: "o", Enabled: true}
	if err := store.Create(ctx, cron); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.MarkFired(ctx, cron.ID, firedAt, false); err != nil {
		t.Fatalf("mark fired failed: %v", err)
	}
	stored, _ := store.Get(ctx, cron.ID)
	if stored.LastFiredAt == nil || !stored.LastFiredAt.Equal(firedAt) {
		t.Errorf("expected last_fired_at %v, got %v", firedAt, stored.LastFiredAt)
	}
	if !stored.Enabled {
		t.Error("cron schedule must stay enabled after firing")
	}

	at := firedAt.Add(-time.Minute)
	oneShot := &v1.Schedule{AgentName: "a", OneShotAt: &at, Message: "m", Owner: "o", Enabled: true}
	if err := store.Create(ctx, oneShot); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.MarkFired(ctx, oneShot.ID, firedAt, true); err != nil {
		t.Fatalf("mark fired failed: %v", err)
	}
	stored, _ = store.Get(ctx, oneShot.ID)
	if stored.Enabled {
		t.Error("one-shot must be disabled after firing")
	}
}
