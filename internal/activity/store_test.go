package activity

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

func appendRecord(t *testing.T, store *Store, agent string, kind v1.ActivityKind) *v1.ActivityRecord {
	t.Helper()
	record := &v1.ActivityRecord{
		Kind:      kind,
		AgentName: agent,
		Severity:  v1.SeverityInfo,
	}
	if err := store.Append(context.Background(), record); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	return record
}

func TestStore_IDsAreMonotonePerAgent(t *testing.T) {
	store := newTestStore(t)

	a1 := appendRecord(t, store, "alice", v1.ActivityStateTransition)
	b1 := appendRecord(t, store, "bob", v1.ActivityStateTransition)
	a2 := appendRecord(t, store, "alice", v1.ActivityExecutionStarted)
	a3 := appendRecord(t, store, "alice", v1.ActivityExecutionEnded)

	if a1.ID != 1 || a2.ID != 2 || a3.ID != 3 {
		t.Errorf("expected alice ids 1,2,3 got %d,%d,%d", a1.ID, a2.ID, a3.ID)
	}
	if b1.ID != 1 {
		t.Errorf("expected bob to start at 1, got %d", b1.ID)
	}
}

func TestStore_QueryByAgent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	appendRecord(t, store, "alice", v1.ActivityStateTransition)
	appendRecord(t, store, "bob", v1.ActivityStateTransition)
	appendRecord(t, store, "alice", v1.ActivityAlert)

	records, err := store.Query(ctx, v1.ActivityQuery{AgentName: "alice"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	for _, r := range records {
		if r.AgentName != "alice" {
			t.Errorf("got record for %s", r.AgentName)
		}
	}
}

func TestStore_QueryByKinds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	appendRecord(t, store, "alice", v1.ActivityStateTransition)
	appendRecord(t, store, "alice", v1.ActivityAlert)
	appendRecord(t, store, "alice", v1.ActivityToolCall)

	records, err := store.Query(ctx, v1.ActivityQuery{
		AgentName: "alice",
		Kinds:     []v1.ActivityKind{v1.ActivityAlert, v1.ActivityToolCall},
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
}

func TestStore_QueryNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	appendRecord(t, store, "alice", v1.ActivityStateTransition)
	appendRecord(t, store, "alice", v1.ActivityAlert)

	records, err := store.Query(ctx, v1.ActivityQuery{AgentName: "alice"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ID < records[1].ID {
		t.Error("expected newest record first")
	}
}

func TestStore_QueryLimitCapped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		appendRecord(t, store, "alice", v1.ActivityToolCall)
	}

	records, err := store.Query(ctx, v1.ActivityQuery{AgentName: "alice", Limit: 3})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("expected 3 records, got %d", len(records))
	}
}

func TestStore_QuerySinceUntil(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	appendRecord(t, store, "alice", v1.ActivityStateTransition)

	future := time.Now().Add(time.Hour).UTC()
	records, err := store.Query(ctx, v1.ActivityQuery{AgentName: "alice", Since: &future})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records after future cutoff, got %d", len(records))
	}

	past := time.Now().Add(-time.Hour).UTC()
	records, err = store.Query(ctx, v1.ActivityQuery{AgentName: "alice", Since: &past, Until: &future})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected one record in window, got %d", len(records))
	}
}

func TestStore_LastByKind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	appendRecord(t, store, "alice", v1.ActivityAlert)
	last := appendRecord(t, store, "alice", v1.ActivityAlert)

	record, err := store.LastByKind(ctx, "alice", v1.ActivityAlert)
	if err != nil {
		t.Fatalf("last by kind failed: %v", err)
	}
	if record.ID != last.ID {
		t.Errorf("expected latest record %d, got %d", last.ID, record.ID)
	}
}
