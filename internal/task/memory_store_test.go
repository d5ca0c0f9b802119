package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func newTestStore(start time.Time) (*MemoryStore, *time.Time) {
	store := NewMemoryStore()
	now := start
	store.now = func() time.Time { return now }
	return store, &now
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, now := newTestStore(base)
	ctx := context.Background()

	tasks := []*Task{
		{ID: "t1", Pattern: "vision.detect", Target: "vision", Status: StatusQueued, Priority: 3, MaxRetries: 3},
		{ID: "t2", Pattern: "speech.transcribe", Target: "speech", Status: StatusFailed, Priority: 3, MaxRetries: 3},
		{ID: "t3", Pattern: "vision.detect", Target: "vision", Status: StatusCompleted, Priority: 5, MaxRetries: 3},
	}
	for i, task := range tasks {
		*now = base.Add(time.Duration(i) * 30 * time.Second)
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	if all[0].ID != "t3" {
		t.Fatalf("expected newest task first, got %s", all[0].ID)
	}

	failed, err := store.List(ctx, BuildListOptions(WithStatuses(StatusFailed)))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "t2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	vision, err := store.List(ctx, BuildListOptions(WithTarget("vision"), WithSortOrder(SortByUpdatedAsc)))
	if err != nil {
		t.Fatalf("list vision: %v", err)
	}
	if len(vision) != 2 || vision[0].ID != "t1" {
		t.Fatalf("unexpected target list: %+v", vision)
	}

	recent, err := store.List(ctx, BuildListOptions(WithUpdatedSince(base.Add(15*time.Second))))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 tasks to match since filter, got %d", len(recent))
	}

	paged, err := store.List(ctx, BuildListOptions(WithLimit(1), WithOffset(1)))
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != "t2" {
		t.Fatalf("unexpected page: %+v", paged)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store, _ := newTestStore(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	for _, task := range []*Task{
		{ID: "a", Status: StatusQueued},
		{ID: "b", Status: StatusRunning},
		{ID: "c", Status: StatusCompleted},
		{ID: "d", Status: StatusTimeout},
	} {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create %s: %v", task.ID, err)
		}
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Queued != 1 || stats.Running != 1 || stats.Completed != 1 || stats.Timeout != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Active() != 2 {
		t.Fatalf("expected 2 active tasks, got %d", stats.Active())
	}
}

func TestMemoryStoreUpdateIsCompareAndSwap(t *testing.T) {
	store, _ := newTestStore(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "a", Status: StatusQueued}); err != nil {
		t.Fatalf("create: %v", err)
	}

	running, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	running.Status = StatusRunning
	if err := store.Update(ctx, running, StatusQueued); err != nil {
		t.Fatalf("update queued->running: %v", err)
	}

	cancelled := running.Clone()
	cancelled.Status = StatusCancelled
	err = store.Update(ctx, cancelled, StatusQueued)
	if !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict for stale expectation, got %v", err)
	}

	err = store.Update(ctx, &Task{ID: "missing", Status: StatusRunning}, StatusQueued)
	if !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store, _ := newTestStore(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	original := &Task{ID: "a", Status: StatusQueued, Payload: json.RawMessage(`{"k":1}`), Metadata: map[string]string{"team": "x"}}
	if err := store.Create(ctx, original); err != nil {
		t.Fatalf("create: %v", err)
	}
	original.Metadata["team"] = "mutated"
	original.Payload[2] = 'z'

	stored, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Metadata["team"] != "x" || string(stored.Payload) != `{"k":1}` {
		t.Fatalf("store shares memory with caller: %+v", stored)
	}
}

func TestMemoryStorePurgeTerminal(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, now := newTestStore(base)
	ctx := context.Background()

	for _, task := range []*Task{
		{ID: "old-done", Status: StatusCompleted},
		{ID: "old-queued", Status: StatusQueued},
	} {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create %s: %v", task.ID, err)
		}
	}
	*now = base.Add(2 * time.Hour)
	if err := store.Create(ctx, &Task{ID: "new-done", Status: StatusFailed}); err != nil {
		t.Fatalf("create: %v", err)
	}

	removed, err := store.PurgeTerminal(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 purged task, got %d", removed)
	}
	if _, err := store.Get(ctx, "old-queued"); err != nil {
		t.Fatalf("non-terminal task must survive purge: %v", err)
	}
	if _, err := store.Get(ctx, "old-done"); !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected old terminal task to be purged, got %v", err)
	}
}

func TestStatusJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(&Task{ID: "a", Status: StatusTimeout})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Task
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Status != StatusTimeout {
		t.Fatalf("unexpected status %v in %s", decoded.Status, data)
	}
	if _, err := ParseStatus("bogus"); !IsTaskError(err, CodeTaskValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
