package execution

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreLatestForTask(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	older := Execution{ID: "e1", TaskID: "t1", Status: StatusCompleted, CreatedAt: time.Now().Add(-time.Hour)}
	newer := Execution{ID: "e2", TaskID: "t1", Status: StatusRunning, CreatedAt: time.Now()}
	if err := store.Create(ctx, older); err != nil {
		t.Fatalf("Create(older) error = %v", err)
	}
	if err := store.Create(ctx, newer); err != nil {
		t.Fatalf("Create(newer) error = %v", err)
	}

	got, err := store.LatestForTask(ctx, "t1")
	if err != nil {
		t.Fatalf("LatestForTask() error = %v", err)
	}
	if got.ID != "e2" {
		t.Fatalf("LatestForTask() = %q, want e2", got.ID)
	}
}

func TestMemoryStoreLatestRunningForTasks(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seed := []Execution{
		{ID: "e1", TaskID: "t1", Status: StatusRunning, CreatedAt: time.Now().Add(-time.Minute)},
		{ID: "e2", TaskID: "t2", Status: StatusCompleted, CreatedAt: time.Now()},
		{ID: "e3", TaskID: "t3", Status: StatusRunning, CreatedAt: time.Now()},
	}
	for _, e := range seed {
		if err := store.Create(ctx, e); err != nil {
			t.Fatalf("Create(%s) error = %v", e.ID, err)
		}
	}

	got, err := store.LatestRunningForTasks(ctx, []string{"t1", "t2", "t3", "t4"})
	if err != nil {
		t.Fatalf("LatestRunningForTasks() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got["t1"].ID != "e1" || got["t3"].ID != "e3" {
		t.Fatalf("unexpected running set: %+v", got)
	}
	if _, ok := got["t2"]; ok {
		t.Fatalf("t2 has no running execution but was returned")
	}
}

func TestMemoryStoreUpdateAndLogs(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, Execution{ID: "e1", TaskID: "t1"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	killed := StatusKilled
	msg := "stale execution recovered"
	exec, err := store.Update(ctx, "e1", Update{Status: &killed, Error: &msg})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if exec.Status != StatusKilled || exec.Error != msg {
		t.Fatalf("Update() = %+v, want killed with error", exec)
	}
	if !exec.Terminal() {
		t.Fatalf("Terminal() = false for KILLED")
	}

	for i := 0; i < 3; i++ {
		if err := store.AppendLog(ctx, "e1", "chunk"); err != nil {
			t.Fatalf("AppendLog() error = %v", err)
		}
	}
	count, err := store.LogCount(ctx, "e1")
	if err != nil {
		t.Fatalf("LogCount() error = %v", err)
	}
	if count != 3 {
		t.Fatalf("LogCount() = %d, want 3", count)
	}
	logs, err := store.Logs(ctx, "e1", 2)
	if err != nil {
		t.Fatalf("Logs() error = %v", err)
	}
	if len(logs) != 2 || logs[1].Seq != 3 {
		t.Fatalf("Logs(limit=2) = %+v, want last two entries", logs)
	}
}

func TestMemoryStoreAppendLogMissingExecution(t *testing.T) {
	store := NewMemoryStore()
	if err := store.AppendLog(context.Background(), "nope", "x"); err != ErrNotFound {
		t.Fatalf("AppendLog() error = %v, want ErrNotFound", err)
	}
}
