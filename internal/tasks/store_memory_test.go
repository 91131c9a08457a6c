package tasks

import (
	"context"
	"testing"
)

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.Create(ctx, Task{ID: "t1", Title: "Fix login flow", Executor: ExecutorAuto})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	task, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if task.Status != StatusBacklog {
		t.Fatalf("task.Status = %q, want %q", task.Status, StatusBacklog)
	}
	if !task.IsAuto() {
		t.Fatalf("task.IsAuto() = false, want true")
	}
	if task.CreatedAt.IsZero() {
		t.Fatalf("task.CreatedAt is zero")
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreUpdateFields(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, Task{ID: "t1", Title: "initial"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	branch := "release/2.0"
	task, err := store.UpdateFields(ctx, "t1", Fields{BaseBranchOverride: &branch})
	if err != nil {
		t.Fatalf("UpdateFields() error = %v", err)
	}
	if task.BaseBranchOverride != branch {
		t.Fatalf("BaseBranchOverride = %q, want %q", task.BaseBranchOverride, branch)
	}
	if task.Title != "initial" {
		t.Fatalf("Title changed unexpectedly: %q", task.Title)
	}
}

func TestMemoryStoreMoveStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, Task{ID: "t1", Title: "x"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	task, err := store.MoveStatus(ctx, "t1", StatusDone)
	if err != nil {
		t.Fatalf("MoveStatus() error = %v", err)
	}
	if task.Status != StatusDone {
		t.Fatalf("task.Status = %q, want %q", task.Status, StatusDone)
	}
}
