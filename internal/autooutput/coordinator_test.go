package autooutput

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kagan-sh/kagan-sub002/internal/execution"
	"github.com/kagan-sh/kagan-sub002/internal/logger"
	"github.com/kagan-sh/kagan-sub002/internal/runtime"
	"github.com/kagan-sh/kagan-sub002/internal/scheduler"
	"github.com/kagan-sh/kagan-sub002/internal/tasks"
)

func autoTask(id string) tasks.Task {
	return tasks.Task{ID: id, Title: "task " + id, Executor: tasks.ExecutorAuto}
}

func newTestCoordinator(t *testing.T, sched scheduler.Service) (*Coordinator, *runtime.Registry, *execution.MemoryStore) {
	t.Helper()
	execs := execution.NewMemoryStore()
	registry := runtime.NewRegistry(execs, nil, logger.NewNop())
	c := NewCoordinator(registry, execs, sched, nil, nil, logger.NewNop(), 200*time.Millisecond)
	return c, registry, execs
}

func TestPrepareOutputManualTask(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)

	r := c.PrepareOutput(context.Background(), tasks.Task{ID: "t1", Executor: tasks.ExecutorManual})
	if r.OutputMode != ModeUnavailable {
		t.Fatalf("expected UNAVAILABLE for manual task, got %s", r.OutputMode)
	}
	if r.CanOpenOutput {
		t.Fatal("manual task must never open output")
	}
}

func TestPrepareOutputLiveAgent(t *testing.T) {
	c, registry, execs := newTestCoordinator(t, nil)
	ctx := context.Background()

	if err := execs.Create(ctx, execution.Execution{ID: "e1", TaskID: "t1"}); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	registry.MarkStarted("t1", "e1")
	registry.AttachRunningAgent("t1", "agent-1")

	r := c.PrepareOutput(ctx, autoTask("t1"))
	if r.OutputMode != ModeLive {
		t.Fatalf("expected LIVE, got %s", r.OutputMode)
	}
	if !r.CanOpenOutput || !r.IsRunning {
		t.Fatalf("live output must be openable and running: %+v", r)
	}
	if r.RunningAgent != "agent-1" || r.ExecutionID != "e1" {
		t.Fatalf("unexpected readiness: %+v", r)
	}
}

func TestPrepareOutputRunningViewWithLogs(t *testing.T) {
	c, registry, execs := newTestCoordinator(t, nil)
	ctx := context.Background()

	if err := execs.Create(ctx, execution.Execution{ID: "e1", TaskID: "t1"}); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if err := execs.AppendLog(ctx, "e1", "line one"); err != nil {
		t.Fatalf("append log: %v", err)
	}
	registry.MarkStarted("t1", "e1")

	r := c.PrepareOutput(ctx, autoTask("t1"))
	if r.OutputMode != ModeBackfill {
		t.Fatalf("expected BACKFILL, got %s", r.OutputMode)
	}
	if !r.CanOpenOutput || !r.IsRunning {
		t.Fatalf("backfill of a running execution must be openable: %+v", r)
	}
}

func TestPrepareOutputRunningViewNoLogs(t *testing.T) {
	c, registry, execs := newTestCoordinator(t, nil)
	ctx := context.Background()

	if err := execs.Create(ctx, execution.Execution{ID: "e1", TaskID: "t1"}); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	registry.MarkStarted("t1", "e1")

	r := c.PrepareOutput(ctx, autoTask("t1"))
	if r.OutputMode != ModeWaiting {
		t.Fatalf("expected WAITING, got %s", r.OutputMode)
	}
	if !r.CanOpenOutput || !r.IsRunning {
		t.Fatalf("waiting on a live run must still be openable: %+v", r)
	}
}

func TestPrepareOutputEvictsFinishedView(t *testing.T) {
	c, registry, execs := newTestCoordinator(t, nil)
	ctx := context.Background()

	if err := execs.Create(ctx, execution.Execution{ID: "e1", TaskID: "t1", Status: execution.StatusCompleted}); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if err := execs.AppendLog(ctx, "e1", "done"); err != nil {
		t.Fatalf("append log: %v", err)
	}
	// In-memory view still claims RUNNING even though the record finished.
	registry.MarkStarted("t1", "e1")

	r := c.PrepareOutput(ctx, autoTask("t1"))
	if r.OutputMode != ModeBackfill {
		t.Fatalf("expected BACKFILL from history, got %s", r.OutputMode)
	}
	if r.IsRunning {
		t.Fatal("finished execution must not report running")
	}
	if _, ok := registry.Get("t1"); ok {
		t.Fatal("stale view should have been evicted")
	}
}

func TestPrepareOutputNoHistory(t *testing.T) {
	c, registry, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	r := c.PrepareOutput(ctx, autoTask("t1"))
	if r.OutputMode != ModeUnavailable || r.CanOpenOutput {
		t.Fatalf("expected closed UNAVAILABLE, got %+v", r)
	}
	if r.Message != msgNoLogs {
		t.Fatalf("expected generic no-logs message, got %q", r.Message)
	}

	registry.MarkBlocked("t2", "waiting on task t9", []string{"t9"}, nil)
	r = c.PrepareOutput(ctx, autoTask("t2"))
	if r.OutputMode != ModeUnavailable {
		t.Fatalf("expected UNAVAILABLE for blocked task, got %s", r.OutputMode)
	}
	if r.Message != "waiting on task t9" {
		t.Fatalf("blocked reason should surface as the message, got %q", r.Message)
	}
}

func TestPrepareOutputStaleExecution(t *testing.T) {
	c, _, execs := newTestCoordinator(t, nil)
	ctx := context.Background()

	// RUNNING record, no view, no logs: likely left over from a crash.
	if err := execs.Create(ctx, execution.Execution{ID: "e1", TaskID: "t1"}); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	r := c.PrepareOutput(ctx, autoTask("t1"))
	if r.OutputMode != ModeWaiting {
		t.Fatalf("expected WAITING, got %s", r.OutputMode)
	}
	if r.CanOpenOutput {
		t.Fatal("stale execution output must stay closed until recovery")
	}
	if !strings.Contains(r.Message, "stale") {
		t.Fatalf("expected stale hint, got %q", r.Message)
	}
}

func TestPrepareOutputBackfillFromHistory(t *testing.T) {
	c, _, execs := newTestCoordinator(t, nil)
	ctx := context.Background()

	if err := execs.Create(ctx, execution.Execution{ID: "e1", TaskID: "t1", Status: execution.StatusFailed}); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if err := execs.AppendLog(ctx, "e1", "boom"); err != nil {
		t.Fatalf("append log: %v", err)
	}

	r := c.PrepareOutput(ctx, autoTask("t1"))
	if r.OutputMode != ModeBackfill || !r.CanOpenOutput {
		t.Fatalf("expected openable BACKFILL, got %+v", r)
	}
	if r.IsRunning {
		t.Fatal("failed execution must not report running")
	}
}

func TestRecoverStaleSuccess(t *testing.T) {
	sched := scheduler.NewMock()
	c, registry, execs := newTestCoordinator(t, sched)
	ctx := context.Background()

	if err := execs.Create(ctx, execution.Execution{ID: "e1", TaskID: "t1"}); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	res := c.RecoverStale(ctx, autoTask("t1"))
	if !res.Success {
		t.Fatalf("expected recovery success, got %+v", res)
	}

	old, err := execs.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("get killed execution: %v", err)
	}
	if old.Status != execution.StatusKilled || old.Error == "" {
		t.Fatalf("stale execution should be KILLED with a note, got %+v", old)
	}

	view, ok := registry.Get("t1")
	if !ok || view.Phase != runtime.PhaseRunning || view.RunningAgent == "" {
		t.Fatalf("expected a live RUNNING view after recovery, got %+v (ok=%v)", view, ok)
	}
	if got := sched.SpawnedTasks(); len(got) != 1 || got[0] != "t1" {
		t.Fatalf("expected one spawn for t1, got %v", got)
	}
}

func TestRecoverStaleRefusesLiveAgent(t *testing.T) {
	sched := scheduler.NewMock()
	c, registry, execs := newTestCoordinator(t, sched)
	ctx := context.Background()

	if err := execs.Create(ctx, execution.Execution{ID: "e1", TaskID: "t1"}); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	registry.MarkStarted("t1", "e1")
	registry.AttachRunningAgent("t1", "agent-1")

	res := c.RecoverStale(ctx, autoTask("t1"))
	if res.Success {
		t.Fatal("recovery must refuse when an agent is live")
	}
	exec, err := execs.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != execution.StatusRunning {
		t.Fatalf("live execution must be untouched, got %s", exec.Status)
	}
	if len(sched.SpawnedTasks()) != 0 {
		t.Fatal("no spawn expected when the agent is live")
	}
}

func TestRecoverStaleRefusesNonStale(t *testing.T) {
	sched := scheduler.NewMock()
	c, _, execs := newTestCoordinator(t, sched)
	ctx := context.Background()

	if err := execs.Create(ctx, execution.Execution{ID: "e1", TaskID: "t1"}); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if err := execs.AppendLog(ctx, "e1", "output exists"); err != nil {
		t.Fatalf("append log: %v", err)
	}

	res := c.RecoverStale(ctx, autoTask("t1"))
	if res.Success {
		t.Fatal("an execution with logs is not stale")
	}
	if len(sched.SpawnedTasks()) != 0 {
		t.Fatal("no spawn expected for a non-stale execution")
	}
}

func TestRecoverStaleNoScheduler(t *testing.T) {
	c, _, execs := newTestCoordinator(t, nil)
	ctx := context.Background()

	if err := execs.Create(ctx, execution.Execution{ID: "e1", TaskID: "t1"}); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	res := c.RecoverStale(ctx, autoTask("t1"))
	if res.Success {
		t.Fatal("recovery cannot succeed without an automation service")
	}
	if res.Message != msgNoAutomation {
		t.Fatalf("expected %q, got %q", msgNoAutomation, res.Message)
	}
	// The stale record is still cleaned up.
	exec, err := execs.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != execution.StatusKilled {
		t.Fatalf("stale record should be KILLED even without a scheduler, got %s", exec.Status)
	}
}

func TestRecoverStaleSpawnFails(t *testing.T) {
	sched := scheduler.NewMock()
	sched.SpawnErr = scheduler.ErrSpawnFailed
	c, _, execs := newTestCoordinator(t, sched)
	ctx := context.Background()

	if err := execs.Create(ctx, execution.Execution{ID: "e1", TaskID: "t1"}); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	res := c.RecoverStale(ctx, autoTask("t1"))
	if res.Success {
		t.Fatal("recovery must fail when spawn fails")
	}
	if !strings.Contains(res.Message, "spawn") {
		t.Fatalf("expected spawn failure message, got %q", res.Message)
	}
}

func TestRecoverStaleSchedulerUnavailable(t *testing.T) {
	sched := scheduler.NewMock()
	sched.SpawnErr = scheduler.ErrUnavailable
	c, _, execs := newTestCoordinator(t, sched)
	ctx := context.Background()

	if err := execs.Create(ctx, execution.Execution{ID: "e1", TaskID: "t1"}); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	res := c.RecoverStale(ctx, autoTask("t1"))
	if res.Success {
		t.Fatal("recovery cannot succeed while the automation service is unavailable")
	}
	if res.Message != msgNoAutomation {
		t.Fatalf("expected %q, got %q", msgNoAutomation, res.Message)
	}
}

func TestRecoverStaleAttachTimeout(t *testing.T) {
	sched := scheduler.NewMock()
	sched.AttachOnSpawn = false
	c, _, execs := newTestCoordinator(t, sched)
	ctx := context.Background()

	if err := execs.Create(ctx, execution.Execution{ID: "e1", TaskID: "t1"}); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	res := c.RecoverStale(ctx, autoTask("t1"))
	if res.Success {
		t.Fatal("recovery without attachment must not report success")
	}
	if res.Message != msgNoLiveRuntime {
		t.Fatalf("expected %q, got %q", msgNoLiveRuntime, res.Message)
	}
	if got := sched.SpawnedTasks(); len(got) != 1 {
		t.Fatalf("expected exactly one spawn, got %v", got)
	}
}

func TestRecoverStaleManualTask(t *testing.T) {
	c, _, _ := newTestCoordinator(t, scheduler.NewMock())

	res := c.RecoverStale(context.Background(), tasks.Task{ID: "t1", Executor: tasks.ExecutorManual})
	if res.Success {
		t.Fatal("manual tasks have nothing to recover")
	}
}
