package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kagan-sh/kagan-sub002/internal/authz"
	"github.com/kagan-sh/kagan-sub002/internal/autooutput"
	"github.com/kagan-sh/kagan-sub002/internal/config"
	"github.com/kagan-sh/kagan-sub002/internal/events"
	"github.com/kagan-sh/kagan-sub002/internal/execution"
	"github.com/kagan-sh/kagan-sub002/internal/logger"
	"github.com/kagan-sh/kagan-sub002/internal/merge"
	"github.com/kagan-sh/kagan-sub002/internal/runtime"
	"github.com/kagan-sh/kagan-sub002/internal/scheduler"
	"github.com/kagan-sh/kagan-sub002/internal/tasks"
	"github.com/kagan-sh/kagan-sub002/internal/workspace"
)

type testEnv struct {
	server   *Server
	tasks    *tasks.MemoryStore
	execs    *execution.MemoryStore
	registry *runtime.Registry
	sched    *scheduler.Mock
	adapter  *workspace.Fake
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Config{
		Version:                "dev",
		DefaultBaseBranch:      "main",
		QuiescencePollInterval: 5 * time.Millisecond,
		QuiescenceTimeout:      50 * time.Millisecond,
		RecoveryAttachTimeout:  100 * time.Millisecond,
		MergeLockEnabled:       true,
	}
	log := logger.NewNop()
	taskStore := tasks.NewMemoryStore()
	execs := execution.NewMemoryStore()
	registry := runtime.NewRegistry(execs, nil, log)
	sched := scheduler.NewMock()
	adapter := workspace.NewFake()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	output := autooutput.NewCoordinator(registry, execs, sched, bus, nil, log, cfg.RecoveryAttachTimeout)
	merges := merge.NewCoordinator(cfg, registry, taskStore, execs, sched, adapter, bus, nil, log)
	gate := authz.NewGate(authz.NewSessionRegistry(), StoreOwners{Execs: execs}, cfg.Version, nil, log)

	server := New(cfg, gate, taskStore, execs, registry, output, merges, sched, adapter, bus, nil, log)
	return &testEnv{server: server, tasks: taskStore, execs: execs, registry: registry, sched: sched, adapter: adapter}
}

func (e *testEnv) rpc(t *testing.T, req RPCRequest) RPCResponse {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/rpc", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, httpReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("rpc status = %d body %s", rec.Code, rec.Body.String())
	}
	var resp RPCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestRPCDeniedRequestNeverReachesHandler(t *testing.T) {
	e := newTestEnv(t)

	resp := e.rpc(t, RPCRequest{
		SessionID:  "anon",
		Capability: "tasks",
		Method:     "create",
		Params:     map[string]any{"title": "sneaky"},
	})
	if resp.OK {
		t.Fatal("viewer must not create tasks")
	}
	if resp.Error == nil || resp.Error.Code != authz.CodeAuthorizationDenied {
		t.Fatalf("expected AUTHORIZATION_DENIED, got %+v", resp.Error)
	}

	// The handler never ran: nothing was stored.
	list, err := e.tasks.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("store should be empty, has %d tasks", len(list))
	}
}

func TestRPCCreateGetListTask(t *testing.T) {
	e := newTestEnv(t)

	resp := e.rpc(t, RPCRequest{
		SessionID:      "ops",
		SessionProfile: "OPERATOR",
		Capability:     "tasks",
		Method:         "create",
		Params:         map[string]any{"title": "ship it", "executor": "auto"},
	})
	if !resp.OK {
		t.Fatalf("create failed: %+v", resp.Error)
	}
	created, ok := resp.Result.(map[string]any)
	if !ok || created["id"] == "" {
		t.Fatalf("unexpected result %v", resp.Result)
	}

	resp = e.rpc(t, RPCRequest{
		SessionID:  "ops",
		Capability: "tasks",
		Method:     "get",
		Params:     map[string]any{"task_id": created["id"]},
	})
	if !resp.OK {
		t.Fatalf("get failed: %+v", resp.Error)
	}

	// Operational errors come back as plain messages without a code.
	resp = e.rpc(t, RPCRequest{
		SessionID:  "ops",
		Capability: "tasks",
		Method:     "get",
		Params:     map[string]any{"task_id": "missing"},
	})
	if resp.OK || resp.Error == nil {
		t.Fatalf("expected failure, got %+v", resp)
	}
	if resp.Error.Code != "" {
		t.Fatalf("operational errors must not carry codes, got %q", resp.Error.Code)
	}
}

func TestRPCUnknownOperationMaintainerOnly(t *testing.T) {
	e := newTestEnv(t)

	// An unregistered operation passes the gate only for MAINTAINER, then
	// fails in dispatch with a plain message.
	resp := e.rpc(t, RPCRequest{
		SessionID:      "root",
		SessionProfile: "MAINTAINER",
		Capability:     "experimental",
		Method:         "frobnicate",
	})
	if resp.OK {
		t.Fatal("unknown operation cannot succeed")
	}
	if resp.Error.Code != "" {
		t.Fatalf("expected plain dispatch error, got code %q", resp.Error.Code)
	}

	resp = e.rpc(t, RPCRequest{
		SessionID:  "anon",
		Capability: "experimental",
		Method:     "frobnicate",
	})
	if resp.Error == nil || resp.Error.Code != authz.CodeAuthorizationDenied {
		t.Fatalf("viewer must be denied at the gate, got %+v", resp.Error)
	}
}

func TestRPCMergeFlow(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	task := tasks.Task{ID: "t1", Title: "merge me", Status: tasks.StatusReview, Executor: tasks.ExecutorAuto}
	if err := e.tasks.Create(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	e.adapter.Workspaces["t1"] = workspace.Workspace{
		ID:     "ws-t1",
		TaskID: "t1",
		Repos:  []workspace.Repo{{ID: "ra", Name: "api", Branch: "task/t1"}},
	}
	e.adapter.Commits["ra"] = 1
	e.adapter.Changed["ra"] = []string{"a.go"}

	resp := e.rpc(t, RPCRequest{
		SessionID:      "ops",
		SessionProfile: "OPERATOR",
		Capability:     "merge",
		Method:         "merge_task",
		Params:         map[string]any{"task_id": "t1"},
	})
	if !resp.OK {
		t.Fatalf("merge rpc failed: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok || result["success"] != true {
		t.Fatalf("unexpected merge result %v", resp.Result)
	}

	updated, err := e.tasks.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if updated.Status != tasks.StatusDone {
		t.Fatalf("task status = %s, want DONE", updated.Status)
	}
}

func TestRPCReconcileRecoversPersistedRuns(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// A run left behind by a previous process: the task is persisted as
	// IN_PROGRESS with a RUNNING execution, but the registry is empty.
	if err := e.tasks.Create(ctx, tasks.Task{ID: "t1", Title: "t", Status: tasks.StatusInProgress, Executor: tasks.ExecutorAuto}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := e.execs.Create(ctx, execution.Execution{ID: "e1", TaskID: "t1", Status: execution.StatusRunning}); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	resp := e.rpc(t, RPCRequest{
		SessionID:      "ops",
		SessionProfile: "OPERATOR",
		Capability:     "runtime",
		Method:         "reconcile",
	})
	if !resp.OK {
		t.Fatalf("reconcile failed: %+v", resp.Error)
	}

	v, ok := e.registry.Get("t1")
	if !ok {
		t.Fatal("reconcile without ids must recover persisted runs for active tasks")
	}
	if v.ExecutionID != "e1" {
		t.Fatalf("recovered view = %+v, want execution e1", v)
	}
}

func TestRPCAgentLifecycle(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	if err := e.tasks.Create(ctx, tasks.Task{ID: "t1", Title: "t", Executor: tasks.ExecutorAuto}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	resp := e.rpc(t, RPCRequest{
		SessionID:      "ops",
		SessionProfile: "OPERATOR",
		Capability:     "agents",
		Method:         "spawn",
		Params:         map[string]any{"task_id": "t1"},
	})
	if !resp.OK {
		t.Fatalf("spawn failed: %+v", resp.Error)
	}
	v, ok := e.registry.Get("t1")
	if !ok || v.Phase != runtime.PhaseRunning {
		t.Fatalf("view after spawn = %+v, want RUNNING", v)
	}

	resp = e.rpc(t, RPCRequest{
		SessionID:  "ops",
		Capability: "agents",
		Method:     "stop",
		Params:     map[string]any{"task_id": "t1"},
	})
	if !resp.OK {
		t.Fatalf("stop failed: %+v", resp.Error)
	}
	if _, ok := e.registry.Get("t1"); ok {
		t.Fatal("view should be gone after stop")
	}
	if got := e.sched.StoppedTasks(); len(got) != 1 || got[0] != "t1" {
		t.Fatalf("stopped = %v, want [t1]", got)
	}
}

func TestRPCMaintainerSurfaces(t *testing.T) {
	e := newTestEnv(t)

	e.adapter.Workspaces["t1"] = workspace.Workspace{ID: "ws-t1", TaskID: "t1"}

	resp := e.rpc(t, RPCRequest{
		SessionID:      "root",
		SessionProfile: "MAINTAINER",
		Capability:     "workspaces",
		Method:         "release",
		Params:         map[string]any{"workspace_id": "ws-t1"},
	})
	if !resp.OK {
		t.Fatalf("release failed: %+v", resp.Error)
	}
	if got := e.adapter.ReleasedIDs; len(got) != 1 || got[0] != "ws-t1" {
		t.Fatalf("released = %v, want [ws-t1]", got)
	}

	resp = e.rpc(t, RPCRequest{
		SessionID:  "root",
		Capability: "sessions",
		Method:     "inspect",
	})
	if !resp.OK {
		t.Fatalf("inspect failed: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result %v", resp.Result)
	}
	sessions, ok := result["sessions"].(map[string]any)
	if !ok || sessions["root"] != string(authz.ProfileMaintainer) {
		t.Fatalf("sessions = %v, want root bound to MAINTAINER", result["sessions"])
	}
}

func TestRPCTaskScopedSession(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2"} {
		if err := e.tasks.Create(ctx, tasks.Task{ID: id, Title: id, Executor: tasks.ExecutorAuto}); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}

	// An agent session scoped to t1 may touch t1 but not t2.
	req := RPCRequest{
		SessionID:     "task:t1",
		SessionOrigin: "kagan",
		ClientVersion: "dev",
		Capability:    "output",
		Method:        "prepare",
		Params:        map[string]any{"task_id": "t1"},
	}
	if resp := e.rpc(t, req); !resp.OK {
		t.Fatalf("own-task call failed: %+v", resp.Error)
	}

	req.Params = map[string]any{"task_id": "t2"}
	resp := e.rpc(t, req)
	if resp.OK || resp.Error.Code != authz.CodeSessionScopeDenied {
		t.Fatalf("expected SESSION_SCOPE_DENIED, got %+v", resp.Error)
	}

	// Indirect reference through another task's execution is denied too.
	if err := e.execs.Create(ctx, execution.Execution{ID: "e2", TaskID: "t2", Status: execution.StatusRunning}); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	req.Capability = "execution"
	req.Method = "logs"
	req.Params = map[string]any{"execution_id": "e2"}
	resp = e.rpc(t, req)
	if resp.OK || resp.Error.Code != authz.CodeSessionScopeDenied {
		t.Fatalf("execution indirection must be scope-checked, got %+v", resp.Error)
	}

	req.Capability = "output"
	req.Method = "prepare"

	// A stale embedded client is rejected before anything else.
	req.ClientVersion = "0.9"
	req.Params = map[string]any{"task_id": "t1"}
	resp = e.rpc(t, req)
	if resp.OK || resp.Error.Code != authz.CodeMCPOutdated {
		t.Fatalf("expected MCP_OUTDATED, got %+v", resp.Error)
	}
}

func TestTaskOutputEndpoint(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	if err := e.tasks.Create(ctx, tasks.Task{ID: "t1", Title: "t", Executor: tasks.ExecutorAuto}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := e.execs.Create(ctx, execution.Execution{ID: "e1", TaskID: "t1", Status: execution.StatusCompleted}); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if err := e.execs.AppendLog(ctx, "e1", "hello"); err != nil {
		t.Fatalf("append log: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/t1/output", nil)
	req.Header.Set("X-Session-ID", "viewer-1")
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}

	var payload struct {
		Readiness autooutput.Readiness `json:"readiness"`
		Logs      []execution.LogEntry `json:"logs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Readiness.OutputMode != autooutput.ModeBackfill {
		t.Fatalf("mode = %s, want BACKFILL", payload.Readiness.OutputMode)
	}
	if len(payload.Logs) != 1 || payload.Logs[0].Content != "hello" {
		t.Fatalf("logs = %+v", payload.Logs)
	}
}

func TestMergeEndpointRequiresOperator(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	if err := e.tasks.Create(ctx, tasks.Task{ID: "t1", Title: "t"}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/t1/merge", nil)
	req.Header.Set("X-Session-ID", "viewer-1")
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	e := newTestEnv(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		e.server.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
	}
}
