package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kagan-sh/kagan-sub002/internal/authz"
	"github.com/kagan-sh/kagan-sub002/internal/scheduler"
	"github.com/kagan-sh/kagan-sub002/internal/tasks"
)

// RPCRequest is the uniform envelope accepted by POST /v1/rpc. Authorization
// runs on the envelope before the operation is looked at.
type RPCRequest struct {
	SessionID      string         `json:"session_id"`
	SessionProfile string         `json:"session_profile,omitempty"`
	SessionOrigin  string         `json:"session_origin,omitempty"`
	ClientVersion  string         `json:"client_version,omitempty"`
	Capability     string         `json:"capability"`
	Method         string         `json:"method"`
	Params         map[string]any `json:"params,omitempty"`
}

// RPCError carries a machine-checkable code for authorization failures and a
// bare message for operational ones.
type RPCError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type RPCResponse struct {
	OK     bool      `json:"ok"`
	Result any       `json:"result,omitempty"`
	Error  *RPCError `json:"error,omitempty"`
}

func (r RPCRequest) meta() authz.RequestMeta {
	return authz.RequestMeta{
		SessionID:     r.SessionID,
		Profile:       r.SessionProfile,
		Origin:        r.SessionOrigin,
		ClientVersion: r.ClientVersion,
	}
}

// dispatch enforces authorization and then routes to the operation handler.
// A denied request never reaches a handler.
func (s *Server) dispatch(ctx context.Context, req RPCRequest) RPCResponse {
	outcome := "ok"
	defer func() {
		if s.metrics != nil {
			s.metrics.DispatchRequests.WithLabelValues(req.Capability, outcome).Inc()
		}
	}()

	if _, authErr := s.gate.Enforce(ctx, req.meta(), req.Capability, req.Method, req.Params); authErr != nil {
		outcome = "denied"
		return RPCResponse{Error: &RPCError{Code: authErr.Code, Message: authErr.Message}}
	}

	result, err := s.invoke(ctx, req)
	if err != nil {
		outcome = "error"
		return RPCResponse{Error: &RPCError{Message: err.Error()}}
	}
	return RPCResponse{OK: true, Result: result}
}

func (s *Server) invoke(ctx context.Context, req RPCRequest) (any, error) {
	switch req.Capability + "." + req.Method {
	case "tasks.get":
		taskID, err := requireParam(req.Params, "task_id")
		if err != nil {
			return nil, err
		}
		return s.tasks.Get(ctx, taskID)

	case "tasks.list":
		return s.tasks.List(ctx, intParam(req.Params, "limit"))

	case "tasks.create":
		task := tasks.Task{
			ID:            uuid.NewString(),
			Title:         stringParam(req.Params, "title"),
			Description:   stringParam(req.Params, "description"),
			Executor:      tasks.ExecutorMode(stringParam(req.Params, "executor")),
			MergeStrategy: stringParam(req.Params, "merge_strategy"),
		}
		if strings.TrimSpace(task.Title) == "" {
			return nil, errors.New("title is required")
		}
		if err := s.tasks.Create(ctx, task); err != nil {
			return nil, err
		}
		return s.tasks.Get(ctx, task.ID)

	case "tasks.update":
		taskID, err := requireParam(req.Params, "task_id")
		if err != nil {
			return nil, err
		}
		return s.tasks.UpdateFields(ctx, taskID, fieldsFromParams(req.Params))

	case "tasks.move_status":
		taskID, err := requireParam(req.Params, "task_id")
		if err != nil {
			return nil, err
		}
		status := tasks.Status(stringParam(req.Params, "status"))
		switch status {
		case tasks.StatusBacklog, tasks.StatusInProgress, tasks.StatusReview, tasks.StatusDone:
		default:
			return nil, fmt.Errorf("unknown status %q", status)
		}
		return s.tasks.MoveStatus(ctx, taskID, status)

	case "runtime.views":
		return s.registry.Views(), nil

	case "runtime.reconcile":
		// Without explicit ids, candidates come from the task store so a
		// restarted process can recover runs it has no views for yet.
		if ids := stringSliceParam(req.Params, "task_ids"); len(ids) > 0 {
			s.registry.ReconcileRunningTasks(ctx, ids)
		} else {
			s.registry.ReconcileActive(ctx, s.tasks)
		}
		return s.registry.Views(), nil

	case "output.prepare":
		task, err := s.taskParam(ctx, req.Params)
		if err != nil {
			return nil, err
		}
		return s.output.PrepareOutput(ctx, task), nil

	case "output.recover":
		task, err := s.taskParam(ctx, req.Params)
		if err != nil {
			return nil, err
		}
		return s.output.RecoverStale(ctx, task), nil

	case "merge.merge_task", "merge.merge_all":
		task, err := s.taskParam(ctx, req.Params)
		if err != nil {
			return nil, err
		}
		return s.merges.MergeTask(ctx, task), nil

	case "merge.merge_repo":
		task, err := s.taskParam(ctx, req.Params)
		if err != nil {
			return nil, err
		}
		repoID, err := requireParam(req.Params, "repo_id")
		if err != nil {
			return nil, err
		}
		return s.merges.MergeRepo(ctx, task, repoID), nil

	case "merge.create_pr":
		task, err := s.taskParam(ctx, req.Params)
		if err != nil {
			return nil, err
		}
		return s.merges.CreatePR(ctx, task), nil

	case "agents.spawn":
		taskID, err := requireParam(req.Params, "task_id")
		if err != nil {
			return nil, err
		}
		if s.sched == nil {
			return nil, scheduler.ErrUnavailable
		}
		spawn, err := s.sched.SpawnForTask(ctx, taskID)
		if err != nil {
			if errors.Is(err, scheduler.ErrUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", scheduler.ErrSpawnFailed, err)
		}
		s.registry.MarkStarted(taskID, spawn.ExecutionID)
		if spawn.Agent != "" {
			s.registry.AttachRunningAgent(taskID, spawn.Agent)
		}
		return spawn, nil

	case "agents.stop":
		taskID, err := requireParam(req.Params, "task_id")
		if err != nil {
			return nil, err
		}
		if s.sched == nil {
			return nil, scheduler.ErrUnavailable
		}
		reason := stringParam(req.Params, "reason")
		if reason == "" {
			reason = "stop requested"
		}
		if err := s.sched.StopTask(ctx, taskID, reason); err != nil {
			return nil, err
		}
		s.registry.MarkEnded(taskID)
		return map[string]any{"stopped": true}, nil

	case "workspaces.release":
		id, err := requireParam(req.Params, "workspace_id")
		if err != nil {
			return nil, err
		}
		if s.adapter == nil {
			return nil, errors.New("no workspace adapter configured")
		}
		if err := s.adapter.Release(ctx, id); err != nil {
			return nil, err
		}
		return map[string]any{"released": true}, nil

	case "sessions.inspect":
		return map[string]any{
			"bound":    s.gate.Sessions().Bound(),
			"sessions": s.gate.Sessions().Snapshot(),
		}, nil

	case "execution.get":
		id, err := requireParam(req.Params, "execution_id")
		if err != nil {
			return nil, err
		}
		return s.execs.Get(ctx, id)

	case "execution.logs":
		id, err := requireParam(req.Params, "execution_id")
		if err != nil {
			return nil, err
		}
		return s.execs.Logs(ctx, id, intParam(req.Params, "limit"))

	case "execution.append_log":
		id, err := requireParam(req.Params, "execution_id")
		if err != nil {
			return nil, err
		}
		content := stringParam(req.Params, "content")
		if content == "" {
			return nil, errors.New("content is required")
		}
		if err := s.execs.AppendLog(ctx, id, content); err != nil {
			return nil, err
		}
		return map[string]any{"appended": true}, nil

	default:
		return nil, fmt.Errorf("unknown operation %s.%s", req.Capability, req.Method)
	}
}

func (s *Server) taskParam(ctx context.Context, params map[string]any) (tasks.Task, error) {
	taskID, err := requireParam(params, "task_id")
	if err != nil {
		return tasks.Task{}, err
	}
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			return tasks.Task{}, fmt.Errorf("task %s not found", taskID)
		}
		return tasks.Task{}, err
	}
	return task, nil
}

func fieldsFromParams(params map[string]any) tasks.Fields {
	var f tasks.Fields
	if v, ok := params["title"].(string); ok {
		f.Title = &v
	}
	if v, ok := params["description"].(string); ok {
		f.Description = &v
	}
	if v, ok := params["executor"].(string); ok {
		mode := tasks.ExecutorMode(v)
		f.Executor = &mode
	}
	if v, ok := params["workspace_id"].(string); ok {
		f.WorkspaceID = &v
	}
	if v, ok := params["base_branch_override"].(string); ok {
		f.BaseBranchOverride = &v
	}
	if v, ok := params["merge_strategy"].(string); ok {
		f.MergeStrategy = &v
	}
	return f
}

func requireParam(params map[string]any, key string) (string, error) {
	v := stringParam(params, key)
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func intParam(params map[string]any, key string) int {
	if params == nil {
		return 0
	}
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func stringSliceParam(params map[string]any, key string) []string {
	if params == nil {
		return nil
	}
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
