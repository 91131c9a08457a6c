// Package scheduler defines the automation service boundary: the component
// that actually owns agent processes. The orchestration layer only asks it
// questions and requests starts/stops; it never touches processes directly.
package scheduler

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable is returned when no automation service is wired in
	// (e.g. the host runs in manual-only mode).
	ErrUnavailable = errors.New("automation service unavailable")
	// ErrSpawnFailed is returned when the service accepted the request but
	// could not start an agent.
	ErrSpawnFailed = errors.New("agent spawn failed")
)

// SpawnResult describes a freshly requested agent run.
type SpawnResult struct {
	ExecutionID string `json:"execution_id"`
	Agent       string `json:"agent,omitempty"`
}

// Service is the automation/scheduler boundary consumed by the merge and
// auto-output coordinators.
type Service interface {
	// IsRunning reports whether an agent process is live for the task.
	IsRunning(ctx context.Context, taskID string) bool
	// IsReviewing reports whether a review agent is live for the task.
	IsReviewing(ctx context.Context, taskID string) bool
	// StopTask asks the service to stop any agent working on the task.
	// Best-effort: the agent may already be gone.
	StopTask(ctx context.Context, taskID string, reason string) error
	// SpawnForTask starts a fresh agent run for the task.
	SpawnForTask(ctx context.Context, taskID string) (SpawnResult, error)
	// WaitForRunningAgent polls until a live agent is attached for the task
	// or the timeout elapses. Returns the agent handle, or "" on timeout.
	WaitForRunningAgent(ctx context.Context, taskID string, timeout time.Duration) string
}
