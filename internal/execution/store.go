package execution

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("execution not found")

// Store persists executions and their output logs.
type Store interface {
	Create(ctx context.Context, exec Execution) error
	Get(ctx context.Context, executionID string) (Execution, error)
	Update(ctx context.Context, executionID string, update Update) (Execution, error)

	// LatestForTask returns the most recently created execution for a task,
	// regardless of status. ErrNotFound when the task never ran.
	LatestForTask(ctx context.Context, taskID string) (Execution, error)

	// LatestRunningForTasks returns, for each given task id that has one,
	// its most recent execution still in RUNNING state.
	LatestRunningForTasks(ctx context.Context, taskIDs []string) (map[string]Execution, error)

	AppendLog(ctx context.Context, executionID, content string) error
	Logs(ctx context.Context, executionID string, limit int) ([]LogEntry, error)
	LogCount(ctx context.Context, executionID string) (int, error)

	Close() error
}

// NewStore returns a postgres-backed store when a database URL is configured,
// otherwise an in-memory store.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if databaseURL == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
