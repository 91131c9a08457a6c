package httpapi

import (
	"context"
	"errors"

	"github.com/kagan-sh/kagan-sub002/internal/execution"
)

// StoreOwners resolves indirect resource references for task-scoped sessions.
// Executions resolve through the execution store. Job and scratchpad handles
// are owned by external tooling this process cannot query, so they fail
// closed: a task-scoped request carrying one is denied rather than waved
// through.
type StoreOwners struct {
	Execs execution.Store
}

func (o StoreOwners) TaskForExecution(ctx context.Context, executionID string) (string, error) {
	exec, err := o.Execs.Get(ctx, executionID)
	if err != nil {
		return "", err
	}
	return exec.TaskID, nil
}

func (o StoreOwners) TaskForJob(context.Context, string) (string, error) {
	return "", errors.New("job ownership is not resolvable by this process")
}

func (o StoreOwners) TaskForScratchpad(context.Context, string) (string, error) {
	return "", errors.New("scratchpad ownership is not resolvable by this process")
}
