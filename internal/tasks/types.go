package tasks

import "time"

// Status is the fixed task lifecycle. Tasks only ever move forward through
// BACKLOG → IN_PROGRESS → REVIEW → DONE, except when a merge failure leaves
// them parked in REVIEW.
type Status string

const (
	StatusBacklog    Status = "BACKLOG"
	StatusInProgress Status = "IN_PROGRESS"
	StatusReview     Status = "REVIEW"
	StatusDone       Status = "DONE"
)

// ExecutorMode selects who drives the task's workspace.
type ExecutorMode string

const (
	// ExecutorAuto tasks are driven by a spawned coding agent whose output
	// stream the service tracks and recovers.
	ExecutorAuto ExecutorMode = "auto"
	// ExecutorManual tasks are driven by a human; there is no agent output.
	ExecutorManual ExecutorMode = "manual"
)

type Task struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      Status       `json:"status"`
	Executor    ExecutorMode `json:"executor"`
	WorkspaceID string       `json:"workspace_id,omitempty"`

	// BaseBranchOverride, when set, wins over the workspace repo target
	// branch and the project default when resolving the merge target.
	BaseBranchOverride string `json:"base_branch_override,omitempty"`

	// MergeStrategy is "squash" (default) or "pr".
	MergeStrategy string `json:"merge_strategy,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fields is a partial update applied through Store.UpdateFields.
type Fields struct {
	Title              *string
	Description        *string
	Executor           *ExecutorMode
	WorkspaceID        *string
	BaseBranchOverride *string
	MergeStrategy      *string
}

func (t Task) IsAuto() bool {
	return t.Executor == ExecutorAuto
}
