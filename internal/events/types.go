package events

import "time"

// Type identifies a lifecycle event emitted on the bus.
type Type string

const (
	TypeMergeCompleted   Type = "merge_completed"
	TypeMergeFailed      Type = "merge_failed"
	TypePRCreated        Type = "pr_created"
	TypeRuntimeRecovered Type = "runtime_recovered"
)

// Event is a single lifecycle notification.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	TaskID     string    `json:"task_id"`
	RepoID     string    `json:"repo_id,omitempty"`
	BaseBranch string    `json:"base_branch,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}
