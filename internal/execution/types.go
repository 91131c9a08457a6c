package execution

import "time"

// Status of a persisted agent execution.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	// StatusKilled marks executions terminated by the service itself,
	// e.g. stale-record recovery after an unclean process exit.
	StatusKilled Status = "KILLED"
)

// Execution is one agent run against a task. The record outlives the agent
// process; a RUNNING record with no live process is a stale execution.
type Execution struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LogEntry is one chunk of agent output attributed to an execution.
type LogEntry struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Seq         int       `json:"seq"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// Update is a partial mutation of an execution record.
type Update struct {
	Status *Status
	Error  *string
}

func (e Execution) Terminal() bool {
	switch e.Status {
	case StatusCompleted, StatusFailed, StatusKilled:
		return true
	default:
		return false
	}
}
