package workspace

import "time"

// Repo is one git checkout participating in a task's workspace. The task
// branch lives in an isolated worktree; the target branch lives in the base
// checkout.
type Repo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	BasePath     string `json:"base_path"`
	WorktreePath string `json:"worktree_path"`
	Branch       string `json:"branch"`
	TargetBranch string `json:"target_branch,omitempty"`
}

// Workspace is the set of repos dedicated to one task.
type Workspace struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Repos     []Repo    `json:"repos"`
	CreatedAt time.Time `json:"created_at"`
	Released  bool      `json:"released"`
}
