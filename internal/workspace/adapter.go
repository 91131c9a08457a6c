package workspace

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("workspace not found")

	// ErrRebaseRequired wraps merge failures whose underlying cause is
	// divergence from the target branch; a rebase and retry may succeed.
	ErrRebaseRequired = errors.New("rebase required")
)

// Adapter is the git/workspace boundary. Implementations shell out to git;
// tests substitute a fake.
type Adapter interface {
	// GetForTask resolves the workspace dedicated to the task.
	GetForTask(ctx context.Context, taskID string) (Workspace, error)

	// CommitCount counts commits on the task branch ahead of the target.
	CommitCount(ctx context.Context, repo Repo, base string) (int, error)
	// ChangedFiles lists files changed on the task branch since it diverged
	// from base.
	ChangedFiles(ctx context.Context, repo Repo, base string) ([]string, error)
	// BaseChangedFiles lists files changed on base since the divergence
	// point. The intersection with ChangedFiles is the overlap set.
	BaseChangedFiles(ctx context.Context, repo Repo, base string) ([]string, error)

	HasUncommittedChanges(ctx context.Context, repo Repo) (bool, error)
	CommitAll(ctx context.Context, repo Repo, message string) error
	Push(ctx context.Context, repo Repo) error

	// SquashMerge squash-merges the task branch into base in the repo's
	// base checkout. Conflict failures wrap ErrRebaseRequired.
	SquashMerge(ctx context.Context, repo Repo, base, message string) error
	// RebaseOntoBase rebases the task branch onto base in the worktree.
	RebaseOntoBase(ctx context.Context, repo Repo, base string) error
	AbortRebase(ctx context.Context, repo Repo) error

	// CreatePullRequest opens a PR from the task branch to base and returns
	// its URL.
	CreatePullRequest(ctx context.Context, repo Repo, base, title string) (string, error)

	// Release marks the workspace released. No physical cleanup: the
	// worktree stays on disk for inspection and later pruning.
	Release(ctx context.Context, workspaceID string) error
}
