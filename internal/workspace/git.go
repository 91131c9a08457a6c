package workspace

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kagan-sh/kagan-sub002/internal/logger"
)

// GitAdapter implements Adapter by shelling out to the git CLI. Workspaces
// are registered by the provisioning layer and tracked in memory; all repo
// state lives in git itself.
type GitAdapter struct {
	worktreeRoot string
	logger       *logger.Logger

	mu         sync.RWMutex
	workspaces map[string]Workspace // keyed by workspace id
	byTask     map[string]string    // task id -> workspace id
}

func NewGitAdapter(worktreeRoot string, log *logger.Logger) *GitAdapter {
	if log == nil {
		log = logger.NewNop()
	}
	return &GitAdapter{
		worktreeRoot: worktreeRoot,
		logger:       log.WithFields(zap.String("component", "git-adapter")),
		workspaces:   make(map[string]Workspace),
		byTask:       make(map[string]string),
	}
}

// Register adds a provisioned workspace to the adapter's index.
func (g *GitAdapter) Register(ws Workspace) {
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.workspaces[ws.ID] = ws
	g.byTask[ws.TaskID] = ws.ID
}

func (g *GitAdapter) GetForTask(_ context.Context, taskID string) (Workspace, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.byTask[taskID]
	if !ok {
		return Workspace{}, ErrNotFound
	}
	return g.workspaces[id], nil
}

func (g *GitAdapter) CommitCount(ctx context.Context, repo Repo, base string) (int, error) {
	out, err := g.git(ctx, repo.WorktreePath, "rev-list", "--count", base+".."+repo.Branch)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return n, nil
}

func (g *GitAdapter) ChangedFiles(ctx context.Context, repo Repo, base string) ([]string, error) {
	// Triple-dot diffs against the merge base, so base-side drift does not
	// pollute the task's own change set.
	out, err := g.git(ctx, repo.WorktreePath, "diff", "--name-only", base+"..."+repo.Branch)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (g *GitAdapter) BaseChangedFiles(ctx context.Context, repo Repo, base string) ([]string, error) {
	out, err := g.git(ctx, repo.WorktreePath, "diff", "--name-only", repo.Branch+"..."+base)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (g *GitAdapter) HasUncommittedChanges(ctx context.Context, repo Repo) (bool, error) {
	out, err := g.git(ctx, repo.WorktreePath, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func (g *GitAdapter) CommitAll(ctx context.Context, repo Repo, message string) error {
	if _, err := g.git(ctx, repo.WorktreePath, "add", "-A"); err != nil {
		return err
	}
	_, err := g.git(ctx, repo.WorktreePath, "commit", "-m", message)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "nothing to commit") {
		return nil
	}
	return err
}

func (g *GitAdapter) Push(ctx context.Context, repo Repo) error {
	_, err := g.git(ctx, repo.WorktreePath, "push", "-u", "origin", repo.Branch)
	return err
}

func (g *GitAdapter) SquashMerge(ctx context.Context, repo Repo, base, message string) error {
	if _, err := g.git(ctx, repo.BasePath, "checkout", base); err != nil {
		return err
	}
	if _, err := g.git(ctx, repo.BasePath, "merge", "--squash", repo.Branch); err != nil {
		if isConflictError(err) {
			_, _ = g.git(ctx, repo.BasePath, "reset", "--hard", "HEAD")
			return fmt.Errorf("squash merge of %s into %s: %w", repo.Branch, base, ErrRebaseRequired)
		}
		return err
	}
	_, err := g.git(ctx, repo.BasePath, "commit", "-m", message)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "nothing to commit") {
		return nil
	}
	return err
}

func (g *GitAdapter) RebaseOntoBase(ctx context.Context, repo Repo, base string) error {
	if _, err := g.git(ctx, repo.WorktreePath, "rebase", base); err != nil {
		if isConflictError(err) {
			_, _ = g.git(ctx, repo.WorktreePath, "rebase", "--abort")
			return fmt.Errorf("rebase of %s onto %s: %w", repo.Branch, base, ErrRebaseRequired)
		}
		return err
	}
	return nil
}

func (g *GitAdapter) AbortRebase(ctx context.Context, repo Repo) error {
	_, err := g.git(ctx, repo.WorktreePath, "rebase", "--abort")
	return err
}

func (g *GitAdapter) CreatePullRequest(ctx context.Context, repo Repo, base, title string) (string, error) {
	if err := g.Push(ctx, repo); err != nil {
		return "", err
	}
	out, err := g.run(ctx, repo.WorktreePath, "gh", "pr", "create",
		"--base", base, "--head", repo.Branch, "--title", title, "--fill")
	if err != nil {
		return "", fmt.Errorf("create pull request: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func (g *GitAdapter) Release(_ context.Context, workspaceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	ws, ok := g.workspaces[workspaceID]
	if !ok {
		return ErrNotFound
	}
	ws.Released = true
	g.workspaces[workspaceID] = ws
	g.logger.Info("workspace released", zap.String("workspace_id", workspaceID))
	return nil
}

// WorktreePathFor returns the conventional worktree location for a task repo.
func (g *GitAdapter) WorktreePathFor(taskID, repoName string) string {
	return filepath.Join(g.worktreeRoot, taskID, repoName)
}

func (g *GitAdapter) git(ctx context.Context, dir string, args ...string) (string, error) {
	return g.run(ctx, dir, "git", args...)
}

func (g *GitAdapter) run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s failed: %w: %s",
			name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func isConflictError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "conflict") ||
		strings.Contains(s, "could not apply") ||
		strings.Contains(s, "automatic merge failed") ||
		strings.Contains(s, "needs merge")
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	sort.Strings(out)
	return out
}
