package workspace

import (
	"context"
	"sync"
)

// Fake is an in-memory Adapter for tests. Per-repo fixtures control diff
// shapes; the recorded call lists let tests assert on rebase/merge ordering.
type Fake struct {
	mu sync.Mutex

	Workspaces map[string]Workspace // task id -> workspace

	Commits      map[string]int      // repo id -> commit count
	Changed      map[string][]string // repo id -> files changed on branch
	BaseChanged  map[string][]string // repo id -> files changed on base
	Uncommitted  map[string]bool     // repo id -> dirty worktree
	MergeErrs    map[string]error    // repo id -> error for next SquashMerge
	RebaseErrs   map[string]error    // repo id -> error for RebaseOntoBase
	PRURLs       map[string]string   // repo id -> created PR URL

	MergeCalls  []string // repo ids in SquashMerge order
	RebaseCalls []string
	PushCalls   []string
	CommitCalls []string
	ReleasedIDs []string
}

func NewFake() *Fake {
	return &Fake{
		Workspaces:  make(map[string]Workspace),
		Commits:     make(map[string]int),
		Changed:     make(map[string][]string),
		BaseChanged: make(map[string][]string),
		Uncommitted: make(map[string]bool),
		MergeErrs:   make(map[string]error),
		RebaseErrs:  make(map[string]error),
		PRURLs:      make(map[string]string),
	}
}

func (f *Fake) GetForTask(_ context.Context, taskID string) (Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.Workspaces[taskID]
	if !ok {
		return Workspace{}, ErrNotFound
	}
	return ws, nil
}

func (f *Fake) CommitCount(_ context.Context, repo Repo, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Commits[repo.ID], nil
}

func (f *Fake) ChangedFiles(_ context.Context, repo Repo, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Changed[repo.ID]...), nil
}

func (f *Fake) BaseChangedFiles(_ context.Context, repo Repo, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.BaseChanged[repo.ID]...), nil
}

func (f *Fake) HasUncommittedChanges(_ context.Context, repo Repo) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Uncommitted[repo.ID], nil
}

func (f *Fake) CommitAll(_ context.Context, repo Repo, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CommitCalls = append(f.CommitCalls, repo.ID)
	f.Uncommitted[repo.ID] = false
	return nil
}

func (f *Fake) Push(_ context.Context, repo Repo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PushCalls = append(f.PushCalls, repo.ID)
	return nil
}

func (f *Fake) SquashMerge(_ context.Context, repo Repo, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MergeCalls = append(f.MergeCalls, repo.ID)
	if err, ok := f.MergeErrs[repo.ID]; ok {
		return err
	}
	return nil
}

func (f *Fake) RebaseOntoBase(_ context.Context, repo Repo, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RebaseCalls = append(f.RebaseCalls, repo.ID)
	if err, ok := f.RebaseErrs[repo.ID]; ok {
		return err
	}
	// A successful rebase clears the condition that made the merge fail.
	delete(f.MergeErrs, repo.ID)
	return nil
}

func (f *Fake) AbortRebase(_ context.Context, _ Repo) error { return nil }

func (f *Fake) CreatePullRequest(_ context.Context, repo Repo, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if url, ok := f.PRURLs[repo.ID]; ok {
		return url, nil
	}
	return "https://example.test/pr/" + repo.ID, nil
}

func (f *Fake) Release(_ context.Context, workspaceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReleasedIDs = append(f.ReleasedIDs, workspaceID)
	return nil
}
