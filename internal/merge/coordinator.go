// Package merge drives quiescence-gated, risk-assessed merges of task
// workspaces back into their base branches.
package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kagan-sh/kagan-sub002/internal/config"
	"github.com/kagan-sh/kagan-sub002/internal/events"
	"github.com/kagan-sh/kagan-sub002/internal/execution"
	"github.com/kagan-sh/kagan-sub002/internal/locks"
	"github.com/kagan-sh/kagan-sub002/internal/logger"
	"github.com/kagan-sh/kagan-sub002/internal/observability"
	"github.com/kagan-sh/kagan-sub002/internal/runtime"
	"github.com/kagan-sh/kagan-sub002/internal/scheduler"
	"github.com/kagan-sh/kagan-sub002/internal/tasks"
	"github.com/kagan-sh/kagan-sub002/internal/workspace"
)

const (
	// StrategySquash merges the task branch into base as one squashed commit.
	StrategySquash = "squash"
	// StrategyPR opens a pull request instead of merging directly.
	StrategyPR = "pr"

	maxSummaryLen = 500
)

// Result is the structured outcome of a merge attempt. Merge failures are
// reported here as messages, never raised.
type Result struct {
	Success      bool              `json:"success"`
	Message      string            `json:"message"`
	MergedRepos  []string          `json:"merged_repos,omitempty"`
	SkippedRepos []string          `json:"skipped_repos,omitempty"`
	PullRequests map[string]string `json:"pull_requests,omitempty"`
	Rebased      bool              `json:"rebased"`
	Risk         Risk              `json:"risk"`
}

// Coordinator serializes and executes merges. A process-wide lock (on by
// default) keeps two merges from writing to the same repo concurrently; a
// per-task lock keeps double merge requests for one task from racing.
type Coordinator struct {
	registry  *runtime.Registry
	taskStore tasks.Store
	execs     execution.Store
	sched     scheduler.Service
	adapter   workspace.Adapter
	bus       *events.Bus
	metrics   *observability.Metrics
	logger    *logger.Logger
	hints     *RebaseHintState
	taskLocks *locks.Keyed

	defaultBase       string
	pollInterval      time.Duration
	quiescenceTimeout time.Duration

	lockEnabled bool
	mergeMu     sync.Mutex
}

func NewCoordinator(
	cfg config.Config,
	registry *runtime.Registry,
	taskStore tasks.Store,
	execs execution.Store,
	sched scheduler.Service,
	adapter workspace.Adapter,
	bus *events.Bus,
	metrics *observability.Metrics,
	log *logger.Logger,
) *Coordinator {
	if log == nil {
		log = logger.NewNop()
	}
	return &Coordinator{
		registry:          registry,
		taskStore:         taskStore,
		execs:             execs,
		sched:             sched,
		adapter:           adapter,
		bus:               bus,
		metrics:           metrics,
		logger:            log.WithFields(zap.String("component", "merge-coordinator")),
		hints:             NewRebaseHintState(),
		taskLocks:         locks.NewKeyed(),
		defaultBase:       cfg.DefaultBaseBranch,
		pollInterval:      cfg.QuiescencePollInterval,
		quiescenceTimeout: cfg.QuiescenceTimeout,
		lockEnabled:       cfg.MergeLockEnabled,
	}
}

// MergeTask merges every changed repo in the task's workspace and, on
// success, releases the workspace and moves the task to DONE. On failure the
// task stays in REVIEW and the message explains what to do next.
func (c *Coordinator) MergeTask(ctx context.Context, task tasks.Task) Result {
	return c.run(ctx, task, "", true)
}

// MergeRepo merges a single repo of the task's workspace. The task keeps its
// status and the workspace stays live so the remaining repos can follow.
func (c *Coordinator) MergeRepo(ctx context.Context, task tasks.Task, repoID string) Result {
	return c.run(ctx, task, repoID, false)
}

// MergeAll is MergeTask under its dispatcher-facing name.
func (c *Coordinator) MergeAll(ctx context.Context, task tasks.Task) Result {
	return c.MergeTask(ctx, task)
}

// CreatePR opens pull requests for every changed repo instead of merging.
// The task stays in REVIEW until the PRs land.
func (c *Coordinator) CreatePR(ctx context.Context, task tasks.Task) Result {
	pr := task
	pr.MergeStrategy = StrategyPR
	return c.run(ctx, pr, "", false)
}

func (c *Coordinator) run(ctx context.Context, task tasks.Task, repoFilter string, finalize bool) Result {
	start := time.Now()
	if c.lockEnabled {
		c.mergeMu.Lock()
		defer c.mergeMu.Unlock()
	}
	release := c.taskLocks.Lock(task.ID)
	defer release()

	res := c.attemptTask(ctx, task, repoFilter, finalize)

	outcome := "failure"
	if res.Success {
		outcome = "success"
	}
	if c.metrics != nil {
		c.metrics.Merges.WithLabelValues(outcome).Inc()
		c.metrics.ObserveMergeDuration(time.Since(start))
	}
	c.publishOutcome(task, res)
	c.logger.Info("merge finished",
		zap.String("task_id", task.ID),
		zap.String("outcome", outcome),
		zap.Bool("rebased", res.Rebased),
		zap.Int("risk_score", res.Risk.Score))
	return res
}

func (c *Coordinator) attemptTask(ctx context.Context, task tasks.Task, repoFilter string, finalize bool) Result {
	if err := c.waitQuiescent(ctx, task.ID); err != nil {
		return Result{Message: "task runtime is still active; stop the agent and retry merge"}
	}

	ws, err := c.adapter.GetForTask(ctx, task.ID)
	if err != nil {
		return Result{Message: "no workspace assigned to this task"}
	}

	diffs, skipped, err := c.collectDiffs(ctx, task, ws, repoFilter)
	if err != nil {
		return Result{Message: err.Error()}
	}

	res := Result{SkippedRepos: skipped, PullRequests: make(map[string]string)}
	res.Risk = assessRisk(diffs)

	if len(diffs) == 0 {
		res.Success = true
		res.Message = "no changes to merge"
		if finalize {
			c.finalize(ctx, task, ws, &res)
		}
		return res
	}

	if res.Risk.High() || c.anyRebaseHint(diffs) {
		if failed := c.rebaseAll(ctx, diffs); len(failed) > 0 {
			res.Message = c.failureSummary(failed, res.Risk)
			return res
		}
		res.Rebased = true
	}

	failures := c.mergeRepos(ctx, task, diffs, &res)
	if len(failures) > 0 && allRebaseRequired(failures) && !res.Rebased {
		remaining := filterDiffs(diffs, failures)
		if failed := c.rebaseAll(ctx, remaining); len(failed) > 0 {
			res.Message = c.failureSummary(failed, res.Risk)
			return res
		}
		res.Rebased = true
		failures = c.mergeRepos(ctx, task, remaining, &res)
	}

	if len(failures) > 0 {
		res.Message = c.failureSummary(failures, res.Risk)
		return res
	}

	res.Success = true
	res.Message = fmt.Sprintf("merged %d repo(s)", len(res.MergedRepos))
	if len(res.PullRequests) > 0 {
		res.Message = fmt.Sprintf("opened %d pull request(s)", len(res.PullRequests))
	}
	if len(skipped) > 0 {
		res.Message += fmt.Sprintf(", skipped %d unchanged", len(skipped))
	}

	if finalize {
		c.finalize(ctx, task, ws, &res)
	}
	c.updateHints(diffs, res.Rebased)
	return res
}

// waitQuiescent requests a stop for any live agent and polls until the task
// runtime is idle or the deadline elapses. It never blocks indefinitely.
func (c *Coordinator) waitQuiescent(ctx context.Context, taskID string) error {
	if c.quiet(ctx, taskID) {
		return nil
	}
	if c.sched != nil {
		_ = c.sched.StopTask(ctx, taskID, "merge requested")
	}

	deadline := time.Now().Add(c.quiescenceTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
		if c.quiet(ctx, taskID) {
			return nil
		}
	}
	return errors.New("task runtime is still active")
}

func (c *Coordinator) quiet(ctx context.Context, taskID string) bool {
	if v, ok := c.registry.Get(taskID); ok && v.Phase != runtime.PhaseIdle {
		if v.RunningAgent != "" || v.ReviewAgent != "" {
			return false
		}
		// A running view with no agent handle can mean a run started outside
		// this process. The persisted record decides: a still-RUNNING
		// execution gates the merge, a finished one marks the view stale.
		if v.ExecutionID != "" && c.execs != nil {
			if exec, err := c.execs.Get(ctx, v.ExecutionID); err == nil && !exec.Terminal() {
				return false
			}
		}
	}
	if c.sched != nil && (c.sched.IsRunning(ctx, taskID) || c.sched.IsReviewing(ctx, taskID)) {
		return false
	}
	return true
}

func (c *Coordinator) collectDiffs(ctx context.Context, task tasks.Task, ws workspace.Workspace, repoFilter string) ([]repoDiff, []string, error) {
	var diffs []repoDiff
	var skipped []string
	matched := false

	for _, repo := range ws.Repos {
		if repoFilter != "" && repo.ID != repoFilter {
			continue
		}
		matched = true
		base := c.resolveBase(task, repo)

		dirty, err := c.adapter.HasUncommittedChanges(ctx, repo)
		if err != nil {
			return nil, nil, fmt.Errorf("repo %s: %v", repo.Name, err)
		}
		if dirty {
			if err := c.adapter.CommitAll(ctx, repo, "wip: "+task.Title); err != nil {
				return nil, nil, fmt.Errorf("repo %s: commit pending changes: %v", repo.Name, err)
			}
		}

		commits, err := c.adapter.CommitCount(ctx, repo, base)
		if err != nil {
			return nil, nil, fmt.Errorf("repo %s: %v", repo.Name, err)
		}
		changed, err := c.adapter.ChangedFiles(ctx, repo, base)
		if err != nil {
			return nil, nil, fmt.Errorf("repo %s: %v", repo.Name, err)
		}
		if commits == 0 && len(changed) == 0 {
			skipped = append(skipped, repo.ID)
			continue
		}
		baseChanged, err := c.adapter.BaseChangedFiles(ctx, repo, base)
		if err != nil {
			return nil, nil, fmt.Errorf("repo %s: %v", repo.Name, err)
		}
		diffs = append(diffs, repoDiff{
			repo:    repo,
			base:    base,
			commits: commits,
			changed: changed,
			overlap: intersect(changed, baseChanged),
		})
	}

	if repoFilter != "" && !matched {
		return nil, nil, fmt.Errorf("repo %s is not part of the task workspace", repoFilter)
	}
	return diffs, skipped, nil
}

// resolveBase picks the merge target: explicit task override, then the repo's
// own target branch, then the project default.
func (c *Coordinator) resolveBase(task tasks.Task, repo workspace.Repo) string {
	if task.BaseBranchOverride != "" {
		return task.BaseBranchOverride
	}
	if repo.TargetBranch != "" {
		return repo.TargetBranch
	}
	return c.defaultBase
}

func (c *Coordinator) anyRebaseHint(diffs []repoDiff) bool {
	for _, d := range diffs {
		if c.hints.Get(d.base) > 0 {
			return true
		}
	}
	return false
}

func (c *Coordinator) rebaseAll(ctx context.Context, diffs []repoDiff) map[string]error {
	failed := make(map[string]error)
	for _, d := range diffs {
		if err := c.adapter.RebaseOntoBase(ctx, d.repo, d.base); err != nil {
			failed[d.repo.ID] = err
			continue
		}
		if c.metrics != nil {
			c.metrics.RebasesPerformed.Inc()
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return failed
}

func (c *Coordinator) mergeRepos(ctx context.Context, task tasks.Task, diffs []repoDiff, res *Result) map[string]error {
	failures := make(map[string]error)
	for _, d := range diffs {
		if task.MergeStrategy == StrategyPR {
			url, err := c.adapter.CreatePullRequest(ctx, d.repo, d.base, task.Title)
			if err != nil {
				failures[d.repo.ID] = err
				continue
			}
			res.PullRequests[d.repo.ID] = url
			res.MergedRepos = append(res.MergedRepos, d.repo.ID)
			if c.bus != nil {
				c.bus.Publish(events.Event{
					Type:       events.TypePRCreated,
					TaskID:     task.ID,
					RepoID:     d.repo.ID,
					BaseBranch: d.base,
					Detail:     url,
				})
			}
			continue
		}

		msg := fmt.Sprintf("%s (task %s)", task.Title, task.ID)
		if err := c.adapter.SquashMerge(ctx, d.repo, d.base, msg); err != nil {
			failures[d.repo.ID] = err
			continue
		}
		res.MergedRepos = append(res.MergedRepos, d.repo.ID)
	}
	sort.Strings(res.MergedRepos)
	if len(failures) == 0 {
		return nil
	}
	return failures
}

func (c *Coordinator) finalize(ctx context.Context, task tasks.Task, ws workspace.Workspace, res *Result) {
	if err := c.adapter.Release(ctx, ws.ID); err != nil {
		c.logger.Warn("workspace release failed",
			zap.String("workspace_id", ws.ID), zap.Error(err))
	}
	if c.sched != nil {
		_ = c.sched.StopTask(ctx, task.ID, "task merged")
	}
	c.registry.MarkEnded(task.ID)

	if c.taskStore != nil {
		if _, err := c.taskStore.MoveStatus(ctx, task.ID, tasks.StatusDone); err != nil {
			c.logger.Warn("task status update failed after merge",
				zap.String("task_id", task.ID), zap.Error(err))
			res.Message += "; task status update failed"
		}
	}
}

func (c *Coordinator) updateHints(diffs []repoDiff, rebased bool) {
	seen := make(map[string]struct{})
	for _, d := range diffs {
		if _, ok := seen[d.base]; ok {
			continue
		}
		seen[d.base] = struct{}{}
		if rebased {
			c.hints.NoteRebased(d.base)
		} else {
			c.hints.NoteClean(d.base)
		}
	}
}

func (c *Coordinator) publishOutcome(task tasks.Task, res Result) {
	if c.bus == nil {
		return
	}
	typ := events.TypeMergeFailed
	if res.Success {
		typ = events.TypeMergeCompleted
	}
	c.bus.Publish(events.Event{
		Type:   typ,
		TaskID: task.ID,
		Detail: res.Message,
	})
}

// failureSummary folds per-repo failures into a single message capped at 500
// characters, with a rebase hint when any failure is conflict-shaped and a
// preview of the overlapping files.
func (c *Coordinator) failureSummary(failures map[string]error, risk Risk) string {
	ids := make([]string, 0, len(failures))
	for id := range failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	conflict := false
	for _, id := range ids {
		err := failures[id]
		parts = append(parts, fmt.Sprintf("%s: %v", id, err))
		if errors.Is(err, workspace.ErrRebaseRequired) {
			conflict = true
		}
	}

	summary := "merge failed: " + strings.Join(parts, "; ")
	if conflict {
		summary += "; run rebase and retry"
	}
	if len(risk.OverlapFiles) > 0 {
		preview := risk.OverlapFiles
		if len(preview) > 5 {
			preview = preview[:5]
		}
		summary += "; overlapping files: " + strings.Join(preview, ", ")
	}
	if runes := []rune(summary); len(runes) > maxSummaryLen {
		summary = string(runes[:maxSummaryLen-3]) + "..."
	}
	return summary
}

func allRebaseRequired(failures map[string]error) bool {
	for _, err := range failures {
		if !errors.Is(err, workspace.ErrRebaseRequired) {
			return false
		}
	}
	return len(failures) > 0
}

func filterDiffs(diffs []repoDiff, failures map[string]error) []repoDiff {
	var out []repoDiff
	for _, d := range diffs {
		if _, ok := failures[d.repo.ID]; ok {
			out = append(out, d)
		}
	}
	return out
}
