// Package runtime tracks the live execution phase of every task with a
// non-idle agent runtime. The registry is the in-process source of truth for
// "is this task's agent currently running, reviewing, blocked or pending".
package runtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kagan-sh/kagan-sub002/internal/execution"
	"github.com/kagan-sh/kagan-sub002/internal/logger"
	"github.com/kagan-sh/kagan-sub002/internal/observability"
	"github.com/kagan-sh/kagan-sub002/internal/tasks"
)

// Phase of a task runtime view.
type Phase string

const (
	PhaseIdle      Phase = "IDLE"
	PhaseRunning   Phase = "RUNNING"
	PhaseReviewing Phase = "REVIEWING"
)

// View is the per-task runtime state. Agent handles are opaque tokens looked
// up by id elsewhere; the registry never owns agent lifecycle and never polls
// the handles for liveness.
type View struct {
	TaskID      string `json:"task_id"`
	Phase       Phase  `json:"phase"`
	ExecutionID string `json:"execution_id,omitempty"`
	RunCount    int    `json:"run_count"`

	RunningAgent string `json:"running_agent,omitempty"`
	ReviewAgent  string `json:"review_agent,omitempty"`

	BlockedReason    string    `json:"blocked_reason,omitempty"`
	BlockedByTaskIDs []string  `json:"blocked_by_task_ids,omitempty"`
	OverlapHints     []string  `json:"overlap_hints,omitempty"`
	BlockedAt        time.Time `json:"blocked_at,omitempty"`

	PendingReason string    `json:"pending_reason,omitempty"`
	PendingAt     time.Time `json:"pending_at,omitempty"`
}

// fullyIdle reports whether the view carries no state worth keeping. Such a
// view is equivalent to "no view" and must be evicted.
func (v View) fullyIdle() bool {
	return v.Phase == PhaseIdle &&
		v.ExecutionID == "" &&
		v.RunningAgent == "" &&
		v.ReviewAgent == "" &&
		v.BlockedReason == "" &&
		v.PendingReason == ""
}

func (v View) clone() View {
	out := v
	if v.BlockedByTaskIDs != nil {
		out.BlockedByTaskIDs = append([]string(nil), v.BlockedByTaskIDs...)
	}
	if v.OverlapHints != nil {
		out.OverlapHints = append([]string(nil), v.OverlapHints...)
	}
	return out
}

// Registry owns the process-wide map of task runtime views. All mutation goes
// through registry methods; other components only read views.
type Registry struct {
	mu      sync.RWMutex
	views   map[string]*View
	execs   execution.Store
	metrics *observability.Metrics
	logger  *logger.Logger
}

func NewRegistry(execs execution.Store, metrics *observability.Metrics, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry{
		views:   make(map[string]*View),
		execs:   execs,
		metrics: metrics,
		logger:  log.WithFields(zap.String("component", "runtime-registry")),
	}
}

// MarkStarted records a new run for the task. A start supersedes any blocked
// or pending state left behind by an earlier attempt.
func (r *Registry) MarkStarted(taskID, executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.viewLocked(taskID)
	v.Phase = PhaseRunning
	v.ExecutionID = executionID
	v.RunCount++
	v.clearBlockedLocked()
	v.clearPendingLocked()
	r.observe("started")
}

// AttachRunningAgent binds a live agent handle to the task and moves it to
// RUNNING.
func (r *Registry) AttachRunningAgent(taskID, agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.viewLocked(taskID)
	v.Phase = PhaseRunning
	v.RunningAgent = agent
	r.observe("agent_attached")
}

// AttachReviewAgent moves the task to REVIEWING while keeping the running
// agent handle.
func (r *Registry) AttachReviewAgent(taskID, agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.viewLocked(taskID)
	v.Phase = PhaseReviewing
	v.ReviewAgent = agent
	r.observe("review_attached")
}

// ClearReviewAgent drops the review handle. The phase returns to RUNNING only
// when a running agent is still attached.
func (r *Registry) ClearReviewAgent(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.views[taskID]
	if !ok {
		return
	}
	v.ReviewAgent = ""
	if v.RunningAgent != "" {
		v.Phase = PhaseRunning
	}
	r.evictIfIdleLocked(taskID)
}

// MarkBlocked parks the task: blocked tasks are assumed not live-running, so
// the phase is forced to IDLE and both agent handles are cleared.
func (r *Registry) MarkBlocked(taskID, reason string, blockedBy, overlapHints []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.viewLocked(taskID)
	v.Phase = PhaseIdle
	v.RunningAgent = ""
	v.ReviewAgent = ""
	v.BlockedReason = reason
	v.BlockedByTaskIDs = append([]string(nil), blockedBy...)
	v.OverlapHints = append([]string(nil), overlapHints...)
	v.BlockedAt = time.Now().UTC()
	v.clearPendingLocked()
	r.observe("blocked")
}

// MarkPending stamps a pending reason. A running task keeps running; only
// non-running tasks are forced to IDLE.
func (r *Registry) MarkPending(taskID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A running task keeps its phase; a fresh view starts (and stays) IDLE.
	v := r.viewLocked(taskID)
	v.PendingReason = reason
	v.PendingAt = time.Now().UTC()
	r.observe("pending")
}

func (r *Registry) ClearBlocked(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.views[taskID]
	if !ok {
		return
	}
	v.clearBlockedLocked()
	r.evictIfIdleLocked(taskID)
}

func (r *Registry) ClearPending(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.views[taskID]
	if !ok {
		return
	}
	v.clearPendingLocked()
	r.evictIfIdleLocked(taskID)
}

// MarkEnded unconditionally evicts the task's view.
func (r *Registry) MarkEnded(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.views[taskID]; ok {
		delete(r.views, taskID)
		r.observe("ended")
	}
	r.setGaugeLocked()
}

// Get returns a copy of the task's view, if one exists.
func (r *Registry) Get(taskID string) (View, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.views[taskID]
	if !ok {
		return View{}, false
	}
	return v.clone(), true
}

// RunningTasks returns the sorted ids of all tasks whose phase is not IDLE.
func (r *Registry) RunningTasks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, v := range r.views {
		if v.Phase != PhaseIdle {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Views returns a snapshot of all views keyed by task id.
func (r *Registry) Views() map[string]View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]View, len(r.views))
	for id, v := range r.views {
		out[id] = v.clone()
	}
	return out
}

// ReconcileRunningTasks aligns in-memory views with the persisted "latest
// RUNNING execution per task" for the given ids. Persisted runs missing from
// memory are recovered as RUNNING views; in-memory RUNNING views with no
// persisted counterpart, no live agent handles and no blocked/pending state
// are evicted as stale. Store errors are swallowed: reconciliation is
// best-effort and simply skips the cycle. The operation is idempotent.
func (r *Registry) ReconcileRunningTasks(ctx context.Context, taskIDs []string) {
	persisted, err := r.execs.LatestRunningForTasks(ctx, taskIDs)
	if err != nil {
		r.logger.Warn("reconcile skipped: execution store unavailable", zap.Error(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for taskID, exec := range persisted {
		if _, ok := r.views[taskID]; ok {
			continue
		}
		r.views[taskID] = &View{
			TaskID:      taskID,
			Phase:       PhaseRunning,
			ExecutionID: exec.ID,
		}
		r.logger.Info("recovered runtime view from persisted execution",
			zap.String("task_id", taskID),
			zap.String("execution_id", exec.ID))
		r.observe("recovered")
	}

	for _, taskID := range taskIDs {
		v, ok := r.views[taskID]
		if !ok {
			continue
		}
		if _, stillRunning := persisted[taskID]; stillRunning {
			continue
		}
		if v.Phase != PhaseRunning {
			continue
		}
		if v.RunningAgent != "" || v.ReviewAgent != "" {
			continue
		}
		if v.BlockedReason != "" || v.PendingReason != "" {
			continue
		}
		delete(r.views, taskID)
		r.logger.Info("evicted stale runtime view", zap.String("task_id", taskID))
		r.observe("evicted_stale")
	}
	r.setGaugeLocked()
}

// ReconcileActive reconciles every task that could plausibly have a live
// runtime: tasks persisted in an active status plus any task already holding
// an in-memory view. Candidates must come from the store, not from the view
// map alone; after a process restart the map is empty and only the persisted
// task list can point at runs worth recovering.
func (r *Registry) ReconcileActive(ctx context.Context, store tasks.Store) {
	ids := r.RunningTasks()
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}

	if store != nil {
		list, err := store.List(ctx, 0)
		if err != nil {
			r.logger.Warn("reconcile candidates limited to in-memory views: task store unavailable", zap.Error(err))
		} else {
			for _, t := range list {
				if t.Status != tasks.StatusInProgress && t.Status != tasks.StatusReview {
					continue
				}
				if _, ok := seen[t.ID]; ok {
					continue
				}
				seen[t.ID] = struct{}{}
				ids = append(ids, t.ID)
			}
		}
	}
	r.ReconcileRunningTasks(ctx, ids)
}

func (r *Registry) viewLocked(taskID string) *View {
	v, ok := r.views[taskID]
	if !ok {
		v = &View{TaskID: taskID, Phase: PhaseIdle}
		r.views[taskID] = v
	}
	return v
}

func (v *View) clearBlockedLocked() {
	v.BlockedReason = ""
	v.BlockedByTaskIDs = nil
	v.OverlapHints = nil
	v.BlockedAt = time.Time{}
}

func (v *View) clearPendingLocked() {
	v.PendingReason = ""
	v.PendingAt = time.Time{}
}

func (r *Registry) evictIfIdleLocked(taskID string) {
	if v, ok := r.views[taskID]; ok && v.fullyIdle() {
		delete(r.views, taskID)
	}
	r.setGaugeLocked()
}

func (r *Registry) observe(event string) {
	if r.metrics != nil {
		r.metrics.RuntimeEvents.WithLabelValues(event).Inc()
	}
	r.setGaugeLocked()
}

func (r *Registry) setGaugeLocked() {
	if r.metrics != nil {
		r.metrics.ActiveRuntimes.Set(float64(len(r.views)))
	}
}
