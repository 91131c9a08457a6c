// Package autooutput decides when an agent task's output stream is safe to
// display and recovers orphaned executions left behind by unclean exits.
package autooutput

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kagan-sh/kagan-sub002/internal/events"
	"github.com/kagan-sh/kagan-sub002/internal/execution"
	"github.com/kagan-sh/kagan-sub002/internal/locks"
	"github.com/kagan-sh/kagan-sub002/internal/logger"
	"github.com/kagan-sh/kagan-sub002/internal/observability"
	"github.com/kagan-sh/kagan-sub002/internal/runtime"
	"github.com/kagan-sh/kagan-sub002/internal/scheduler"
	"github.com/kagan-sh/kagan-sub002/internal/tasks"
)

// Mode describes how (and whether) a task's output can be shown.
type Mode string

const (
	// ModeLive streams from a currently attached agent.
	ModeLive Mode = "LIVE"
	// ModeBackfill replays persisted execution logs.
	ModeBackfill Mode = "BACKFILL"
	// ModeWaiting means an execution exists but has produced nothing yet.
	ModeWaiting     Mode = "WAITING"
	ModeUnavailable Mode = "UNAVAILABLE"
)

// Readiness is the answer to "can the UI open this task's output stream".
type Readiness struct {
	OutputMode    Mode   `json:"output_mode"`
	CanOpenOutput bool   `json:"can_open_output"`
	ExecutionID   string `json:"execution_id,omitempty"`
	RunningAgent  string `json:"running_agent,omitempty"`
	IsRunning     bool   `json:"is_running"`
	Message       string `json:"message,omitempty"`
}

// RecoveryResult reports the outcome of a stale-execution recovery attempt.
// Recovery never returns an error to its caller; every path produces a
// user-facing message.
type RecoveryResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

const (
	msgNotAuto        = "task is not agent-driven; no output stream exists"
	msgNoLogs         = "no logs recorded for this task yet"
	msgAgentStarting  = "agent is starting; no output yet"
	msgStaleHint      = "execution looks stale (running with no output and no live agent); recovery can restart it"
	msgNoLiveRuntime  = "new run requested but no live runtime attached yet"
	msgNoAutomation   = "no automation service available"
	msgAlreadyLive    = "a live agent is already attached; nothing to recover"
	msgNotStale       = "latest execution is not stale; recovery not applicable"
	msgRecovered      = "stale execution killed and a fresh agent run attached"
	syntheticKillNote = "killed by stale-output recovery: record was RUNNING with no live process"
)

// Coordinator implements output readiness and stale recovery on top of the
// runtime registry and the execution log store.
type Coordinator struct {
	registry      *runtime.Registry
	execs         execution.Store
	sched         scheduler.Service
	bus           *events.Bus
	metrics       *observability.Metrics
	logger        *logger.Logger
	attachTimeout time.Duration
	taskLocks     *locks.Keyed
}

func NewCoordinator(
	registry *runtime.Registry,
	execs execution.Store,
	sched scheduler.Service,
	bus *events.Bus,
	metrics *observability.Metrics,
	log *logger.Logger,
	attachTimeout time.Duration,
) *Coordinator {
	if attachTimeout <= 0 {
		attachTimeout = 4 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Coordinator{
		registry:      registry,
		execs:         execs,
		sched:         sched,
		bus:           bus,
		metrics:       metrics,
		logger:        log.WithFields(zap.String("component", "auto-output")),
		attachTimeout: attachTimeout,
		taskLocks:     locks.NewKeyed(),
	}
}

// PrepareOutput decides the output mode for a task. Non-agent tasks are
// always UNAVAILABLE. Otherwise the decision prefers a live agent handle,
// then in-memory running state backed by persisted logs, then persisted
// history alone.
func (c *Coordinator) PrepareOutput(ctx context.Context, task tasks.Task) Readiness {
	r := c.prepareOutput(ctx, task)
	if c.metrics != nil {
		c.metrics.OutputRequests.WithLabelValues(string(r.OutputMode)).Inc()
	}
	return r
}

func (c *Coordinator) prepareOutput(ctx context.Context, task tasks.Task) Readiness {
	if !task.IsAuto() {
		return Readiness{OutputMode: ModeUnavailable, Message: msgNotAuto}
	}

	if view, ok := c.registry.Get(task.ID); ok {
		if view.RunningAgent != "" {
			return Readiness{
				OutputMode:    ModeLive,
				CanOpenOutput: true,
				ExecutionID:   view.ExecutionID,
				RunningAgent:  view.RunningAgent,
				IsRunning:     true,
			}
		}

		if view.Phase == runtime.PhaseRunning && view.ExecutionID != "" {
			exec, err := c.execs.Get(ctx, view.ExecutionID)
			if err != nil || exec.Status != execution.StatusRunning {
				// The DB has moved on; drop the stale in-memory view and
				// fall through to the persisted-history path.
				c.registry.MarkEnded(task.ID)
			} else {
				count, err := c.execs.LogCount(ctx, view.ExecutionID)
				if err == nil && count > 0 {
					return Readiness{
						OutputMode:    ModeBackfill,
						CanOpenOutput: true,
						ExecutionID:   view.ExecutionID,
						IsRunning:     true,
					}
				}
				// Still running with no content: the agent is presumably
				// starting, or was started outside this process.
				return Readiness{
					OutputMode:    ModeWaiting,
					CanOpenOutput: true,
					ExecutionID:   view.ExecutionID,
					IsRunning:     true,
					Message:       msgAgentStarting,
				}
			}
		}
	}

	latest, err := c.execs.LatestForTask(ctx, task.ID)
	if err != nil {
		if errors.Is(err, execution.ErrNotFound) {
			return Readiness{OutputMode: ModeUnavailable, Message: c.idleMessage(task.ID)}
		}
		c.logger.Warn("latest execution lookup failed", zap.String("task_id", task.ID), zap.Error(err))
		return Readiness{OutputMode: ModeUnavailable, Message: msgNoLogs}
	}

	count, err := c.execs.LogCount(ctx, latest.ID)
	if err != nil {
		c.logger.Warn("log count lookup failed", zap.String("execution_id", latest.ID), zap.Error(err))
		return Readiness{OutputMode: ModeUnavailable, ExecutionID: latest.ID, Message: msgNoLogs}
	}

	if count > 0 {
		return Readiness{
			OutputMode:    ModeBackfill,
			CanOpenOutput: true,
			ExecutionID:   latest.ID,
		}
	}
	if latest.Status == execution.StatusRunning {
		// A possibly-stale run: the UI must not block on it, so the stream
		// stays closed until recovery confirms a live agent.
		return Readiness{
			OutputMode:  ModeWaiting,
			ExecutionID: latest.ID,
			Message:     msgStaleHint,
		}
	}
	return Readiness{OutputMode: ModeUnavailable, ExecutionID: latest.ID, Message: msgNoLogs}
}

// idleMessage surfaces any blocked/pending reason as the unavailable-output
// explanation; the generic no-logs message otherwise.
func (c *Coordinator) idleMessage(taskID string) string {
	if view, ok := c.registry.Get(taskID); ok {
		if view.BlockedReason != "" {
			return view.BlockedReason
		}
		if view.PendingReason != "" {
			return view.PendingReason
		}
	}
	return msgNoLogs
}

// RecoverStale restarts a task whose latest persisted execution claims to be
// RUNNING while no live agent exists and nothing was ever logged, the
// narrow stale condition left behind by an unclean process exit. The
// whole operation serializes per task so two concurrent recovery attempts
// cannot double-spawn.
func (c *Coordinator) RecoverStale(ctx context.Context, task tasks.Task) RecoveryResult {
	res := c.recoverStale(ctx, task)
	if c.metrics != nil {
		label := "failed"
		if res.Success {
			label = "recovered"
		}
		c.metrics.Recoveries.WithLabelValues(label).Inc()
	}
	return res
}

func (c *Coordinator) recoverStale(ctx context.Context, task tasks.Task) RecoveryResult {
	if !task.IsAuto() {
		return RecoveryResult{Message: msgNotAuto}
	}

	release := c.taskLocks.Lock(task.ID)
	defer release()

	if view, ok := c.registry.Get(task.ID); ok && (view.RunningAgent != "" || view.ReviewAgent != "") {
		return RecoveryResult{Message: msgAlreadyLive}
	}
	if c.sched != nil && c.sched.IsRunning(ctx, task.ID) {
		return RecoveryResult{Message: msgAlreadyLive}
	}

	latest, err := c.execs.LatestForTask(ctx, task.ID)
	if err != nil {
		return RecoveryResult{Message: msgNotStale}
	}
	count, err := c.execs.LogCount(ctx, latest.ID)
	if err != nil || latest.Terminal() || count > 0 {
		return RecoveryResult{Message: msgNotStale}
	}

	killed := execution.StatusKilled
	note := syntheticKillNote
	if _, err := c.execs.Update(ctx, latest.ID, execution.Update{Status: &killed, Error: &note}); err != nil {
		c.logger.Warn("failed to mark stale execution killed",
			zap.String("execution_id", latest.ID), zap.Error(err))
		return RecoveryResult{Message: "could not update the stale execution record"}
	}
	c.registry.MarkEnded(task.ID)
	c.logger.Info("stale execution killed",
		zap.String("task_id", task.ID),
		zap.String("execution_id", latest.ID))

	if c.sched == nil {
		return RecoveryResult{Message: msgNoAutomation}
	}

	spawn, err := c.sched.SpawnForTask(ctx, task.ID)
	if err != nil {
		if errors.Is(err, scheduler.ErrUnavailable) {
			return RecoveryResult{Message: msgNoAutomation}
		}
		return RecoveryResult{Message: "failed to spawn a fresh agent run: " + err.Error()}
	}
	c.registry.MarkStarted(task.ID, spawn.ExecutionID)

	agent := c.sched.WaitForRunningAgent(ctx, task.ID, c.attachTimeout)
	if agent == "" {
		return RecoveryResult{Message: msgNoLiveRuntime}
	}
	c.registry.AttachRunningAgent(task.ID, agent)

	if c.bus != nil {
		c.bus.Publish(events.Event{
			Type:   events.TypeRuntimeRecovered,
			TaskID: task.ID,
			Detail: "stale execution " + latest.ID + " replaced by " + spawn.ExecutionID,
		})
	}
	return RecoveryResult{Success: true, Message: msgRecovered}
}
