package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mock is an in-memory Service used by the build wiring when no automation
// backend is configured, and throughout the test suite. Tests drive it
// directly: SetRunning/SetReviewing flip the observable state, and the
// configurable hooks let a test fail spawns or delay attachment.
type Mock struct {
	mu        sync.Mutex
	running   map[string]string // task id -> agent handle
	reviewing map[string]string
	stopped   []string
	spawned   []string

	// SpawnErr, when set, is returned from SpawnForTask.
	SpawnErr error
	// AttachOnSpawn controls whether a spawn immediately registers a live
	// agent (the common case) or leaves the task detached.
	AttachOnSpawn bool
	// StopClearsRunning controls whether StopTask clears the running state.
	StopClearsRunning bool
}

func NewMock() *Mock {
	return &Mock{
		running:           make(map[string]string),
		reviewing:         make(map[string]string),
		AttachOnSpawn:     true,
		StopClearsRunning: true,
	}
}

func (m *Mock) SetRunning(taskID, agent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if agent == "" {
		delete(m.running, taskID)
		return
	}
	m.running[taskID] = agent
}

func (m *Mock) SetReviewing(taskID, agent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if agent == "" {
		delete(m.reviewing, taskID)
		return
	}
	m.reviewing[taskID] = agent
}

func (m *Mock) StoppedTasks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.stopped...)
}

func (m *Mock) SpawnedTasks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.spawned...)
}

func (m *Mock) IsRunning(_ context.Context, taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[taskID]
	return ok
}

func (m *Mock) IsReviewing(_ context.Context, taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.reviewing[taskID]
	return ok
}

func (m *Mock) StopTask(_ context.Context, taskID string, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, taskID)
	if m.StopClearsRunning {
		delete(m.running, taskID)
		delete(m.reviewing, taskID)
	}
	return nil
}

func (m *Mock) SpawnForTask(_ context.Context, taskID string) (SpawnResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawned = append(m.spawned, taskID)
	if m.SpawnErr != nil {
		return SpawnResult{}, m.SpawnErr
	}
	res := SpawnResult{
		ExecutionID: uuid.NewString(),
		Agent:       "agent-" + uuid.NewString()[:8],
	}
	if m.AttachOnSpawn {
		m.running[taskID] = res.Agent
	}
	return res, nil
}

func (m *Mock) WaitForRunningAgent(ctx context.Context, taskID string, timeout time.Duration) string {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		agent, ok := m.running[taskID]
		m.mu.Unlock()
		if ok {
			return agent
		}
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(10 * time.Millisecond):
		}
	}
	return ""
}
