package execution

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-memory Store used when no database is configured
// and throughout the test suite.
type MemoryStore struct {
	mu    sync.RWMutex
	execs map[string]Execution
	logs  map[string][]LogEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		execs: make(map[string]Execution),
		logs:  make(map[string][]LogEntry),
	}
}

func (s *MemoryStore) Create(_ context.Context, exec Execution) error {
	now := time.Now().UTC()
	if strings.TrimSpace(exec.ID) == "" {
		exec.ID = uuid.NewString()
	}
	if exec.Status == "" {
		exec.Status = StatusRunning
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[exec.ID] = exec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, executionID string) (Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.execs[executionID]
	if !ok {
		return Execution{}, ErrNotFound
	}
	return exec, nil
}

func (s *MemoryStore) Update(_ context.Context, executionID string, update Update) (Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[executionID]
	if !ok {
		return Execution{}, ErrNotFound
	}
	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.Error != nil {
		exec.Error = *update.Error
	}
	exec.UpdatedAt = time.Now().UTC()
	s.execs[executionID] = exec
	return exec, nil
}

func (s *MemoryStore) LatestForTask(_ context.Context, taskID string) (Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestLocked(taskID, false)
}

func (s *MemoryStore) LatestRunningForTasks(_ context.Context, taskIDs []string) (map[string]Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Execution)
	for _, id := range taskIDs {
		if exec, err := s.latestLocked(id, true); err == nil {
			out[id] = exec
		}
	}
	return out, nil
}

func (s *MemoryStore) latestLocked(taskID string, runningOnly bool) (Execution, error) {
	var best Execution
	found := false
	for _, exec := range s.execs {
		if exec.TaskID != taskID {
			continue
		}
		if runningOnly && exec.Status != StatusRunning {
			continue
		}
		if !found || exec.CreatedAt.After(best.CreatedAt) {
			best = exec
			found = true
		}
	}
	if !found {
		return Execution{}, ErrNotFound
	}
	return best, nil
}

func (s *MemoryStore) AppendLog(_ context.Context, executionID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[executionID]; !ok {
		return ErrNotFound
	}
	entries := s.logs[executionID]
	s.logs[executionID] = append(entries, LogEntry{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Seq:         len(entries) + 1,
		Content:     content,
		CreatedAt:   time.Now().UTC(),
	})
	return nil
}

func (s *MemoryStore) Logs(_ context.Context, executionID string, limit int) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.logs[executionID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]LogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *MemoryStore) LogCount(_ context.Context, executionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs[executionID]), nil
}

func (s *MemoryStore) Close() error { return nil }
