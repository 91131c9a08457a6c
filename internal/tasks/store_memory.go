package tasks

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-memory Store used when no database is configured
// and throughout the test suite.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]Task)}
}

func (s *MemoryStore) Create(_ context.Context, task Task) error {
	now := time.Now().UTC()
	if strings.TrimSpace(task.ID) == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = StatusBacklog
	}
	if task.Executor == "" {
		task.Executor = ExecutorManual
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

func (s *MemoryStore) Get(_ context.Context, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	return task, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Task, error) {
	s.mu.RLock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateFields(_ context.Context, taskID string, fields Fields) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	if fields.Title != nil {
		task.Title = *fields.Title
	}
	if fields.Description != nil {
		task.Description = *fields.Description
	}
	if fields.Executor != nil {
		task.Executor = *fields.Executor
	}
	if fields.WorkspaceID != nil {
		task.WorkspaceID = *fields.WorkspaceID
	}
	if fields.BaseBranchOverride != nil {
		task.BaseBranchOverride = *fields.BaseBranchOverride
	}
	if fields.MergeStrategy != nil {
		task.MergeStrategy = *fields.MergeStrategy
	}
	task.UpdatedAt = time.Now().UTC()
	s.tasks[taskID] = task
	return task, nil
}

func (s *MemoryStore) MoveStatus(_ context.Context, taskID string, status Status) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	s.tasks[taskID] = task
	return task, nil
}

func (s *MemoryStore) Close() error { return nil }
