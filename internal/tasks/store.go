package tasks

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("task not found")

// Store persists tasks. The service only needs point reads, partial field
// updates, and lifecycle moves; listing exists for the HTTP surface.
type Store interface {
	Create(ctx context.Context, task Task) error
	Get(ctx context.Context, taskID string) (Task, error)
	List(ctx context.Context, limit int) ([]Task, error)
	UpdateFields(ctx context.Context, taskID string, fields Fields) (Task, error)
	MoveStatus(ctx context.Context, taskID string, status Status) (Task, error)
	Close() error
}

// NewStore returns a postgres-backed store when a database URL is configured,
// otherwise an in-memory store.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if databaseURL == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
