package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initTaskSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTaskSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			executor TEXT NOT NULL,
			workspace_id TEXT NOT NULL DEFAULT '',
			base_branch_override TEXT NOT NULL DEFAULT '',
			merge_strategy TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks (status, created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, task Task) error {
	now := time.Now().UTC()
	if strings.TrimSpace(task.ID) == "" {
		return fmt.Errorf("task id is required")
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, title, description, status, executor, workspace_id,
			base_branch_override, merge_strategy, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			title=EXCLUDED.title,
			description=EXCLUDED.description,
			status=EXCLUDED.status,
			executor=EXCLUDED.executor,
			workspace_id=EXCLUDED.workspace_id,
			base_branch_override=EXCLUDED.base_branch_override,
			merge_strategy=EXCLUDED.merge_strategy,
			updated_at=EXCLUDED.updated_at`,
		task.ID, task.Title, task.Description, string(task.Status), string(task.Executor),
		task.WorkspaceID, task.BaseBranchOverride, task.MergeStrategy, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, taskID string) (Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, title, description, status, executor, workspace_id,
			base_branch_override, merge_strategy, created_at, updated_at
		FROM tasks WHERE id = $1`, taskID)
	return scanTask(row)
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, description, status, executor, workspace_id,
			base_branch_override, merge_strategy, created_at, updated_at
		FROM tasks ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateFields(ctx context.Context, taskID string, fields Fields) (Task, error) {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return Task{}, err
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
	if err := s.Create(ctx, task); err != nil {
		return Task{}, err
	}
	return s.Get(ctx, taskID)
}

func (s *PostgresStore) MoveStatus(ctx context.Context, taskID string, status Status) (Task, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, updated_at = $3 WHERE id = $1`,
		taskID, string(status), time.Now().UTC())
	if err != nil {
		return Task{}, fmt.Errorf("move task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Task{}, ErrNotFound
	}
	return s.Get(ctx, taskID)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var task Task
	var status, executor string
	err := row.Scan(&task.ID, &task.Title, &task.Description, &status, &executor,
		&task.WorkspaceID, &task.BaseBranchOverride, &task.MergeStrategy,
		&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("scan task: %w", err)
	}
	task.Status = Status(status)
	task.Executor = ExecutorMode(executor)
	return task, nil
}
