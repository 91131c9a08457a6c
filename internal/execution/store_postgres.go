package execution

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
	if err := initExecutionSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initExecutionSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_task_created ON executions (task_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_exec_seq ON execution_logs (execution_id, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init execution schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, exec Execution) error {
	now := time.Now().UTC()
	if strings.TrimSpace(exec.ID) == "" {
		return fmt.Errorf("execution id is required")
	}
	if exec.Status == "" {
		exec.Status = StatusRunning
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO executions (id, task_id, status, error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			error=EXCLUDED.error,
			updated_at=EXCLUDED.updated_at`,
		exec.ID, exec.TaskID, string(exec.Status), exec.Error, exec.CreatedAt, exec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, executionID string) (Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, task_id, status, error, created_at, updated_at
		FROM executions WHERE id = $1`, executionID)
	return scanExecution(row)
}

func (s *PostgresStore) Update(ctx context.Context, executionID string, update Update) (Execution, error) {
	exec, err := s.Get(ctx, executionID)
	if err != nil {
		return Execution{}, err
	}
	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.Error != nil {
		exec.Error = *update.Error
	}
	exec.UpdatedAt = time.Now().UTC()

	_, err = s.pool.Exec(ctx,
		`UPDATE executions SET status = $2, error = $3, updated_at = $4 WHERE id = $1`,
		executionID, string(exec.Status), exec.Error, exec.UpdatedAt)
	if err != nil {
		return Execution{}, fmt.Errorf("update execution: %w", err)
	}
	return exec, nil
}

func (s *PostgresStore) LatestForTask(ctx context.Context, taskID string) (Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, task_id, status, error, created_at, updated_at
		FROM executions WHERE task_id = $1
		ORDER BY created_at DESC LIMIT 1`, taskID)
	return scanExecution(row)
}

func (s *PostgresStore) LatestRunningForTasks(ctx context.Context, taskIDs []string) (map[string]Execution, error) {
	out := make(map[string]Execution)
	if len(taskIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (task_id) id, task_id, status, error, created_at, updated_at
		FROM executions
		WHERE task_id = ANY($1) AND status = $2
		ORDER BY task_id, created_at DESC`, taskIDs, string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("query running executions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out[exec.TaskID] = exec
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendLog(ctx context.Context, executionID, content string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO execution_logs (id, execution_id, seq, content, created_at)
		VALUES (
			gen_random_uuid()::text,
			$1,
			COALESCE((SELECT MAX(seq) FROM execution_logs WHERE execution_id = $1), 0) + 1,
			$2,
			$3
		)`, executionID, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (s *PostgresStore) Logs(ctx context.Context, executionID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, execution_id, seq, content, created_at
		FROM execution_logs WHERE execution_id = $1
		ORDER BY seq ASC LIMIT $2`, executionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var entry LogEntry
		if err := rows.Scan(&entry.ID, &entry.ExecutionID, &entry.Seq, &entry.Content, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LogCount(ctx context.Context, executionID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM execution_logs WHERE execution_id = $1`, executionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count logs: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (Execution, error) {
	var exec Execution
	var status string
	err := row.Scan(&exec.ID, &exec.TaskID, &status, &exec.Error, &exec.CreatedAt, &exec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Execution{}, ErrNotFound
		}
		return Execution{}, fmt.Errorf("scan execution: %w", err)
	}
	exec.Status = Status(status)
	return exec, nil
}
