// Package queue is a durable SQLite-backed task queue shared between the API
// and worker processes. The API uses only three operations on it (enqueue,
// revoke-by-id and is-revoked) and treats everything else as the consumer's
// business.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Task statuses as recorded in the queue database
const (
	taskPending = "pending"
	taskClaimed = "claimed"
	taskDone    = "done"
	taskFailed  = "failed"
	taskRevoked = "revoked"
)

// ErrTaskNotFound indicates an unknown task id
var ErrTaskNotFound = errors.New("task not found")

// TaskPayload is the work description handed to the worker
type TaskPayload struct {
	JobID      string          `json:"job_id"`
	Algorithm  string          `json:"algorithm"`
	InputPath  string          `json:"input_path"`
	OutputPath string          `json:"output_path"`
	Params     json.RawMessage `json:"params"`
}

// Queue is a named task queue over a SQLite database
type Queue struct {
	db   *sql.DB
	name string
}

// Open opens (creating if needed) the queue database at path
func Open(path, name string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	// WAL so the API and worker processes can share the database.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure queue database: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		revoked INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		enqueued_at INTEGER NOT NULL,
		claimed_at INTEGER,
		finished_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_queue_status ON tasks(queue, status);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}

	return &Queue{db: db, name: name}, nil
}

// Close closes the queue database
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue adds a task and returns its id
func (q *Queue) Enqueue(ctx context.Context, payload TaskPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode task payload: %w", err)
	}

	id := uuid.NewString()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO tasks (id, queue, payload, status, enqueued_at) VALUES (?, ?, ?, ?, ?)`,
		id, q.name, string(data), taskPending, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return id, nil
}

// RevokeByID marks a task revoked. The flag is sticky: a pending revoked
// task is never executed, and IsRevoked keeps reporting true afterwards.
func (q *Queue) RevokeByID(ctx context.Context, id string) error {
	result, err := q.db.ExecContext(ctx, `UPDATE tasks SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke task: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to revoke task: %w", err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// IsRevoked reports whether the task has been revoked
func (q *Queue) IsRevoked(ctx context.Context, id string) (bool, error) {
	var revoked int
	err := q.db.QueryRowContext(ctx, `SELECT revoked FROM tasks WHERE id = ?`, id).Scan(&revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrTaskNotFound
		}
		return false, fmt.Errorf("failed to query task: %w", err)
	}
	return revoked != 0, nil
}

// claimNext atomically claims the oldest pending task of this queue.
// Returns the task id, its payload and whether it was already revoked when
// claimed; ok is false when the queue is empty.
func (q *Queue) claimNext(ctx context.Context) (id string, payload TaskPayload, revoked, ok bool, err error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", TaskPayload{}, false, false, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	var raw string
	var revokedInt int
	err = tx.QueryRowContext(ctx,
		`SELECT id, payload, revoked FROM tasks
		 WHERE queue = ? AND status = ? ORDER BY enqueued_at LIMIT 1`,
		q.name, taskPending,
	).Scan(&id, &raw, &revokedInt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", TaskPayload{}, false, false, nil
		}
		return "", TaskPayload{}, false, false, fmt.Errorf("failed to select task: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, claimed_at = ? WHERE id = ? AND status = ?`,
		taskClaimed, time.Now().UnixMilli(), id, taskPending,
	)
	if err != nil {
		return "", TaskPayload{}, false, false, fmt.Errorf("failed to claim task: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil || n == 0 {
		// Lost the race to another worker; caller just polls again.
		return "", TaskPayload{}, false, false, err
	}
	if err := tx.Commit(); err != nil {
		return "", TaskPayload{}, false, false, fmt.Errorf("failed to commit claim: %w", err)
	}

	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return "", TaskPayload{}, false, false, fmt.Errorf("failed to decode task payload: %w", err)
	}
	return id, payload, revokedInt != 0, true, nil
}

// markFinished records the terminal status of a claimed task
func (q *Queue) markFinished(ctx context.Context, id, status, errMsg string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, errMsg, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish task: %w", err)
	}
	return nil
}
