package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"appforge/pkg/proto"
)

// ErrTaskClaimed is returned when a conditional claim loses the race:
// the task was no longer pending by the time the update ran.
var ErrTaskClaimed = errors.New("task already claimed")

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// InsertTask inserts a new PENDING task.
func (s *Store) InsertTask(ctx context.Context, task *Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = TaskStatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, type, priority, payload, status, job_id, issue_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.Type), task.Priority, task.Payload, task.Status,
		task.JobID, task.IssueID, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	return nil
}

// ClaimTask transitions one task from pending to running. The claim is
// a conditional update so two racing claimers can never both win.
func (s *Store) ClaimTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		TaskStatusRunning, time.Now().UTC(), taskID, TaskStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to claim task %s: %w", taskID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read claim result for task %s: %w", taskID, err)
	}
	if rows == 0 {
		return ErrTaskClaimed
	}
	return nil
}

// ClaimPendingTasks claims up to limit pending tasks ordered by
// priority (lower first), then age, then id so rows created in the
// same instant still claim in a stable order. Tasks that lose the per-row claim
// race are skipped, so concurrent callers get disjoint sets.
func (s *Store) ClaimPendingTasks(ctx context.Context, limit int) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks WHERE status = ?
		ORDER BY priority ASC, created_at ASC, id ASC LIMIT ?`,
		TaskStatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan pending task id: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("failed to close pending task rows: %w", err)
	}

	claimed := make([]*Task, 0, len(candidates))
	for _, id := range candidates {
		if err := s.ClaimTask(ctx, id); err != nil {
			if errors.Is(err, ErrTaskClaimed) {
				continue // Another claimer won this row
			}
			return claimed, err
		}
		task, err := s.GetTask(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, task)
	}
	return claimed, nil
}

// FinishTask marks a running task done or failed. errMsg is stored for
// failed tasks so the failure is diagnosable from the table alone.
func (s *Store) FinishTask(ctx context.Context, taskID, status string, errMsg string) error {
	if status != TaskStatusDone && status != TaskStatusFailed {
		return fmt.Errorf("invalid terminal task status %q", status)
	}
	var errVal *string
	if errMsg != "" {
		errVal = &errMsg
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errVal, time.Now().UTC(), taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish task %s: %w", taskID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read finish result for task %s: %w", taskID, err)
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	task := &Task{}
	var taskType string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, priority, payload, status, job_id, issue_id, error, created_at, updated_at
		FROM tasks WHERE id = ?`, taskID,
	).Scan(
		&task.ID, &taskType, &task.Priority, &task.Payload, &task.Status,
		&task.JobID, &task.IssueID, &task.Error,
		&task.CreatedAt, &task.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", taskID, err)
	}
	task.Type = proto.TaskType(taskType)
	return task, nil
}

// CountTasksByStatus returns the number of tasks in the given status.
func (s *Store) CountTasksByStatus(ctx context.Context, status string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE status = ?", status,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s tasks: %w", status, err)
	}
	return count, nil
}
