package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/minhvtn/listsync-be/internal/domain"
	"github.com/minhvtn/listsync-be/internal/tenant"
)

// TaskStore handles task persistence through a tenant-bound handle. Each
// status mutation commits as its own transaction so partial job progress
// survives a crash between tasks.
type TaskStore struct {
	handle *tenant.Handle
	logger *slog.Logger
}

// NewTaskStore creates a TaskStore over the tenant handle.
func NewTaskStore(handle *tenant.Handle) *TaskStore {
	return &TaskStore{
		handle: handle,
		logger: handle.Logger(),
	}
}

// CreateForJob bulk-creates one pending task per name, ordinals 0..n-1 in
// declared order. Called once, on a job's first execution attempt.
func (s *TaskStore) CreateForJob(ctx context.Context, jobID string, names []string) ([]domain.Task, error) {
	now := time.Now().UTC()
	tasks := make([]domain.Task, len(names))
	for i, name := range names {
		tasks[i] = domain.Task{
			TaskID:    uuid.New().String(),
			JobID:     jobID,
			Ordinal:   i,
			Name:      name,
			Status:    domain.TaskStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	err := s.handle.RunInTx(ctx, func(tx *sqlx.Tx) error {
		for _, task := range tasks {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (task_id, job_id, ordinal, name, status, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, task.TaskID, task.JobID, task.Ordinal, task.Name, task.Status, task.CreatedAt, task.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to create task %q: %w", task.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Tasks created",
		slog.String("job_id", jobID),
		slog.Int("count", len(tasks)),
	)
	return tasks, nil
}

// ListByJob returns a job's tasks in ordinal order.
func (s *TaskStore) ListByJob(ctx context.Context, jobID string) ([]domain.Task, error) {
	var tasks []domain.Task
	err := s.handle.RunInTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.SelectContext(ctx, &tasks, `
			SELECT task_id, job_id, ordinal, name, status, result, error_message, created_at, updated_at
			FROM tasks
			WHERE job_id = $1
			ORDER BY ordinal
		`, jobID)
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// MarkSucceeded persists the step's result and commits immediately, so a
// retry after a later failure never redoes this step's external work.
func (s *TaskStore) MarkSucceeded(ctx context.Context, taskID string, result json.RawMessage) error {
	return s.handle.RunInTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = $1,
			    result = $2,
			    error_message = '',
			    updated_at = NOW()
			WHERE task_id = $3
		`, domain.TaskStatusSucceeded, []byte(result), taskID)
		if err != nil {
			return fmt.Errorf("failed to mark task succeeded: %w", err)
		}
		return requireRow(res, domain.ErrTaskNotFound)
	})
}

// MarkFailed records the latest failure message. Any result from an earlier
// attempt of this task is discarded.
func (s *TaskStore) MarkFailed(ctx context.Context, taskID, errMsg string) error {
	return s.handle.RunInTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = $1,
			    result = NULL,
			    error_message = $2,
			    updated_at = NOW()
			WHERE task_id = $3
		`, domain.TaskStatusFailed, errMsg, taskID)
		if err != nil {
			return fmt.Errorf("failed to mark task failed: %w", err)
		}
		return requireRow(res, domain.ErrTaskNotFound)
	})
}

// ResetFailed returns a job's failed tasks to pending for a retry attempt.
// Succeeded tasks are untouched; their results stay available for skipping.
func (s *TaskStore) ResetFailed(ctx context.Context, jobID string) error {
	return s.handle.RunInTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = $1,
			    result = NULL,
			    error_message = '',
			    updated_at = NOW()
			WHERE job_id = $2
			  AND status = $3
		`, domain.TaskStatusPending, jobID, domain.TaskStatusFailed)
		if err != nil {
			return fmt.Errorf("failed to reset failed tasks: %w", err)
		}
		return nil
	})
}

func requireRow(res sql.Result, missing error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if rows == 0 {
		return missing
	}
	return nil
}
