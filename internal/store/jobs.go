package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/minhvtn/listsync-be/internal/domain"
	"github.com/minhvtn/listsync-be/internal/tenant"
)

const jobColumns = `
	job_id, tenant_id, marketplace, action, target_id, idempotency_key,
	status, failure_kind, error_message, retry_count, max_retries,
	created_at, started_at, completed_at, updated_at
`

// JobStore handles job persistence through a tenant-bound handle. Every
// method runs in its own schema-bound transaction.
type JobStore struct {
	handle *tenant.Handle
	logger *slog.Logger
}

// NewJobStore creates a JobStore over the tenant handle.
func NewJobStore(handle *tenant.Handle) *JobStore {
	return &JobStore{
		handle: handle,
		logger: handle.Logger(),
	}
}

// SubmitParams are the caller-supplied attributes of a trigger request.
type SubmitParams struct {
	Marketplace    domain.Marketplace
	Action         domain.Action
	TargetID       string
	IdempotencyKey string
	MaxRetries     int
}

// Submit creates the job for a trigger request, or returns the existing one
// when the idempotency key has been seen before. The duplicate-submission
// race is closed by the partial unique index on idempotency_key, not by an
// application-level check-then-insert.
func (s *JobStore) Submit(ctx context.Context, params SubmitParams) (*domain.Job, bool, error) {
	now := time.Now().UTC()
	job := &domain.Job{
		JobID:          uuid.New().String(),
		TenantID:       s.handle.TenantID(),
		Marketplace:    params.Marketplace,
		Action:         params.Action,
		TargetID:       params.TargetID,
		IdempotencyKey: params.IdempotencyKey,
		Status:         domain.JobStatusPending,
		MaxRetries:     params.MaxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created := false
	err := s.handle.RunInTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (
				job_id, tenant_id, marketplace, action, target_id, idempotency_key,
				status, retry_count, max_retries, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10)
			ON CONFLICT (idempotency_key) WHERE idempotency_key <> '' DO NOTHING
		`,
			job.JobID, job.TenantID, job.Marketplace, job.Action, job.TargetID,
			job.IdempotencyKey, job.Status, job.MaxRetries, job.CreatedAt, job.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read insert result: %w", err)
		}
		if rows > 0 {
			created = true
			return nil
		}

		// Lost the race or replayed request: hand back the winner unchanged.
		var existing domain.Job
		err = tx.GetContext(ctx, &existing,
			`SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1`,
			job.IdempotencyKey,
		)
		if err != nil {
			return fmt.Errorf("failed to load existing job for idempotency key: %w", err)
		}
		job = &existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	s.logger.Info("Job submitted",
		slog.String("job_id", job.JobID),
		slog.String("marketplace", string(job.Marketplace)),
		slog.String("action", string(job.Action)),
		slog.Bool("created", created),
	)

	return job, created, nil
}

// Get retrieves a job by id.
func (s *JobStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	err := s.handle.RunInTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &job,
			`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// JobFilter narrows a job listing.
type JobFilter struct {
	Marketplace string
	Action      string
	Status      string
	PageSize    int
	Cursor      *JobCursor
}

// JobCursor is the keyset position of a listing page.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// List returns jobs matching filter, newest first, keyset-paginated.
// One extra row beyond PageSize signals that more results exist.
func (s *JobStore) List(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Marketplace != "" {
		query += fmt.Sprintf(" AND marketplace = $%d", argIdx)
		args = append(args, filter.Marketplace)
		argIdx++
	}

	if filter.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", argIdx)
		args = append(args, filter.Action)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	err := s.handle.RunInTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &jobs, query, args...); err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// MarkRunning transitions the job to RUNNING, stamping started_at on the
// first attempt only. A job canceled since the caller last read it is left
// CANCELED and reported as ErrJobCanceled; the cancellation flag is never
// overwritten.
func (s *JobStore) MarkRunning(ctx context.Context, jobID string) error {
	return s.handle.RunInTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = $1,
			    started_at = COALESCE(started_at, NOW()),
			    updated_at = NOW()
			WHERE job_id = $2
			  AND status <> $3
		`, domain.JobStatusRunning, jobID, domain.JobStatusCanceled)
		if err != nil {
			return fmt.Errorf("failed to mark job running: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read update result: %w", err)
		}
		if rows == 0 {
			var exists bool
			if err := tx.GetContext(ctx, &exists,
				`SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = $1)`, jobID); err != nil {
				return fmt.Errorf("failed to check job existence: %w", err)
			}
			if !exists {
				return domain.ErrJobNotFound
			}
			return domain.ErrJobCanceled
		}
		return nil
	})
}

// Finish records the terminal outcome of an execution attempt. A canceled
// job keeps its CANCELED status; only the attempt bookkeeping is updated.
func (s *JobStore) Finish(ctx context.Context, jobID, status string, kind domain.FailureKind, errMsg string) error {
	err := s.handle.RunInTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = CASE WHEN status = $1 THEN status ELSE $2 END,
			    failure_kind = $3,
			    error_message = $4,
			    retry_count = retry_count + CASE WHEN $2 = $5 THEN 1 ELSE 0 END,
			    completed_at = NOW(),
			    updated_at = NOW()
			WHERE job_id = $6
		`, domain.JobStatusCanceled, status, string(kind), errMsg, domain.JobStatusFailed, jobID)
		if err != nil {
			return fmt.Errorf("failed to finish job: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Job finished",
		slog.String("job_id", jobID),
		slog.String("status", status),
	)
	return nil
}

// Cancel flips a pending or running job to CANCELED. The orchestrator
// observes the flip at its next between-task checkpoint; a task already in
// flight on an external channel is not aborted.
func (s *JobStore) Cancel(ctx context.Context, jobID string) error {
	return s.handle.RunInTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = $1,
			    completed_at = NOW(),
			    updated_at = NOW()
			WHERE job_id = $2
			  AND status IN ($3, $4)
		`, domain.JobStatusCanceled, jobID, domain.JobStatusPending, domain.JobStatusRunning)
		if err != nil {
			return fmt.Errorf("failed to cancel job: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read update result: %w", err)
		}
		if rows == 0 {
			return domain.ErrJobNotCancelable
		}
		return nil
	})
}

// ResetForRetry prepares a failed job for an explicit re-trigger: failed
// tasks go back to pending (succeeded tasks are untouched, so their work is
// never redone) and the job returns to PENDING.
func (s *JobStore) ResetForRetry(ctx context.Context, jobID string) error {
	return s.handle.RunInTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = $1,
			    failure_kind = '',
			    error_message = '',
			    completed_at = NULL,
			    updated_at = NOW()
			WHERE job_id = $2
			  AND status = $3
		`, domain.JobStatusPending, jobID, domain.JobStatusFailed)
		if err != nil {
			return fmt.Errorf("failed to reset job for retry: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read update result: %w", err)
		}
		if rows == 0 {
			return domain.ErrJobNotRetryable
		}

		_, err = tx.ExecContext(ctx, `
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

// Delete removes a terminal job; its tasks go with it via the cascade.
func (s *JobStore) Delete(ctx context.Context, jobID string) error {
	return s.handle.RunInTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM jobs
			WHERE job_id = $1
			  AND status IN ($2, $3, $4)
		`, jobID, domain.JobStatusSucceeded, domain.JobStatusFailed, domain.JobStatusCanceled)
		if err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read delete result: %w", err)
		}
		if rows == 0 {
			var exists bool
			if err := tx.GetContext(ctx, &exists,
				`SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = $1)`, jobID); err != nil {
				return fmt.Errorf("failed to check job existence: %w", err)
			}
			if !exists {
				return domain.ErrJobNotFound
			}
			return domain.ErrJobNotDeletable
		}
		return nil
	})
}
