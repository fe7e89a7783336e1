package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/minhvtn/listsync-be/internal/domain"
	"github.com/minhvtn/listsync-be/internal/orchestrator"
	"github.com/minhvtn/listsync-be/internal/store"
)

// processJob drives one job message through the orchestrator. A nil return
// ACKs the message: either the job finished (succeeded, or failed in a way
// that is durably recorded and not auto-retryable) or there is nothing
// left to do. A returned error NACKs it; whether it is redelivered depends
// on its class.
func (w *Worker) processJob(ctx context.Context, msg *domain.JobMessage) error {
	logger := w.logger.With(
		slog.String("job_id", msg.JobID),
		slog.String("tenant_id", msg.TenantID),
	)
	logger.Info("Processing job")

	// All data access for this message is scoped to the owning tenant's
	// partition through this handle.
	handle, err := w.tenantRouter.Bind(ctx, msg.TenantID)
	if err != nil {
		if errors.Is(err, domain.ErrTenantNotFound) {
			logger.Error("Job message for unknown tenant", slog.String("error", err.Error()))
			return err
		}
		return domain.NewTransientError(fmt.Errorf("failed to bind tenant: %w", err))
	}

	jobs := store.NewJobStore(handle)
	products := store.NewProductStore(handle)

	orch := orchestrator.New(orchestrator.Config{
		Jobs:     jobs,
		Tasks:    store.NewTaskStore(handle),
		Products: products,
		Resolver: w.registry,
		Tokens:   store.NewCredentialStore(handle),
		Listings: products,
		Logger:   handle.Logger(),
	})

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	result, err := orch.Execute(jobCtx, msg.JobID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound),
			errors.Is(err, domain.ErrJobNotRetryable):
			// Nothing this delivery can add; drop it.
			logger.Warn("Skipping job message", slog.String("reason", err.Error()))
			return nil
		case errors.Is(err, domain.ErrNoTasksDeclared),
			errors.Is(err, domain.ErrTaskOrdinalGap):
			// Programming error; recorded on the job, never redelivered.
			logger.Error("Orchestration invariant violation", slog.String("error", err.Error()))
			return nil
		default:
			return domain.NewTransientError(fmt.Errorf("job execution errored: %w", err))
		}
	}

	if result.Success {
		logger.Info("Job completed",
			slog.Int("tasks_completed", result.TasksCompleted),
			slog.Int("tasks_total", result.TasksTotal),
		)
		return nil
	}

	logger.Warn("Job attempt failed",
		slog.Int("tasks_completed", result.TasksCompleted),
		slog.Int("tasks_total", result.TasksTotal),
		slog.String("failure_kind", string(result.FailureKind)),
		slog.String("error", result.Error),
	)

	if !result.FailureKind.Retryable() {
		// Permanent and authorization failures wait for an explicit retry.
		return nil
	}

	job, gerr := jobs.Get(ctx, msg.JobID)
	if gerr != nil {
		return domain.NewTransientError(fmt.Errorf("failed to re-read job after attempt: %w", gerr))
	}
	if job.RetryCount >= job.MaxRetries {
		logger.Warn("Job exceeded max retries",
			slog.Int("retry_count", job.RetryCount),
			slog.Int("max_retries", job.MaxRetries),
		)
		return nil
	}

	// Redeliver so the next attempt resumes at the failed task.
	return domain.NewTransientError(errors.New(result.Error))
}
