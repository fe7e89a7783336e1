// Package orchestrator drives a job's tasks against its action handler:
// tasks are created from the handler's declared list on the first attempt,
// already-succeeded tasks are skipped on retries with their stored results
// carried forward, and every task outcome commits independently so partial
// progress survives crashes between steps.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/minhvtn/listsync-be/internal/domain"
	"github.com/minhvtn/listsync-be/internal/marketplace"
)

// JobStore is the job persistence the orchestrator needs. All job status
// transitions go through here and nowhere else.
type JobStore interface {
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	MarkRunning(ctx context.Context, jobID string) error
	Finish(ctx context.Context, jobID, status string, kind domain.FailureKind, errMsg string) error
}

// TaskStore is the task persistence the orchestrator needs. Each mutation
// is its own committed transaction.
type TaskStore interface {
	CreateForJob(ctx context.Context, jobID string, names []string) ([]domain.Task, error)
	ListByJob(ctx context.Context, jobID string) ([]domain.Task, error)
	MarkSucceeded(ctx context.Context, taskID string, result json.RawMessage) error
	MarkFailed(ctx context.Context, taskID, errMsg string) error
	ResetFailed(ctx context.Context, jobID string) error
}

// ProductSource supplies the job's target product.
type ProductSource interface {
	Get(ctx context.Context, productID string) (*domain.Product, error)
}

// HandlerResolver maps (marketplace, action) to its handler.
type HandlerResolver interface {
	Resolve(m domain.Marketplace, a domain.Action) (marketplace.ActionHandler, error)
}

// Orchestrator executes one tenant's jobs. It is built per unit of work
// from tenant-bound stores, so every row it touches lives in that tenant's
// partition.
type Orchestrator struct {
	jobs     JobStore
	tasks    TaskStore
	products ProductSource
	resolver HandlerResolver
	tokens   marketplace.TokenSource
	listings marketplace.ListingRecorder
	logger   *slog.Logger
}

// Config collects the orchestrator's collaborators.
type Config struct {
	Jobs     JobStore
	Tasks    TaskStore
	Products ProductSource
	Resolver HandlerResolver
	Tokens   marketplace.TokenSource
	Listings marketplace.ListingRecorder
	Logger   *slog.Logger
}

// New creates an orchestrator over tenant-bound stores.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		jobs:     cfg.Jobs,
		tasks:    cfg.Tasks,
		products: cfg.Products,
		resolver: cfg.Resolver,
		tokens:   cfg.Tokens,
		listings: cfg.Listings,
		logger:   cfg.Logger,
	}
}

// Execute runs one attempt of the job and reports the aggregate outcome.
//
// Normal task failures are recorded on the task and surfaced in the result,
// not returned as an error. The error return is reserved for conditions
// outside a step's own failure: unknown job, handler resolution, invariant
// violations, storage faults, disallowed attempts.
func (o *Orchestrator) Execute(ctx context.Context, jobID string) (*domain.ExecutionResult, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	logger := o.logger.With(
		slog.String("job_id", job.JobID),
		slog.String("marketplace", string(job.Marketplace)),
		slog.String("action", string(job.Action)),
	)

	isRetry := false
	switch job.Status {
	case domain.JobStatusSucceeded:
		// Re-executing a finished job repeats nothing; report what happened.
		return o.recorded(ctx, job)
	case domain.JobStatusCanceled:
		return o.recorded(ctx, job)
	case domain.JobStatusRunning:
		// RUNNING at dispatch means a previous attempt died between task
		// commits and the queue redelivered its message: each job message is
		// held by exactly one consumer until it is acked, so nobody else is
		// driving this job. Committed tasks are skipped below, so resuming
		// repeats no work.
		logger.Warn("Resuming job left running by an unfinished attempt")
	case domain.JobStatusFailed:
		// A permanent or authorization failure is only re-attempted through
		// the explicit retry endpoint, which resets the job to PENDING first.
		if job.FailureKind != "" && !job.FailureKind.Retryable() {
			return nil, fmt.Errorf("job %s failed with %s: %w", jobID, job.FailureKind, domain.ErrJobNotRetryable)
		}
		isRetry = true
	}

	handler, err := o.resolver.Resolve(job.Marketplace, job.Action)
	if err != nil {
		return nil, err
	}

	product, err := o.products.Get(ctx, job.TargetID)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}

	tasks, err := o.prepareTasks(ctx, job, product, handler, isRetry, logger)
	if err != nil {
		return nil, err
	}

	if err := o.jobs.MarkRunning(ctx, jobID); err != nil {
		if errors.Is(err, domain.ErrJobCanceled) {
			// Cancel landed after the status read above; honor it before
			// anything starts.
			logger.Info("Job canceled before execution started")
			completed := 0
			for _, task := range tasks {
				if task.Status == domain.TaskStatusSucceeded {
					completed++
				}
			}
			return &domain.ExecutionResult{
				Success:        false,
				TasksCompleted: completed,
				TasksTotal:     len(tasks),
				Error:          "job canceled",
			}, nil
		}
		return nil, err
	}

	return o.runTasks(ctx, job, product, handler, tasks, logger)
}

// prepareTasks creates the task rows on the first attempt, or loads and
// validates the existing ones on a retry.
func (o *Orchestrator) prepareTasks(ctx context.Context, job *domain.Job, product *domain.Product, handler marketplace.ActionHandler, isRetry bool, logger *slog.Logger) ([]domain.Task, error) {
	tasks, err := o.tasks.ListByJob(ctx, job.JobID)
	if err != nil {
		return nil, err
	}

	if len(tasks) == 0 {
		names, err := handler.TaskNames(job, product)
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			// A job with nothing to do is a handler bug, not a success.
			msg := fmt.Sprintf("handler for %s/%s declared zero tasks", job.Marketplace, job.Action)
			if ferr := o.jobs.Finish(ctx, job.JobID, domain.JobStatusFailed, domain.FailurePermanent, msg); ferr != nil {
				logger.Error("Failed to record zero-task failure", slog.Any("error", ferr))
			}
			return nil, fmt.Errorf("job %s: %w", job.JobID, domain.ErrNoTasksDeclared)
		}
		return o.tasks.CreateForJob(ctx, job.JobID, names)
	}

	for i, task := range tasks {
		if task.Ordinal != i {
			return nil, fmt.Errorf("job %s at position %d (ordinal %d): %w",
				job.JobID, i, task.Ordinal, domain.ErrTaskOrdinalGap)
		}
	}

	if isRetry {
		if err := o.tasks.ResetFailed(ctx, job.JobID); err != nil {
			return nil, err
		}
		for i := range tasks {
			if tasks[i].Status == domain.TaskStatusFailed {
				tasks[i].Status = domain.TaskStatusPending
				tasks[i].Result = nil
				tasks[i].ErrorMessage = ""
			}
		}
		logger.Info("Retrying job, reusing existing tasks",
			slog.Int("tasks_total", len(tasks)),
		)
	}

	return tasks, nil
}

// runTasks executes the remaining tasks in ordinal order, committing each
// result independently and stopping at the first failure or at a
// cancellation checkpoint.
func (o *Orchestrator) runTasks(ctx context.Context, job *domain.Job, product *domain.Product, handler marketplace.ActionHandler, tasks []domain.Task, logger *slog.Logger) (*domain.ExecutionResult, error) {
	prior := make(marketplace.Results, len(tasks))
	inv := &marketplace.Invocation{
		Job:      job,
		Product:  product,
		Prior:    prior,
		Tokens:   o.tokens,
		Listings: o.listings,
	}

	completed := 0
	total := len(tasks)

	for _, task := range tasks {
		if task.Status == domain.TaskStatusSucceeded {
			// Done on an earlier attempt; its side effects must not repeat.
			prior[task.Name] = task.Result
			completed++
			continue
		}

		// Cancellation checkpoint: a task already in flight is never
		// aborted, but nothing new starts once the flip is visible.
		current, err := o.jobs.Get(ctx, job.JobID)
		if err != nil {
			return nil, err
		}
		if current.Status == domain.JobStatusCanceled {
			logger.Info("Job canceled, stopping before next task",
				slog.String("task", task.Name),
				slog.Int("tasks_completed", completed),
			)
			return &domain.ExecutionResult{
				Success:        false,
				TasksCompleted: completed,
				TasksTotal:     total,
				Error:          "job canceled",
			}, nil
		}

		logger.Info("Running task",
			slog.String("task", task.Name),
			slog.Int("ordinal", task.Ordinal),
		)

		result, err := handler.RunTask(ctx, task.Name, inv)
		if err != nil {
			kind := domain.ClassifyFailure(err)
			msg := fmt.Sprintf("task %q: %v", task.Name, err)

			logger.Error("Task failed",
				slog.String("task", task.Name),
				slog.String("failure_kind", string(kind)),
				slog.String("error", err.Error()),
			)

			if serr := o.tasks.MarkFailed(ctx, task.TaskID, err.Error()); serr != nil {
				return nil, serr
			}
			if serr := o.jobs.Finish(ctx, job.JobID, domain.JobStatusFailed, kind, msg); serr != nil {
				return nil, serr
			}
			return &domain.ExecutionResult{
				Success:        false,
				TasksCompleted: completed,
				TasksTotal:     total,
				Error:          msg,
				FailureKind:    kind,
			}, nil
		}

		if serr := o.tasks.MarkSucceeded(ctx, task.TaskID, result); serr != nil {
			return nil, serr
		}
		prior[task.Name] = result
		completed++

		logger.Info("Task succeeded",
			slog.String("task", task.Name),
			slog.Int("tasks_completed", completed),
			slog.Int("tasks_total", total),
		)
	}

	if err := o.jobs.Finish(ctx, job.JobID, domain.JobStatusSucceeded, "", ""); err != nil {
		return nil, err
	}

	logger.Info("Job succeeded",
		slog.Int("tasks_total", total),
	)
	return &domain.ExecutionResult{
		Success:        true,
		TasksCompleted: total,
		TasksTotal:     total,
	}, nil
}

// recorded rebuilds the aggregate of a finished job from its task rows.
func (o *Orchestrator) recorded(ctx context.Context, job *domain.Job) (*domain.ExecutionResult, error) {
	tasks, err := o.tasks.ListByJob(ctx, job.JobID)
	if err != nil {
		return nil, err
	}

	completed := 0
	for _, task := range tasks {
		if task.Status == domain.TaskStatusSucceeded {
			completed++
		}
	}

	result := &domain.ExecutionResult{
		Success:        job.Status == domain.JobStatusSucceeded,
		TasksCompleted: completed,
		TasksTotal:     len(tasks),
		FailureKind:    job.FailureKind,
	}
	if job.Status == domain.JobStatusCanceled {
		result.Error = "job canceled"
	} else if !result.Success {
		result.Error = job.ErrorMessage
	}
	return result, nil
}
