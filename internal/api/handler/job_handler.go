package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/minhvtn/listsync-be/internal/api/dto"
	"github.com/minhvtn/listsync-be/internal/domain"
	"github.com/minhvtn/listsync-be/internal/store"
	"github.com/minhvtn/listsync-be/internal/tenant"
)

// bindTenant resolves the authenticated tenant to its partition handle, or
// aborts the request. Nothing downstream chooses its own data scope.
func (h *JobHandler) bindTenant(c *gin.Context) (*tenant.Handle, bool) {
	tenantID := TenantIDFromContext(c)
	if tenantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing tenant identity"})
		return nil, false
	}

	handle, err := h.tenantRouter.Bind(c.Request.Context(), tenantID)
	if err != nil {
		h.logger.Error("Failed to bind tenant partition",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, domain.ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "tenant partition not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to bind tenant partition"})
		}
		return nil, false
	}
	return handle, true
}

// SubmitJob handles POST /api/v1/jobs
// Creates (or idempotently returns) a marketplace action job and publishes
// its execution trigger.
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	m := domain.Marketplace(req.Marketplace)
	action := domain.Action(req.Action)
	if !m.Valid() || !action.Valid() || !h.registry.Supported(m, action) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unsupported marketplace/action combination",
		})
		return
	}

	handle, ok := h.bindTenant(c)
	if !ok {
		return
	}

	jobs := store.NewJobStore(handle)
	job, created, err := jobs.Submit(c.Request.Context(), store.SubmitParams{
		Marketplace:    m,
		Action:         action,
		TargetID:       req.TargetID,
		IdempotencyKey: req.IdempotencyKey,
		MaxRetries:     h.maxRetries,
	})
	if err != nil {
		h.logger.Error("Failed to submit job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit job"})
		return
	}

	// Duplicate submissions collapse onto the first job and do not
	// re-trigger execution.
	if created {
		if err := h.publishJob(c, handle.TenantID(), job.JobID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue job"})
			return
		}
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, dto.SubmitJobResponse{
		JobID:          job.JobID,
		IdempotencyKey: job.IdempotencyKey,
		Status:         job.Status,
		Created:        created,
	})
}

func (h *JobHandler) publishJob(c *gin.Context, tenantID, jobID string) error {
	msg := domain.JobMessage{
		TenantID: tenantID,
		JobID:    jobID,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := h.rabbitClient.PublishWithRetry(c.Request.Context(), body, "application/json"); err != nil {
		h.logger.Error("Failed to publish job message",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the job with its per-task breakdown for progress polling.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id must be a valid UUID"})
		return
	}

	handle, ok := h.bindTenant(c)
	if !ok {
		return
	}

	job, err := store.NewJobStore(handle).Get(c.Request.Context(), jobID)
	if err != nil {
		h.respondJobError(c, jobID, err)
		return
	}

	tasks, err := store.NewTaskStore(handle).ListByJob(c.Request.Context(), jobID)
	if err != nil {
		h.logger.Error("Failed to list tasks", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job"})
		return
	}

	c.JSON(http.StatusOK, jobToDTO(job, tasks))
}

// ListJobs handles GET /api/v1/jobs
// Lists the tenant's jobs with filtering and keyset pagination.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query parameters"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor"})
		return
	}

	handle, ok := h.bindTenant(c)
	if !ok {
		return
	}

	jobs, err := store.NewJobStore(handle).List(c.Request.Context(), store.JobFilter{
		Marketplace: req.Marketplace,
		Action:      req.Action,
		Status:      req.Status,
		PageSize:    req.PageSize,
		Cursor:      cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobDTOs := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobDTOs[i] = jobToDTO(&jobs[i], nil)
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&store.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobDTOs,
		NextCursor: nextCursor,
	})
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry
// Explicitly re-triggers a failed job: failed tasks return to pending,
// succeeded tasks keep their results, and the execution trigger is
// re-published. This is the only path that re-attempts a permanent or
// authorization failure.
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id must be a valid UUID"})
		return
	}

	handle, ok := h.bindTenant(c)
	if !ok {
		return
	}

	if err := store.NewJobStore(handle).ResetForRetry(c.Request.Context(), jobID); err != nil {
		h.respondJobError(c, jobID, err)
		return
	}

	if err := h.publishJob(c, handle.TenantID(), jobID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue job"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": jobID,
		"status": domain.JobStatusPending,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Marks the job canceled; the orchestrator stops at its next between-task
// checkpoint. A step already in flight on an external channel finishes.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id must be a valid UUID"})
		return
	}

	handle, ok := h.bindTenant(c)
	if !ok {
		return
	}

	if err := store.NewJobStore(handle).Cancel(c.Request.Context(), jobID); err != nil {
		h.respondJobError(c, jobID, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"status": domain.JobStatusCanceled,
	})
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Removes a terminal job and its tasks.
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id must be a valid UUID"})
		return
	}

	handle, ok := h.bindTenant(c)
	if !ok {
		return
	}

	if err := store.NewJobStore(handle).Delete(c.Request.Context(), jobID); err != nil {
		h.respondJobError(c, jobID, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *JobHandler) respondJobError(c *gin.Context, jobID string, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, domain.ErrJobNotRetryable):
		c.JSON(http.StatusConflict, gin.H{"error": "job is not in a retryable state"})
	case errors.Is(err, domain.ErrJobNotCancelable):
		c.JSON(http.StatusConflict, gin.H{"error": "job is not cancelable"})
	case errors.Is(err, domain.ErrJobNotDeletable):
		c.JSON(http.StatusConflict, gin.H{"error": "job is not in a terminal status"})
	default:
		h.logger.Error("Job request failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func jobToDTO(job *domain.Job, tasks []domain.Task) dto.JobDTO {
	out := dto.JobDTO{
		JobID:          job.JobID,
		Marketplace:    string(job.Marketplace),
		Action:         string(job.Action),
		TargetID:       job.TargetID,
		IdempotencyKey: job.IdempotencyKey,
		Status:         job.Status,
		FailureKind:    string(job.FailureKind),
		Error:          job.ErrorMessage,
		RetryCount:     job.RetryCount,
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
	}
	if job.StartedAt != nil {
		out.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.CompletedAt != nil {
		out.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	for _, task := range tasks {
		out.Tasks = append(out.Tasks, dto.TaskDTO{
			TaskID:  task.TaskID,
			Ordinal: task.Ordinal,
			Name:    task.Name,
			Status:  task.Status,
			Error:   task.ErrorMessage,
		})
	}
	return out
}
