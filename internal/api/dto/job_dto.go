package dto

type SubmitJobRequest struct {
	Marketplace    string `json:"marketplace" binding:"required"`
	Action         string `json:"action" binding:"required"`
	TargetID       string `json:"target_id" binding:"required"`
	IdempotencyKey string `json:"idempotency_key"`
}

type SubmitJobResponse struct {
	JobID          string `json:"job_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Status         string `json:"status"`
	Created        bool   `json:"created"`
}

type ListJobsRequest struct {
	Marketplace string `form:"marketplace"`
	Action      string `form:"action"`
	Status      string `form:"status"`
	PageSize    int    `form:"page_size"`
	Cursor      string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID          string    `json:"job_id"`
	Marketplace    string    `json:"marketplace"`
	Action         string    `json:"action"`
	TargetID       string    `json:"target_id"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Status         string    `json:"status"`
	FailureKind    string    `json:"failure_kind,omitempty"`
	Error          string    `json:"error,omitempty"`
	RetryCount     int       `json:"retry_count"`
	CreatedAt      string    `json:"created_at"`
	StartedAt      string    `json:"started_at,omitempty"`
	CompletedAt    string    `json:"completed_at,omitempty"`
	Tasks          []TaskDTO `json:"tasks,omitempty"`
}

type TaskDTO struct {
	TaskID  string `json:"task_id"`
	Ordinal int    `json:"ordinal"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}
