package domain

import (
	"encoding/json"
	"time"
)

// Job status constants
const (
	JobStatusPending   = "PENDING"
	JobStatusRunning   = "RUNNING"
	JobStatusSucceeded = "SUCCEEDED"
	JobStatusFailed    = "FAILED"
	JobStatusCanceled  = "CANCELED"
)

// Task status constants
const (
	TaskStatusPending   = "PENDING"
	TaskStatusSucceeded = "SUCCEEDED"
	TaskStatusFailed    = "FAILED"
)

// Marketplace identifies an external marketplace a listing action targets.
type Marketplace string

const (
	// MarketplaceShoplane has no public write API; actions go through a
	// relay session to a browser agent on the seller's side.
	MarketplaceShoplane Marketplace = "shoplane"

	// MarketplaceVendora exposes a REST API; actions call it directly.
	MarketplaceVendora Marketplace = "vendora"
)

// Valid reports whether m is a known marketplace.
func (m Marketplace) Valid() bool {
	switch m {
	case MarketplaceShoplane, MarketplaceVendora:
		return true
	}
	return false
}

// Action identifies what a job does to a listing.
type Action string

const (
	ActionPublish Action = "publish"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionSync    Action = "sync"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionPublish, ActionUpdate, ActionDelete, ActionSync:
		return true
	}
	return false
}

// FailureKind classifies why a job's last attempt failed. It drives the
// worker's requeue decision and the API's retryability answer.
type FailureKind string

const (
	FailureTransient FailureKind = "TRANSIENT"
	FailureRateLimit FailureKind = "RATE_LIMIT"
	FailureAuth      FailureKind = "AUTH"
	FailurePermanent FailureKind = "PERMANENT"
)

// Retryable reports whether a failure of this kind may be re-attempted
// without operator intervention.
func (k FailureKind) Retryable() bool {
	return k == FailureTransient || k == FailureRateLimit
}

// Job is one requested marketplace action against a target product.
// Rows live in the owning tenant's schema; status transitions belong to
// the orchestrator alone.
type Job struct {
	JobID          string      `db:"job_id"`
	TenantID       string      `db:"tenant_id"`
	Marketplace    Marketplace `db:"marketplace"`
	Action         Action      `db:"action"`
	TargetID       string      `db:"target_id"`
	IdempotencyKey string      `db:"idempotency_key"`
	Status         string      `db:"status"`
	FailureKind    FailureKind `db:"failure_kind"`
	ErrorMessage   string      `db:"error_message"`
	RetryCount     int         `db:"retry_count"`
	MaxRetries     int         `db:"max_retries"`
	CreatedAt      time.Time   `db:"created_at"`
	StartedAt      *time.Time  `db:"started_at"`
	CompletedAt    *time.Time  `db:"completed_at"`
	UpdatedAt      time.Time   `db:"updated_at"`
}

// Terminal reports whether the job has reached a final status.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// Task is one ordered, independently committed step within a job.
// Ordinals are contiguous from 0 and fixed once created.
type Task struct {
	TaskID       string          `db:"task_id"`
	JobID        string          `db:"job_id"`
	Ordinal      int             `db:"ordinal"`
	Name         string          `db:"name"`
	Status       string          `db:"status"`
	Result       json.RawMessage `db:"result"`
	ErrorMessage string          `db:"error_message"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

// JobMessage is the execution trigger published to RabbitMQ when a job
// is submitted or retried.
type JobMessage struct {
	TenantID    string `json:"tenant_id"`
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}

// ExecutionResult is the aggregate outcome of one execution attempt.
type ExecutionResult struct {
	Success        bool        `json:"success"`
	TasksCompleted int         `json:"tasks_completed"`
	TasksTotal     int         `json:"tasks_total"`
	Error          string      `json:"error,omitempty"`
	FailureKind    FailureKind `json:"failure_kind,omitempty"`
}

// Product carries the listing attributes action handlers need to compute
// their task lists and per-task payloads.
type Product struct {
	ProductID      string          `db:"product_id"`
	Title          string          `db:"title"`
	Description    string          `db:"description"`
	PriceCents     int64           `db:"price_cents"`
	Currency       string          `db:"currency"`
	PhotoURLs      []string        `db:"-"`
	PhotosJSON     json.RawMessage `db:"photos"`
	RemoteListings json.RawMessage `db:"remote_listings"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// RemoteListingID returns the marketplace's listing id recorded for m,
// or "" if the product has never been published there.
func (p *Product) RemoteListingID(m Marketplace) string {
	if len(p.RemoteListings) == 0 {
		return ""
	}
	var refs map[string]string
	if err := json.Unmarshal(p.RemoteListings, &refs); err != nil {
		return ""
	}
	return refs[string(m)]
}

// Credential is a per-tenant, per-marketplace API credential for the
// direct channel.
type Credential struct {
	Marketplace Marketplace `db:"marketplace"`
	AccessToken string      `db:"access_token"`
	ExpiresAt   *time.Time  `db:"expires_at"`
	UpdatedAt   time.Time   `db:"updated_at"`
}

// Expired reports whether the credential is past its expiry, if one is set.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}
