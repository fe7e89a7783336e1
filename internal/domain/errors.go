package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the tenant's partition
	ErrJobNotFound = errors.New("job not found")

	// ErrTaskNotFound is returned when a task row cannot be found
	ErrTaskNotFound = errors.New("task not found")

	// ErrProductNotFound is returned when a job's target product does not exist
	ErrProductNotFound = errors.New("product not found")

	// ErrCredentialsNotFound is returned when no direct-channel credential is stored
	// for the (tenant, marketplace) pair
	ErrCredentialsNotFound = errors.New("marketplace credentials not found")

	// ErrJobCanceled is returned when an execution attempt finds the job
	// canceled before it could transition to RUNNING
	ErrJobCanceled = errors.New("job is canceled")

	// ErrJobNotRetryable is returned when a failed job's last failure was
	// permanent or authorization-related; it must be retried explicitly
	ErrJobNotRetryable = errors.New("job failure is not retryable")

	// ErrJobNotCancelable is returned when cancellation is requested for a
	// job already in a terminal status
	ErrJobNotCancelable = errors.New("job is not cancelable")

	// ErrJobNotDeletable is returned when deletion is requested for a job
	// that has not reached a terminal status
	ErrJobNotDeletable = errors.New("job is not in a terminal status")

	// ErrUnknownHandler is returned when no action handler is registered for
	// a (marketplace, action) combination
	ErrUnknownHandler = errors.New("no handler registered for marketplace/action")

	// ErrNoTasksDeclared is returned when a handler declares an empty task
	// list; a job with zero tasks is a programming error, not a vacuous success
	ErrNoTasksDeclared = errors.New("handler declared zero tasks")

	// ErrTaskOrdinalGap is returned when a job's persisted tasks are not
	// contiguous from ordinal 0
	ErrTaskOrdinalGap = errors.New("task ordinals are not contiguous")

	// ErrNoRelaySession is returned when a relay-channel step finds no
	// connected session for the tenant; the step fails immediately rather
	// than queueing the command
	ErrNoRelaySession = errors.New("no relay session connected")

	// ErrRelayTimeout is returned when a relay command gets no reply within
	// the configured window
	ErrRelayTimeout = errors.New("relay response timed out")

	// ErrMalformedRelayReply is returned when a relay session sends a reply
	// that cannot be decoded
	ErrMalformedRelayReply = errors.New("malformed relay reply")

	// ErrTenantNotFound is returned when a tenant's schema does not exist;
	// the request is aborted, never served against a default partition
	ErrTenantNotFound = errors.New("tenant partition not found")

	// ErrTenantBinding is returned when the search_path binding could not be
	// established or verified on a pooled connection
	ErrTenantBinding = errors.New("tenant binding could not be verified")
)

// TransientError wraps failures worth re-attempting without input changes:
// network faults, marketplace 5xx responses, relay timeouts, missing sessions.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient.
func NewTransientError(err error) error {
	return &TransientError{Err: err}
}

// RateLimitError indicates the marketplace throttled the call. Surfaced
// distinctly so callers apply backoff instead of treating it as a hard failure.
type RateLimitError struct {
	RetryAfter string
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter != "" {
		return "rate limited (retry after " + e.RetryAfter + "): " + e.Err.Error()
	}
	return "rate limited: " + e.Err.Error()
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// NewRateLimitError wraps err as a rate-limit failure.
func NewRateLimitError(retryAfter string, err error) error {
	return &RateLimitError{RetryAfter: retryAfter, Err: err}
}

// AuthError indicates expired or rejected marketplace credentials. Surfaced
// distinctly so the tenant can be prompted to re-authorize.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return "authorization failed: " + e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError wraps err as an authorization failure.
func NewAuthError(err error) error {
	return &AuthError{Err: err}
}

// PermanentError indicates the marketplace rejected the input itself; the
// job cannot succeed without changed input, so it is never auto-retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps err as permanent.
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// ClassifyFailure maps a task execution error onto a FailureKind. Errors
// with no explicit class default to permanent so nothing retries blindly.
func ClassifyFailure(err error) FailureKind {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return FailureRateLimit
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return FailureAuth
	}
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return FailureTransient
	}
	return FailurePermanent
}
