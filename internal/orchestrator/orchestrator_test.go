package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minhvtn/listsync-be/internal/domain"
	"github.com/minhvtn/listsync-be/internal/marketplace"
)

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newFakeJobStore(jobs ...*domain.Job) *fakeJobStore {
	s := &fakeJobStore{jobs: make(map[string]*domain.Job)}
	for _, j := range jobs {
		s.jobs[j.JobID] = j
	}
	return s
}

func (s *fakeJobStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *fakeJobStore) MarkRunning(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status == domain.JobStatusCanceled {
		return domain.ErrJobCanceled
	}
	job.Status = domain.JobStatusRunning
	return nil
}

func (s *fakeJobStore) Finish(ctx context.Context, jobID, status string, kind domain.FailureKind, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusCanceled {
		job.Status = status
	}
	job.FailureKind = kind
	job.ErrorMessage = errMsg
	if status == domain.JobStatusFailed {
		job.RetryCount++
	}
	return nil
}

func (s *fakeJobStore) setStatus(jobID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID].Status = status
}

func (s *fakeJobStore) status(jobID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[jobID].Status
}

type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[string]*domain.Task)}
}

func (s *fakeTaskStore) CreateForJob(ctx context.Context, jobID string, names []string) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created := make([]domain.Task, len(names))
	for i, name := range names {
		task := domain.Task{
			TaskID:  fmt.Sprintf("%s-task-%d", jobID, i),
			JobID:   jobID,
			Ordinal: i,
			Name:    name,
			Status:  domain.TaskStatusPending,
		}
		s.tasks[task.TaskID] = &task
		created[i] = task
	}
	return created, nil
}

func (s *fakeTaskStore) ListByJob(ctx context.Context, jobID string) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []domain.Task
	for _, task := range s.tasks {
		if task.JobID == jobID {
			tasks = append(tasks, *task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Ordinal < tasks[j].Ordinal })
	return tasks, nil
}

func (s *fakeTaskStore) MarkSucceeded(ctx context.Context, taskID string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return domain.ErrTaskNotFound
	}
	task.Status = domain.TaskStatusSucceeded
	task.Result = result
	task.ErrorMessage = ""
	return nil
}

func (s *fakeTaskStore) MarkFailed(ctx context.Context, taskID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return domain.ErrTaskNotFound
	}
	task.Status = domain.TaskStatusFailed
	task.Result = nil
	task.ErrorMessage = errMsg
	return nil
}

func (s *fakeTaskStore) ResetFailed(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		if task.JobID == jobID && task.Status == domain.TaskStatusFailed {
			task.Status = domain.TaskStatusPending
			task.Result = nil
			task.ErrorMessage = ""
		}
	}
	return nil
}

func (s *fakeTaskStore) seed(tasks ...domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range tasks {
		task := tasks[i]
		s.tasks[task.TaskID] = &task
	}
}

// fakeProductSource serves one product. onGet fires before each lookup so
// tests can flip job state mid-preparation.
type fakeProductSource struct {
	product *domain.Product
	onGet   func()
}

func (s *fakeProductSource) Get(ctx context.Context, productID string) (*domain.Product, error) {
	if s.onGet != nil {
		s.onGet()
	}
	if s.product == nil || s.product.ProductID != productID {
		return nil, domain.ErrProductNotFound
	}
	copied := *s.product
	return &copied, nil
}

// fakeHandler runs a fixed task list, failing where told to. onRun fires
// before each execution so tests can flip job state between tasks.
type fakeHandler struct {
	mu       sync.Mutex
	names    []string
	failWith map[string]error
	runs     map[string]int
	onRun    func(name string)
	seenPrio map[string]marketplace.Results
}

func newFakeHandler(names ...string) *fakeHandler {
	return &fakeHandler{
		names:    names,
		failWith: make(map[string]error),
		runs:     make(map[string]int),
		seenPrio: make(map[string]marketplace.Results),
	}
}

func (h *fakeHandler) TaskNames(job *domain.Job, product *domain.Product) ([]string, error) {
	return h.names, nil
}

func (h *fakeHandler) RunTask(ctx context.Context, name string, inv *marketplace.Invocation) (json.RawMessage, error) {
	if h.onRun != nil {
		h.onRun(name)
	}

	h.mu.Lock()
	h.runs[name]++
	snapshot := make(marketplace.Results, len(inv.Prior))
	for k, v := range inv.Prior {
		snapshot[k] = v
	}
	h.seenPrio[name] = snapshot
	err := h.failWith[name]
	h.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"done":%q}`, name)), nil
}

func (h *fakeHandler) runCount(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs[name]
}

type fakeResolver struct {
	handler marketplace.ActionHandler
	err     error
}

func (r *fakeResolver) Resolve(m domain.Marketplace, a domain.Action) (marketplace.ActionHandler, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.handler, nil
}

type fakeTokenSource struct{}

func (fakeTokenSource) Token(ctx context.Context, m domain.Marketplace) (string, error) {
	return "test-token", nil
}

type fakeListingRecorder struct{}

func (fakeListingRecorder) SetRemoteListing(ctx context.Context, productID string, m domain.Marketplace, remoteID string) error {
	return nil
}

func testJob() *domain.Job {
	return &domain.Job{
		JobID:       "job-1",
		TenantID:    "acme",
		Marketplace: domain.MarketplaceVendora,
		Action:      domain.ActionPublish,
		TargetID:    "prod-1",
		Status:      domain.JobStatusPending,
		MaxRetries:  3,
	}
}

func testProduct() *domain.Product {
	return &domain.Product{
		ProductID:  "prod-1",
		Title:      "Walnut desk",
		PriceCents: 24900,
		Currency:   "USD",
		PhotoURLs:  []string{"https://img/1.jpg", "https://img/2.jpg", "https://img/3.jpg"},
	}
}

func newTestOrchestrator(jobs *fakeJobStore, tasks *fakeTaskStore, handler marketplace.ActionHandler) *Orchestrator {
	return New(Config{
		Jobs:     jobs,
		Tasks:    tasks,
		Products: &fakeProductSource{product: testProduct()},
		Resolver: &fakeResolver{handler: handler},
		Tokens:   fakeTokenSource{},
		Listings: fakeListingRecorder{},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestExecute_FirstAttemptSucceeds(t *testing.T) {
	jobs := newFakeJobStore(testJob())
	tasks := newFakeTaskStore()
	handler := newFakeHandler("upload photo 1", "upload photo 2", "upload photo 3", "create listing")

	orch := newTestOrchestrator(jobs, tasks, handler)
	result, err := orch.Execute(context.Background(), "job-1")

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 4, result.TasksCompleted)
	assert.Equal(t, 4, result.TasksTotal)
	assert.Equal(t, domain.JobStatusSucceeded, jobs.status("job-1"))

	stored, err := tasks.ListByJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, stored, 4)
	for _, task := range stored {
		assert.Equal(t, domain.TaskStatusSucceeded, task.Status)
		assert.NotEmpty(t, task.Result)
	}

	// Later tasks see every earlier result.
	assert.Len(t, handler.seenPrio["create listing"], 3)
}

func TestExecute_TaskFailureRecordsKindAndStops(t *testing.T) {
	jobs := newFakeJobStore(testJob())
	tasks := newFakeTaskStore()
	handler := newFakeHandler("upload photo 1", "upload photo 2", "upload photo 3", "create listing")
	handler.failWith["upload photo 2"] = domain.NewRateLimitError("30", errors.New("429 too many requests"))

	orch := newTestOrchestrator(jobs, tasks, handler)
	result, err := orch.Execute(context.Background(), "job-1")

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.TasksCompleted)
	assert.Equal(t, 4, result.TasksTotal)
	assert.Equal(t, domain.FailureRateLimit, result.FailureKind)
	assert.Contains(t, result.Error, "upload photo 2")

	assert.Equal(t, domain.JobStatusFailed, jobs.status("job-1"))
	assert.Equal(t, 0, handler.runCount("upload photo 3"))
	assert.Equal(t, 0, handler.runCount("create listing"))

	stored, _ := tasks.ListByJob(context.Background(), "job-1")
	assert.Equal(t, domain.TaskStatusSucceeded, stored[0].Status)
	assert.Equal(t, domain.TaskStatusFailed, stored[1].Status)
	assert.Equal(t, domain.TaskStatusPending, stored[2].Status)
}

func TestExecute_RetrySkipsSucceededTasks(t *testing.T) {
	jobs := newFakeJobStore(testJob())
	tasks := newFakeTaskStore()
	handler := newFakeHandler("upload photo 1", "upload photo 2", "upload photo 3", "create listing")
	handler.failWith["upload photo 2"] = domain.NewTransientError(errors.New("relay hiccup"))

	orch := newTestOrchestrator(jobs, tasks, handler)
	result, err := orch.Execute(context.Background(), "job-1")
	require.NoError(t, err)
	require.False(t, result.Success)

	// Transient failures stay eligible for another attempt.
	delete(handler.failWith, "upload photo 2")
	result, err = orch.Execute(context.Background(), "job-1")

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 4, result.TasksCompleted)

	// The photo uploaded on the first attempt is never re-uploaded.
	assert.Equal(t, 1, handler.runCount("upload photo 1"))
	assert.Equal(t, 2, handler.runCount("upload photo 2"))

	// The skipped task's stored result is still visible downstream.
	assert.Contains(t, handler.seenPrio["create listing"], "upload photo 1")
}

func TestExecute_NonRetryableFailureIsRejected(t *testing.T) {
	job := testJob()
	job.Status = domain.JobStatusFailed
	job.FailureKind = domain.FailurePermanent
	jobs := newFakeJobStore(job)
	handler := newFakeHandler("create listing")

	orch := newTestOrchestrator(jobs, newFakeTaskStore(), handler)
	_, err := orch.Execute(context.Background(), "job-1")

	require.ErrorIs(t, err, domain.ErrJobNotRetryable)
	assert.Equal(t, 0, handler.runCount("create listing"))
}

func TestExecute_ZeroTasksFailsJob(t *testing.T) {
	jobs := newFakeJobStore(testJob())
	handler := newFakeHandler() // declares nothing

	orch := newTestOrchestrator(jobs, newFakeTaskStore(), handler)
	_, err := orch.Execute(context.Background(), "job-1")

	require.ErrorIs(t, err, domain.ErrNoTasksDeclared)
	assert.Equal(t, domain.JobStatusFailed, jobs.status("job-1"))

	job, _ := jobs.Get(context.Background(), "job-1")
	assert.Equal(t, domain.FailurePermanent, job.FailureKind)
}

func TestExecute_ResumesJobLeftRunningByDeadAttempt(t *testing.T) {
	// Crash residue: the job is still RUNNING and its message was
	// redelivered. Work committed before the crash must not repeat.
	job := testJob()
	job.Status = domain.JobStatusRunning
	jobs := newFakeJobStore(job)
	tasks := newFakeTaskStore()
	tasks.seed(
		domain.Task{TaskID: "t0", JobID: "job-1", Ordinal: 0, Name: "upload photo 1",
			Status: domain.TaskStatusSucceeded, Result: json.RawMessage(`{"remote_photo_id":"p1"}`)},
		domain.Task{TaskID: "t1", JobID: "job-1", Ordinal: 1, Name: "upload photo 2",
			Status: domain.TaskStatusPending},
		domain.Task{TaskID: "t2", JobID: "job-1", Ordinal: 2, Name: "create listing",
			Status: domain.TaskStatusPending},
	)
	handler := newFakeHandler("upload photo 1", "upload photo 2", "create listing")

	orch := newTestOrchestrator(jobs, tasks, handler)
	result, err := orch.Execute(context.Background(), "job-1")

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, result.TasksCompleted)
	assert.Equal(t, domain.JobStatusSucceeded, jobs.status("job-1"))

	assert.Equal(t, 0, handler.runCount("upload photo 1"))
	assert.Equal(t, 1, handler.runCount("upload photo 2"))
	assert.Equal(t, 1, handler.runCount("create listing"))

	// The pre-crash result is still visible downstream.
	assert.Contains(t, handler.seenPrio["create listing"], "upload photo 1")
}

func TestExecute_CancelBeforeStartIsNotOverwritten(t *testing.T) {
	// Cancel lands after the initial status read but before the RUNNING
	// transition; the flag must survive and nothing must run.
	jobs := newFakeJobStore(testJob())
	tasks := newFakeTaskStore()
	handler := newFakeHandler("upload photo 1", "create listing")

	orch := New(Config{
		Jobs:  jobs,
		Tasks: tasks,
		Products: &fakeProductSource{
			product: testProduct(),
			onGet: func() {
				jobs.setStatus("job-1", domain.JobStatusCanceled)
			},
		},
		Resolver: &fakeResolver{handler: handler},
		Tokens:   fakeTokenSource{},
		Listings: fakeListingRecorder{},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	result, err := orch.Execute(context.Background(), "job-1")

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 0, result.TasksCompleted)
	assert.Equal(t, 2, result.TasksTotal)
	assert.Equal(t, "job canceled", result.Error)

	assert.Equal(t, 0, handler.runCount("upload photo 1"))
	assert.Equal(t, domain.JobStatusCanceled, jobs.status("job-1"))
}

func TestExecute_FinishedJobReportsRecordedOutcome(t *testing.T) {
	job := testJob()
	job.Status = domain.JobStatusSucceeded
	jobs := newFakeJobStore(job)
	tasks := newFakeTaskStore()
	tasks.seed(
		domain.Task{TaskID: "t0", JobID: "job-1", Ordinal: 0, Name: "create listing", Status: domain.TaskStatusSucceeded},
	)
	handler := newFakeHandler("create listing")

	orch := newTestOrchestrator(jobs, tasks, handler)
	result, err := orch.Execute(context.Background(), "job-1")

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.TasksCompleted)
	assert.Equal(t, 1, result.TasksTotal)
	// Nothing is re-run.
	assert.Equal(t, 0, handler.runCount("create listing"))
}

func TestExecute_CancellationStopsBetweenTasks(t *testing.T) {
	jobs := newFakeJobStore(testJob())
	tasks := newFakeTaskStore()
	handler := newFakeHandler("upload photo 1", "upload photo 2", "create listing")
	handler.onRun = func(name string) {
		// Cancel arrives while the first task is in flight; it finishes,
		// nothing after it starts.
		if name == "upload photo 1" {
			jobs.setStatus("job-1", domain.JobStatusCanceled)
		}
	}

	orch := newTestOrchestrator(jobs, tasks, handler)
	result, err := orch.Execute(context.Background(), "job-1")

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.TasksCompleted)
	assert.Equal(t, 3, result.TasksTotal)
	assert.Equal(t, "job canceled", result.Error)

	assert.Equal(t, 1, handler.runCount("upload photo 1"))
	assert.Equal(t, 0, handler.runCount("upload photo 2"))
	assert.Equal(t, domain.JobStatusCanceled, jobs.status("job-1"))
}

func TestExecute_OrdinalGapIsAnError(t *testing.T) {
	jobs := newFakeJobStore(testJob())
	tasks := newFakeTaskStore()
	tasks.seed(
		domain.Task{TaskID: "t0", JobID: "job-1", Ordinal: 0, Name: "upload photo 1", Status: domain.TaskStatusSucceeded},
		domain.Task{TaskID: "t2", JobID: "job-1", Ordinal: 2, Name: "create listing", Status: domain.TaskStatusPending},
	)

	orch := newTestOrchestrator(jobs, tasks, newFakeHandler("upload photo 1", "create listing"))
	_, err := orch.Execute(context.Background(), "job-1")

	require.ErrorIs(t, err, domain.ErrTaskOrdinalGap)
}

func TestExecute_UnknownJob(t *testing.T) {
	orch := newTestOrchestrator(newFakeJobStore(), newFakeTaskStore(), newFakeHandler("create listing"))
	_, err := orch.Execute(context.Background(), "missing")

	require.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestExecute_AuthFailureIsNotRetryable(t *testing.T) {
	jobs := newFakeJobStore(testJob())
	handler := newFakeHandler("create listing")
	handler.failWith["create listing"] = domain.NewAuthError(errors.New("credentials expired"))

	orch := newTestOrchestrator(jobs, newFakeTaskStore(), handler)
	result, err := orch.Execute(context.Background(), "job-1")

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, domain.FailureAuth, result.FailureKind)
	assert.False(t, result.FailureKind.Retryable())

	// A second dispatch for the same job is refused until an explicit retry
	// resets it.
	_, err = orch.Execute(context.Background(), "job-1")
	require.ErrorIs(t, err, domain.ErrJobNotRetryable)
}
