package gateway

import (
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/modelgate/types"
)

// JobStatus is a job's lifecycle state.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobError     JobStatus = "error"
)

// Job is a single chat-completion attempt against a single resolved model —
// the unit the scheduler queues, admits, and dispatches. A Job is created by
// the controller, owned by the scheduler from enqueue to terminal state, and
// never retried in place: a fallback attempt is a new Job.
type Job struct {
	ID              string
	RequestID       string
	OriginalModel   string
	ResolvedModel   string
	RouteName       string
	ProviderID      string
	Request         ChatCompletionRequest
	CreatedAt       time.Time

	doneCh chan struct{} // closed exactly once on terminal state
	closed bool

	Status     JobStatus
	Response   *ChatCompletionResponse
	Err        error
	Normalized types.NormalizedCode
}

// NewJob creates a pending job for the given resolved model, carrying a
// request whose Model field has already been rewritten to resolvedModel.
func NewJob(originalModel, resolvedModel, routeName string, req ChatCompletionRequest) *Job {
	return &Job{
		ID:            uuid.NewString(),
		RequestID:     uuid.NewString(),
		OriginalModel: originalModel,
		ResolvedModel: resolvedModel,
		RouteName:     routeName,
		Request:       req.WithModel(resolvedModel),
		CreatedAt:     time.Now(),
		Status:        JobPending,
		doneCh:        make(chan struct{}),
	}
}

// Done returns the channel the controller receives on to await the job's
// terminal state — a one-shot completion signal rather than a polled
// status field.
func (j *Job) Done() <-chan struct{} {
	return j.doneCh
}

// Complete marks the job completed with a response and closes Done().
// Safe to call exactly once; a second call panics, since reaching two
// terminal states would violate the "exactly one terminal state" invariant.
func (j *Job) Complete(resp *ChatCompletionResponse) {
	j.Status = JobCompleted
	j.Response = resp
	j.finish()
}

// Fail marks the job errored with the given cause and normalized code, and
// closes Done().
func (j *Job) Fail(err error, normalized types.NormalizedCode) {
	j.Status = JobError
	j.Err = err
	j.Normalized = normalized
	j.finish()
}

func (j *Job) finish() {
	if j.closed {
		panic("gateway: job completed twice: " + j.ID)
	}
	j.closed = true
	close(j.doneCh)
}

// Terminal reports whether the job has reached completed or error.
func (j *Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobError
}

// Attempt records one candidate model's outcome for the controller's
// aggregate failure report.
type Attempt struct {
	Model      string               `json:"model"`
	Error      string               `json:"error"`
	Normalized types.NormalizedCode `json:"normalized"`
}
