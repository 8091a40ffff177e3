// Package job tracks asynchronous orchestration requests. A Job records
// the evolving state of one request; a Ticket is the caller-held handle
// that resolves the Job through the Registry.
package job

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// IsTerminal reports whether the state is absorbing.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Kind identifies the orchestration operation a job tracks.
type Kind string

const (
	KindConfigure Kind = "configure"
	KindBootstrap Kind = "bootstrap"
	KindDestroy   Kind = "destroy"
)

// Result carries the aggregated outcome of a job's per-unit fan-out.
type Result struct {
	// SuccessCount is the number of units that completed successfully.
	SuccessCount int `json:"success_count"`

	// FailureCount is the number of units whose operation failed.
	FailureCount int `json:"failure_count"`

	// FailedUnits lists the ids of the units that failed.
	FailedUnits []string `json:"failed_units,omitempty"`

	// Err is the terminal error message, if the job failed.
	Err string `json:"error,omitempty"`
}

// FinalStatus is an immutable snapshot of a job, as returned to callers
// resolving a ticket.
type FinalStatus struct {
	JobID     string    `json:"job_id"`
	Kind      Kind      `json:"kind"`
	State     State     `json:"state"`
	Message   string    `json:"message"`
	Result    Result    `json:"result"`
	CreatedAt time.Time `json:"created_at"`
}

// Job is the mutable record of one asynchronous orchestration request.
// State transitions are monotonic: queued -> running -> {succeeded,
// failed}; terminal transitions on an already-terminal job are no-ops.
// All methods are safe for concurrent use.
type Job struct {
	id        string
	kind      Kind
	createdAt time.Time

	mu      sync.Mutex
	state   State
	message string
	result  Result

	// done is closed exactly once, on the first terminal transition.
	done chan struct{}
}

// New creates a job in the queued state.
func New(kind Kind) *Job {
	return &Job{
		id:        uuid.New().String(),
		kind:      kind,
		createdAt: time.Now().UTC(),
		state:     StateQueued,
		done:      make(chan struct{}),
	}
}

// ID returns the job's immutable identifier.
func (j *Job) ID() string { return j.id }

// Kind returns the operation this job tracks.
func (j *Job) Kind() Kind { return j.kind }

// CreatedAt returns when the job was created.
func (j *Job) CreatedAt() time.Time { return j.createdAt }

// Done returns a channel closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// MarkRunning moves the job from queued to running with a status message.
// It is a no-op once the job is terminal.
func (j *Job) MarkRunning(message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() {
		return
	}
	j.state = StateRunning
	j.message = message
}

// SetStatus updates the status message without changing state. It is a
// no-op once the job is terminal.
func (j *Job) SetStatus(message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() {
		return
	}
	j.message = message
}

// SetResult records the fan-out counts on the job. It is a no-op once the
// job is terminal.
func (j *Job) SetResult(result Result) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() {
		return
	}
	j.result = result
}

// Succeed moves the job to the succeeded state. Idempotent on terminal
// jobs: cleanup paths may attempt a terminal transition twice.
func (j *Job) Succeed(message string) {
	j.terminate(StateSucceeded, message, "")
}

// Fail moves the job to the failed state, recording the cause. Idempotent
// on terminal jobs.
func (j *Job) Fail(err error) {
	msg := "orchestration failed"
	cause := ""
	if err != nil {
		msg = err.Error()
		cause = err.Error()
	}
	j.terminate(StateFailed, msg, cause)
}

func (j *Job) terminate(state State, message, cause string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() {
		return
	}
	j.state = state
	j.message = message
	if cause != "" {
		j.result.Err = cause
	}
	close(j.done)
}

// Snapshot returns a point-in-time copy of the job's status.
func (j *Job) Snapshot() FinalStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	result := j.result
	if len(j.result.FailedUnits) > 0 {
		result.FailedUnits = append([]string(nil), j.result.FailedUnits...)
	}
	return FinalStatus{
		JobID:     j.id,
		Kind:      j.kind,
		State:     j.state,
		Message:   j.message,
		Result:    result,
		CreatedAt: j.createdAt,
	}
}
