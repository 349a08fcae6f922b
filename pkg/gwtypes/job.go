package gwtypes

import (
	"sync"
	"time"
)

// Job augments an InferenceRequest with scheduler state. A single Job value
// is shared between the Queue, the Dispatcher's in-flight table, and the
// Stream Broker over its lifetime, so all mutable fields are guarded by an
// internal mutex and reached only through accessor methods — mirroring the
// PodInfo pattern the teacher uses for its own shared, concurrently-read
// worker records.
type Job struct {
	Request InferenceRequest

	mu             sync.RWMutex
	queuedAt       time.Time
	state          JobState
	assignedWorker string
	attemptCount   int
	failureErr     error

	// cancel is closed exactly once, the first time the job is
	// cancelled, deadline-expired, or fails terminally. It lets the
	// Stream Broker and Dispatcher observe termination without polling.
	cancelOnce sync.Once
	cancelCh   chan struct{}
}

// NewJob creates a Job in the queued state for the given request, stamped
// with queuedAt (the original submission time, preserved across retries per
// the retry-policy's "preserving its original queued-at timestamp" clause).
func NewJob(req InferenceRequest, queuedAt time.Time) *Job {
	return &Job{
		Request:  req,
		queuedAt: queuedAt,
		state:    JobQueued,
		cancelCh: make(chan struct{}),
	}
}

// QueuedAt returns the job's queued-at timestamp.
func (j *Job) QueuedAt() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.queuedAt
}

// State returns the job's current state.
func (j *Job) State() JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// AssignedWorker returns the worker id the job is currently assigned to, or
// "" if unassigned.
func (j *Job) AssignedWorker() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.assignedWorker
}

// AttemptCount returns how many dispatch attempts have been made.
func (j *Job) AttemptCount() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.attemptCount
}

// Priority is a convenience accessor over the underlying request.
func (j *Job) Priority() Priority {
	return j.Request.Priority
}

// MarkAssigned transitions the job to assigned, recording the worker and
// bumping the attempt count. Returns false if the job is already terminal.
func (j *Job) MarkAssigned(workerID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.state = JobAssigned
	j.assignedWorker = workerID
	j.attemptCount++
	return true
}

// MarkRunning transitions assigned -> running, on worker ack or first chunk.
func (j *Job) MarkRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != JobAssigned {
		return false
	}
	j.state = JobRunning
	return true
}

// Requeue resets the job back to queued, clearing its worker assignment.
// The caller is responsible for re-inserting the job at the head of its
// priority bucket, preserving QueuedAt.
func (j *Job) Requeue() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	j.state = JobQueued
	j.assignedWorker = ""
}

// MarkTerminal transitions the job to a terminal state exactly once,
// signalling cancelCh so any waiter observes termination promptly. err is
// recorded as the failure reason for JobFailed/JobCancelled states and may
// be nil for JobCompleted. Returns false if the job was already terminal.
func (j *Job) MarkTerminal(state JobState, err error) bool {
	if !state.Terminal() {
		panic("gwtypes: MarkTerminal called with non-terminal state")
	}
	j.mu.Lock()
	wasTerminal := j.state.Terminal()
	if !wasTerminal {
		j.state = state
		j.failureErr = err
	}
	j.mu.Unlock()

	if wasTerminal {
		return false
	}
	j.cancelOnce.Do(func() { close(j.cancelCh) })
	return true
}

// FailureErr returns the error recorded when the job terminated, or nil if
// it completed successfully or has not terminated yet.
func (j *Job) FailureErr() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.failureErr
}

// Done returns a channel that is closed when the job reaches a terminal
// state, for callers that need to select on job termination.
func (j *Job) Done() <-chan struct{} {
	return j.cancelCh
}
