// Package scheduler implements the Dispatcher: the component that pulls
// jobs off the Job Queue, selects a worker per the selection policy in
// spec §4.3, and drives the assignment and retry protocols.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GridLLM/GridLLM/pkg/gridlog"
	"github.com/GridLLM/GridLLM/pkg/gwerrors"
	"github.com/GridLLM/GridLLM/pkg/gwtypes"
	"github.com/GridLLM/GridLLM/pkg/metrics"
	"github.com/GridLLM/GridLLM/pkg/queue"
	"github.com/GridLLM/GridLLM/pkg/registry"
	"github.com/GridLLM/GridLLM/pkg/scheduler/framework"
)

var log = gridlog.NewLogger("scheduler")

// DefaultMaxAttempts is how many times a job may be (re)dispatched before
// the Dispatcher gives up and fails it, per the retry policy.
const DefaultMaxAttempts = 3

// DefaultCancelGrace bounds how long the Dispatcher waits for a worker to
// acknowledge a cancel notification before giving up on it.
const DefaultCancelGrace = 2 * time.Second

// pollInterval bounds how long the assignment loop sleeps when it finds no
// dispatchable job, before rescanning the queue.
const pollInterval = 20 * time.Millisecond

type inFlightEntry struct {
	job          *gwtypes.Job
	workerID     string
	firstChunk   bool
	cancelDelivery context.CancelFunc
}

// Dispatcher is the public contract of the Dispatcher, per spec §4.3.
type Dispatcher struct {
	queue    queue.Queue
	registry registry.Registry
	client   WorkerClient
	broker   Publisher

	filters []framework.FilterPlugin
	scorers []framework.ScorePlugin

	maxAttempts int
	cancelGrace time.Duration

	mu        sync.Mutex
	inFlight  map[string]*inFlightEntry // jobID -> entry
	byWorker  map[string]map[string]struct{}
}

// Publisher is the Dispatcher's view of the Stream Broker: enough to
// forward a job's chunks and terminal outcome. Implemented by
// pkg/streambroker.
type Publisher interface {
	PublishChunk(jobID, text string)
	PublishComplete(jobID, finishReason string, usage gwtypes.Usage)
	PublishError(jobID string, err error)
}

// rememberingScorer is satisfied by score plugins that want to observe
// which worker a job actually landed on, such as PrefixAffinity. Checked
// structurally so the Dispatcher does not need to import pkg/scheduler/plugins.
type rememberingScorer interface {
	Remember(prompt, workerID string)
}

// New creates a Dispatcher wired to the given Queue, Registry, worker
// client, and stream publisher.
func New(q queue.Queue, r registry.Registry, client WorkerClient, broker Publisher, filters []framework.FilterPlugin, scorers []framework.ScorePlugin) *Dispatcher {
	d := &Dispatcher{
		queue:       q,
		registry:    r,
		client:      client,
		broker:      broker,
		filters:     filters,
		scorers:     scorers,
		maxAttempts: DefaultMaxAttempts,
		cancelGrace: DefaultCancelGrace,
		inFlight:    make(map[string]*inFlightEntry),
		byWorker:    make(map[string]map[string]struct{}),
	}
	r.OnWorkerLost(d.NotifyWorkerLost)
	q.OnExpire(d.notifyQueuedExpiry)
	return d
}

// SetMaxAttempts overrides the retry policy's attempt ceiling. n <= 0 is
// ignored, leaving the previous value in place.
func (d *Dispatcher) SetMaxAttempts(n int) {
	if n <= 0 {
		return
	}
	d.maxAttempts = n
}

// SetCancelGrace overrides how long a worker cancel notification is allowed
// to run before the Dispatcher stops waiting on it. d <= 0 is ignored.
func (d *Dispatcher) SetCancelGrace(grace time.Duration) {
	if grace <= 0 {
		return
	}
	d.cancelGrace = grace
}

// notifyQueuedExpiry is registered with the Queue to hear about jobs whose
// deadline passed before a worker ever picked them up. The job is already
// terminal by the time this runs; this only needs to wake whatever client
// is waiting on its outcome.
func (d *Dispatcher) notifyQueuedExpiry(job *gwtypes.Job) {
	d.broker.PublishError(job.Request.ID, job.FailureErr())
}

// Submit admits a job for scheduling. The caller must have already
// validated the request and chosen a job id.
func (d *Dispatcher) Submit(job *gwtypes.Job) error {
	return d.queue.Enqueue(job)
}

// Cancel cancels a job wherever it currently sits: still queued, or
// in flight at a worker.
func (d *Dispatcher) Cancel(jobID string) bool {
	if job, ok := d.queue.Cancel(jobID); ok {
		if job.MarkTerminal(gwtypes.JobCancelled, gwerrors.ErrCancelled) {
			metrics.ObserveTerminal(gwtypes.JobCancelled)
			d.broker.PublishError(jobID, gwerrors.ErrCancelled)
		}
		return true
	}

	d.mu.Lock()
	entry, ok := d.inFlight[jobID]
	d.mu.Unlock()
	if !ok {
		return false
	}

	if entry.job.MarkTerminal(gwtypes.JobCancelled, gwerrors.ErrCancelled) {
		metrics.ObserveTerminal(gwtypes.JobCancelled)
		d.broker.PublishError(jobID, gwerrors.ErrCancelled)
	}
	if snap, ok := d.registry.GetWorker(entry.workerID); ok {
		cancelCtx, cancel := context.WithTimeout(context.Background(), d.cancelGrace)
		d.client.Cancel(cancelCtx, snap.Address, jobID)
		cancel()
	}
	if entry.cancelDelivery != nil {
		entry.cancelDelivery()
	}
	d.removeInFlight(jobID)
	return true
}

// NotifyWorkerLost is invoked by the Registry when a worker's liveness
// sweep declares it lost. Every job in flight at that worker is either
// requeued (if no chunk had arrived yet) or failed.
func (d *Dispatcher) NotifyWorkerLost(workerID string) {
	d.mu.Lock()
	jobIDs := make([]string, 0, len(d.byWorker[workerID]))
	for id := range d.byWorker[workerID] {
		jobIDs = append(jobIDs, id)
	}
	d.mu.Unlock()

	for _, jobID := range jobIDs {
		d.mu.Lock()
		entry, ok := d.inFlight[jobID]
		d.mu.Unlock()
		if !ok {
			continue
		}

		if entry.cancelDelivery != nil {
			entry.cancelDelivery()
		}
		d.removeInFlight(jobID)

		if entry.firstChunk {
			// A chunk was already delivered to the client; the retry
			// policy only covers pre-first-chunk failures, so this job
			// fails outright to avoid duplicating partial output.
			if entry.job.MarkTerminal(gwtypes.JobFailed, gwerrors.ErrWorkerLost) {
				metrics.ObserveTerminal(gwtypes.JobFailed)
				d.broker.PublishError(jobID, gwerrors.ErrWorkerLost)
			}
			continue
		}

		if entry.job.AttemptCount() >= d.maxAttempts {
			if entry.job.MarkTerminal(gwtypes.JobFailed, gwerrors.ErrWorkerLost) {
				metrics.ObserveTerminal(gwtypes.JobFailed)
				d.broker.PublishError(jobID, gwerrors.ErrWorkerLost)
			}
			continue
		}

		entry.job.Requeue()
		d.queue.EnqueueAtHead(entry.job)
		log.Warnf("job %s requeued after worker %s lost (attempt %d)", jobID, workerID, entry.job.AttemptCount())
	}
}

// Run drives the assignment loop until ctx is cancelled: repeatedly pull
// the highest-priority dispatchable job and hand it to a worker.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for d.tryDispatchOne(ctx) {
			}
		}
	}
}

// tryDispatchOne attempts one assignment. It returns true if a job was
// dispatched, so the caller can immediately try again without waiting for
// the next tick.
func (d *Dispatcher) tryDispatchOne(ctx context.Context) bool {
	var chosenWorker string

	job := d.queue.TakeMatching(func(job *gwtypes.Job) bool {
		worker, ok := d.selectWorker(job)
		if !ok {
			return false
		}
		chosenWorker = worker
		return true
	})
	if job == nil {
		return false
	}

	ok, err := d.registry.Reserve(chosenWorker)
	if err != nil || !ok {
		// Lost the race for capacity between selection and reservation;
		// put the job back and let the next tick retry against
		// whatever is available then.
		job.Requeue()
		d.queue.EnqueueAtHead(job)
		return false
	}

	job.MarkAssigned(chosenWorker)
	d.addInFlight(job, chosenWorker)
	d.rememberAssignment(job, chosenWorker)
	go d.deliver(ctx, job, chosenWorker)
	return true
}

// rememberAssignment lets any scorer plugin that cares (e.g. PrefixAffinity)
// observe the outcome of selectWorker, so future requests with the same
// prompt prefix can be routed back to a worker that may still have it cached.
func (d *Dispatcher) rememberAssignment(job *gwtypes.Job, workerID string) {
	prompt := job.Request.Payload.Prompt
	if prompt == "" {
		return
	}
	for _, s := range d.scorers {
		if r, ok := s.(rememberingScorer); ok {
			r.Remember(prompt, workerID)
		}
	}
}

// selectWorker runs the filter/score pipeline over the registry's ordered
// candidate list for the job's model and returns the top pick.
func (d *Dispatcher) selectWorker(job *gwtypes.Job) (string, bool) {
	candidateIDs := d.registry.Candidates(job.Request.Model)
	if len(candidateIDs) == 0 {
		return "", false
	}

	candidates := make([]registry.WorkerSnapshot, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		if snap, ok := d.registry.GetWorker(id); ok {
			candidates = append(candidates, snap)
		}
	}

	fctx := &framework.Context{Model: job.Request.Model, Prompt: job.Request.Payload.Prompt}
	for _, f := range d.filters {
		candidates = f.Filter(fctx, candidates)
		if len(candidates) == 0 {
			return "", false
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	// registry.Candidates is already ordered by the selection policy
	// (least in-flight, earliest registration, lexicographic id); score
	// plugins only choose among the candidates tied with the front-runner
	// on in-flight count, and among equal totals that base order decides.
	totals := make(map[string]int, len(candidates))
	for _, s := range d.scorers {
		for id, score := range s.Score(fctx, candidates) {
			totals[id] += score
		}
	}

	best := candidates[0]
	bestScore := totals[best.ID]
	for _, c := range candidates[1:] {
		if c.InFlight != candidates[0].InFlight {
			continue
		}
		if totals[c.ID] > bestScore {
			best = c
			bestScore = totals[c.ID]
		}
	}
	return best.ID, true
}

// deliver dispatches an assigned job to its worker and streams the result
// into the Stream Broker.
func (d *Dispatcher) deliver(ctx context.Context, job *gwtypes.Job, workerID string) {
	snap, ok := d.registry.GetWorker(workerID)
	if !ok {
		d.finishLost(job, workerID)
		return
	}

	deliveryCtx, cancel := context.WithCancel(ctx)
	if !job.Request.Deadline.IsZero() {
		var deadlineCancel context.CancelFunc
		deliveryCtx, deadlineCancel = context.WithDeadline(deliveryCtx, job.Request.Deadline)
		orig := cancel
		cancel = func() { deadlineCancel(); orig() }
	}

	d.mu.Lock()
	if entry, ok := d.inFlight[job.Request.ID]; ok {
		entry.cancelDelivery = cancel
	}
	d.mu.Unlock()
	defer cancel()

	job.MarkRunning()

	err := d.client.DispatchStreaming(deliveryCtx, snap.Address, job.Request, func(chunk AdapterChunk) {
		d.mu.Lock()
		entry, ok := d.inFlight[job.Request.ID]
		if ok {
			entry.firstChunk = true
		}
		d.mu.Unlock()
		if !ok {
			return
		}
		if chunk.Text != "" {
			d.broker.PublishChunk(job.Request.ID, chunk.Text)
		}
		if chunk.Done {
			if job.MarkTerminal(gwtypes.JobCompleted, nil) {
				metrics.ObserveTerminal(gwtypes.JobCompleted)
				usage := gwtypes.Usage{PromptTokens: chunk.PromptEvalCount, CompletionTokens: chunk.EvalCount}
				d.broker.PublishComplete(job.Request.ID, chunk.FinishReason, usage)
			}
		}
	})

	d.registry.Release(workerID)
	d.removeInFlight(job.Request.ID)

	if err == nil {
		return
	}

	switch {
	case deliveryCtx.Err() == context.Canceled:
		// Cancelled or lost via NotifyWorkerLost/Cancel; those paths
		// already published the terminal outcome.
		return
	case deliveryCtx.Err() == context.DeadlineExceeded:
		if job.MarkTerminal(gwtypes.JobFailed, gwerrors.ErrDeadlineExpired) {
			metrics.ObserveTerminal(gwtypes.JobFailed)
			d.broker.PublishError(job.Request.ID, gwerrors.ErrDeadlineExpired)
		}
		return
	}

	log.Warnf("dispatch to worker %s for job %s failed: %v", workerID, job.Request.ID, err)
	if job.MarkTerminal(gwtypes.JobFailed, fmt.Errorf("dispatch failed: %w", err)) {
		metrics.ObserveTerminal(gwtypes.JobFailed)
		d.broker.PublishError(job.Request.ID, err)
	}
}

func (d *Dispatcher) finishLost(job *gwtypes.Job, workerID string) {
	d.removeInFlight(job.Request.ID)
	if job.MarkTerminal(gwtypes.JobFailed, gwerrors.ErrWorkerLost) {
		metrics.ObserveTerminal(gwtypes.JobFailed)
		d.broker.PublishError(job.Request.ID, gwerrors.ErrWorkerLost)
	}
}

func (d *Dispatcher) addInFlight(job *gwtypes.Job, workerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight[job.Request.ID] = &inFlightEntry{job: job, workerID: workerID}
	if d.byWorker[workerID] == nil {
		d.byWorker[workerID] = make(map[string]struct{})
	}
	d.byWorker[workerID][job.Request.ID] = struct{}{}
}

func (d *Dispatcher) removeInFlight(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.inFlight[jobID]
	if !ok {
		return
	}
	delete(d.inFlight, jobID)
	if set, ok := d.byWorker[entry.workerID]; ok {
		delete(set, jobID)
		if len(set) == 0 {
			delete(d.byWorker, entry.workerID)
		}
	}
}
