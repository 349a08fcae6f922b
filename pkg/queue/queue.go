// Package queue implements the Job Queue: per-priority FIFO buckets scanned
// high-to-low, per spec §4.2. Unlike the teacher's single container/heap
// keyed by a float priority (pkg/infer-gateway/datastore/request_waiting_queue.go),
// the spec calls for one ordered sequence per discrete priority level, so
// admission order within a level is exact FIFO rather than heap-comparator
// order.
package queue

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/GridLLM/GridLLM/pkg/gridlog"
	"github.com/GridLLM/GridLLM/pkg/gwerrors"
	"github.com/GridLLM/GridLLM/pkg/gwtypes"
	"github.com/GridLLM/GridLLM/pkg/metrics"
)

var log = gridlog.NewLogger("queue")

// Predicate reports whether a job should be taken. Used by TakeMatching to
// let the Dispatcher pull the first job compatible with an available
// worker without draining incompatible jobs ahead of it.
type Predicate func(*gwtypes.Job) bool

// Queue is the public contract of the Job Queue, per spec §4.2.
type Queue interface {
	// Enqueue admits a job into its priority's bucket. Returns
	// gwerrors.ErrQueueFull if the queue is at capacity.
	Enqueue(job *gwtypes.Job) error
	// EnqueueAtHead re-admits a job at the front of its priority's
	// bucket, bypassing the capacity check, for the retry path.
	EnqueueAtHead(job *gwtypes.Job)
	// TakeMatching scans buckets from highest to lowest priority and
	// removes and returns the first job accepted by pred, skipping (and
	// discarding) any job whose deadline has already expired. Returns
	// nil if no job matches.
	TakeMatching(pred Predicate) *gwtypes.Job
	// Cancel removes a job by id if it is still queued, returning it so
	// the caller can mark it terminal and publish the outcome. Returns
	// (nil, false) if the job was not found (already taken or never
	// enqueued).
	Cancel(jobID string) (*gwtypes.Job, bool)
	// Depth returns the total number of queued jobs.
	Depth() int
	// DepthByPriority returns the queue depth broken down per priority.
	DepthByPriority() map[gwtypes.Priority]int
	// OnExpire registers a callback invoked whenever TakeMatching discards
	// a job whose deadline passed while it was still queued, after the job
	// has been marked terminal. Only one callback is retained; a later
	// call replaces the previous one.
	OnExpire(fn func(*gwtypes.Job))
}

type queue struct {
	mu       sync.Mutex
	buckets  map[gwtypes.Priority]*list.List
	index    map[string]*list.Element // jobID -> element, for O(1) cancel
	capacity int
	onExpire func(*gwtypes.Job)
}

// New creates a Queue with the given total capacity across all priorities.
// A capacity of 0 means unbounded.
func New(capacity int) Queue {
	q := &queue{
		buckets:  make(map[gwtypes.Priority]*list.List),
		index:    make(map[string]*list.Element),
		capacity: capacity,
	}
	for _, p := range gwtypes.Priorities {
		q.buckets[p] = list.New()
	}
	return q
}

func (q *queue) Enqueue(job *gwtypes.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && len(q.index) >= q.capacity {
		return fmt.Errorf("queue at capacity %d: %w", q.capacity, gwerrors.ErrQueueFull)
	}
	q.enqueueLocked(job, false)
	q.reportDepthsLocked()
	return nil
}

func (q *queue) EnqueueAtHead(job *gwtypes.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueueLocked(job, true)
	q.reportDepthsLocked()
}

// reportDepthsLocked publishes the current per-priority depth gauges. Must
// be called with q.mu held.
func (q *queue) reportDepthsLocked() {
	depths := make(map[gwtypes.Priority]int, len(q.buckets))
	for p, b := range q.buckets {
		depths[p] = b.Len()
	}
	metrics.ObserveQueueDepths(depths)
}

func (q *queue) enqueueLocked(job *gwtypes.Job, atHead bool) {
	bucket := q.buckets[job.Priority()]
	var el *list.Element
	if atHead {
		el = bucket.PushFront(job)
	} else {
		el = bucket.PushBack(job)
	}
	q.index[job.Request.ID] = el
}

func (q *queue) TakeMatching(pred Predicate) *gwtypes.Job {
	q.mu.Lock()

	var expired []*gwtypes.Job
	now := time.Now()
	for _, p := range gwtypes.Priorities {
		bucket := q.buckets[p]
		var next *list.Element
		for el := bucket.Front(); el != nil; el = next {
			next = el.Next()
			job := el.Value.(*gwtypes.Job)

			if job.Request.Expired(now) {
				bucket.Remove(el)
				delete(q.index, job.Request.ID)
				if job.MarkTerminal(gwtypes.JobFailed, gwerrors.ErrDeadlineExpired) {
					metrics.ObserveTerminal(gwtypes.JobFailed)
					expired = append(expired, job)
				}
				log.Warnf("job %s expired while queued (deadline %s)", job.Request.ID, job.Request.Deadline)
				continue
			}

			if pred(job) {
				bucket.Remove(el)
				delete(q.index, job.Request.ID)
				metrics.ObserveAssignment(p, job.QueuedAt())
				q.reportDepthsLocked()
				onExpire := q.onExpire
				q.mu.Unlock()
				notifyExpired(onExpire, expired)
				return job
			}
		}
	}
	q.reportDepthsLocked()
	onExpire := q.onExpire
	q.mu.Unlock()
	notifyExpired(onExpire, expired)
	return nil
}

// notifyExpired runs the expiry callback outside the queue lock, so a
// callback that reaches back into the broker or dispatcher cannot deadlock
// against a concurrent Enqueue/Cancel.
func notifyExpired(fn func(*gwtypes.Job), jobs []*gwtypes.Job) {
	if fn == nil {
		return
	}
	for _, job := range jobs {
		fn(job)
	}
}

func (q *queue) OnExpire(fn func(*gwtypes.Job)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onExpire = fn
}

func (q *queue) Cancel(jobID string) (*gwtypes.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.index[jobID]
	if !ok {
		return nil, false
	}
	job := el.Value.(*gwtypes.Job)
	q.buckets[job.Priority()].Remove(el)
	delete(q.index, jobID)
	q.reportDepthsLocked()
	return job, true
}

func (q *queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

func (q *queue) DepthByPriority() map[gwtypes.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[gwtypes.Priority]int, len(q.buckets))
	for p, b := range q.buckets {
		out[p] = b.Len()
	}
	return out
}
