// Package registry implements the Worker Registry: the authoritative
// in-memory directory of the worker fleet described in spec §4.1.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GridLLM/GridLLM/pkg/gridlog"
	"github.com/GridLLM/GridLLM/pkg/gwerrors"
	"github.com/GridLLM/GridLLM/pkg/gwtypes"
	"github.com/GridLLM/GridLLM/pkg/metrics"
)

var log = gridlog.NewLogger("registry")

// LoadSnapshot is the informational load report a worker attaches to a
// heartbeat. It never drives the authoritative in-flight count used for
// scheduling — that count is only ever mutated by Reserve/Release, so the
// registry <-> in-flight-table invariant in spec §3 holds regardless of
// what a worker self-reports.
type LoadSnapshot struct {
	InFlight  int
	QueueSize int
}

// WorkerSnapshot is an immutable, point-in-time view of a worker, returned
// by ListWorkers for observability.
type WorkerSnapshot struct {
	ID             string
	Address        string
	Capabilities   gwtypes.Capabilities
	Liveness       gwtypes.Liveness
	InFlight       int
	ObservedLoad   LoadSnapshot
	LastHeartbeat  time.Time
	RegisteredAt   time.Time
}

// LossCallback is invoked with the worker's id when a worker transitions to
// lost liveness, once per transition; resolving the jobs the Dispatcher had
// assigned to it is left to the Dispatcher itself (the registry does not
// know about jobs; spec keeps that in the Dispatcher).
type LossCallback func(workerID string)

type worker struct {
	mu sync.RWMutex

	id           string
	address      string
	capabilities gwtypes.Capabilities
	liveness     gwtypes.Liveness
	sessionToken string

	inFlight     int
	observedLoad LoadSnapshot

	lastHeartbeat time.Time
	registeredAt  time.Time
}

func (w *worker) snapshot() WorkerSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerSnapshot{
		ID:            w.id,
		Address:       w.address,
		Capabilities:  w.capabilities,
		Liveness:      w.liveness,
		InFlight:      w.inFlight,
		ObservedLoad:  w.observedLoad,
		LastHeartbeat: w.lastHeartbeat,
		RegisteredAt:  w.registeredAt,
	}
}

// Registry is the public contract of the Worker Registry, per spec §4.1.
type Registry interface {
	Register(workerID string, capabilities gwtypes.Capabilities, address string) (token string, err error)
	Heartbeat(workerID, token string, load LoadSnapshot) error
	Deregister(workerID string) error
	Candidates(modelName string) []string
	AllAvailableModels() map[string]gwtypes.ModelDescriptor
	ListWorkers() []WorkerSnapshot
	GetWorker(workerID string) (WorkerSnapshot, bool)

	// Reserve attempts to atomically bump a worker's in-flight count,
	// enforcing MaxConcurrency. It is the only way inFlight ever
	// increases, so the caller (the Dispatcher) can insert into its own
	// in-flight table under the same logical operation and preserve the
	// registry <-> in-flight-table invariant.
	Reserve(workerID string) (ok bool, err error)
	// Release is Reserve's inverse, called on job completion, failure,
	// or loss.
	Release(workerID string)

	// OnWorkerLost registers a callback invoked whenever a worker is
	// declared lost by the liveness sweep. Must be called before Run.
	OnWorkerLost(cb LossCallback)

	// Run drives the liveness sweep until ctx is cancelled.
	Run(ctx context.Context)
}

type registry struct {
	mu      sync.RWMutex
	workers map[string]*worker

	livenessThreshold time.Duration
	sweepInterval     time.Duration

	callbacksMu sync.Mutex
	callbacks   []LossCallback
}

// New creates a Registry. livenessThreshold is the maximum time a worker
// may go without a heartbeat before being declared lost.
func New(livenessThreshold time.Duration) Registry {
	sweep := livenessThreshold / 4
	if sweep < 200*time.Millisecond {
		sweep = 200 * time.Millisecond
	}
	return &registry{
		workers:           make(map[string]*worker),
		livenessThreshold: livenessThreshold,
		sweepInterval:     sweep,
	}
}

func (r *registry) Register(workerID string, capabilities gwtypes.Capabilities, address string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if w, ok := r.workers[workerID]; ok {
		w.mu.Lock()
		if w.address != "" && w.address != address {
			w.mu.Unlock()
			return "", fmt.Errorf("worker %s already registered at %s: %w", workerID, w.address, gwerrors.ErrAddressConflict)
		}
		// Idempotent re-registration: replace capabilities atomically,
		// mint a fresh session token.
		w.capabilities = capabilities
		w.address = address
		token := uuid.NewString()
		w.sessionToken = token
		w.mu.Unlock()
		log.Infof("worker %s re-registered at %s", workerID, address)
		return token, nil
	}

	token := uuid.NewString()
	r.workers[workerID] = &worker{
		id:            workerID,
		address:       address,
		capabilities:  capabilities,
		liveness:      gwtypes.LivenessJoining,
		sessionToken:  token,
		lastHeartbeat: now,
		registeredAt:  now,
	}
	log.Infof("worker %s registered at %s with %d models", workerID, address, len(capabilities.Models))
	return token, nil
}

func (r *registry) Heartbeat(workerID, token string, load LoadSnapshot) error {
	r.mu.RLock()
	w, ok := r.workers[workerID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("worker %s: %w", workerID, gwerrors.ErrUnknownWorker)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sessionToken != token {
		return fmt.Errorf("worker %s: %w", workerID, gwerrors.ErrStaleSession)
	}

	now := time.Now()
	// Monotone non-decreasing last-seen timestamp per worker, per the
	// ordering guarantees: a heartbeat that arrived out of order (clock
	// skew, retransmit) never rewinds the timestamp.
	if now.After(w.lastHeartbeat) {
		w.lastHeartbeat = now
	}
	w.observedLoad = load
	if w.liveness == gwtypes.LivenessJoining {
		w.liveness = gwtypes.LivenessReady
	} else if w.liveness == gwtypes.LivenessLost {
		// A worker that comes back after being reaped re-joins clean;
		// the dispatcher already failed anything it was holding.
		w.liveness = gwtypes.LivenessReady
	}
	return nil
}

func (r *registry) Deregister(workerID string) error {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	w.mu.Lock()
	w.liveness = gwtypes.LivenessDraining
	inFlight := w.inFlight
	w.mu.Unlock()

	if inFlight == 0 {
		r.mu.Lock()
		delete(r.workers, workerID)
		r.mu.Unlock()
		log.Infof("worker %s deregistered", workerID)
	} else {
		log.Infof("worker %s draining, %d jobs in flight", workerID, inFlight)
	}
	return nil
}

// reapIfDrained removes a draining worker once its in-flight count reaches
// zero; called from Release.
func (r *registry) reapIfDrained(w *worker) {
	w.mu.RLock()
	drained := w.liveness == gwtypes.LivenessDraining && w.inFlight == 0
	id := w.id
	w.mu.RUnlock()
	if drained {
		r.mu.Lock()
		delete(r.workers, id)
		r.mu.Unlock()
		log.Infof("worker %s fully drained, removed", id)
	}
}

func (r *registry) Candidates(modelName string) []string {
	r.mu.RLock()
	snapshot := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		snapshot = append(snapshot, w)
	}
	r.mu.RUnlock()

	type cand struct {
		id           string
		inFlight     int
		registeredAt time.Time
	}
	var cands []cand
	for _, w := range snapshot {
		w.mu.RLock()
		ready := w.liveness == gwtypes.LivenessReady
		has := w.capabilities.HasModel(modelName)
		if ready && has {
			cands = append(cands, cand{id: w.id, inFlight: w.inFlight, registeredAt: w.registeredAt})
		}
		w.mu.RUnlock()
	}

	// Selection policy (spec §4.3): least in-flight, then earliest
	// registration, then lexicographic worker id.
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].inFlight != cands[j].inFlight {
			return cands[i].inFlight < cands[j].inFlight
		}
		if !cands[i].registeredAt.Equal(cands[j].registeredAt) {
			return cands[i].registeredAt.Before(cands[j].registeredAt)
		}
		return cands[i].id < cands[j].id
	})

	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.id
	}
	return ids
}

func (r *registry) AllAvailableModels() map[string]gwtypes.ModelDescriptor {
	r.mu.RLock()
	snapshot := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		snapshot = append(snapshot, w)
	}
	r.mu.RUnlock()

	out := make(map[string]gwtypes.ModelDescriptor)
	for _, w := range snapshot {
		w.mu.RLock()
		if w.liveness == gwtypes.LivenessReady {
			for name, desc := range w.capabilities.Models {
				if existing, ok := out[name]; ok {
					out[name] = gwtypes.MergeNewer(existing, desc)
				} else {
					out[name] = desc
				}
			}
		}
		w.mu.RUnlock()
	}
	return out
}

func (r *registry) ListWorkers() []WorkerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]WorkerSnapshot, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *registry) GetWorker(workerID string) (WorkerSnapshot, bool) {
	r.mu.RLock()
	w, ok := r.workers[workerID]
	r.mu.RUnlock()
	if !ok {
		return WorkerSnapshot{}, false
	}
	return w.snapshot(), true
}

func (r *registry) Reserve(workerID string) (bool, error) {
	r.mu.RLock()
	w, ok := r.workers[workerID]
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("worker %s: %w", workerID, gwerrors.ErrUnknownWorker)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.liveness != gwtypes.LivenessReady {
		return false, nil
	}
	if w.inFlight >= w.capabilities.MaxConcurrency {
		return false, nil
	}
	w.inFlight++
	metrics.WorkerInFlight.WithLabelValues(workerID).Set(float64(w.inFlight))
	return true, nil
}

func (r *registry) Release(workerID string) {
	r.mu.RLock()
	w, ok := r.workers[workerID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	w.mu.Lock()
	if w.inFlight > 0 {
		w.inFlight--
	}
	metrics.WorkerInFlight.WithLabelValues(workerID).Set(float64(w.inFlight))
	w.mu.Unlock()
	r.reapIfDrained(w)
}

func (r *registry) OnWorkerLost(cb LossCallback) {
	r.callbacksMu.Lock()
	defer r.callbacksMu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

func (r *registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *registry) sweepOnce() {
	now := time.Now()
	r.mu.RLock()
	snapshot := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		snapshot = append(snapshot, w)
	}
	r.mu.RUnlock()

	var lost []string
	for _, w := range snapshot {
		w.mu.Lock()
		overdue := now.Sub(w.lastHeartbeat) > r.livenessThreshold
		if overdue && w.liveness != gwtypes.LivenessLost {
			w.liveness = gwtypes.LivenessLost
			lost = append(lost, w.id)
		}
		w.mu.Unlock()
	}

	if len(lost) == 0 {
		return
	}
	r.callbacksMu.Lock()
	cbs := append([]LossCallback(nil), r.callbacks...)
	r.callbacksMu.Unlock()

	for _, id := range lost {
		log.Warnf("worker %s declared lost (no heartbeat for > %s)", id, r.livenessThreshold)
		for _, cb := range cbs {
			cb(id)
		}
	}
}
