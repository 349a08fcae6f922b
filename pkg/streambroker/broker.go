// Package streambroker implements the Stream Broker: it fans a job's
// chunks and terminal outcome out to whatever Sink is currently attached,
// guaranteeing every OnChunk call for a job happens-before its terminal
// OnComplete/OnError call, and that the terminal call happens at most
// once. Grounded on the teacher's bufio-based line streaming in
// connectors/transport.go, adapted from an HTTP proxy loop into a
// publish/subscribe broker decoupled from any transport.
package streambroker

import (
	"sync"

	"github.com/GridLLM/GridLLM/pkg/gridlog"
	"github.com/GridLLM/GridLLM/pkg/gwtypes"
)

var log = gridlog.NewLogger("streambroker")

// Sink receives the outcome of a single job, replacing the source's
// on_chunk/on_complete/on_error callback trio with a single explicit
// object per the redesign notes. Exactly one of OnComplete or OnError is
// called, always after every OnChunk call for that job has returned.
type Sink interface {
	OnChunk(text string)
	OnComplete(finishReason string, usage gwtypes.Usage)
	OnError(err error)
}

type subscription struct {
	sink     Sink
	mu       sync.Mutex
	terminal bool
	once     sync.Once
}

// Broker is the public contract of the Stream Broker, per spec §4.4.
type Broker struct {
	mu   sync.Mutex
	subs map[string]*subscription
}

// New creates an empty Broker.
func New() *Broker {
	return &Broker{subs: make(map[string]*subscription)}
}

// Attach registers sink to receive jobID's chunks and terminal outcome.
// Replaces any previously attached sink for the same job id.
func (b *Broker) Attach(jobID string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[jobID] = &subscription{sink: sink}
}

// Detach removes jobID's subscription without delivering a terminal call.
// Used when a caller stops listening (e.g. HTTP client disconnect) before
// the job itself finishes; the job keeps running to completion so a
// different observer (or none) sees the outcome.
func (b *Broker) Detach(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, jobID)
}

func (b *Broker) get(jobID string) *subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[jobID]
}

// PublishChunk delivers a text delta for jobID. A no-op if nothing is
// attached, or if the job already reached a terminal outcome.
func (b *Broker) PublishChunk(jobID, text string) {
	sub := b.get(jobID)
	if sub == nil {
		return
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.terminal {
		return
	}
	sub.sink.OnChunk(text)
}

// PublishComplete delivers the terminal success outcome for jobID, exactly
// once, and detaches the subscription.
func (b *Broker) PublishComplete(jobID, finishReason string, usage gwtypes.Usage) {
	sub := b.get(jobID)
	if sub == nil {
		return
	}
	sub.mu.Lock()
	already := sub.terminal
	sub.terminal = true
	sub.mu.Unlock()
	if already {
		return
	}
	sub.once.Do(func() { sub.sink.OnComplete(finishReason, usage) })
	b.Detach(jobID)
}

// PublishError delivers the terminal failure outcome for jobID, exactly
// once, and detaches the subscription.
func (b *Broker) PublishError(jobID string, err error) {
	sub := b.get(jobID)
	if sub == nil {
		log.Debugf("job %s errored (%v) with no attached sink", jobID, err)
		return
	}
	sub.mu.Lock()
	already := sub.terminal
	sub.terminal = true
	sub.mu.Unlock()
	if already {
		return
	}
	sub.once.Do(func() { sub.sink.OnError(err) })
	b.Detach(jobID)
}
