package streambroker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GridLLM/GridLLM/pkg/gwtypes"
)

type recordingSink struct {
	chunks       []string
	completed    bool
	errored      bool
	finishReason string
	usage        gwtypes.Usage
	err          error
}

func (s *recordingSink) OnChunk(text string) { s.chunks = append(s.chunks, text) }
func (s *recordingSink) OnComplete(finishReason string, usage gwtypes.Usage) {
	s.completed = true
	s.finishReason = finishReason
	s.usage = usage
}
func (s *recordingSink) OnError(err error) { s.errored = true; s.err = err }

func TestBroker_ChunksBeforeComplete(t *testing.T) {
	b := New()
	sink := &recordingSink{}
	b.Attach("job-1", sink)

	b.PublishChunk("job-1", "hello ")
	b.PublishChunk("job-1", "world")
	b.PublishComplete("job-1", "stop", gwtypes.Usage{})

	require.Equal(t, []string{"hello ", "world"}, sink.chunks)
	assert.True(t, sink.completed)
	assert.Equal(t, "stop", sink.finishReason)
	assert.False(t, sink.errored)
}

func TestBroker_TerminalCallOnlyOnce(t *testing.T) {
	b := New()
	sink := &recordingSink{}
	b.Attach("job-1", sink)

	b.PublishComplete("job-1", "stop", gwtypes.Usage{})
	b.PublishComplete("job-1", "length", gwtypes.Usage{})
	b.PublishError("job-1", errors.New("late error"))

	assert.True(t, sink.completed)
	assert.Equal(t, "stop", sink.finishReason)
	assert.False(t, sink.errored, "a terminal call after completion must be dropped")
}

func TestBroker_ChunksAfterTerminalAreDropped(t *testing.T) {
	b := New()
	sink := &recordingSink{}
	b.Attach("job-1", sink)

	b.PublishComplete("job-1", "stop", gwtypes.Usage{})
	b.PublishChunk("job-1", "too late")

	assert.Empty(t, sink.chunks)
}

func TestBroker_PublishWithoutAttachIsNoop(t *testing.T) {
	b := New()
	assert.NotPanics(t, func() {
		b.PublishChunk("nobody-listening", "x")
		b.PublishComplete("nobody-listening", "stop", gwtypes.Usage{})
		b.PublishError("nobody-listening", errors.New("boom"))
	})
}

func TestBroker_DetachStopsDelivery(t *testing.T) {
	b := New()
	sink := &recordingSink{}
	b.Attach("job-1", sink)
	b.Detach("job-1")

	b.PublishComplete("job-1", "stop", gwtypes.Usage{})
	assert.False(t, sink.completed)
}

func TestBroker_ErrorPathDelivers(t *testing.T) {
	b := New()
	sink := &recordingSink{}
	b.Attach("job-1", sink)

	sentinel := errors.New("worker lost")
	b.PublishError("job-1", sentinel)

	assert.True(t, sink.errored)
	assert.Same(t, sentinel, sink.err)
	assert.False(t, sink.completed)
}
