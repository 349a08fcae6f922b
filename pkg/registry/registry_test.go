package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GridLLM/GridLLM/pkg/gwerrors"
	"github.com/GridLLM/GridLLM/pkg/gwtypes"
)

func caps(model string, maxConcurrency int) gwtypes.Capabilities {
	return gwtypes.Capabilities{
		Models:         map[string]gwtypes.ModelDescriptor{model: {Name: model}},
		MaxConcurrency: maxConcurrency,
	}
}

func TestRegistry_RegisterAndHeartbeatPromotesToReady(t *testing.T) {
	r := New(time.Minute).(*registry)

	token, err := r.Register("w1", caps("llama", 4), "http://w1")
	require.NoError(t, err)

	snap, ok := r.GetWorker("w1")
	require.True(t, ok)
	assert.Equal(t, gwtypes.LivenessJoining, snap.Liveness)

	require.NoError(t, r.Heartbeat("w1", token, LoadSnapshot{}))
	snap, _ = r.GetWorker("w1")
	assert.Equal(t, gwtypes.LivenessReady, snap.Liveness)
}

func TestRegistry_HeartbeatRejectsStaleToken(t *testing.T) {
	r := New(time.Minute)
	token, err := r.Register("w1", caps("llama", 4), "http://w1")
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat("w1", token, LoadSnapshot{}))

	err = r.Heartbeat("w1", "wrong-token", LoadSnapshot{})
	assert.ErrorIs(t, err, gwerrors.ErrStaleSession)
}

func TestRegistry_HeartbeatUnknownWorker(t *testing.T) {
	r := New(time.Minute)
	err := r.Heartbeat("ghost", "any", LoadSnapshot{})
	assert.ErrorIs(t, err, gwerrors.ErrUnknownWorker)
}

func TestRegistry_RegisterRejectsAddressConflict(t *testing.T) {
	r := New(time.Minute)
	_, err := r.Register("w1", caps("llama", 4), "http://w1")
	require.NoError(t, err)

	_, err = r.Register("w1", caps("llama", 4), "http://different")
	assert.ErrorIs(t, err, gwerrors.ErrAddressConflict)
}

func TestRegistry_CandidatesOrderedBySelectionPolicy(t *testing.T) {
	r := New(time.Minute)
	t1, _ := r.Register("b", caps("llama", 4), "http://b")
	require.NoError(t, r.Heartbeat("b", t1, LoadSnapshot{}))
	t2, _ := r.Register("a", caps("llama", 4), "http://a")
	require.NoError(t, r.Heartbeat("a", t2, LoadSnapshot{}))

	// "b" registered first; with equal in-flight (0), it should sort
	// ahead of "a" by earliest registration, not lexicographically.
	cands := r.Candidates("llama")
	require.Len(t, cands, 2)
	assert.Equal(t, "b", cands[0])
	assert.Equal(t, "a", cands[1])

	ok, err := r.Reserve("b")
	require.NoError(t, err)
	require.True(t, ok)

	// Now "b" has 1 in-flight and "a" has 0, so "a" should lead.
	cands = r.Candidates("llama")
	assert.Equal(t, "a", cands[0])
	assert.Equal(t, "b", cands[1])
}

func TestRegistry_ReserveEnforcesMaxConcurrency(t *testing.T) {
	r := New(time.Minute)
	tok, _ := r.Register("w1", caps("llama", 1), "http://w1")
	require.NoError(t, r.Heartbeat("w1", tok, LoadSnapshot{}))

	ok, err := r.Reserve("w1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Reserve("w1")
	require.NoError(t, err)
	assert.False(t, ok, "second reservation should be refused at MaxConcurrency")

	r.Release("w1")
	ok, err = r.Reserve("w1")
	require.NoError(t, err)
	assert.True(t, ok, "capacity should free up after Release")
}

func TestRegistry_ReserveRefusesNonReadyWorker(t *testing.T) {
	r := New(time.Minute)
	_, err := r.Register("w1", caps("llama", 4), "http://w1")
	require.NoError(t, err)
	// still LivenessJoining, no heartbeat sent yet
	ok, err := r.Reserve("w1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_AllAvailableModelsMergesNewest(t *testing.T) {
	r := New(time.Minute)
	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	t1, _ := r.Register("a", gwtypes.Capabilities{
		Models:         map[string]gwtypes.ModelDescriptor{"llama": {Name: "llama", ModifiedAt: older, SizeBytes: 1}},
		MaxConcurrency: 1,
	}, "http://a")
	require.NoError(t, r.Heartbeat("a", t1, LoadSnapshot{}))

	t2, _ := r.Register("b", gwtypes.Capabilities{
		Models:         map[string]gwtypes.ModelDescriptor{"llama": {Name: "llama", ModifiedAt: newer, SizeBytes: 2}},
		MaxConcurrency: 1,
	}, "http://b")
	require.NoError(t, r.Heartbeat("b", t2, LoadSnapshot{}))

	models := r.AllAvailableModels()
	require.Contains(t, models, "llama")
	assert.Equal(t, int64(2), models["llama"].SizeBytes)
}

func TestRegistry_DeregisterDrainsBeforeRemoval(t *testing.T) {
	r := New(time.Minute)
	tok, _ := r.Register("w1", caps("llama", 2), "http://w1")
	require.NoError(t, r.Heartbeat("w1", tok, LoadSnapshot{}))
	ok, err := r.Reserve("w1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, r.Deregister("w1"))
	snap, found := r.GetWorker("w1")
	require.True(t, found, "worker with an in-flight job should still be present, draining")
	assert.Equal(t, gwtypes.LivenessDraining, snap.Liveness)

	r.Release("w1")
	_, found = r.GetWorker("w1")
	assert.False(t, found, "worker should be removed once fully drained")
}

func TestRegistry_LivenessSweepDeclaresLostAndNotifies(t *testing.T) {
	r := New(20 * time.Millisecond).(*registry)
	tok, _ := r.Register("w1", caps("llama", 1), "http://w1")
	require.NoError(t, r.Heartbeat("w1", tok, LoadSnapshot{}))

	lost := make(chan string, 1)
	r.OnWorkerLost(func(id string) { lost <- id })

	time.Sleep(30 * time.Millisecond)
	r.sweepOnce()

	select {
	case id := <-lost:
		assert.Equal(t, "w1", id)
	default:
		t.Fatal("expected worker loss callback to fire")
	}

	snap, _ := r.GetWorker("w1")
	assert.Equal(t, gwtypes.LivenessLost, snap.Liveness)
}
