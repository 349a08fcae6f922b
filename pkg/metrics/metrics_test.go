package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GridLLM/GridLLM/pkg/gwtypes"
)

func TestParseWorkerLoadSnapshot_ExtractsNamedGauges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Write([]byte(`
# HELP worker_running_requests running
# TYPE worker_running_requests gauge
worker_running_requests 3
# HELP worker_waiting_requests waiting
# TYPE worker_waiting_requests gauge
worker_waiting_requests 7
`))
	}))
	defer srv.Close()

	snap, err := ParseWorkerLoadSnapshot(t.Context(), srv.URL, "worker_running_requests", "worker_waiting_requests")
	require.NoError(t, err)
	assert.Equal(t, 3.0, snap.RunningRequests)
	assert.Equal(t, 7.0, snap.WaitingRequests)
}

func TestParseWorkerLoadSnapshot_MissingMetricDefaultsToZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# no metrics here\n"))
	}))
	defer srv.Close()

	snap, err := ParseWorkerLoadSnapshot(t.Context(), srv.URL, "absent_running", "absent_waiting")
	require.NoError(t, err)
	assert.Equal(t, 0.0, snap.RunningRequests)
	assert.Equal(t, 0.0, snap.WaitingRequests)
}

func TestParseWorkerLoadSnapshot_FetchErrorPropagates(t *testing.T) {
	_, err := ParseWorkerLoadSnapshot(t.Context(), "http://127.0.0.1:0", "x", "y")
	assert.Error(t, err)
}

func TestObserveQueueDepths_SetsGaugePerPriority(t *testing.T) {
	assert.NotPanics(t, func() {
		ObserveQueueDepths(map[gwtypes.Priority]int{gwtypes.PriorityHigh: 2})
	})
}

func TestObserveTerminal_IncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(JobsTerminal.WithLabelValues(string(gwtypes.JobCancelled)))
	ObserveTerminal(gwtypes.JobCancelled)
	after := testutil.ToFloat64(JobsTerminal.WithLabelValues(string(gwtypes.JobCancelled)))
	assert.Equal(t, before+1, after)
}
