// Package metrics exposes the gateway's own Prometheus metrics and, separate
// from a worker's JSON heartbeat, can scrape a worker's Prometheus-text
// /metrics endpoint for a load report. Grounded on the teacher's metrics
// package for the parsing half; the gateway-side counters/gauges/
// histograms are new, sized to the components spec §4 describes.
package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/GridLLM/GridLLM/pkg/gwtypes"
)

const namespace = "gridllm"

var (
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current number of queued jobs, by priority.",
	}, []string{"priority"})

	DispatchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "assignment_latency_seconds",
		Help:      "Time from job enqueue to worker assignment.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"priority"})

	WorkerInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "in_flight",
		Help:      "Jobs currently assigned to a worker.",
	}, []string{"worker_id"})

	JobsTerminal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "terminal_total",
		Help:      "Jobs reaching a terminal state, by state.",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(QueueDepth, DispatchLatency, WorkerInFlight, JobsTerminal)
}

// ObserveQueueDepths updates QueueDepth from a snapshot keyed by priority.
func ObserveQueueDepths(depths map[gwtypes.Priority]int) {
	for p, n := range depths {
		QueueDepth.WithLabelValues(p.String()).Set(float64(n))
	}
}

// ObserveAssignment records the time a job spent queued before assignment.
func ObserveAssignment(priority gwtypes.Priority, queuedAt time.Time) {
	DispatchLatency.WithLabelValues(priority.String()).Observe(time.Since(queuedAt).Seconds())
}

// ObserveTerminal increments the terminal-state counter for state.
func ObserveTerminal(state gwtypes.JobState) {
	JobsTerminal.WithLabelValues(string(state)).Inc()
}

// WorkerLoadSnapshot is a worker's self-reported load, scraped from its
// Prometheus-text /metrics endpoint, separate from the JSON heartbeat.
type WorkerLoadSnapshot struct {
	RunningRequests float64
	WaitingRequests float64
}

// ParseWorkerLoadSnapshot fetches and parses a worker's /metrics endpoint,
// extracting the running/waiting request gauges under the given names.
func ParseWorkerLoadSnapshot(ctx context.Context, url string, runningMetric, waitingMetric string) (WorkerLoadSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return WorkerLoadSnapshot{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return WorkerLoadSnapshot{}, fmt.Errorf("fetch metrics from %s: %w", url, err)
	}
	defer resp.Body.Close()

	families, err := parseFamilies(resp.Body)
	if err != nil {
		return WorkerLoadSnapshot{}, fmt.Errorf("parse metric families: %w", err)
	}

	return WorkerLoadSnapshot{
		RunningRequests: gaugeOrCounterValue(families, runningMetric),
		WaitingRequests: gaugeOrCounterValue(families, waitingMetric),
	}, nil
}

func parseFamilies(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	return parser.TextToMetricFamilies(r)
}

func gaugeOrCounterValue(families map[string]*dto.MetricFamily, name string) float64 {
	family, ok := families[name]
	if !ok {
		return 0
	}
	var total float64
	for _, m := range family.Metric {
		if g := m.GetGauge(); g != nil {
			total += g.GetValue()
		}
		if c := m.GetCounter(); c != nil {
			total += c.GetValue()
		}
	}
	return total
}
