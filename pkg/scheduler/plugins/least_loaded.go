package plugins

import (
	"github.com/GridLLM/GridLLM/pkg/registry"
	"github.com/GridLLM/GridLLM/pkg/scheduler/framework"
)

const LeastLoadedPluginName = "least-loaded"

var _ framework.ScorePlugin = &LeastLoaded{}

// LeastLoaded scores candidates inversely to their in-flight count:
// candidates with fewer in-flight jobs score higher. This restates the
// selection policy's first rule (least in-flight), by which
// registry.Candidates already orders candidates; since the Dispatcher lets
// scores choose only among candidates tied on in-flight count, this
// plugin's scores are equal across any such choice.
type LeastLoaded struct{}

func NewLeastLoaded() *LeastLoaded { return &LeastLoaded{} }

func (l *LeastLoaded) Name() string { return LeastLoadedPluginName }

func (l *LeastLoaded) Score(ctx *framework.Context, candidates []registry.WorkerSnapshot) map[string]int {
	scores := make(map[string]int, len(candidates))
	if len(candidates) == 0 {
		return scores
	}

	maxInFlight := 0
	for _, c := range candidates {
		if c.InFlight > maxInFlight {
			maxInFlight = c.InFlight
		}
	}
	if maxInFlight == 0 {
		for _, c := range candidates {
			scores[c.ID] = 100
		}
		return scores
	}
	for _, c := range candidates {
		scores[c.ID] = int(float64(maxInFlight-c.InFlight) / float64(maxInFlight) * 100)
	}
	return scores
}
