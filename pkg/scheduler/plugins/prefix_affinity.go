package plugins

import (
	"hash/fnv"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/GridLLM/GridLLM/pkg/registry"
	"github.com/GridLLM/GridLLM/pkg/scheduler/framework"
)

const PrefixAffinityPluginName = "prefix-affinity"

const prefixLen = 256

var _ framework.ScorePlugin = &PrefixAffinity{}

// PrefixAffinity is an optional additive score plugin: it remembers, per
// prompt-prefix hash, which worker last served that prefix, and rewards
// routing the next request with the same prefix back to it, on the theory
// that a worker with the prompt's KV cache warm answers faster. Grounded
// on the teacher's prefix-cache plugin and its LRU cache helper.
type PrefixAffinity struct {
	affinity *lru.Cache[uint64, string]
	bonus    int
}

// NewPrefixAffinity creates a PrefixAffinity plugin remembering up to size
// prefix->worker mappings, awarding bonus score points to the remembered
// worker when it survives filtering.
func NewPrefixAffinity(size, bonus int) (*PrefixAffinity, error) {
	cache, err := lru.New[uint64, string](size)
	if err != nil {
		return nil, err
	}
	return &PrefixAffinity{affinity: cache, bonus: bonus}, nil
}

func (p *PrefixAffinity) Name() string { return PrefixAffinityPluginName }

func hashPrefix(prompt string) uint64 {
	if len(prompt) > prefixLen {
		prompt = prompt[:prefixLen]
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(prompt))
	return h.Sum64()
}

func (p *PrefixAffinity) Score(ctx *framework.Context, candidates []registry.WorkerSnapshot) map[string]int {
	scores := make(map[string]int, len(candidates))
	if ctx.Prompt == "" || len(candidates) == 0 {
		return scores
	}

	key := hashPrefix(ctx.Prompt)
	preferred, ok := p.affinity.Get(key)
	for _, c := range candidates {
		if ok && c.ID == preferred {
			scores[c.ID] = p.bonus
		} else {
			scores[c.ID] = 0
		}
	}
	return scores
}

// Remember records that workerID served a request with this prompt, for
// future affinity scoring. Called by the Dispatcher after assignment.
func (p *PrefixAffinity) Remember(prompt, workerID string) {
	if prompt == "" {
		return
	}
	p.affinity.Add(hashPrefix(prompt), workerID)
}
