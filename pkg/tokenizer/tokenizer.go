// Package tokenizer estimates token counts for rate limiting and OpenAI
// response shaping. It never sits on the core scheduling path: the
// registry, queue, dispatcher, and stream broker are token-format
// agnostic, per spec's non-goals for tokenization-aware scheduling.
// Grounded on the teacher's filters/tokenizer package.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/GridLLM/GridLLM/pkg/gwtypes"
)

const encodingName = "cl100k_base"

var loaderOnce sync.Once

// Estimator counts tokens in text using an offline cl100k_base encoding,
// so it works without network access.
type Estimator struct {
	mu       sync.Mutex
	encoding *tiktoken.Tiktoken
}

// New creates an Estimator, loading the offline encoding tables once per
// process.
func New() (*Estimator, error) {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, err
	}
	return &Estimator{encoding: enc}, nil
}

// Count returns the estimated token count of text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.encoding.Encode(text, nil, nil))
}

// CountMessages estimates the token count of a chat message list, adding a
// small per-message overhead the way chat wire formats do for role framing.
func (e *Estimator) CountMessages(messages []gwtypes.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += 4 + e.Count(m.Role) + e.Count(m.Content)
	}
	return total
}
