// Package framework declares the plugin interfaces the Dispatcher's
// candidate-selection pipeline runs against, mirroring the teacher's
// scheduler/framework package.
package framework

import "github.com/GridLLM/GridLLM/pkg/registry"

// Context carries per-request information plugins may use to filter or
// score candidates.
type Context struct {
	Model  string
	Prompt string
}

// FilterPlugin narrows the candidate set. A candidate that fails any
// filter is dropped before scoring.
type FilterPlugin interface {
	Name() string
	Filter(ctx *Context, candidates []registry.WorkerSnapshot) []registry.WorkerSnapshot
}

// ScorePlugin assigns each surviving candidate a score in [0, 100]; higher
// is preferred. Multiple score plugins are summed.
type ScorePlugin interface {
	Name() string
	Score(ctx *Context, candidates []registry.WorkerSnapshot) map[string]int
}
