package scheduler

import (
	"context"

	"github.com/GridLLM/GridLLM/pkg/gwtypes"
)

// AdapterChunk is one unit of streamed output from a worker. PromptEvalCount
// and EvalCount are only populated on the final (Done) chunk, mirroring
// what the worker itself reports.
type AdapterChunk struct {
	Text            string
	Done            bool
	FinishReason    string
	PromptEvalCount int
	EvalCount       int
}

// WorkerClient is the Dispatcher's view of the Worker Adapter: enough to
// start a streaming dispatch and to ask a worker to cancel one it already
// accepted. Implemented by pkg/adapter.
type WorkerClient interface {
	DispatchStreaming(ctx context.Context, workerAddr string, req gwtypes.InferenceRequest, emit func(AdapterChunk)) error
	Cancel(ctx context.Context, workerAddr, requestID string)
}
