// Package adapter implements the Worker Adapter: the HTTP client the
// Dispatcher uses to hand a job to a worker and stream its output back.
// Grounded on the teacher's connectors package, whose handleStreamingResponse
// reads a worker's response with a bufio.Reader line-by-line; adapted here
// from an HTTP-proxy loop into a client that parses each line as a
// self-contained JSON record and calls back into the Dispatcher instead of
// writing straight to an HTTP ResponseWriter.
package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/GridLLM/GridLLM/pkg/gridlog"
	"github.com/GridLLM/GridLLM/pkg/gwerrors"
	"github.com/GridLLM/GridLLM/pkg/gwtypes"
	"github.com/GridLLM/GridLLM/pkg/scheduler"
)

var log = gridlog.NewLogger("adapter")

// wireRequest is the native request body sent to a worker's /v1/infer
// endpoint. Only non-nil PassthroughOptions fields are serialized.
type wireRequest struct {
	RequestID string              `json:"request_id"`
	Model     string              `json:"model"`
	Kind      string              `json:"kind"`
	Prompt    string              `json:"prompt,omitempty"`
	Messages  []gwtypes.ChatMessage `json:"messages,omitempty"`
	Input     []string            `json:"input,omitempty"`
	Stream    bool                `json:"stream"`
	Options   map[string]any      `json:"options,omitempty"`
}

// wireChunk is one line of a worker's line-delimited JSON response stream.
// Text arrives either directly in Response or nested under Message.Content
// (the chat-style shape); DoneReason, PromptEvalCount, EvalCount, and
// TotalDuration are only populated on the final record.
type wireChunk struct {
	Response string `json:"response"`
	Message  struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	TotalDuration   int64  `json:"total_duration"`
	Error           string `json:"error"`
}

func (c wireChunk) text() string {
	if c.Response != "" {
		return c.Response
	}
	return c.Message.Content
}

// deriveFinishReason applies the worker's own stop reason when it reported
// one. A worker that stops without a reason and produced no output tokens
// hit its context/length limit before generating anything; anything else
// that stops silently is treated as a normal stop.
func deriveFinishReason(doneReason string, evalCount int) string {
	if doneReason != "" {
		return doneReason
	}
	if evalCount == 0 {
		return "length"
	}
	return "stop"
}

// Adapter is the concrete WorkerClient implementation used by the
// Dispatcher.
type Adapter struct {
	httpClient *http.Client
}

var _ scheduler.WorkerClient = (*Adapter)(nil)

// New creates an Adapter whose timeout bounds how long a request waits for
// the worker's response headers after it is sent (streaming reads are
// bounded by the caller's context, typically the job's deadline).
func New(dialTimeout time.Duration) *Adapter {
	return &Adapter{
		httpClient: &http.Client{
			Timeout: 0, // streaming responses can run arbitrarily long; the caller's ctx bounds it
			Transport: &http.Transport{
				ResponseHeaderTimeout: dialTimeout,
			},
		},
	}
}

func kindName(k gwtypes.RequestKind) string {
	switch k {
	case gwtypes.KindChat:
		return "chat"
	case gwtypes.KindEmbed:
		return "embed"
	default:
		return "generate"
	}
}

func optionsMap(o gwtypes.PassthroughOptions) map[string]any {
	m := make(map[string]any)
	if o.Temperature != nil {
		m["temperature"] = *o.Temperature
	}
	if o.TopP != nil {
		m["top_p"] = *o.TopP
	}
	if o.NumPredict != nil {
		m["num_predict"] = *o.NumPredict
	}
	if o.Seed != nil {
		m["seed"] = *o.Seed
	}
	if len(o.Stop) > 0 {
		m["stop"] = o.Stop
	}
	if o.FrequencyPenalty != nil {
		m["frequency_penalty"] = *o.FrequencyPenalty
	}
	if o.PresencePenalty != nil {
		m["presence_penalty"] = *o.PresencePenalty
	}
	if o.Suffix != nil {
		m["suffix"] = *o.Suffix
	}
	if len(o.Images) > 0 {
		m["images"] = o.Images
	}
	if o.Format != nil {
		m["format"] = *o.Format
	}
	if o.System != nil {
		m["system"] = *o.System
	}
	if o.Template != nil {
		m["template"] = *o.Template
	}
	if o.Raw != nil {
		m["raw"] = *o.Raw
	}
	if o.KeepAlive != nil {
		m["keep_alive"] = *o.KeepAlive
	}
	if len(o.Context) > 0 {
		m["context"] = o.Context
	}
	if len(o.Tools) > 0 {
		m["tools"] = o.Tools
	}
	if o.Think != nil {
		m["think"] = *o.Think
	}
	if o.Truncate != nil {
		m["truncate"] = *o.Truncate
	}
	for k, v := range o.AdditionalOptions {
		m[k] = v
	}
	return m
}

func buildWireRequest(req gwtypes.InferenceRequest) wireRequest {
	wr := wireRequest{
		RequestID: req.ID,
		Model:     req.Model,
		Kind:      kindName(req.Payload.Kind),
		Stream:    req.Stream,
		Options:   optionsMap(req.Options),
	}
	switch req.Payload.Kind {
	case gwtypes.KindChat:
		wr.Messages = req.Payload.Messages
	case gwtypes.KindEmbed:
		wr.Input = req.Payload.EmbeddingInput
	default:
		wr.Prompt = req.Payload.Prompt
	}
	return wr
}

// DispatchStreaming sends req to the worker at workerAddr and invokes emit
// once per line of the response, in order. It returns once the stream ends,
// either because the worker sent a chunk with Done set, the connection
// closed, or ctx was cancelled.
func (a *Adapter) DispatchStreaming(ctx context.Context, workerAddr string, req gwtypes.InferenceRequest, emit func(scheduler.AdapterChunk)) error {
	body, err := json.Marshal(buildWireRequest(req))
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, workerAddr+"/v1/infer", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%v: %w", err, gwerrors.ErrWorkerLost)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("worker returned status %d: %w", resp.StatusCode, gwerrors.ErrWorkerLost)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("worker returned status %d: %w", resp.StatusCode, gwerrors.ErrWorkerReportedError)
	}

	reader := bufio.NewReader(resp.Body)
	parseFailures := 0
	const maxParseFailures = 3

	for {
		line, readErr := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var chunk wireChunk
			if jsonErr := json.Unmarshal(line, &chunk); jsonErr != nil {
				parseFailures++
				log.Warnf("malformed stream record from %s (attempt %d): %v", workerAddr, parseFailures, jsonErr)
				if parseFailures >= maxParseFailures {
					return fmt.Errorf("repeated malformed stream records: %w", gwerrors.ErrTransportCorrupt)
				}
				if readErr != nil {
					// The connection closed with this record still
					// buffered and unparseable: it was truncated
					// mid-record, not simply absent.
					return fmt.Errorf("stream closed mid-record: %w", gwerrors.ErrTransportCorrupt)
				}
			} else {
				parseFailures = 0
				if chunk.Error != "" {
					return fmt.Errorf("worker reported error: %s: %w", chunk.Error, gwerrors.ErrWorkerReportedError)
				}
				out := scheduler.AdapterChunk{Text: chunk.text(), Done: chunk.Done}
				if chunk.Done {
					out.FinishReason = deriveFinishReason(chunk.DoneReason, chunk.EvalCount)
					out.PromptEvalCount = chunk.PromptEvalCount
					out.EvalCount = chunk.EvalCount
				}
				emit(out)
				if chunk.Done {
					return nil
				}
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				// Connection closed cleanly between records, before a
				// Done record arrived: the worker vanished mid-stream.
				return fmt.Errorf("stream closed before completion: %w", gwerrors.ErrWorkerLost)
			}
			return fmt.Errorf("reading stream: %w", readErr)
		}
	}
}

// Cancel best-effort notifies the worker that requestID should stop.
// Failure is logged, not propagated: the Dispatcher has already marked the
// job terminal and releases its local bookkeeping regardless of whether the
// worker acknowledges the cancellation.
func (a *Adapter) Cancel(ctx context.Context, workerAddr, requestID string) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, workerAddr+"/v1/cancel/"+requestID, nil)
	if err != nil {
		return
	}
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		log.Debugf("cancel notification to %s for %s failed: %v", workerAddr, requestID, err)
		return
	}
	_ = resp.Body.Close()
}
