// Package openai translates between the gateway's native request/response
// shapes and the OpenAI-compatible /v1/completions, /v1/chat/completions,
// and /v1/models surface, per spec §6. It is a pure translation layer: it
// never touches the queue, registry, or dispatcher directly.
package openai

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/GridLLM/GridLLM/pkg/gwerrors"
	"github.com/GridLLM/GridLLM/pkg/gwtypes"
)

// gatewayOwner is the fixed value GridLLM reports as owned_by for every
// model, regardless of which family it belongs to.
const gatewayOwner = "gridllm"

// CompletionRequest is the OpenAI /v1/completions request body.
type CompletionRequest struct {
	Model            string          `json:"model"`
	Prompt           json.RawMessage `json:"prompt"`
	MaxTokens        *int            `json:"max_tokens"`
	Temperature      *float64        `json:"temperature"`
	TopP             *float64        `json:"top_p"`
	N                *int            `json:"n"`
	Stream           bool            `json:"stream"`
	Stop             json.RawMessage `json:"stop"`
	PresencePenalty  *float64        `json:"presence_penalty"`
	FrequencyPenalty *float64        `json:"frequency_penalty"`
	BestOf           *int            `json:"best_of"`
	LogProbs         *int            `json:"logprobs"`
	LogitBias        map[string]float64 `json:"logit_bias"`
	Suffix           *string         `json:"suffix"`
	Seed             *int64          `json:"seed"`
	Echo             bool            `json:"echo"`
	StreamOptions    *StreamOptions  `json:"stream_options"`
}

// ChatCompletionRequest is the OpenAI /v1/chat/completions request body.
type ChatCompletionRequest struct {
	Model            string             `json:"model"`
	Messages         []ChatMessageDTO   `json:"messages"`
	MaxTokens        *int               `json:"max_tokens"`
	Temperature      *float64           `json:"temperature"`
	TopP             *float64           `json:"top_p"`
	N                *int               `json:"n"`
	Stream           bool               `json:"stream"`
	Stop             json.RawMessage    `json:"stop"`
	PresencePenalty  *float64           `json:"presence_penalty"`
	FrequencyPenalty *float64           `json:"frequency_penalty"`
	LogProbs         *bool              `json:"logprobs"`
	LogitBias        map[string]float64 `json:"logit_bias"`
	Seed             *int64             `json:"seed"`
	StreamOptions    *StreamOptions     `json:"stream_options"`
}

// StreamOptions controls streaming-only response behavior. IncludeUsage,
// when set, attaches a usage block to the final chunk (the one carrying
// finish_reason) before the [DONE] sentinel; otherwise streaming responses
// omit usage entirely.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type ChatMessageDTO struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAI's documented defaults for fields the translation table omits when
// a request supplies exactly the default value, so a client that always
// sends its library's defaults doesn't force every option onto the wire.
const (
	defaultTemperature = 1.0
	defaultTopP        = 1.0
	defaultMaxTokens   = 16
)

// parameter mapping table (spec §6): OpenAI field -> PassthroughOptions
// field. best_of, n, logprobs, and logit_bias have no analogue in the
// native wire protocol; per the Open Questions resolution they are
// accepted and silently ignored rather than rejected, so OpenAI clients
// that always send them are not broken by GridLLM's absence of sampling
// features it cannot honor.
func applyCommonOptions(opts *gwtypes.PassthroughOptions, maxTokens *int, temperature, topP *float64, stop json.RawMessage, presence, frequency *float64, seed *int64) error {
	opts.Temperature = omitDefaultFloat(temperature, defaultTemperature)
	opts.TopP = omitDefaultFloat(topP, defaultTopP)
	opts.NumPredict = omitDefaultInt(maxTokens, defaultMaxTokens)
	opts.PresencePenalty = omitZeroFloat(presence)
	opts.FrequencyPenalty = omitZeroFloat(frequency)
	opts.Seed = seed

	if len(stop) > 0 {
		stopList, err := decodeStop(stop)
		if err != nil {
			return err
		}
		opts.Stop = stopList
	}
	return nil
}

// omitDefaultFloat drops a value equal to its OpenAI-documented default so
// it isn't forwarded to the worker as an explicit override.
func omitDefaultFloat(v *float64, def float64) *float64 {
	if v == nil || *v == def {
		return nil
	}
	return v
}

func omitDefaultInt(v *int, def int) *int {
	if v == nil || *v == def {
		return nil
	}
	return v
}

// omitZeroFloat drops a zero-value penalty: the spec forwards
// frequency_penalty/presence_penalty only when non-zero.
func omitZeroFloat(v *float64) *float64 {
	if v == nil || *v == 0 {
		return nil
	}
	return v
}

func decodeStop(raw json.RawMessage) ([]string, error) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		return multi, nil
	}
	return nil, fmt.Errorf("stop must be a string or array of strings: %w", gwerrors.ErrValidation)
}

// ToInferenceRequest translates a CompletionRequest into a native
// InferenceRequest. Token-array prompts ([]int, the tokenized form) are
// rejected with ErrValidation rather than lossily stringified, per the
// Open Questions resolution favoring fidelity over best-effort
// compatibility: GridLLM has no detokenizer in the gateway itself, and
// silently mangling a token-array prompt into a string would corrupt it.
func ToInferenceRequest(req CompletionRequest, clientIP, userAgent string) (gwtypes.InferenceRequest, error) {
	prompt, err := decodePrompt(req.Prompt)
	if err != nil {
		return gwtypes.InferenceRequest{}, err
	}

	opts := gwtypes.PassthroughOptions{}
	if err := applyCommonOptions(&opts, req.MaxTokens, req.Temperature, req.TopP, req.Stop, req.PresencePenalty, req.FrequencyPenalty, req.Seed); err != nil {
		return gwtypes.InferenceRequest{}, err
	}
	if req.Suffix != nil {
		opts.Suffix = req.Suffix
	}

	return gwtypes.InferenceRequest{
		ID:       uuid.NewString(),
		Model:    req.Model,
		Payload:  gwtypes.Payload{Kind: gwtypes.KindGenerate, Prompt: prompt},
		Options:  opts,
		Priority: gwtypes.PriorityMedium,
		Stream:   req.Stream,
		Submission: gwtypes.SubmissionMetadata{
			ClientIP:       clientIP,
			UserAgent:      userAgent,
			SubmittedAt:    time.Now(),
			OriginProtocol: "openai",
		},
	}, nil
}

func decodePrompt(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("prompt is required: %w", gwerrors.ErrValidation)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var strs []string
	if err := json.Unmarshal(raw, &strs); err == nil {
		if len(strs) == 1 {
			return strs[0], nil
		}
		return "", fmt.Errorf("batched prompts are not supported: %w", gwerrors.ErrValidation)
	}
	// A JSON array of integers is the tokenized prompt form. Rejected
	// rather than approximated.
	return "", fmt.Errorf("token-array prompts are not supported: %w", gwerrors.ErrValidation)
}

// ToChatInferenceRequest translates a ChatCompletionRequest.
func ToChatInferenceRequest(req ChatCompletionRequest, clientIP, userAgent string) (gwtypes.InferenceRequest, error) {
	if len(req.Messages) == 0 {
		return gwtypes.InferenceRequest{}, fmt.Errorf("messages must not be empty: %w", gwerrors.ErrValidation)
	}
	messages := make([]gwtypes.ChatMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = gwtypes.ChatMessage{Role: m.Role, Content: m.Content}
	}

	opts := gwtypes.PassthroughOptions{}
	if err := applyCommonOptions(&opts, req.MaxTokens, req.Temperature, req.TopP, req.Stop, req.PresencePenalty, req.FrequencyPenalty, req.Seed); err != nil {
		return gwtypes.InferenceRequest{}, err
	}

	return gwtypes.InferenceRequest{
		ID:       uuid.NewString(),
		Model:    req.Model,
		Payload:  gwtypes.Payload{Kind: gwtypes.KindChat, Messages: messages},
		Options:  opts,
		Priority: gwtypes.PriorityMedium,
		Stream:   req.Stream,
		Submission: gwtypes.SubmissionMetadata{
			ClientIP:       clientIP,
			UserAgent:      userAgent,
			SubmittedAt:    time.Now(),
			OriginProtocol: "openai",
		},
	}, nil
}

// CompletionChoice is one entry of a CompletionResponse's choices array.
type CompletionChoice struct {
	Text         string  `json:"text"`
	Index        int     `json:"index"`
	LogProbs     *string `json:"logprobs"` // always null: GridLLM workers do not report token log-probabilities
	FinishReason string  `json:"finish_reason"`
}

// Usage reports token accounting from the worker's reported
// prompt_eval_count/eval_count; for non-streaming responses where both are
// zero, the HTTP layer fills it with a pkg/tokenizer estimate instead.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the OpenAI /v1/completions response body.
type CompletionResponse struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Created int64               `json:"created"`
	Model   string              `json:"model"`
	Choices []CompletionChoice  `json:"choices"`
	Usage   Usage               `json:"usage"`
}

// NewCompletionResponse shapes a completed job's output into the OpenAI
// response envelope.
func NewCompletionResponse(requestID, model, text, finishReason string, usage Usage) CompletionResponse {
	return CompletionResponse{
		ID:      "cmpl-" + requestID,
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []CompletionChoice{{
			Text:         text,
			Index:        0,
			LogProbs:     nil,
			FinishReason: finishReason,
		}},
		Usage: usage,
	}
}

// CompletionStreamChunk is one SSE data payload for a streaming
// completion, terminated by the literal "[DONE]" sentinel line rather
// than another JSON object.
type CompletionStreamChunk struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *Usage             `json:"usage,omitempty"`
}

// NewCompletionStreamChunk shapes a single text delta into a streaming
// chunk envelope. finishReason is empty until the final chunk.
func NewCompletionStreamChunk(requestID, model, delta, finishReason string) CompletionStreamChunk {
	return CompletionStreamChunk{
		ID:      "cmpl-" + requestID,
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []CompletionChoice{{
			Text:         delta,
			Index:        0,
			LogProbs:     nil,
			FinishReason: finishReason,
		}},
	}
}

// DoneSentinel is the literal SSE payload OpenAI clients expect to
// terminate a stream.
const DoneSentinel = "[DONE]"

// ModelInfo is one entry of the /v1/models response, per the OpenAI
// model-listing shape.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse is the OpenAI /v1/models response body.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// NewModelsResponse shapes the registry's available-models set into the
// OpenAI model-listing response, sorted lexicographically by id so
// repeated calls against an unchanged registry are stable.
func NewModelsResponse(models map[string]gwtypes.ModelDescriptor) ModelsResponse {
	data := make([]ModelInfo, 0, len(models))
	for name, desc := range models {
		data = append(data, ModelInfo{
			ID:      name,
			Object:  "model",
			Created: desc.ModifiedAt.Unix(),
			OwnedBy: gatewayOwner,
		})
	}
	sort.Slice(data, func(i, j int) bool { return data[i].ID < data[j].ID })
	return ModelsResponse{Object: "list", Data: data}
}

// ErrorBody is the OpenAI-compatible error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// NewErrorBody shapes err into the OpenAI-compatible error envelope, per
// spec's error-surface table.
func NewErrorBody(err error) ErrorBody {
	return ErrorBody{Error: ErrorDetail{
		Message: err.Error(),
		Type:    gwerrors.Type(err),
		Code:    gwerrors.Code(err),
	}}
}
