package openai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GridLLM/GridLLM/pkg/gwerrors"
	"github.com/GridLLM/GridLLM/pkg/gwtypes"
)

func TestToInferenceRequest_StringPrompt(t *testing.T) {
	req := CompletionRequest{Model: "llama", Prompt: json.RawMessage(`"hello there"`)}
	ir, err := ToInferenceRequest(req, "1.2.3.4", "curl/8.0")
	require.NoError(t, err)
	assert.Equal(t, "hello there", ir.Payload.Prompt)
	assert.Equal(t, gwtypes.KindGenerate, ir.Payload.Kind)
	assert.Equal(t, "openai", ir.Submission.OriginProtocol)
}

func TestToInferenceRequest_SingleElementBatchIsUnwrapped(t *testing.T) {
	req := CompletionRequest{Model: "llama", Prompt: json.RawMessage(`["only one"]`)}
	ir, err := ToInferenceRequest(req, "", "")
	require.NoError(t, err)
	assert.Equal(t, "only one", ir.Payload.Prompt)
}

func TestToInferenceRequest_BatchedPromptRejected(t *testing.T) {
	req := CompletionRequest{Model: "llama", Prompt: json.RawMessage(`["a", "b"]`)}
	_, err := ToInferenceRequest(req, "", "")
	assert.ErrorIs(t, err, gwerrors.ErrValidation)
}

func TestToInferenceRequest_TokenArrayPromptRejected(t *testing.T) {
	req := CompletionRequest{Model: "llama", Prompt: json.RawMessage(`[1, 2, 3]`)}
	_, err := ToInferenceRequest(req, "", "")
	assert.ErrorIs(t, err, gwerrors.ErrValidation)
}

func TestToInferenceRequest_MissingPromptRejected(t *testing.T) {
	req := CompletionRequest{Model: "llama"}
	_, err := ToInferenceRequest(req, "", "")
	assert.ErrorIs(t, err, gwerrors.ErrValidation)
}

func TestToInferenceRequest_UnrepresentableParamsAreAcceptedAndIgnored(t *testing.T) {
	n := 3
	bestOf := 5
	logprobs := 2
	req := CompletionRequest{
		Model:     "llama",
		Prompt:    json.RawMessage(`"hi"`),
		N:         &n,
		BestOf:    &bestOf,
		LogProbs:  &logprobs,
		LogitBias: map[string]float64{"123": 5},
	}
	_, err := ToInferenceRequest(req, "", "")
	assert.NoError(t, err, "best_of/n/logprobs/logit_bias have no native analogue but must not fail the request")
}

func TestToInferenceRequest_StopAsSingleString(t *testing.T) {
	req := CompletionRequest{Model: "llama", Prompt: json.RawMessage(`"hi"`), Stop: json.RawMessage(`"\n"`)}
	ir, err := ToInferenceRequest(req, "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"\n"}, ir.Options.Stop)
}

func TestToInferenceRequest_StopAsArray(t *testing.T) {
	req := CompletionRequest{Model: "llama", Prompt: json.RawMessage(`"hi"`), Stop: json.RawMessage(`["a","b"]`)}
	ir, err := ToInferenceRequest(req, "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ir.Options.Stop)
}

func TestToInferenceRequest_MalformedStopRejected(t *testing.T) {
	req := CompletionRequest{Model: "llama", Prompt: json.RawMessage(`"hi"`), Stop: json.RawMessage(`42`)}
	_, err := ToInferenceRequest(req, "", "")
	assert.ErrorIs(t, err, gwerrors.ErrValidation)
}

func TestToInferenceRequest_DefaultValuesAreOmitted(t *testing.T) {
	temp := 1.0
	topP := 1.0
	maxTokens := 16
	presence := 0.0
	frequency := 0.0
	req := CompletionRequest{
		Model:            "llama",
		Prompt:           json.RawMessage(`"hi"`),
		Temperature:      &temp,
		TopP:             &topP,
		MaxTokens:        &maxTokens,
		PresencePenalty:  &presence,
		FrequencyPenalty: &frequency,
	}
	ir, err := ToInferenceRequest(req, "", "")
	require.NoError(t, err)
	assert.Nil(t, ir.Options.Temperature, "temperature at its OpenAI default should not be forwarded")
	assert.Nil(t, ir.Options.TopP, "top_p at its OpenAI default should not be forwarded")
	assert.Nil(t, ir.Options.NumPredict, "max_tokens at its OpenAI default should not be forwarded")
	assert.Nil(t, ir.Options.PresencePenalty, "a zero presence_penalty should not be forwarded")
	assert.Nil(t, ir.Options.FrequencyPenalty, "a zero frequency_penalty should not be forwarded")
}

func TestToInferenceRequest_NonDefaultValuesAreForwarded(t *testing.T) {
	temp := 0.5
	topP := 0.9
	maxTokens := 128
	presence := 0.3
	frequency := -0.2
	req := CompletionRequest{
		Model:            "llama",
		Prompt:           json.RawMessage(`"hi"`),
		Temperature:      &temp,
		TopP:             &topP,
		MaxTokens:        &maxTokens,
		PresencePenalty:  &presence,
		FrequencyPenalty: &frequency,
	}
	ir, err := ToInferenceRequest(req, "", "")
	require.NoError(t, err)
	require.NotNil(t, ir.Options.Temperature)
	assert.Equal(t, 0.5, *ir.Options.Temperature)
	require.NotNil(t, ir.Options.TopP)
	assert.Equal(t, 0.9, *ir.Options.TopP)
	require.NotNil(t, ir.Options.NumPredict)
	assert.Equal(t, 128, *ir.Options.NumPredict)
	require.NotNil(t, ir.Options.PresencePenalty)
	assert.Equal(t, 0.3, *ir.Options.PresencePenalty)
	require.NotNil(t, ir.Options.FrequencyPenalty)
	assert.Equal(t, -0.2, *ir.Options.FrequencyPenalty)
}

func TestToChatInferenceRequest_TranslatesMessages(t *testing.T) {
	req := ChatCompletionRequest{
		Model: "llama",
		Messages: []ChatMessageDTO{
			{Role: "system", Content: "be nice"},
			{Role: "user", Content: "hi"},
		},
	}
	ir, err := ToChatInferenceRequest(req, "", "")
	require.NoError(t, err)
	assert.Equal(t, gwtypes.KindChat, ir.Payload.Kind)
	require.Len(t, ir.Payload.Messages, 2)
	assert.Equal(t, "user", ir.Payload.Messages[1].Role)
}

func TestToChatInferenceRequest_EmptyMessagesRejected(t *testing.T) {
	_, err := ToChatInferenceRequest(ChatCompletionRequest{Model: "llama"}, "", "")
	assert.ErrorIs(t, err, gwerrors.ErrValidation)
}

func TestNewCompletionResponse_ShapesOpenAIEnvelope(t *testing.T) {
	resp := NewCompletionResponse("job-1", "llama", "hello", "stop", Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3})
	assert.Equal(t, "cmpl-job-1", resp.ID)
	assert.Equal(t, "text_completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello", resp.Choices[0].Text)
	assert.Nil(t, resp.Choices[0].LogProbs)
}

func TestNewModelsResponse_OwnedByIsFixedRegardlessOfFamily(t *testing.T) {
	resp := NewModelsResponse(map[string]gwtypes.ModelDescriptor{
		"llama": {Name: "llama"},
		"mixtral": {Name: "mixtral", Family: "mistral"},
	})
	for _, m := range resp.Data {
		assert.Equal(t, "gridllm", m.OwnedBy)
	}
}

func TestNewModelsResponse_SortedLexicographically(t *testing.T) {
	resp := NewModelsResponse(map[string]gwtypes.ModelDescriptor{
		"zephyr": {Name: "zephyr"},
		"alpaca": {Name: "alpaca"},
		"mixtral": {Name: "mixtral"},
	})
	require.Len(t, resp.Data, 3)
	assert.Equal(t, []string{"alpaca", "mixtral", "zephyr"}, []string{resp.Data[0].ID, resp.Data[1].ID, resp.Data[2].ID})
}

func TestNewErrorBody_MapsValidationError(t *testing.T) {
	body := NewErrorBody(gwerrors.ErrValidation)
	assert.NotEmpty(t, body.Error.Type)
	assert.NotEmpty(t, body.Error.Code)
}
