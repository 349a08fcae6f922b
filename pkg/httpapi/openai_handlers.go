package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GridLLM/GridLLM/pkg/gwtypes"
	"github.com/GridLLM/GridLLM/pkg/openai"
)

func newOpenAIError(err error) openai.ErrorBody {
	return openai.NewErrorBody(err)
}

func (s *Server) handleOpenAICompletions(c *gin.Context) {
	var req openai.CompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, wrapValidation(err), true)
		return
	}

	ip, ua := clientContext(c)
	inferReq, err := openai.ToInferenceRequest(req, ip, ua)
	if err != nil {
		writeError(c, err, true)
		return
	}

	tokens := s.estimateTokens(inferReq)
	job, err := s.admit(c.Request.Context(), inferReq, tokens)
	if err != nil {
		writeError(c, err, true)
		return
	}

	if !req.Stream {
		sink := newSyncSink()
		s.broker.Attach(inferReq.ID, sink)
		select {
		case <-sink.done:
		case <-c.Request.Context().Done():
			s.broker.Detach(inferReq.ID)
			return
		}
		if sink.err != nil {
			writeError(c, sink.err, true)
			return
		}
		text := sink.buf.String()
		if req.Echo {
			text = promptText(req) + text
		}
		usage := s.completionUsage(req, sink)
		resp := openai.NewCompletionResponse(inferReq.ID, inferReq.Model, text, sink.finishReason, usage)
		c.JSON(http.StatusOK, resp)
		return
	}

	echoPrefix := ""
	if req.Echo {
		echoPrefix = promptText(req)
	}
	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
	streamSink, events := newOpenAIStreamSink(inferReq.ID, inferReq.Model, echoPrefix, includeUsage)
	s.broker.Attach(inferReq.ID, streamSink)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			_, _ = w.Write(ev)
			return true
		case <-c.Request.Context().Done():
			s.broker.Detach(inferReq.ID)
			s.dispatcher.Cancel(job.Request.ID)
			return false
		}
	})
}

func promptText(req openai.CompletionRequest) string {
	var s string
	_ = json.Unmarshal(req.Prompt, &s)
	return s
}

// completionUsage prefers the worker's own reported token counts, falling
// back to the estimator only when the worker didn't report any (usage is
// the zero value).
func (s *Server) completionUsage(req openai.CompletionRequest, sink *syncSink) openai.Usage {
	promptTokens, completionTokens := sink.usage.PromptTokens, sink.usage.CompletionTokens
	if promptTokens == 0 && completionTokens == 0 {
		promptTokens = s.estimator.Count(promptText(req))
		completionTokens = s.estimator.Count(sink.buf.String())
	}
	return openai.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}

// chatUsage mirrors completionUsage for the chat-completions request shape.
func (s *Server) chatUsage(messages []gwtypes.ChatMessage, sink *syncSink) openai.Usage {
	promptTokens, completionTokens := sink.usage.PromptTokens, sink.usage.CompletionTokens
	if promptTokens == 0 && completionTokens == 0 {
		promptTokens = s.estimator.CountMessages(messages)
		completionTokens = s.estimator.Count(sink.buf.String())
	}
	return openai.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}

func (s *Server) handleOpenAIChatCompletions(c *gin.Context) {
	var req openai.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, wrapValidation(err), true)
		return
	}

	ip, ua := clientContext(c)
	inferReq, err := openai.ToChatInferenceRequest(req, ip, ua)
	if err != nil {
		writeError(c, err, true)
		return
	}

	tokens := s.estimateTokens(inferReq)
	job, err := s.admit(c.Request.Context(), inferReq, tokens)
	if err != nil {
		writeError(c, err, true)
		return
	}

	if !req.Stream {
		sink := newSyncSink()
		s.broker.Attach(inferReq.ID, sink)
		select {
		case <-sink.done:
		case <-c.Request.Context().Done():
			s.broker.Detach(inferReq.ID)
			return
		}
		if sink.err != nil {
			writeError(c, sink.err, true)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":     "chatcmpl-" + inferReq.ID,
			"object": "chat.completion",
			"model":  inferReq.Model,
			"choices": []gin.H{{
				"index":         0,
				"message":       gwtypes.ChatMessage{Role: "assistant", Content: sink.buf.String()},
				"finish_reason": sink.finishReason,
			}},
			"usage": s.chatUsage(inferReq.Payload.Messages, sink),
		})
		return
	}

	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
	streamSink, events := newOpenAIStreamSink(inferReq.ID, inferReq.Model, "", includeUsage)
	s.broker.Attach(inferReq.ID, streamSink)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			_, _ = w.Write(ev)
			return true
		case <-c.Request.Context().Done():
			s.broker.Detach(inferReq.ID)
			s.dispatcher.Cancel(job.Request.ID)
			return false
		}
	})
}

func (s *Server) handleOpenAIModels(c *gin.Context) {
	models := s.registry.AllAvailableModels()
	c.JSON(http.StatusOK, openai.NewModelsResponse(models))
}

// openaiStreamSink shapes chunks into OpenAI-style SSE events, terminated
// by the literal "[DONE]" sentinel line per spec §6. echoPrefix, when set,
// is prepended to the first delta the client sees; includeUsage controls
// whether the final frame carries a usage block.
type openaiStreamSink struct {
	requestID    string
	model        string
	echoPrefix   string
	echoed       bool
	includeUsage bool
	events       chan []byte
}

func newOpenAIStreamSink(requestID, model, echoPrefix string, includeUsage bool) (*openaiStreamSink, <-chan []byte) {
	s := &openaiStreamSink{
		requestID:    requestID,
		model:        model,
		echoPrefix:   echoPrefix,
		includeUsage: includeUsage,
		events:       make(chan []byte, 16),
	}
	return s, s.events
}

func (s *openaiStreamSink) encode(chunk openai.CompletionStreamChunk) []byte {
	payload, _ := json.Marshal(chunk)
	return []byte(fmt.Sprintf("data: %s\n\n", payload))
}

func (s *openaiStreamSink) OnChunk(text string) {
	if !s.echoed {
		text = s.echoPrefix + text
		s.echoed = true
	}
	s.events <- s.encode(openai.NewCompletionStreamChunk(s.requestID, s.model, text, ""))
}

func (s *openaiStreamSink) OnComplete(finishReason string, usage gwtypes.Usage) {
	text := ""
	if !s.echoed && s.echoPrefix != "" {
		text = s.echoPrefix
		s.echoed = true
	}
	chunk := openai.NewCompletionStreamChunk(s.requestID, s.model, text, finishReason)
	if s.includeUsage {
		chunk.Usage = &openai.Usage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.PromptTokens + usage.CompletionTokens,
		}
	}
	s.events <- s.encode(chunk)
	s.events <- []byte(fmt.Sprintf("data: %s\n\n", openai.DoneSentinel))
	close(s.events)
}

func (s *openaiStreamSink) OnError(err error) {
	payload, _ := json.Marshal(openai.NewErrorBody(err))
	s.events <- []byte(fmt.Sprintf("data: %s\n\n", payload))
	s.events <- []byte(fmt.Sprintf("data: %s\n\n", openai.DoneSentinel))
	close(s.events)
}
