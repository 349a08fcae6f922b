package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GridLLM/GridLLM/pkg/gwerrors"
	"github.com/GridLLM/GridLLM/pkg/gwtypes"
	"github.com/GridLLM/GridLLM/pkg/streambroker"
)

type generateRequest struct {
	Model       string   `json:"model" binding:"required"`
	Prompt      string   `json:"prompt" binding:"required"`
	Stream      bool     `json:"stream"`
	Priority    string   `json:"priority"`
	DeadlineMS  int64    `json:"deadline_ms"`
	Temperature *float64 `json:"temperature"`
	TopP        *float64 `json:"top_p"`
	NumPredict  *int     `json:"num_predict"`
	Stop        []string `json:"stop"`
}

type chatRequest struct {
	Model       string              `json:"model" binding:"required"`
	Messages    []gwtypes.ChatMessage `json:"messages" binding:"required"`
	Stream      bool                `json:"stream"`
	Priority    string              `json:"priority"`
	DeadlineMS  int64               `json:"deadline_ms"`
	Temperature *float64            `json:"temperature"`
	TopP        *float64            `json:"top_p"`
	NumPredict  *int                `json:"num_predict"`
}

type embedRequest struct {
	Model string   `json:"model" binding:"required"`
	Input []string `json:"input" binding:"required"`
}

func withDeadline(req gwtypes.InferenceRequest, deadlineMS int64) gwtypes.InferenceRequest {
	if deadlineMS > 0 {
		req.Deadline = time.Now().Add(time.Duration(deadlineMS) * time.Millisecond)
	}
	return req
}

// syncSink accumulates a job's output for the non-streaming response path,
// signalling done via a channel once the terminal outcome arrives.
type syncSink struct {
	buf          bytes.Buffer
	finishReason string
	usage        gwtypes.Usage
	err          error
	done         chan struct{}
}

func newSyncSink() *syncSink { return &syncSink{done: make(chan struct{})} }

func (s *syncSink) OnChunk(text string) { s.buf.WriteString(text) }
func (s *syncSink) OnComplete(finishReason string, usage gwtypes.Usage) {
	s.finishReason = finishReason
	s.usage = usage
	close(s.done)
}
func (s *syncSink) OnError(err error) { s.err = err; close(s.done) }

var _ streambroker.Sink = (*syncSink)(nil)

func (s *Server) handleGenerate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, wrapValidation(err), false)
		return
	}

	ip, ua := clientContext(c)
	inferReq := gwtypes.InferenceRequest{
		ID:       newRequestID(),
		Model:    req.Model,
		Payload:  gwtypes.Payload{Kind: gwtypes.KindGenerate, Prompt: req.Prompt},
		Priority: gwtypes.ParsePriority(req.Priority),
		Stream:   req.Stream,
		Options: gwtypes.PassthroughOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			NumPredict:  req.NumPredict,
			Stop:        req.Stop,
		},
		Submission: gwtypes.SubmissionMetadata{ClientIP: ip, UserAgent: ua, SubmittedAt: time.Now(), OriginProtocol: "native"},
	}
	inferReq = withDeadline(inferReq, req.DeadlineMS)

	s.submitAndRespond(c, inferReq, req.Stream)
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, wrapValidation(err), false)
		return
	}

	ip, ua := clientContext(c)
	inferReq := gwtypes.InferenceRequest{
		ID:       newRequestID(),
		Model:    req.Model,
		Payload:  gwtypes.Payload{Kind: gwtypes.KindChat, Messages: req.Messages},
		Priority: gwtypes.ParsePriority(req.Priority),
		Stream:   req.Stream,
		Options: gwtypes.PassthroughOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			NumPredict:  req.NumPredict,
		},
		Submission: gwtypes.SubmissionMetadata{ClientIP: ip, UserAgent: ua, SubmittedAt: time.Now(), OriginProtocol: "native"},
	}
	inferReq = withDeadline(inferReq, req.DeadlineMS)

	s.submitAndRespond(c, inferReq, req.Stream)
}

func (s *Server) handleEmbed(c *gin.Context) {
	var req embedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, wrapValidation(err), false)
		return
	}

	ip, ua := clientContext(c)
	inferReq := gwtypes.InferenceRequest{
		ID:       newRequestID(),
		Model:    req.Model,
		Payload:  gwtypes.Payload{Kind: gwtypes.KindEmbed, EmbeddingInput: req.Input},
		Priority: gwtypes.PriorityMedium,
		Submission: gwtypes.SubmissionMetadata{ClientIP: ip, UserAgent: ua, SubmittedAt: time.Now(), OriginProtocol: "native"},
	}
	s.submitAndRespond(c, inferReq, false)
}

func (s *Server) handleCancel(c *gin.Context) {
	jobID := c.Param("id")
	if !s.dispatcher.Cancel(jobID) {
		writeError(c, gwerrors.ErrUnknownWorker, false)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) estimateTokens(req gwtypes.InferenceRequest) int {
	if s.estimator == nil {
		return 1
	}
	switch req.Payload.Kind {
	case gwtypes.KindChat:
		return s.estimator.CountMessages(req.Payload.Messages)
	case gwtypes.KindEmbed:
		total := 0
		for _, in := range req.Payload.EmbeddingInput {
			total += s.estimator.Count(in)
		}
		return total
	default:
		return s.estimator.Count(req.Payload.Prompt)
	}
}

// submitAndRespond admits req, attaches a sink to the Stream Broker, and
// either streams chunks over SSE or waits for the terminal outcome and
// returns a single JSON response, depending on stream.
func (s *Server) submitAndRespond(c *gin.Context, req gwtypes.InferenceRequest, stream bool) {
	tokens := s.estimateTokens(req)
	job, err := s.admit(c.Request.Context(), req, tokens)
	if err != nil {
		writeError(c, err, false)
		return
	}

	if !stream {
		sink := newSyncSink()
		s.broker.Attach(req.ID, sink)
		select {
		case <-sink.done:
		case <-c.Request.Context().Done():
			s.broker.Detach(req.ID)
			return
		}
		if sink.err != nil {
			writeError(c, sink.err, false)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":            req.ID,
			"model":         req.Model,
			"text":          sink.buf.String(),
			"finish_reason": sink.finishReason,
		})
		return
	}

	sseSink, events := newSSESink()
	s.broker.Attach(req.ID, sseSink)
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
			s.broker.Detach(req.ID)
			s.dispatcher.Cancel(job.Request.ID)
			return false
		}
	})
}

// sseSink converts Stream Broker callbacks into a channel of
// already-encoded SSE event bytes, so the gin handler's Stream loop never
// touches gwtypes/job state directly.
type sseSink struct {
	events chan []byte
}

func newSSESink() (*sseSink, <-chan []byte) {
	s := &sseSink{events: make(chan []byte, 16)}
	return s, s.events
}

func (s *sseSink) OnChunk(text string) {
	payload, _ := json.Marshal(gin.H{"text": text, "done": false})
	s.events <- append(append([]byte("data: "), payload...), '\n', '\n')
}

func (s *sseSink) OnComplete(finishReason string, usage gwtypes.Usage) {
	payload, _ := json.Marshal(gin.H{
		"done":              true,
		"finish_reason":     finishReason,
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
	})
	s.events <- append(append([]byte("data: "), payload...), '\n', '\n')
	close(s.events)
}

func (s *sseSink) OnError(err error) {
	payload, _ := json.Marshal(gin.H{"done": true, "error": err.Error()})
	s.events <- append(append([]byte("data: "), payload...), '\n', '\n')
	close(s.events)
}

var _ streambroker.Sink = (*sseSink)(nil)
