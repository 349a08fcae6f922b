// Package httpapi is the gateway's external HTTP surface: worker
// registration/heartbeat/deregistration, the native generate/chat/embed
// endpoints, the OpenAI-compatible /v1/completions and /v1/models
// endpoints, and debug introspection endpoints. Grounded on the teacher's
// router package for request handling shape and its debug package for the
// introspection endpoints, both rebuilt on gin around GridLLM's own
// domain types.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/GridLLM/GridLLM/pkg/authn"
	"github.com/GridLLM/GridLLM/pkg/gridlog"
	"github.com/GridLLM/GridLLM/pkg/gwerrors"
	"github.com/GridLLM/GridLLM/pkg/gwtypes"
	"github.com/GridLLM/GridLLM/pkg/ratelimit"
	"github.com/GridLLM/GridLLM/pkg/registry"
	"github.com/GridLLM/GridLLM/pkg/scheduler"
	"github.com/GridLLM/GridLLM/pkg/streambroker"
	"github.com/GridLLM/GridLLM/pkg/tokenizer"
)

var log = gridlog.NewLogger("httpapi")

// Server wires the gateway's core components to a gin router.
type Server struct {
	registry   registry.Registry
	dispatcher *scheduler.Dispatcher
	broker     *streambroker.Broker
	limiter    ratelimit.Limiter
	estimator  *tokenizer.Estimator
	auth       *authn.Authenticator

	defaultJobTimeout time.Duration

	engine *gin.Engine
}

// New builds a Server and registers all routes on a fresh gin engine.
// defaultJobTimeout is applied to any admitted request that doesn't set its
// own deadline; a value <= 0 leaves such requests without a deadline.
func New(reg registry.Registry, dispatcher *scheduler.Dispatcher, broker *streambroker.Broker, limiter ratelimit.Limiter, estimator *tokenizer.Estimator, auth *authn.Authenticator, defaultJobTimeout time.Duration) *Server {
	s := &Server{
		registry:          reg,
		dispatcher:        dispatcher,
		broker:            broker,
		limiter:           limiter,
		estimator:         estimator,
		auth:              auth,
		defaultJobTimeout: defaultJobTimeout,
		engine:            gin.New(),
	}
	s.engine.Use(gin.Recovery(), requestLogger())
	s.routes()
	return s
}

// Engine exposes the underlying gin engine, e.g. for http.Server wiring.
func (s *Server) Engine() *gin.Engine { return s.engine }

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infof("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) routes() {
	worker := s.engine.Group("/v1/workers")
	{
		worker.POST("/register", s.handleRegister)
		worker.POST("/:id/heartbeat", s.handleHeartbeat)
		worker.DELETE("/:id", s.handleDeregister)
		worker.GET("", s.handleListWorkers)
	}

	native := s.engine.Group("/v1")
	native.Use(s.auth.Middleware())
	{
		native.POST("/generate", s.handleGenerate)
		native.POST("/chat", s.handleChat)
		native.POST("/embed", s.handleEmbed)
		native.POST("/cancel/:id", s.handleCancel)
	}

	openaiGroup := s.engine.Group("/v1")
	openaiGroup.Use(s.auth.Middleware())
	{
		openaiGroup.POST("/completions", s.handleOpenAICompletions)
		openaiGroup.POST("/chat/completions", s.handleOpenAIChatCompletions)
		openaiGroup.GET("/models", s.handleOpenAIModels)
	}

	debugGroup := s.engine.Group("/debug")
	{
		debugGroup.GET("/workers", s.handleDebugWorkers)
		debugGroup.GET("/models", s.handleDebugModels)
	}

	s.engine.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
}

// writeError shapes err into the gateway's error surface (spec §7): plain
// JSON for the native API, OpenAI's envelope for the openai-compatible one.
func writeError(c *gin.Context, err error, openaiStyle bool) {
	status := gwerrors.HTTPStatus(err)
	if openaiStyle {
		c.JSON(status, newOpenAIError(err))
		return
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
		"type":  gwerrors.Type(err),
		"code":  gwerrors.Code(err),
	})
}

func clientContext(c *gin.Context) (string, string) {
	return c.ClientIP(), c.Request.UserAgent()
}

func newRequestID() string { return uuid.NewString() }

// admit checks model availability and the rate limit, applies the default
// job timeout, and enqueues req, returning the created Job. Nothing is
// enqueued if either check fails, so queue depth is unaffected by a
// rejected admission.
func (s *Server) admit(ctx context.Context, req gwtypes.InferenceRequest, estimatedTokens int) (*gwtypes.Job, error) {
	if len(s.registry.Candidates(req.Model)) == 0 {
		return nil, fmt.Errorf("no worker serves model %s: %w", req.Model, gwerrors.ErrModelUnavailable)
	}
	if s.limiter != nil && !s.limiter.AllowN(ctx, req.Model, estimatedTokens) {
		return nil, fmt.Errorf("model %s rate limit exceeded: %w", req.Model, gwerrors.ErrQueueFull)
	}
	if req.Deadline.IsZero() && s.defaultJobTimeout > 0 {
		req.Deadline = time.Now().Add(s.defaultJobTimeout)
	}
	job := gwtypes.NewJob(req, time.Now())
	if err := s.dispatcher.Submit(job); err != nil {
		return nil, err
	}
	return job, nil
}
