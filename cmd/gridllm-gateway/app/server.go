// Package app wires the gateway's components together, mirroring the
// teacher's cmd/infer-gateway/app.Server: a thin type whose Run method
// starts every subsystem and blocks until told to stop.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/GridLLM/GridLLM/pkg/adapter"
	"github.com/GridLLM/GridLLM/pkg/authn"
	"github.com/GridLLM/GridLLM/pkg/config"
	"github.com/GridLLM/GridLLM/pkg/gridlog"
	"github.com/GridLLM/GridLLM/pkg/httpapi"
	"github.com/GridLLM/GridLLM/pkg/queue"
	"github.com/GridLLM/GridLLM/pkg/ratelimit"
	"github.com/GridLLM/GridLLM/pkg/registry"
	"github.com/GridLLM/GridLLM/pkg/scheduler"
	"github.com/GridLLM/GridLLM/pkg/scheduler/framework"
	"github.com/GridLLM/GridLLM/pkg/scheduler/plugins"
	"github.com/GridLLM/GridLLM/pkg/streambroker"
	"github.com/GridLLM/GridLLM/pkg/tokenizer"
)

var log = gridlog.NewLogger("app")

// Server owns every gateway subsystem's lifecycle.
type Server struct {
	cfg config.Config

	registry   registry.Registry
	dispatcher *scheduler.Dispatcher
	httpServer *http.Server
}

// NewServer builds a Server from cfg, wiring the registry, queue,
// dispatcher, stream broker, worker adapter, and HTTP surface together.
func NewServer(cfg config.Config) *Server {
	reg := registry.New(cfg.Registry.LivenessThreshold())
	q := queue.New(cfg.Queue.Capacity)
	broker := streambroker.New()
	client := adapter.New(5 * time.Second)

	var filters []framework.FilterPlugin
	scorers := []framework.ScorePlugin{plugins.NewLeastLoaded()}
	if cfg.Scheduler.PrefixAffinity.Enabled {
		affinity, err := plugins.NewPrefixAffinity(cfg.Scheduler.PrefixAffinity.Size, cfg.Scheduler.PrefixAffinity.Bonus)
		if err != nil {
			log.Warnf("prefix affinity plugin disabled: %v", err)
		} else {
			scorers = append(scorers, affinity)
		}
	}

	dispatcher := scheduler.New(q, reg, client, broker, filters, scorers)
	dispatcher.SetMaxAttempts(cfg.Scheduler.MaxAttempts)
	dispatcher.SetCancelGrace(cfg.Scheduler.CancelGrace())

	limiter := buildLimiter(cfg.RateLimit)

	estimator, err := tokenizer.New()
	if err != nil {
		log.Warnf("token estimator unavailable, rate limiting will use a flat cost of 1 per request: %v", err)
		estimator = nil
	}

	auth := authn.New(buildAuthConfig(cfg.Auth))

	api := httpapi.New(reg, dispatcher, broker, limiter, estimator, auth, cfg.Scheduler.DefaultJobTimeout())

	return &Server{
		cfg:        cfg,
		registry:   reg,
		dispatcher: dispatcher,
		httpServer: &http.Server{
			Addr:    cfg.Server.Addr,
			Handler: api.Engine(),
		},
	}
}

func buildLimiter(cfg config.RateLimitConfig) ratelimit.Limiter {
	if !cfg.Enabled {
		return nil
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return ratelimit.NewRedisLimiter(client, "gridllm:ratelimit", cfg.LimitPerMinute, time.Minute)
	}
	return ratelimit.NewLocalLimiter(cfg.LimitPerMinute, time.Minute)
}

func buildAuthConfig(cfg config.AuthConfig) authn.Config {
	if !cfg.Enabled || cfg.JWKSPath == "" {
		return authn.Config{Enabled: false}
	}
	data, err := os.ReadFile(cfg.JWKSPath)
	if err != nil {
		log.Warnf("failed to read JWKS file %s, authentication disabled: %v", cfg.JWKSPath, err)
		return authn.Config{Enabled: false}
	}
	set, err := jwk.Parse(data)
	if err != nil {
		log.Warnf("failed to parse JWKS file %s, authentication disabled: %v", cfg.JWKSPath, err)
		return authn.Config{Enabled: false}
	}
	return authn.Config{Enabled: true, JWKS: set, Issuer: cfg.Issuer, Audiences: cfg.Audiences}
}

// Run starts every subsystem's background loop and serves HTTP until stop
// is closed.
func (s *Server) Run(stop <-chan struct{}) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.registry.Run(ctx)
	go s.dispatcher.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-stop:
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}
