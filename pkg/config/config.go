// Package config loads the gateway's YAML configuration file, grounded on
// the teacher's utils.LoadSchedulerConfig (sigs.k8s.io/yaml over a typed
// struct) but generalized from a Kubernetes-scheduler-config shape into
// GridLLM's own top-level sections.
package config

import (
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

// Config is the gateway's full configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Registry  RegistryConfig  `json:"registry"`
	Queue     QueueConfig     `json:"queue"`
	Scheduler SchedulerConfig `json:"scheduler"`
	RateLimit RateLimitConfig `json:"rateLimit"`
	Auth      AuthConfig      `json:"auth"`
	Logging   LoggingConfig   `json:"logging"`
}

type ServerConfig struct {
	Addr string `json:"addr"`
}

type RegistryConfig struct {
	// LivenessThresholdSeconds is the max time a worker may go without a
	// heartbeat before being declared lost.
	LivenessThresholdSeconds int `json:"livenessThresholdSeconds"`
}

func (r RegistryConfig) LivenessThreshold() time.Duration {
	if r.LivenessThresholdSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.LivenessThresholdSeconds) * time.Second
}

type QueueConfig struct {
	// Capacity is the total queue depth limit across all priorities. 0
	// means unbounded.
	Capacity int `json:"capacity"`
}

type SchedulerConfig struct {
	MaxAttempts    int                  `json:"maxAttempts"`
	PrefixAffinity PrefixAffinityConfig `json:"prefixAffinity"`

	// CancelGraceSeconds bounds how long the Dispatcher waits for a
	// worker to acknowledge a cancel notification before giving up on it.
	CancelGraceSeconds int `json:"cancelGraceSeconds"`

	// DefaultJobTimeoutSeconds is applied to any admitted request that
	// did not set its own deadline.
	DefaultJobTimeoutSeconds int `json:"defaultJobTimeoutSeconds"`
}

func (s SchedulerConfig) CancelGrace() time.Duration {
	if s.CancelGraceSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(s.CancelGraceSeconds) * time.Second
}

func (s SchedulerConfig) DefaultJobTimeout() time.Duration {
	if s.DefaultJobTimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.DefaultJobTimeoutSeconds) * time.Second
}

type PrefixAffinityConfig struct {
	Enabled bool `json:"enabled"`
	Size    int  `json:"size"`
	Bonus   int  `json:"bonus"`
}

type RateLimitConfig struct {
	Enabled         bool    `json:"enabled"`
	RedisAddr       string  `json:"redisAddr"` // empty uses the in-process fallback
	LimitPerMinute  float64 `json:"limitPerMinute"`
}

type AuthConfig struct {
	Enabled   bool     `json:"enabled"`
	JWKSPath  string   `json:"jwksPath"`
	Issuer    string   `json:"issuer"`
	Audiences []string `json:"audiences"`
}

type LoggingConfig struct {
	Level string `json:"level"`
}

// Default returns a Config with the gateway's out-of-the-box defaults.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080"},
		Registry: RegistryConfig{LivenessThresholdSeconds: 30},
		Queue:    QueueConfig{Capacity: 10000},
		Scheduler: SchedulerConfig{
			MaxAttempts:              3,
			PrefixAffinity:           PrefixAffinityConfig{Enabled: true, Size: 4096, Bonus: 15},
			CancelGraceSeconds:       2,
			DefaultJobTimeoutSeconds: 300,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads and parses the YAML config file at path, overlaying it onto
// Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
