// Package config provides configuration loading and validation for the
// engine. Settings come from a YAML file overlaid with environment
// variables (APPFORGE_* via envconfig); the merged result is validated
// before anything else starts.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Defaults for values that are usually left unset.
const (
	DefaultRateWindow       = time.Hour
	DefaultCommandTimeout   = 2 * time.Minute
	DefaultSweepInterval    = 15 * time.Second
	DefaultSweepBatch       = 10
	DefaultMaxReviewCycles  = 3
	DefaultMaxFixCycles     = 3
	DefaultMaxStepAttempts  = 4
	DefaultInitialBackoff   = 500 * time.Millisecond
	DefaultMaxBackoff       = 30 * time.Second
	DefaultBackoffFactor    = 2.0
	DefaultMaxCreatesPerHr  = 20
	DefaultMaxConnectsPerHr = 120
	DefaultContextBudget    = 24000 // tokens carried between roles
)

// Config is the root configuration for the engine.
type Config struct {
	DatabasePath string          `yaml:"database_path" envconfig:"DATABASE_PATH"`
	ListenAddr   string          `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`
	Sandbox      SandboxConfig   `yaml:"sandbox"`
	Models       ModelsConfig    `yaml:"models"`
	Pipeline     PipelineConfig  `yaml:"pipeline"`
	Executor     ExecutorConfig  `yaml:"executor"`
	Dispatcher   DispatchConfig  `yaml:"dispatcher"`
	RateLimiter  RateLimitConfig `yaml:"rate_limiter"`
}

// SandboxConfig holds the remote execution provider settings.
type SandboxConfig struct {
	Endpoint          string        `yaml:"endpoint" envconfig:"SANDBOX_ENDPOINT"`
	APIKey            string        `yaml:"-" envconfig:"SANDBOX_API_KEY"`
	MaxCreatesPerHour int           `yaml:"max_creates_per_hour"`
	MaxConnectsPerHr  int           `yaml:"max_connects_per_hour"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
}

// ModelsConfig maps pipeline roles to model names. Provider is picked
// from the model name prefix ("claude-" routes to Anthropic, the rest
// to OpenAI).
type ModelsConfig struct {
	Planner   string `yaml:"planner"`
	Coder     string `yaml:"coder"`
	Reviewer  string `yaml:"reviewer"`
	Tester    string `yaml:"tester"`
	MaxTokens int    `yaml:"max_tokens"`
}

// PipelineConfig bounds the review and fix loops.
type PipelineConfig struct {
	MaxReviewCycles int `yaml:"max_review_cycles"`
	MaxFixCycles    int `yaml:"max_fix_cycles"`
	ContextBudget   int `yaml:"context_budget"`
}

// ExecutorConfig is the step retry policy for the workflow executor.
type ExecutorConfig struct {
	MaxStepAttempts int           `yaml:"max_step_attempts"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	BackoffFactor   float64       `yaml:"backoff_factor"`
}

// DispatchConfig controls the task queue sweep.
type DispatchConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepBatch    int           `yaml:"sweep_batch"`
}

// RateLimitConfig controls the sliding usage window.
type RateLimitConfig struct {
	Window time.Duration `yaml:"window"`
}

// Default returns a config populated with defaults. Callers still need
// to supply the sandbox endpoint and database path.
func Default() *Config {
	return &Config{
		ListenAddr: ":8090",
		Sandbox: SandboxConfig{
			MaxCreatesPerHour: DefaultMaxCreatesPerHr,
			MaxConnectsPerHr:  DefaultMaxConnectsPerHr,
			CommandTimeout:    DefaultCommandTimeout,
		},
		Models: ModelsConfig{
			Planner:   "claude-sonnet-4-20250514",
			Coder:     "claude-sonnet-4-20250514",
			Reviewer:  "o3-mini",
			Tester:    "o3-mini",
			MaxTokens: 8192,
		},
		Pipeline: PipelineConfig{
			MaxReviewCycles: DefaultMaxReviewCycles,
			MaxFixCycles:    DefaultMaxFixCycles,
			ContextBudget:   DefaultContextBudget,
		},
		Executor: ExecutorConfig{
			MaxStepAttempts: DefaultMaxStepAttempts,
			InitialBackoff:  DefaultInitialBackoff,
			MaxBackoff:      DefaultMaxBackoff,
			BackoffFactor:   DefaultBackoffFactor,
		},
		Dispatcher: DispatchConfig{
			SweepInterval: DefaultSweepInterval,
			SweepBatch:    DefaultSweepBatch,
		},
		RateLimiter: RateLimitConfig{
			Window: DefaultRateWindow,
		},
	}
}

// Load reads the YAML file at path (if non-empty), applies APPFORGE_*
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process("appforge", cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configs that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.Sandbox.Endpoint == "" {
		return fmt.Errorf("sandbox.endpoint is required")
	}
	if c.Sandbox.MaxCreatesPerHour <= 0 {
		return fmt.Errorf("sandbox.max_creates_per_hour must be positive, got %d", c.Sandbox.MaxCreatesPerHour)
	}
	if c.Sandbox.MaxConnectsPerHr <= 0 {
		return fmt.Errorf("sandbox.max_connects_per_hour must be positive, got %d", c.Sandbox.MaxConnectsPerHr)
	}
	if c.Sandbox.CommandTimeout <= 0 {
		return fmt.Errorf("sandbox.command_timeout must be positive")
	}
	if c.Pipeline.MaxReviewCycles < 1 {
		return fmt.Errorf("pipeline.max_review_cycles must be at least 1, got %d", c.Pipeline.MaxReviewCycles)
	}
	if c.Pipeline.MaxFixCycles < 1 {
		return fmt.Errorf("pipeline.max_fix_cycles must be at least 1, got %d", c.Pipeline.MaxFixCycles)
	}
	if c.Executor.MaxStepAttempts < 1 {
		return fmt.Errorf("executor.max_step_attempts must be at least 1, got %d", c.Executor.MaxStepAttempts)
	}
	if c.Executor.BackoffFactor < 1.0 {
		return fmt.Errorf("executor.backoff_factor must be >= 1.0, got %v", c.Executor.BackoffFactor)
	}
	if c.Dispatcher.SweepBatch < 1 {
		return fmt.Errorf("dispatcher.sweep_batch must be at least 1, got %d", c.Dispatcher.SweepBatch)
	}
	if c.RateLimiter.Window <= 0 {
		return fmt.Errorf("rate_limiter.window must be positive")
	}
	return nil
}
