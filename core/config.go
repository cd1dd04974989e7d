package core

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the engine's tunable limits and timeouts. It supports
// three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
type Config struct {
	// Concurrency caps
	MaxGlobalExecutions     int `json:"max_global_executions" env:"TRINITY_MAX_GLOBAL_EXECUTIONS"`
	MaxPerProcessExecutions int `json:"max_per_process_executions" env:"TRINITY_MAX_PER_PROCESS_EXECUTIONS"`

	// Per-agent dispatch
	AgentQueueMax           int           `json:"agent_queue_max" env:"TRINITY_AGENT_QUEUE_MAX"`
	CircuitFailureThreshold int           `json:"circuit_failure_threshold" env:"TRINITY_CIRCUIT_FAILURE_THRESHOLD"`
	CircuitCooldown         time.Duration `json:"circuit_cooldown" env:"TRINITY_CIRCUIT_COOLDOWN_SECONDS"`
	LeaseSlack              time.Duration `json:"lease_slack"`

	// Execution lifecycle
	MaxExecutionAge    time.Duration `json:"max_execution_age" env:"TRINITY_MAX_EXECUTION_AGE_SECONDS"`
	DefaultStepTimeout time.Duration `json:"default_step_timeout" env:"TRINITY_DEFAULT_STEP_TIMEOUT_SECONDS"`
	CancelGracePeriod  time.Duration `json:"cancel_grace_period"`

	// Sub-processes
	SubProcessMaxDepth int `json:"sub_process_max_depth" env:"TRINITY_SUB_PROCESS_MAX_DEPTH"`

	// Output store
	OutputVariableMaxBytes int `json:"output_variable_max_bytes" env:"TRINITY_OUTPUT_VARIABLE_MAX_BYTES"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxGlobalExecutions:     50,
		MaxPerProcessExecutions: 3,
		AgentQueueMax:           3,
		CircuitFailureThreshold: 3,
		CircuitCooldown:         60 * time.Second,
		LeaseSlack:              5 * time.Second,
		MaxExecutionAge:         24 * time.Hour,
		DefaultStepTimeout:      300 * time.Second,
		CancelGracePeriod:       10 * time.Second,
		SubProcessMaxDepth:      5,
		OutputVariableMaxBytes:  1 << 20,
	}
}

// Option mutates a Config during construction.
type Option func(*Config)

// WithMaxGlobalExecutions caps concurrently running executions engine-wide.
func WithMaxGlobalExecutions(n int) Option {
	return func(c *Config) { c.MaxGlobalExecutions = n }
}

// WithMaxPerProcessExecutions caps concurrent executions of one definition.
func WithMaxPerProcessExecutions(n int) Option {
	return func(c *Config) { c.MaxPerProcessExecutions = n }
}

// WithAgentQueueMax sets the per-agent queue bound.
func WithAgentQueueMax(n int) Option {
	return func(c *Config) { c.AgentQueueMax = n }
}

// WithCircuitFailureThreshold sets consecutive failures before a circuit opens.
func WithCircuitFailureThreshold(n int) Option {
	return func(c *Config) { c.CircuitFailureThreshold = n }
}

// WithCircuitCooldown sets how long a circuit stays open before half-open.
func WithCircuitCooldown(d time.Duration) Option {
	return func(c *Config) { c.CircuitCooldown = d }
}

// WithMaxExecutionAge sets the age after which recovery times executions out.
func WithMaxExecutionAge(d time.Duration) Option {
	return func(c *Config) { c.MaxExecutionAge = d }
}

// WithDefaultStepTimeout sets the timeout applied to steps without one.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(c *Config) { c.DefaultStepTimeout = d }
}

// WithCancelGracePeriod sets how long cancellation waits for running steps.
func WithCancelGracePeriod(d time.Duration) Option {
	return func(c *Config) { c.CancelGracePeriod = d }
}

// WithSubProcessMaxDepth caps sub-process nesting.
func WithSubProcessMaxDepth(n int) Option {
	return func(c *Config) { c.SubProcessMaxDepth = n }
}

// NewConfig builds a Config from defaults, then environment, then options.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnv()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TRINITY_MAX_GLOBAL_EXECUTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxGlobalExecutions = n
		}
	}
	if v := os.Getenv("TRINITY_MAX_PER_PROCESS_EXECUTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxPerProcessExecutions = n
		}
	}
	if v := os.Getenv("TRINITY_AGENT_QUEUE_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.AgentQueueMax = n
		}
	}
	if v := os.Getenv("TRINITY_CIRCUIT_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CircuitFailureThreshold = n
		}
	}
	if v := os.Getenv("TRINITY_CIRCUIT_COOLDOWN_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CircuitCooldown = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("TRINITY_MAX_EXECUTION_AGE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxExecutionAge = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("TRINITY_DEFAULT_STEP_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DefaultStepTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("TRINITY_SUB_PROCESS_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SubProcessMaxDepth = n
		}
	}
	if v := os.Getenv("TRINITY_OUTPUT_VARIABLE_MAX_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OutputVariableMaxBytes = n
		}
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.MaxGlobalExecutions < 1 {
		return fmt.Errorf("%w: max_global_executions must be >= 1", ErrInvalidConfiguration)
	}
	if c.MaxPerProcessExecutions < 1 {
		return fmt.Errorf("%w: max_per_process_executions must be >= 1", ErrInvalidConfiguration)
	}
	if c.AgentQueueMax < 1 {
		return fmt.Errorf("%w: agent_queue_max must be >= 1", ErrInvalidConfiguration)
	}
	if c.CircuitFailureThreshold < 1 {
		return fmt.Errorf("%w: circuit_failure_threshold must be >= 1", ErrInvalidConfiguration)
	}
	if c.SubProcessMaxDepth < 1 {
		return fmt.Errorf("%w: sub_process_max_depth must be >= 1", ErrInvalidConfiguration)
	}
	return nil
}
