package agent

import (
	"math"
	"time"

	"swapmesh/internal/domain"
)

// Default runtime settings.
const (
	defaultMaxConcurrentTasks = 5
	defaultTimeout            = 30 * time.Second
	defaultQueueSize          = 1000
	defaultRequestTimeout     = 30 * time.Second
	defaultCriticalStopDelay  = 5 * time.Second
	defaultInitialDelay       = time.Second
	defaultBackoffFactor      = 2.0
	defaultMaxDelay           = 30 * time.Second
	defaultBreakerFailures    = 5
	defaultBreakerReset       = 60 * time.Second
	maxErrorHistory           = 1000
)

// RetryPolicy controls the delay between attempts.
type RetryPolicy struct {
	InitialDelay  time.Duration `yaml:"initial_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	MaxDelay      time.Duration `yaml:"max_delay"`
}

// Delay returns min(InitialDelay * BackoffFactor^attempt, MaxDelay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// BreakerConfig configures the per-agent circuit breaker.
type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	ResetTime   time.Duration `yaml:"reset_time"`
}

// Config describes one agent instance.
type Config struct {
	ID           string              `yaml:"id"`
	Name         string              `yaml:"name"`
	Type         domain.AgentType    `yaml:"type"`
	Version      string              `yaml:"version"`
	Capabilities []domain.Capability `yaml:"capabilities"`
	Networks     []string            `yaml:"networks"`
	Protocols    []string            `yaml:"protocols"`

	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	Timeout            time.Duration `yaml:"timeout"`
	// MaxRetries is the number of retries after the first attempt. Zero disables retries.
	MaxRetries int           `yaml:"max_retries"`
	Retry      RetryPolicy   `yaml:"retry"`
	Breaker    BreakerConfig `yaml:"circuit_breaker"`
	QueueSize  int           `yaml:"queue_size"`
	// RateLimit caps processing attempts per second. Zero means unlimited.
	RateLimit         float64       `yaml:"rate_limit"`
	RateBurst         int           `yaml:"rate_burst"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	CriticalStopDelay time.Duration `yaml:"critical_stop_delay"`
}

// DefaultConfig returns a config with every runtime setting at its default.
func DefaultConfig(id string, typ domain.AgentType) Config {
	return Config{
		ID:                 id,
		Name:               id,
		Type:               typ,
		Version:            "1.0.0",
		MaxConcurrentTasks: defaultMaxConcurrentTasks,
		Timeout:            defaultTimeout,
		MaxRetries:         3,
		Retry: RetryPolicy{
			InitialDelay:  defaultInitialDelay,
			BackoffFactor: defaultBackoffFactor,
			MaxDelay:      defaultMaxDelay,
		},
		Breaker: BreakerConfig{
			MaxFailures: defaultBreakerFailures,
			ResetTime:   defaultBreakerReset,
		},
		QueueSize:         defaultQueueSize,
		RequestTimeout:    defaultRequestTimeout,
		CriticalStopDelay: defaultCriticalStopDelay,
	}
}

// withDefaults fills zero-valued settings. MaxRetries and RateLimit keep zero.
func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = defaultMaxConcurrentTasks
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = defaultInitialDelay
	}
	if c.Retry.BackoffFactor < 1 {
		c.Retry.BackoffFactor = defaultBackoffFactor
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = defaultMaxDelay
	}
	if c.Breaker.MaxFailures <= 0 {
		c.Breaker.MaxFailures = defaultBreakerFailures
	}
	if c.Breaker.ResetTime <= 0 {
		c.Breaker.ResetTime = defaultBreakerReset
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.CriticalStopDelay <= 0 {
		c.CriticalStopDelay = defaultCriticalStopDelay
	}
	return c
}
