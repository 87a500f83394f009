package pool

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Strategy selects how the load balancer picks among idle connections
type Strategy string

const (
	StrategyRoundRobin         Strategy = "ROUND_ROBIN"
	StrategyLeastConnections   Strategy = "LEAST_CONNECTIONS"
	StrategyLeastResponseTime  Strategy = "LEAST_RESPONSE_TIME"
	StrategyWeightedRoundRobin Strategy = "WEIGHTED_ROUND_ROBIN"
	StrategyRandom             Strategy = "RANDOM"
)

var validStrategies = map[Strategy]bool{
	StrategyRoundRobin:         true,
	StrategyLeastConnections:   true,
	StrategyLeastResponseTime:  true,
	StrategyWeightedRoundRobin: true,
	StrategyRandom:             true,
}

// ParseStrategy accepts strategy names case-insensitively, with '-' or '_'
func ParseStrategy(name string) (Strategy, error) {
	s := Strategy(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_")))
	if !validStrategies[s] {
		return "", fmt.Errorf("%w: unknown load balancing strategy %q", ErrInvalidConfig, name)
	}
	return s, nil
}

// HealthCheckConfig governs the pool-wide health checker
type HealthCheckConfig struct {
	Interval    time.Duration `yaml:"interval" mapstructure:"interval" json:"interval"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`
	MaxFailures int           `yaml:"max_failures" mapstructure:"max_failures" json:"max_failures"`
	// RetryDelay is reserved for callers that back off before re-adding a connection
	RetryDelay time.Duration `yaml:"retry_delay" mapstructure:"retry_delay" json:"retry_delay"`
	// MaxBusyTime fails the check of a connection whose query has been in
	// flight longer than this; zero never fails a busy connection
	MaxBusyTime time.Duration `yaml:"max_busy_time" mapstructure:"max_busy_time" json:"max_busy_time"`
}

// LoadBalancingConfig governs connection selection and weight scoring
type LoadBalancingConfig struct {
	Strategy              Strategy      `yaml:"strategy" mapstructure:"strategy" json:"strategy"`
	HealthCheckWeight     float64       `yaml:"health_check_weight" mapstructure:"health_check_weight" json:"health_check_weight"`
	ResponseTimeWeight    float64       `yaml:"response_time_weight" mapstructure:"response_time_weight" json:"response_time_weight"`
	ErrorRateWeight       float64       `yaml:"error_rate_weight" mapstructure:"error_rate_weight" json:"error_rate_weight"`
	ConnectionCountWeight float64       `yaml:"connection_count_weight" mapstructure:"connection_count_weight" json:"connection_count_weight"`
	MinWeight             int           `yaml:"min_weight" mapstructure:"min_weight" json:"min_weight"`
	MaxWeight             int           `yaml:"max_weight" mapstructure:"max_weight" json:"max_weight"`
	UpdateInterval        time.Duration `yaml:"update_interval" mapstructure:"update_interval" json:"update_interval"`
}

// WarmupConfig describes the queries run on every new connection
type WarmupConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Queries []string      `yaml:"queries" mapstructure:"queries" json:"queries"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`
	// RequireSuccess rejects connections whose warm-up failed
	RequireSuccess bool `yaml:"require_success" mapstructure:"require_success" json:"require_success"`
}

// Config is an immutable snapshot governing pool sizing and behaviour
type Config struct {
	MinConnections int           `yaml:"min_connections" mapstructure:"min_connections" json:"min_connections"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections" json:"max_connections"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" mapstructure:"acquire_timeout" json:"acquire_timeout"`
	// IdleTimeout of zero disables idle eviction
	IdleTimeout   time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
	CreateTimeout time.Duration `yaml:"create_timeout" mapstructure:"create_timeout" json:"create_timeout"`
	// MaintenanceInterval of zero disables the eviction and top-up loop
	MaintenanceInterval time.Duration `yaml:"maintenance_interval" mapstructure:"maintenance_interval" json:"maintenance_interval"`
	// ConnectionCheckInterval of zero disables each connection's own idle check
	ConnectionCheckInterval time.Duration `yaml:"connection_check_interval" mapstructure:"connection_check_interval" json:"connection_check_interval"`
	CheckQuery              string        `yaml:"check_query" mapstructure:"check_query" json:"check_query"`

	HealthCheck   HealthCheckConfig   `yaml:"health_check" mapstructure:"health_check" json:"health_check"`
	LoadBalancing LoadBalancingConfig `yaml:"load_balancing" mapstructure:"load_balancing" json:"load_balancing"`
	Warmup        WarmupConfig        `yaml:"warmup" mapstructure:"warmup" json:"warmup"`
}

const DefaultCheckQuery = "SELECT 1"

// DefaultHealthCheckConfig returns the stock health checker settings
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
		MaxFailures: 3,
		RetryDelay:  time.Second,
		MaxBusyTime: 10 * time.Minute,
	}
}

// DefaultLoadBalancingConfig returns the stock balancer settings
func DefaultLoadBalancingConfig() LoadBalancingConfig {
	return LoadBalancingConfig{
		Strategy:              StrategyLeastResponseTime,
		HealthCheckWeight:     0.3,
		ResponseTimeWeight:    0.4,
		ErrorRateWeight:       0.2,
		ConnectionCountWeight: 0.1,
		MinWeight:             1,
		MaxWeight:             100,
		UpdateInterval:        30 * time.Second,
	}
}

// DefaultWarmupConfig runs the check query once on each new connection
func DefaultWarmupConfig() WarmupConfig {
	return WarmupConfig{
		Enabled: true,
		Queries: []string{DefaultCheckQuery},
		Timeout: 5 * time.Second,
	}
}

// DefaultConfig returns the default pool configuration
func DefaultConfig() Config {
	return Config{
		MinConnections:          2,
		MaxConnections:          10,
		AcquireTimeout:          30 * time.Second,
		IdleTimeout:             5 * time.Minute,
		CreateTimeout:           10 * time.Second,
		MaintenanceInterval:     30 * time.Second,
		ConnectionCheckInterval: 60 * time.Second,
		CheckQuery:              DefaultCheckQuery,
		HealthCheck:             DefaultHealthCheckConfig(),
		LoadBalancing:           DefaultLoadBalancingConfig(),
		Warmup:                  DefaultWarmupConfig(),
	}
}

// Validate checks the configuration for consistency
func (c Config) Validate() error {
	if c.MinConnections < 0 {
		return fmt.Errorf("%w: min_connections cannot be negative", ErrInvalidConfig)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("%w: max_connections must be at least 1", ErrInvalidConfig)
	}
	if c.MinConnections > c.MaxConnections {
		return fmt.Errorf("%w: min_connections (%d) exceeds max_connections (%d)",
			ErrInvalidConfig, c.MinConnections, c.MaxConnections)
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("%w: acquire_timeout must be positive", ErrInvalidConfig)
	}
	if c.IdleTimeout < 0 || c.CreateTimeout < 0 || c.MaintenanceInterval < 0 || c.ConnectionCheckInterval < 0 {
		return fmt.Errorf("%w: durations cannot be negative", ErrInvalidConfig)
	}
	if c.ConnectionCheckInterval > 0 && c.CheckQuery == "" {
		return fmt.Errorf("%w: check_query is required when connection checks are enabled", ErrInvalidConfig)
	}
	if err := c.HealthCheck.Validate(); err != nil {
		return err
	}
	if err := c.LoadBalancing.Validate(); err != nil {
		return err
	}
	if c.Warmup.Enabled && c.Warmup.Timeout < 0 {
		return fmt.Errorf("%w: warmup timeout cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// Validate checks the health checker settings
func (c HealthCheckConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("%w: health check interval must be positive", ErrInvalidConfig)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: health check timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxFailures < 1 {
		return fmt.Errorf("%w: health check max_failures must be at least 1", ErrInvalidConfig)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("%w: health check retry_delay cannot be negative", ErrInvalidConfig)
	}
	if c.MaxBusyTime < 0 {
		return fmt.Errorf("%w: health check max_busy_time cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// Validate checks the load balancing settings
func (c LoadBalancingConfig) Validate() error {
	if !validStrategies[c.Strategy] {
		return fmt.Errorf("%w: unknown load balancing strategy %q", ErrInvalidConfig, c.Strategy)
	}

	coefficients := []float64{c.HealthCheckWeight, c.ResponseTimeWeight, c.ErrorRateWeight, c.ConnectionCountWeight}
	sum := 0.0
	for _, w := range coefficients {
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("%w: weighting coefficients cannot be negative", ErrInvalidConfig)
		}
		sum += w
	}
	if sum > 1+1e-9 {
		return fmt.Errorf("%w: weighting coefficients sum to %.3f, must not exceed 1", ErrInvalidConfig, sum)
	}

	if c.MinWeight < 1 || c.MaxWeight < c.MinWeight {
		return fmt.Errorf("%w: weight bounds [%d, %d] are invalid", ErrInvalidConfig, c.MinWeight, c.MaxWeight)
	}
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("%w: weight update interval must be positive", ErrInvalidConfig)
	}
	return nil
}
