package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/codegraph/hybrid-search/pkg/graphdb"
	"github.com/codegraph/hybrid-search/pkg/monitoring"
	"github.com/codegraph/hybrid-search/pkg/pool"
)

// Config represents the codegraphd service configuration
type Config struct {
	Server        ServerConfig             `yaml:"server" mapstructure:"server"`
	GraphDB       graphdb.Config           `yaml:"graphdb" mapstructure:"graphdb"`
	Pool          PoolConfig               `yaml:"pool" mapstructure:"pool"`
	HealthCheck   pool.HealthCheckConfig   `yaml:"health_check" mapstructure:"health_check"`
	LoadBalancing pool.LoadBalancingConfig `yaml:"load_balancing" mapstructure:"load_balancing"`
	Warmup        pool.WarmupConfig        `yaml:"warmup" mapstructure:"warmup"`
	Logging       LoggingConfig            `yaml:"logging" mapstructure:"logging"`
	Tracing       monitoring.TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// ServerConfig holds the observability HTTP server configuration
type ServerConfig struct {
	Name         string        `yaml:"name" mapstructure:"name"`
	Address      string        `yaml:"address" mapstructure:"address"`
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	EnableHTTP   bool          `yaml:"enable_http" mapstructure:"enable_http"`
	EnableEvents bool          `yaml:"enable_events" mapstructure:"enable_events"`
}

// PoolConfig holds connection pool sizing and timing
type PoolConfig struct {
	MinConnections          int           `yaml:"min_connections" mapstructure:"min_connections"`
	MaxConnections          int           `yaml:"max_connections" mapstructure:"max_connections"`
	AcquireTimeout          time.Duration `yaml:"acquire_timeout" mapstructure:"acquire_timeout"`
	IdleTimeout             time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	CreateTimeout           time.Duration `yaml:"create_timeout" mapstructure:"create_timeout"`
	MaintenanceInterval     time.Duration `yaml:"maintenance_interval" mapstructure:"maintenance_interval"`
	ConnectionCheckInterval time.Duration `yaml:"connection_check_interval" mapstructure:"connection_check_interval"`
	CheckQuery              string        `yaml:"check_query" mapstructure:"check_query"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	OutputFile string `yaml:"output_file" mapstructure:"output_file"`
	// LogEvents writes every pool lifecycle event through the logger
	LogEvents bool `yaml:"log_events" mapstructure:"log_events"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	p := pool.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Name:         "codegraphd",
			Address:      "localhost",
			Port:         8090,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			EnableHTTP:   true,
			EnableEvents: true,
		},
		GraphDB: graphdb.Config{
			Driver:      graphdb.DriverAGE,
			Host:        "localhost",
			Port:        5432,
			Username:    "postgres",
			Database:    "codegraph",
			Params:      map[string]string{"sslmode": "disable"},
			DialTimeout: 10 * time.Second,
		},
		Pool: PoolConfig{
			MinConnections:          p.MinConnections,
			MaxConnections:          p.MaxConnections,
			AcquireTimeout:          p.AcquireTimeout,
			IdleTimeout:             p.IdleTimeout,
			CreateTimeout:           p.CreateTimeout,
			MaintenanceInterval:     p.MaintenanceInterval,
			ConnectionCheckInterval: p.ConnectionCheckInterval,
			CheckQuery:              p.CheckQuery,
		},
		HealthCheck:   p.HealthCheck,
		LoadBalancing: p.LoadBalancing,
		Warmup:        p.Warmup,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: monitoring.DefaultTracingConfig(),
	}
}

// LoadConfig loads configuration from files and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("codegraphd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.config/codegraph")
		v.AddConfigPath("/etc/codegraph")
	}

	v.SetEnvPrefix("CODEGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only sees keys viper already knows about
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func bindEnv(v *viper.Viper) {
	keys := []string{
		"server.address", "server.port", "server.enable_http", "server.enable_events",
		"graphdb.driver", "graphdb.host", "graphdb.port", "graphdb.username",
		"graphdb.password", "graphdb.database", "graphdb.dial_timeout",
		"pool.min_connections", "pool.max_connections", "pool.acquire_timeout",
		"pool.idle_timeout", "pool.check_query",
		"health_check.interval", "health_check.timeout", "health_check.max_failures",
		"load_balancing.strategy",
		"warmup.enabled", "warmup.require_success",
		"logging.level", "logging.format", "logging.output_file",
		"tracing.enabled", "tracing.exporter", "tracing.endpoint",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// SaveConfig saves the configuration to a file
func (c *Config) SaveConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may carry the database password
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.EnableHTTP && (c.Server.Port < 0 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid port: %d (must be between 0 and 65535)", c.Server.Port)
	}

	switch strings.ToLower(c.GraphDB.Driver) {
	case graphdb.DriverPostgres, "postgresql", graphdb.DriverAGE:
		if c.GraphDB.Host == "" {
			return fmt.Errorf("graphdb host cannot be empty")
		}
	case graphdb.DriverSQLite, "sqlite3":
		if c.GraphDB.Database == "" {
			return fmt.Errorf("graphdb database path cannot be empty")
		}
	default:
		return fmt.Errorf("invalid graphdb driver: %q (must be postgres or sqlite)", c.GraphDB.Driver)
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be trace, debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be json, text, or console)", c.Logging.Format)
	}

	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("invalid tracing configuration: %w", err)
	}

	return c.PoolSettings().Validate()
}

// PoolSettings assembles the immutable pool configuration snapshot
func (c *Config) PoolSettings() pool.Config {
	return pool.Config{
		MinConnections:          c.Pool.MinConnections,
		MaxConnections:          c.Pool.MaxConnections,
		AcquireTimeout:          c.Pool.AcquireTimeout,
		IdleTimeout:             c.Pool.IdleTimeout,
		CreateTimeout:           c.Pool.CreateTimeout,
		MaintenanceInterval:     c.Pool.MaintenanceInterval,
		ConnectionCheckInterval: c.Pool.ConnectionCheckInterval,
		CheckQuery:              c.Pool.CheckQuery,
		HealthCheck:             c.HealthCheck,
		LoadBalancing:           c.LoadBalancing,
		Warmup:                  c.Warmup,
	}
}

// HTTPServerSettings maps the server section onto the observability server
func (c *Config) HTTPServerSettings() monitoring.HTTPServerConfig {
	settings := monitoring.DefaultHTTPServerConfig()
	settings.Address = c.Server.Address
	settings.Port = c.Server.Port
	settings.ReadTimeout = c.Server.ReadTimeout
	settings.WriteTimeout = c.Server.WriteTimeout
	settings.EnableEvents = c.Server.EnableEvents
	return settings
}
