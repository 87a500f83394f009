package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codegraph/hybrid-search/pkg/graphdb"
	"github.com/codegraph/hybrid-search/pkg/monitoring"
	"github.com/codegraph/hybrid-search/pkg/pool"
)

func writeConfig(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Server defaults
	assert.Equal(t, "codegraphd", cfg.Server.Name)
	assert.Equal(t, "localhost", cfg.Server.Address)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.True(t, cfg.Server.EnableHTTP)
	assert.True(t, cfg.Server.EnableEvents)

	// Graph database defaults
	assert.Equal(t, graphdb.DriverAGE, cfg.GraphDB.Driver)
	assert.Equal(t, 5432, cfg.GraphDB.Port)
	assert.Equal(t, "codegraph", cfg.GraphDB.Database)

	// Pool defaults mirror the pool package
	assert.Equal(t, pool.DefaultConfig(), cfg.PoolSettings())

	// Logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Empty(t, cfg.Logging.OutputFile)

	assert.False(t, cfg.Tracing.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	tests := []struct {
		name     string
		yamlData string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name: "pool_config",
			yamlData: `
pool:
  min_connections: 4
  max_connections: 16
  acquire_timeout: "2s"
  idle_timeout: "0s"
load_balancing:
  strategy: "WEIGHTED_ROUND_ROBIN"
health_check:
  interval: "15s"
  max_failures: 5
`,
			validate: func(t *testing.T, cfg *Config) {
				settings := cfg.PoolSettings()
				assert.Equal(t, 4, settings.MinConnections)
				assert.Equal(t, 16, settings.MaxConnections)
				assert.Equal(t, 2*time.Second, settings.AcquireTimeout)
				assert.Zero(t, settings.IdleTimeout)
				assert.Equal(t, pool.StrategyWeightedRoundRobin, settings.LoadBalancing.Strategy)
				assert.Equal(t, 15*time.Second, settings.HealthCheck.Interval)
				assert.Equal(t, 5, settings.HealthCheck.MaxFailures)
				// Untouched keys keep their defaults
				assert.Equal(t, 5*time.Second, settings.HealthCheck.Timeout)
				assert.Equal(t, 0.4, settings.LoadBalancing.ResponseTimeWeight)
			},
		},
		{
			name: "sqlite_graphdb",
			yamlData: `
graphdb:
  driver: "sqlite"
  database: "/var/lib/codegraph/graph.db"
  params:
    _journal_mode: "WAL"
warmup:
  enabled: true
  queries:
    - "PRAGMA foreign_keys = ON"
    - "SELECT 1"
  require_success: true
`,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "sqlite", cfg.GraphDB.Driver)
				assert.Equal(t, "/var/lib/codegraph/graph.db", cfg.GraphDB.Database)
				assert.Equal(t, "WAL", cfg.GraphDB.Params["_journal_mode"])
				assert.Equal(t, []string{"PRAGMA foreign_keys = ON", "SELECT 1"}, cfg.Warmup.Queries)
				assert.True(t, cfg.Warmup.RequireSuccess)
			},
		},
		{
			name: "server_and_tracing",
			yamlData: `
server:
  port: 9100
  enable_events: false
logging:
  level: "debug"
  format: "console"
tracing:
  enabled: true
  exporter: "otlp"
  endpoint: "localhost:4318"
  insecure: true
`,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9100, cfg.Server.Port)
				assert.False(t, cfg.Server.EnableEvents)
				assert.Equal(t, "debug", cfg.Logging.Level)
				assert.Equal(t, "console", cfg.Logging.Format)
				assert.True(t, cfg.Tracing.Enabled)
				assert.Equal(t, monitoring.TracingExporterOTLP, cfg.Tracing.Exporter)
				assert.Equal(t, "localhost:4318", cfg.Tracing.Endpoint)

				settings := cfg.HTTPServerSettings()
				assert.Equal(t, 9100, settings.Port)
				assert.False(t, settings.EnableEvents)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "codegraphd.yaml", tt.yamlData)

			require.NoError(t, ValidateSchema([]byte(tt.yamlData)))

			cfg, err := LoadConfig(path)
			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "env-test.yaml", `
graphdb:
  host: "file-host"
pool:
  max_connections: 8
logging:
  level: "info"
`)

	t.Setenv("CODEGRAPH_GRAPHDB_HOST", "env-host")
	t.Setenv("CODEGRAPH_GRAPHDB_PASSWORD", "from-env")
	t.Setenv("CODEGRAPH_POOL_MAX_CONNECTIONS", "20")
	t.Setenv("CODEGRAPH_LOGGING_LEVEL", "warn")
	t.Setenv("CODEGRAPH_LOAD_BALANCING_STRATEGY", "RANDOM")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "env-host", cfg.GraphDB.Host)
	assert.Equal(t, "from-env", cfg.GraphDB.Password)
	assert.Equal(t, 20, cfg.Pool.MaxConnections)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, pool.StrategyRandom, cfg.LoadBalancing.Strategy)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, DefaultConfig().Server.Name, cfg.Server.Name)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid.yaml", "invalid: yaml: content: [")

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_ValidationFailure(t *testing.T) {
	path := writeConfig(t, "invalid-config.yaml", `
pool:
  min_connections: 12
  max_connections: 4
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.ErrorIs(t, err, pool.ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{"Valid default", func(c *Config) {}, ""},
		{"Bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid port"},
		{"Port ignored when HTTP disabled", func(c *Config) { c.Server.Port = 70000; c.Server.EnableHTTP = false }, ""},
		{"Unknown driver", func(c *Config) { c.GraphDB.Driver = "neo4j" }, "invalid graphdb driver"},
		{"Postgres without host", func(c *Config) { c.GraphDB.Host = "" }, "host cannot be empty"},
		{"SQLite without path", func(c *Config) { c.GraphDB.Driver = "sqlite"; c.GraphDB.Database = "" }, "database path"},
		{"Bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "invalid log level"},
		{"Bad log format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"Bad tracing exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "zipkin" }, "invalid tracing"},
		{"Bad pool sizing", func(c *Config) { c.Pool.MaxConnections = 0 }, "max_connections"},
		{"Bad strategy", func(c *Config) { c.LoadBalancing.Strategy = "FASTEST" }, "strategy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.expectError == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateSchema(t *testing.T) {
	tests := []struct {
		name     string
		yamlData string
		errMsg   string
	}{
		{"Empty document", "", ""},
		{"Unknown section", "cache:\n  size: 10\n", "cache"},
		{"Typo in pool key", "pool:\n  max_conections: 5\n", "max_conections"},
		{"Wrong type", "pool:\n  max_connections: \"many\"\n", "max_connections"},
		{"Bad duration", "pool:\n  acquire_timeout: \"soon\"\n", "acquire_timeout"},
		{"Unknown strategy", "load_balancing:\n  strategy: FASTEST\n", "strategy"},
		{"Coefficient above one", "load_balancing:\n  error_rate_weight: 1.5\n", "error_rate_weight"},
		{"Integer duration", "health_check:\n  interval: 1000000000\n", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchema([]byte(tt.yamlData))
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSaveConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 9200
	cfg.Pool.MaxConnections = 24
	cfg.LoadBalancing.Strategy = pool.StrategyLeastConnections

	path := filepath.Join(t.TempDir(), "nested", "deep", "codegraphd.yaml")
	require.NoError(t, cfg.SaveConfig(path))
	assert.FileExists(t, path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// A generated file passes its own schema
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, ValidateSchema(data))

	loaded, err := ValidateFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9200, loaded.Server.Port)
	assert.Equal(t, 24, loaded.Pool.MaxConnections)
	assert.Equal(t, pool.StrategyLeastConnections, loaded.LoadBalancing.Strategy)
	assert.Equal(t, cfg.PoolSettings(), loaded.PoolSettings())
}

func TestValidateFile_Missing(t *testing.T) {
	_, err := ValidateFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
