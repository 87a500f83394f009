package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/codegraph/hybrid-search/pkg/config"
	"github.com/codegraph/hybrid-search/pkg/graphdb"
	"github.com/codegraph/hybrid-search/pkg/monitoring"
	"github.com/codegraph/hybrid-search/pkg/pool"
)

var (
	// Global flags
	configFile string
	logLevel   string
	logFormat  string

	// Build info (set by build system)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "codegraphd",
		Short: "Code graph connection pool daemon",
		Long: `codegraphd keeps a pool of graph database connections warm for the
hybrid code search service and exposes pool statistics, health checks and a
live event stream over HTTP.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		RunE:         runServer,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&logFormat, "log-format", "f", "", "log format (json, text, console)")

	rootCmd.AddCommand(newQueryCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// loadConfig reads the configuration and applies flag overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := setupLogging(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", date).
		Str("driver", cfg.GraphDB.Driver).
		Bool("http_enabled", cfg.Server.EnableHTTP).
		Msg("Starting codegraphd")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracing, err := monitoring.NewTracingManager(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to setup tracing: %w", err)
	}

	p, err := startPool(ctx, cfg, pool.WithTracer(tracing.Tracer()))
	if err != nil {
		shutdownTracing(tracing, logger)
		return err
	}

	if cfg.Logging.LogEvents {
		detach := monitoring.NewEventLogger(logger).Attach(p)
		defer detach()
	}

	var server *monitoring.StatsServer
	if cfg.Server.EnableHTTP {
		server = monitoring.NewStatsServer(cfg.HTTPServerSettings(), p, logger)
		if err := server.Start(); err != nil {
			closePool(p, logger)
			shutdownTracing(tracing, logger)
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	stats := p.Stats()
	logger.Info().
		Int("connections", stats.TotalConnections).
		Str("strategy", string(stats.Strategy)).
		Msg("Pool ready")

	<-ctx.Done()
	logger.Info().Msg("Received shutdown signal")

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown with error")
		}
		shutdownCancel()
	}
	closePool(p, logger)
	shutdownTracing(tracing, logger)

	logger.Info().Msg("Server shutdown complete")
	return nil
}

func startPool(ctx context.Context, cfg *config.Config, opts ...pool.Option) (*pool.Pool, error) {
	dialer, err := graphdb.NewDialer(cfg.GraphDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create dialer: %w", err)
	}

	p := pool.New(dialer, opts...)
	if err := p.Initialize(ctx, cfg.PoolSettings()); err != nil {
		return nil, fmt.Errorf("failed to initialize pool: %w", err)
	}
	return p, nil
}

func closePool(p *pool.Pool, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("Pool shutdown with error")
	}
}

func shutdownTracing(tm *monitoring.TracingManager, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := tm.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Tracing shutdown with error")
	}
}

func setupLogging(cfg config.LoggingConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stderr
	if cfg.OutputFile != "" {
		logDir := filepath.Dir(cfg.OutputFile)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
	}

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Packages log through the global logger
	log.Logger = logger
	return logger, nil
}

// queryOutput is what `codegraphd query` prints
type queryOutput struct {
	ConnectionID string          `json:"connection_id"`
	Duration     string          `json:"duration"`
	Result       *graphdb.Result `json:"result"`
}

func newQueryCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "query <statement>",
		Short: "Acquire a pooled connection and run one query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := setupLogging(cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to setup logging: %w", err)
			}

			// A single connection without background loops
			cfg.Pool.MinConnections = 1
			cfg.Pool.MaintenanceInterval = 0
			cfg.Pool.ConnectionCheckInterval = 0
			if cfg.Pool.MaxConnections < 1 {
				cfg.Pool.MaxConnections = 1
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			p, err := startPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer closePool(p, logger)

			conn, err := p.Acquire(ctx)
			if err != nil {
				return fmt.Errorf("failed to acquire connection: %w", err)
			}
			defer func() {
				if err := p.Release(conn); err != nil {
					logger.Debug().Err(err).Msg("Failed to release connection")
				}
			}()

			start := time.Now()
			result, err := conn.Execute(ctx, args[0])
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}

			data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(queryOutput{
				ConnectionID: conn.ID(),
				Duration:     time.Since(start).String(),
				Result:       result,
			}, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode result: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "overall query timeout")

	return cmd
}

func newConfigCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()

			path := outputPath
			if path == "" {
				path = "codegraphd.yaml"
			}

			if err := cfg.SaveConfig(path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Generated default configuration: %s\n", path)
			return nil
		},
	}
	generateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				return errors.New("a config file is required (--config)")
			}

			cfg, err := config.ValidateFile(configFile)
			if err != nil {
				return fmt.Errorf("failed to validate config: %w", err)
			}

			settings := cfg.PoolSettings()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration is valid\n")
			fmt.Fprintf(out, "Graph database: %s (%s)\n", cfg.GraphDB.Driver, cfg.GraphDB.Database)
			fmt.Fprintf(out, "Pool: %d-%d connections\n", settings.MinConnections, settings.MaxConnections)
			fmt.Fprintf(out, "Strategy: %s\n", settings.LoadBalancing.Strategy)

			return nil
		},
	}

	cmd.AddCommand(generateCmd)
	cmd.AddCommand(validateCmd)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "codegraphd\n")
			fmt.Fprintf(out, "Version: %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	}
}
