package pool

import (
	"context"
	"fmt"
	"time"
)

// WarmResult reports the outcome of warming one connection
type WarmResult struct {
	Success  bool
	Err      error
	Duration time.Duration
}

// Warmer prepares a freshly created connection before it is handed out
type Warmer interface {
	Warm(ctx context.Context, conn *Connection) WarmResult
}

// WarmerFunc adapts a function to the Warmer interface
type WarmerFunc func(ctx context.Context, conn *Connection) WarmResult

// Warm calls f(ctx, conn)
func (f WarmerFunc) Warm(ctx context.Context, conn *Connection) WarmResult {
	return f(ctx, conn)
}

// QueryWarmer runs a fixed battery of queries on each new connection
type QueryWarmer struct {
	queries []string
	timeout time.Duration
}

// NewQueryWarmer builds a warmer from the warm-up configuration
func NewQueryWarmer(config WarmupConfig) *QueryWarmer {
	return &QueryWarmer{
		queries: append([]string(nil), config.Queries...),
		timeout: config.Timeout,
	}
}

// Warm executes every query in order and stops at the first failure
func (w *QueryWarmer) Warm(ctx context.Context, conn *Connection) WarmResult {
	start := time.Now()

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	for _, query := range w.queries {
		if _, err := conn.Execute(ctx, query); err != nil {
			return WarmResult{
				Err:      fmt.Errorf("warm-up query %q failed: %w", query, err),
				Duration: time.Since(start),
			}
		}
	}

	return WarmResult{Success: true, Duration: time.Since(start)}
}
