package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/codegraph/hybrid-search/pkg/graphdb"
)

// ConnectionStats is a point-in-time view of a connection's usage counters
type ConnectionStats struct {
	ID                  string          `json:"id"`
	State               ConnectionState `json:"state"`
	CreatedAt           time.Time       `json:"created_at"`
	LastUsedAt          time.Time       `json:"last_used_at"`
	QueryCount          int64           `json:"query_count"`
	ErrorCount          int64           `json:"error_count"`
	TotalQueryTime      time.Duration   `json:"total_query_time"`
	AverageResponseTime time.Duration   `json:"average_response_time"`
	LastError           string          `json:"last_error,omitempty"`
}

// Connection wraps one graph session with a lifecycle state machine
// and usage statistics. Execute is only legal while the connection is IDLE.
type Connection struct {
	id      string
	session graphdb.Session

	checkQuery    string
	checkTimeout  time.Duration
	checkInterval time.Duration

	mu      sync.Mutex
	state   ConnectionState
	lastErr error

	// io serialises use of the session between Execute, Ping and Close
	io chan struct{}

	createdAt      time.Time
	busySince      atomic.Int64
	lastUsed       atomic.Int64
	queryCount     atomic.Int64
	errorCount     atomic.Int64
	totalQueryTime atomic.Int64

	notifier Notifier

	stopCheck chan struct{}
	checkWG   sync.WaitGroup
}

// ConnectionOption configures a Connection
type ConnectionOption func(*Connection)

// WithConnectionID overrides the generated connection id
func WithConnectionID(id string) ConnectionOption {
	return func(c *Connection) {
		c.id = id
	}
}

// WithCheckQuery sets the trivial query used for health checks
func WithCheckQuery(query string) ConnectionOption {
	return func(c *Connection) {
		c.checkQuery = query
	}
}

// WithCheckTimeout bounds the connection's own idle check
func WithCheckTimeout(timeout time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.checkTimeout = timeout
	}
}

// WithCheckInterval enables the idle self-check; zero disables it
func WithCheckInterval(interval time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.checkInterval = interval
	}
}

// NewConnection wraps an established session
func NewConnection(session graphdb.Session, opts ...ConnectionOption) *Connection {
	now := time.Now()
	c := &Connection{
		id:           uuid.New().String(),
		session:      session,
		checkQuery:   DefaultCheckQuery,
		checkTimeout: 5 * time.Second,
		state:        StateIdle,
		io:           make(chan struct{}, 1),
		createdAt:    now,
		stopCheck:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastUsed.Store(now.UnixNano())

	if c.checkInterval > 0 {
		c.checkWG.Add(1)
		go c.checkLoop()
	}

	return c
}

// ID returns the connection id
func (c *Connection) ID() string {
	return c.id
}

// State returns the current lifecycle state
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the cause recorded by the most recent MarkAsError
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Subscribe registers a lifecycle listener
func (c *Connection) Subscribe(listener Listener) func() {
	return c.notifier.Subscribe(listener)
}

// Execute runs a query, flipping the connection to BUSY for its duration
func (c *Connection) Execute(ctx context.Context, query string) (*graphdb.Result, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return nil, newPoolError("execute", c.id, fmt.Errorf("%w: connection is %s", ErrConnectionNotAvailable, state))
	}
	c.state = StateBusy
	c.busySince.Store(time.Now().UnixNano())
	c.mu.Unlock()

	c.emit(Event{Type: EventQueryStarted, Metadata: map[string]interface{}{"query": query}})

	start := time.Now()
	result, err := c.run(ctx, query)
	elapsed := time.Since(start)

	c.queryCount.Add(1)
	c.totalQueryTime.Add(int64(elapsed))
	c.lastUsed.Store(time.Now().UnixNano())
	if err != nil {
		c.errorCount.Add(1)
	}

	c.mu.Lock()
	if c.state == StateBusy {
		c.state = StateIdle
	}
	c.busySince.Store(0)
	c.mu.Unlock()

	if err != nil {
		c.emit(Event{Type: EventQueryFailed, Duration: elapsed, Err: err})
		return nil, err
	}

	c.emit(Event{Type: EventQuerySucceeded, Duration: elapsed, Metadata: map[string]interface{}{"rows": result.Len()}})
	return result, nil
}

func (c *Connection) run(ctx context.Context, query string) (*graphdb.Result, error) {
	select {
	case c.io <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.io }()

	return c.session.Execute(ctx, query)
}

// Ping issues the check query without touching state or usage counters.
// A connection with a query in flight is reported healthy without checking.
func (c *Connection) Ping(ctx context.Context) error {
	state := c.State()
	switch state {
	case StateClosing, StateClosed:
		return newPoolError("ping", c.id, ErrConnectionClosed)
	}

	select {
	case c.io <- struct{}{}:
	default:
		if state == StateBusy {
			return nil
		}
		select {
		case c.io <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer func() { <-c.io }()

	_, err := c.session.Execute(ctx, c.checkQuery)
	return err
}

// IsHealthy reports whether the check query succeeds
func (c *Connection) IsHealthy(ctx context.Context) bool {
	return c.Ping(ctx) == nil
}

// BusyFor returns how long the in-flight query has been running, or zero
func (c *Connection) BusyFor() time.Duration {
	since := c.busySince.Load()
	if since == 0 {
		return 0
	}
	return time.Since(time.Unix(0, since))
}

// IdleTime returns the time since the connection last ran a query
func (c *Connection) IdleTime() time.Duration {
	return time.Since(time.Unix(0, c.lastUsed.Load()))
}

// QueryCount returns the cumulative number of queries executed
func (c *Connection) QueryCount() int64 {
	return c.queryCount.Load()
}

// ErrorCount returns the cumulative number of failed queries
func (c *Connection) ErrorCount() int64 {
	return c.errorCount.Load()
}

// AverageResponseTime returns the mean query latency, zero before the first query
func (c *Connection) AverageResponseTime() time.Duration {
	count := c.queryCount.Load()
	if count == 0 {
		return 0
	}
	return time.Duration(c.totalQueryTime.Load() / count)
}

// CreatedAt returns the creation time
func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

// Stats returns a snapshot of the usage counters
func (c *Connection) Stats() ConnectionStats {
	c.mu.Lock()
	state := c.state
	lastErr := c.lastErr
	c.mu.Unlock()

	stats := ConnectionStats{
		ID:                  c.id,
		State:               state,
		CreatedAt:           c.createdAt,
		LastUsedAt:          time.Unix(0, c.lastUsed.Load()),
		QueryCount:          c.queryCount.Load(),
		ErrorCount:          c.errorCount.Load(),
		TotalQueryTime:      time.Duration(c.totalQueryTime.Load()),
		AverageResponseTime: c.AverageResponseTime(),
	}
	if lastErr != nil {
		stats.LastError = lastErr.Error()
	}
	return stats
}

// MarkAsError condemns the connection. It is a no-op once the connection
// is already in ERROR or is closing.
func (c *Connection) MarkAsError(cause error) {
	c.mu.Lock()
	if !c.state.CanTransitionTo(StateError) {
		c.mu.Unlock()
		return
	}
	c.state = StateError
	c.lastErr = cause
	c.mu.Unlock()

	log.Warn().
		Err(cause).
		Str("connection_id", c.id).
		Msg("Connection marked as error")

	c.emit(Event{Type: EventConnectionError, Err: cause})
}

// Reset returns an ERROR connection to IDLE. It fails on a closed connection.
func (c *Connection) Reset() error {
	c.mu.Lock()
	switch c.state {
	case StateClosing, StateClosed:
		c.mu.Unlock()
		return newPoolError("reset", c.id, ErrConnectionClosed)
	case StateError:
		c.state = StateIdle
		c.lastErr = nil
	default:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	log.Debug().Str("connection_id", c.id).Msg("Connection reset")
	c.emit(Event{Type: EventConnectionReset})
	return nil
}

// Close tears down the session. Closing a closed connection is a no-op.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()

	close(c.stopCheck)
	c.checkWG.Wait()

	// Wait for an in-flight query unless the caller gives up first
	held := false
	select {
	case c.io <- struct{}{}:
		held = true
	case <-ctx.Done():
	}

	err := c.session.Close(ctx)

	if held {
		<-c.io
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Str("connection_id", c.id).Msg("Failed to close graph session cleanly")
	}

	c.emit(Event{Type: EventConnectionClosed, Err: err})
	return err
}

func (c *Connection) checkLoop() {
	defer c.checkWG.Done()

	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCheck:
			return
		case <-ticker.C:
			c.selfCheck()
		}
	}
}

// selfCheck pings an IDLE connection and skips the tick if a query is in flight
func (c *Connection) selfCheck() {
	if c.State() != StateIdle {
		return
	}

	select {
	case c.io <- struct{}{}:
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.checkTimeout)
	_, err := c.session.Execute(ctx, c.checkQuery)
	cancel()
	<-c.io

	if err != nil && c.State() == StateIdle {
		c.MarkAsError(fmt.Errorf("idle health check failed: %w", err))
	}
}

func (c *Connection) emit(event Event) {
	event.ConnectionID = c.id
	c.notifier.Emit(event)
}
