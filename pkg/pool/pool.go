package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/codegraph/hybrid-search/pkg/graphdb"
)

const (
	tracerName      = "github.com/codegraph/hybrid-search/pkg/pool"
	closeTimeout    = 5 * time.Second
	fallbackTimeout = 10 * time.Second
)

type member struct {
	conn        *Connection
	leased      bool
	leasedAt    time.Time
	unsubscribe func()
}

type acquireResult struct {
	conn *Connection
	err  error
}

// pendingRequest is a caller blocked in Acquire. It is resolved exactly once,
// by whoever unlinks it from the queue while holding the pool lock.
type pendingRequest struct {
	result     chan acquireResult
	elem       *list.Element
	timer      *time.Timer
	enqueuedAt time.Time
}

// Pool arbitrates access to a bounded set of graph connections
type Pool struct {
	dialer   graphdb.Dialer
	warmer   Warmer
	classify func(error) bool
	tracer   trace.Tracer

	healthChecker *HealthChecker
	balancer      *LoadBalancer
	notifier      Notifier

	mu           sync.Mutex
	config       Config
	initialized  bool
	initializing bool
	initAborted  bool
	initDone     chan struct{}
	cancelInit   context.CancelFunc
	closing      bool
	generation   uint64
	members      map[string]*member
	order        []*member
	pending      *list.List
	creating     int
	// stopMaint is non-nil exactly while a maintenance loop owns it
	stopMaint    chan struct{}
	wg           sync.WaitGroup

	totalAcquires atomic.Int64
	totalReleases atomic.Int64
	totalErrors   atomic.Int64
	totalTimeouts atomic.Int64
	acquireNanos  atomic.Int64
	created       atomic.Int64
	destroyed     atomic.Int64
}

// Option configures a Pool
type Option func(*Pool)

// WithWarmer overrides the warmer built from the warm-up configuration
func WithWarmer(warmer Warmer) Option {
	return func(p *Pool) {
		p.warmer = warmer
	}
}

// WithErrorClassifier decides which query failures condemn a connection
func WithErrorClassifier(classify func(error) bool) Option {
	return func(p *Pool) {
		p.classify = classify
	}
}

// WithTracer sets the tracer used for acquire spans
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pool) {
		p.tracer = tracer
	}
}

// New creates an uninitialized pool over the given dialer
func New(dialer graphdb.Dialer, opts ...Option) *Pool {
	config := DefaultConfig()
	p := &Pool{
		dialer:        dialer,
		classify:      graphdb.IsTransportError,
		tracer:        otel.Tracer(tracerName),
		healthChecker: NewHealthChecker(config.HealthCheck),
		balancer:      NewLoadBalancer(config.LoadBalancing),
		config:        config,
		members:       make(map[string]*member),
		pending:       list.New(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.healthChecker.Subscribe(p.notifier.Emit)
	return p
}

// Subscribe registers a listener for pool, connection and health events
func (p *Pool) Subscribe(listener Listener) func() {
	return p.notifier.Subscribe(listener)
}

// Config returns the active configuration
func (p *Pool) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// HealthChecker exposes the pool-wide health checker
func (p *Pool) HealthChecker() *HealthChecker {
	return p.healthChecker
}

// LoadBalancer exposes the connection selector
func (p *Pool) LoadBalancer() *LoadBalancer {
	return p.balancer
}

// Initialize creates MinConnections connections concurrently and starts the
// background loops. Any creation failure aborts startup.
func (p *Pool) Initialize(ctx context.Context, config Config) error {
	if err := config.Validate(); err != nil {
		return newPoolError("initialize", "", err)
	}

	p.mu.Lock()
	if p.initialized || p.initializing {
		p.mu.Unlock()
		return newPoolError("initialize", "", ErrPoolAlreadyInitialized)
	}
	if p.closing {
		p.mu.Unlock()
		return newPoolError("initialize", "", ErrPoolClosing)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.initializing = true
	p.initAborted = false
	p.initDone = make(chan struct{})
	p.cancelInit = cancel
	p.config = config
	p.generation++
	p.mu.Unlock()

	if err := p.healthChecker.UpdateConfig(config.HealthCheck); err != nil {
		p.finishInitialize()
		return newPoolError("initialize", "", err)
	}
	if err := p.balancer.UpdateConfig(config.LoadBalancing); err != nil {
		p.finishInitialize()
		return newPoolError("initialize", "", err)
	}

	members, err := p.createInitial(ctx, config)
	if err != nil {
		if p.finishInitialize() {
			return newPoolError("initialize", "", ErrPoolClosing)
		}
		log.Error().Err(err).Int("min_connections", config.MinConnections).Msg("Failed to initialize connection pool")
		return newPoolError("initialize", "", err)
	}

	p.mu.Lock()
	if p.initAborted {
		p.mu.Unlock()
		for _, m := range members {
			p.destroy(context.Background(), m, "pool closed during initialization")
		}
		p.finishInitialize()
		return newPoolError("initialize", "", ErrPoolClosing)
	}
	for _, m := range members {
		p.addMemberLocked(m)
	}
	p.initializing = false
	p.initialized = true
	p.startMaintenanceLocked()
	close(p.initDone)
	p.initDone = nil
	p.cancelInit = nil
	p.mu.Unlock()

	p.balancer.Start(p.managedConnections)
	p.healthChecker.Start()

	log.Info().
		Int("min_connections", config.MinConnections).
		Int("max_connections", config.MaxConnections).
		Str("strategy", string(config.LoadBalancing.Strategy)).
		Msg("Connection pool initialized")

	p.notifier.Emit(Event{
		Type:     EventPoolInitialized,
		Metadata: map[string]interface{}{"total_connections": len(members)},
	})
	return nil
}

// finishInitialize ends an unsuccessful Initialize and reports whether
// Close asked for it to stop
func (p *Pool) finishInitialize() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	aborted := p.initAborted
	p.initializing = false
	p.initAborted = false
	p.cancelInit = nil
	if p.initDone != nil {
		close(p.initDone)
		p.initDone = nil
	}
	return aborted
}

func (p *Pool) createInitial(ctx context.Context, config Config) ([]*member, error) {
	members := make([]*member, config.MinConnections)
	errs := make([]error, config.MinConnections)

	var wg sync.WaitGroup
	for i := 0; i < config.MinConnections; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			members[i], errs[i] = p.createConnection(ctx, config)
		}(i)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		for _, m := range members {
			if m != nil {
				p.destroy(context.Background(), m, "pool initialization failed")
			}
		}
		return nil, err
	}
	return members, nil
}

// createConnection dials, warms and registers a new connection
func (p *Pool) createConnection(ctx context.Context, config Config) (*member, error) {
	if config.CreateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.CreateTimeout)
		defer cancel()
	}

	session, err := p.dialer.Dial(ctx)
	if err != nil {
		return nil, newPoolError("create", "", err)
	}

	opts := []ConnectionOption{
		WithCheckTimeout(config.HealthCheck.Timeout),
		WithCheckInterval(config.ConnectionCheckInterval),
	}
	if config.CheckQuery != "" {
		opts = append(opts, WithCheckQuery(config.CheckQuery))
	}
	conn := NewConnection(session, opts...)

	if warmer := p.warmerFor(config); warmer != nil {
		result := warmer.Warm(ctx, conn)
		if !result.Success {
			log.Warn().
				Err(result.Err).
				Str("connection_id", conn.ID()).
				Dur("duration", result.Duration).
				Bool("require_success", config.Warmup.RequireSuccess).
				Msg("Connection warm-up failed")

			p.notifier.Emit(Event{
				Type:         EventWarmupFailed,
				ConnectionID: conn.ID(),
				Duration:     result.Duration,
				Err:          result.Err,
			})

			if config.Warmup.RequireSuccess {
				closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
				_ = conn.Close(closeCtx)
				cancel()
				return nil, newPoolError("warmup", conn.ID(), fmt.Errorf("%w: %w", ErrWarmupFailed, result.Err))
			}
		}
	}

	m := &member{conn: conn}
	m.unsubscribe = conn.Subscribe(p.handleConnectionEvent)
	p.healthChecker.AddConnection(conn)
	p.created.Add(1)

	log.Debug().Str("connection_id", conn.ID()).Msg("Created graph connection")
	p.notifier.Emit(Event{Type: EventConnectionCreated, ConnectionID: conn.ID()})
	return m, nil
}

func (p *Pool) warmerFor(config Config) Warmer {
	if p.warmer != nil {
		return p.warmer
	}
	if config.Warmup.Enabled && len(config.Warmup.Queries) > 0 {
		return NewQueryWarmer(config.Warmup)
	}
	return nil
}

// Acquire leases a connection: an idle one chosen by the load balancer,
// a newly created one while below MaxConnections, or the next one released
// to this caller in FIFO order before AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context) (*Connection, error) {
	ctx, span := p.tracer.Start(ctx, "pool.Acquire")
	defer span.End()

	start := time.Now()
	conn, waited, err := p.acquire(ctx, start)
	span.SetAttributes(attribute.Bool("pool.waited", waited))
	if err != nil {
		p.totalErrors.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	elapsed := time.Since(start)
	p.totalAcquires.Add(1)
	p.acquireNanos.Add(int64(elapsed))
	span.SetAttributes(attribute.String("pool.connection_id", conn.ID()))

	p.notifier.Emit(Event{Type: EventConnectionAcquired, ConnectionID: conn.ID(), Duration: elapsed})
	return conn, nil
}

func (p *Pool) acquire(ctx context.Context, start time.Time) (*Connection, bool, error) {
	p.mu.Lock()
	if err := p.checkOpenLocked(); err != nil {
		p.mu.Unlock()
		return nil, false, newPoolError("acquire", "", err)
	}
	if err := ctx.Err(); err != nil {
		p.mu.Unlock()
		return nil, false, newPoolError("acquire", "", err)
	}
	config := p.config
	gen := p.generation

	// Callers already queued are served first; a newcomer joins the queue
	if p.pending.Len() > 0 {
		return p.wait(ctx, start, config)
	}

	if m := p.selectIdleLocked(); m != nil {
		p.leaseLocked(m)
		p.mu.Unlock()
		return m.conn, false, nil
	}

	if len(p.members)+p.creating < config.MaxConnections {
		p.creating++
		p.mu.Unlock()

		m, err := p.createConnection(ctx, config)

		p.mu.Lock()
		p.creating--
		if err == nil {
			if p.closing || !p.initialized || p.generation != gen {
				p.mu.Unlock()
				p.destroy(context.Background(), m, "pool closed during creation")
				return nil, false, newPoolError("acquire", "", ErrPoolClosing)
			}
			p.addMemberLocked(m)
			p.leaseLocked(m)
			p.mu.Unlock()
			return m.conn, false, nil
		}

		log.Warn().Err(err).Msg("Failed to grow connection pool, queuing request")

		if openErr := p.checkOpenLocked(); openErr != nil {
			p.mu.Unlock()
			return nil, false, newPoolError("acquire", "", openErr)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			p.mu.Unlock()
			return nil, false, newPoolError("acquire", "", ctxErr)
		}
	}

	return p.wait(ctx, start, config)
}

// wait queues the caller behind earlier waiters and blocks until it is
// handed a connection, times out or is cancelled. Called with p.mu held;
// returns with it released.
func (p *Pool) wait(ctx context.Context, start time.Time, config Config) (*Connection, bool, error) {
	req := &pendingRequest{
		result:     make(chan acquireResult, 1),
		enqueuedAt: time.Now(),
	}
	req.elem = p.pending.PushBack(req)
	remaining := config.AcquireTimeout - time.Since(start)
	if remaining < 0 {
		remaining = 0
	}
	req.timer = time.AfterFunc(remaining, func() {
		p.expire(req, config.AcquireTimeout)
	})
	handoffs := p.dispatchLocked()
	waiting := p.pending.Len()
	p.mu.Unlock()

	for _, h := range handoffs {
		h.req.result <- acquireResult{conn: h.conn}
	}

	log.Debug().Int("pending_requests", waiting).Msg("Connection pool exhausted, waiting for release")

	select {
	case res := <-req.result:
		return res.conn, true, res.err
	case <-ctx.Done():
		p.mu.Lock()
		if req.elem != nil {
			p.pending.Remove(req.elem)
			req.elem = nil
			req.timer.Stop()
			p.mu.Unlock()
			return nil, true, newPoolError("acquire", "", ctx.Err())
		}
		p.mu.Unlock()

		// Resolved concurrently; hand back anything we were given
		res := <-req.result
		if res.conn != nil {
			if err := p.Release(res.conn); err != nil {
				log.Debug().Err(err).Str("connection_id", res.conn.ID()).Msg("Could not return abandoned connection")
			}
		}
		return nil, true, newPoolError("acquire", "", ctx.Err())
	}
}

func (p *Pool) expire(req *pendingRequest, timeout time.Duration) {
	p.mu.Lock()
	if req.elem == nil {
		p.mu.Unlock()
		return
	}
	p.pending.Remove(req.elem)
	req.elem = nil
	p.mu.Unlock()

	p.totalTimeouts.Add(1)
	waited := time.Since(req.enqueuedAt)

	log.Warn().Dur("timeout", timeout).Dur("waited", waited).Msg("Timed out waiting for a connection")

	req.result <- acquireResult{err: newPoolError("acquire", "", fmt.Errorf("%w after %s", ErrAcquireTimeout, timeout))}
	p.notifier.Emit(Event{Type: EventAcquireTimeout, Duration: waited})
}

// Release returns a leased connection. An ERROR connection is evicted and
// replaced; otherwise the oldest waiter receives it before it goes idle.
func (p *Pool) Release(conn *Connection) error {
	if conn == nil {
		return newPoolError("release", "", ErrUnknownConnection)
	}
	id := conn.ID()

	p.mu.Lock()
	m, ok := p.members[id]
	if !ok || m.conn != conn {
		closed := p.closing || !p.initialized
		p.mu.Unlock()
		if closed {
			return newPoolError("release", id, ErrPoolClosing)
		}
		return newPoolError("release", id, ErrUnknownConnection)
	}
	if !m.leased {
		p.mu.Unlock()
		return newPoolError("release", id, ErrConnectionNotAcquired)
	}

	m.leased = false
	heldFor := time.Since(m.leasedAt)
	p.totalReleases.Add(1)

	if state := conn.State(); state != StateIdle && state != StateBusy {
		p.removeMemberLocked(id)
		p.wg.Add(1)
		p.spawnReplacementLocked()
		p.mu.Unlock()

		go func() {
			defer p.wg.Done()
			p.destroy(context.Background(), m, "released in "+state.String()+" state")
		}()

		p.notifier.Emit(Event{Type: EventConnectionReleased, ConnectionID: id, Duration: heldFor})
		return nil
	}

	req := p.offerLocked(m)
	p.mu.Unlock()

	p.notifier.Emit(Event{Type: EventConnectionReleased, ConnectionID: id, Duration: heldFor})
	if req != nil {
		req.result <- acquireResult{conn: conn}
	}
	return nil
}

// Execute acquires a connection, runs the query and releases it
func (p *Pool) Execute(ctx context.Context, query string) (*graphdb.Result, error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := p.Release(conn); err != nil {
			log.Debug().Err(err).Str("connection_id", conn.ID()).Msg("Failed to release connection")
		}
	}()

	return conn.Execute(ctx, query)
}

// Close rejects every waiter, stops background work and closes every
// connection. It is idempotent.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.initializing {
		// Abort the in-flight Initialize and wait for it to unwind
		p.initAborted = true
		cancel, done := p.cancelInit, p.initDone
		p.mu.Unlock()

		cancel()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if p.closing || !p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.closing = true

	waiters := make([]*pendingRequest, 0, p.pending.Len())
	for e := p.pending.Front(); e != nil; e = e.Next() {
		req := e.Value.(*pendingRequest)
		req.elem = nil
		req.timer.Stop()
		waiters = append(waiters, req)
	}
	p.pending.Init()

	members := p.order
	p.order = nil
	p.members = make(map[string]*member)

	if p.stopMaint != nil {
		close(p.stopMaint)
		p.stopMaint = nil
	}
	p.mu.Unlock()

	log.Info().
		Int("pending_requests", len(waiters)).
		Int("total_connections", len(members)).
		Msg("Closing connection pool")

	for _, req := range waiters {
		req.result <- acquireResult{err: newPoolError("acquire", "", ErrPoolClosing)}
	}

	p.healthChecker.Stop()
	p.balancer.Stop()

	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m *member) {
			defer wg.Done()
			p.destroy(ctx, m, "pool closed")
		}(m)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		log.Warn().Err(err).Msg("Gave up waiting for background pool work")
	}

	p.mu.Lock()
	p.initialized = false
	p.closing = false
	p.mu.Unlock()

	log.Info().Msg("Connection pool closed")
	p.notifier.Emit(Event{Type: EventPoolClosed})
	return err
}

// StartHealthCheck resumes pool-wide health checking
func (p *Pool) StartHealthCheck() error {
	p.mu.Lock()
	err := p.checkOpenLocked()
	p.mu.Unlock()
	if err != nil {
		return newPoolError("start_health_check", "", err)
	}

	p.healthChecker.Start()
	return nil
}

// StopHealthCheck pauses pool-wide health checking without touching connections
func (p *Pool) StopHealthCheck() {
	p.healthChecker.Stop()
}

// CheckHealth checks every managed connection once, outside the schedule
func (p *Pool) CheckHealth(ctx context.Context) []HealthCheckResult {
	return p.healthChecker.CheckAll(ctx)
}

// UpdateConfig hot-swaps the configuration. The health checker restarts with
// its new settings and the pool grows to a raised minimum. Existing
// connections keep the check settings they were created with.
func (p *Pool) UpdateConfig(config Config) error {
	if err := config.Validate(); err != nil {
		return newPoolError("update_config", "", err)
	}

	p.mu.Lock()
	if err := p.checkOpenLocked(); err != nil {
		p.mu.Unlock()
		return newPoolError("update_config", "", err)
	}
	p.config = config
	p.startMaintenanceLocked()
	for p.spawnReplacementLocked() {
	}
	p.mu.Unlock()

	if err := p.healthChecker.UpdateConfig(config.HealthCheck); err != nil {
		return newPoolError("update_config", "", err)
	}
	if err := p.balancer.UpdateConfig(config.LoadBalancing); err != nil {
		return newPoolError("update_config", "", err)
	}

	log.Info().
		Int("min_connections", config.MinConnections).
		Int("max_connections", config.MaxConnections).
		Str("strategy", string(config.LoadBalancing.Strategy)).
		Msg("Connection pool configuration updated")
	return nil
}

// handleConnectionEvent forwards connection events, evicts idle members
// that failed or closed underneath the pool and hands a connection released
// mid-query to a waiter once the query is done.
func (p *Pool) handleConnectionEvent(event Event) {
	p.notifier.Emit(event)

	switch event.Type {
	case EventQuerySucceeded:
		p.offerUnleased(event.ConnectionID)
	case EventQueryFailed:
		if event.Err == nil || p.classify == nil || !p.classify(event.Err) {
			p.offerUnleased(event.ConnectionID)
			return
		}
		if conn := p.lookup(event.ConnectionID); conn != nil {
			conn.MarkAsError(fmt.Errorf("transport failure: %w", event.Err))
		}
	case EventConnectionError:
		p.totalErrors.Add(1)
		p.evictIdle(event.ConnectionID, "connection error")
	case EventConnectionClosed:
		p.evictIdle(event.ConnectionID, "connection closed")
	}
}

// offerUnleased gives an idle, unleased member to the oldest waiter
func (p *Pool) offerUnleased(id string) {
	p.mu.Lock()
	m, ok := p.members[id]
	if !ok || m.leased || p.closing {
		p.mu.Unlock()
		return
	}
	req := p.offerLocked(m)
	p.mu.Unlock()

	if req != nil {
		req.result <- acquireResult{conn: m.conn}
	}
}

func (p *Pool) lookup(id string) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	if m, ok := p.members[id]; ok {
		return m.conn
	}
	return nil
}

// evictIdle removes a non-leased member; leased ones are evicted on release
func (p *Pool) evictIdle(id, reason string) {
	p.mu.Lock()
	m, ok := p.members[id]
	if !ok || m.leased || p.closing || !p.initialized {
		p.mu.Unlock()
		return
	}
	p.removeMemberLocked(id)
	p.wg.Add(1)
	p.spawnReplacementLocked()
	p.mu.Unlock()

	// Asynchronous: the event may come from the connection's own check goroutine
	go func() {
		defer p.wg.Done()
		p.destroy(context.Background(), m, reason)
	}()
}

// spawnReplacementLocked starts one background creation if the pool is below
// MinConnections, or queued waiters outnumber in-flight creations.
func (p *Pool) spawnReplacementLocked() bool {
	if p.closing || !p.initialized {
		return false
	}

	size := len(p.members) + p.creating
	if size >= p.config.MaxConnections {
		return false
	}
	if size >= p.config.MinConnections && p.pending.Len() <= p.creating {
		return false
	}

	p.creating++
	p.wg.Add(1)
	go p.replace(p.generation, p.config)
	return true
}

func (p *Pool) replace(gen uint64, config Config) {
	defer p.wg.Done()

	timeout := config.CreateTimeout
	if timeout <= 0 {
		timeout = fallbackTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	m, err := p.createConnection(ctx, config)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.mu.Unlock()
		log.Warn().Err(err).Msg("Failed to create replacement connection, retrying at next maintenance")
		return
	}
	if p.closing || !p.initialized || p.generation != gen {
		p.mu.Unlock()
		p.destroy(context.Background(), m, "pool closed during creation")
		return
	}
	p.addMemberLocked(m)
	req := p.offerLocked(m)
	p.mu.Unlock()

	if req != nil {
		req.result <- acquireResult{conn: m.conn}
	}
}

// destroy closes a connection that is no longer a member
func (p *Pool) destroy(ctx context.Context, m *member, reason string) {
	id := m.conn.ID()

	closeCtx, cancel := context.WithTimeout(ctx, closeTimeout)
	if err := m.conn.Close(closeCtx); err != nil {
		log.Warn().Err(err).Str("connection_id", id).Msg("Error closing connection")
	}
	cancel()

	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	p.healthChecker.RemoveConnection(id)
	p.balancer.RemoveConnection(id)
	p.destroyed.Add(1)

	log.Debug().Str("connection_id", id).Str("reason", reason).Msg("Removed connection from pool")
	p.notifier.Emit(Event{
		Type:         EventConnectionRemoved,
		ConnectionID: id,
		Metadata:     map[string]interface{}{"reason": reason},
	})
}

func (p *Pool) startMaintenanceLocked() {
	if p.stopMaint != nil || p.config.MaintenanceInterval <= 0 {
		return
	}
	p.stopMaint = make(chan struct{})
	p.wg.Add(1)
	go p.maintenanceLoop(p.stopMaint)
}

func (p *Pool) maintenanceLoop(stop chan struct{}) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		interval := p.config.MaintenanceInterval
		if interval <= 0 {
			// Give up ownership in the same critical section that decided to exit
			if p.stopMaint == stop {
				p.stopMaint = nil
			}
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			p.maintain()
		}
	}
}

// maintain evicts broken and long-idle members and tops the pool back up.
// Victims are unlinked under the lock so they cannot be acquired meanwhile.
func (p *Pool) maintain() {
	p.mu.Lock()
	if p.closing || !p.initialized {
		p.mu.Unlock()
		return
	}

	config := p.config
	remaining := len(p.members)
	var victims []*member
	var reasons []string

	for _, m := range append([]*member(nil), p.order...) {
		if m.leased {
			continue
		}
		switch state := m.conn.State(); {
		case state == StateError || state == StateClosing || state == StateClosed:
			victims = append(victims, m)
			reasons = append(reasons, "found in "+state.String()+" state")
		case state == StateIdle && config.IdleTimeout > 0 &&
			m.conn.IdleTime() > config.IdleTimeout && remaining > config.MinConnections:
			victims = append(victims, m)
			reasons = append(reasons, "idle timeout")
		default:
			continue
		}
		p.removeMemberLocked(m.conn.ID())
		remaining--
	}

	spawned := 0
	for p.spawnReplacementLocked() {
		spawned++
	}
	p.mu.Unlock()

	for i, m := range victims {
		p.destroy(context.Background(), m, reasons[i])
	}

	if len(victims) > 0 || spawned > 0 {
		log.Debug().
			Int("evicted", len(victims)).
			Int("replacements", spawned).
			Msg("Pool maintenance completed")
	}
}

func (p *Pool) checkOpenLocked() error {
	if p.closing {
		return ErrPoolClosing
	}
	if !p.initialized {
		return ErrPoolNotInitialized
	}
	return nil
}

func (p *Pool) selectIdleLocked() *member {
	idle := make([]*Connection, 0, len(p.order))
	for _, m := range p.order {
		if !m.leased && m.conn.State() == StateIdle {
			idle = append(idle, m.conn)
		}
	}

	conn := p.balancer.SelectConnection(idle)
	if conn == nil {
		return nil
	}
	m, ok := p.members[conn.ID()]
	if !ok || m.leased {
		return nil
	}
	return m
}

type handoff struct {
	req  *pendingRequest
	conn *Connection
}

// dispatchLocked gives idle members to the oldest waiters and schedules
// creations for waiters left without one. The caller delivers the handoffs
// after releasing the lock.
func (p *Pool) dispatchLocked() []handoff {
	var handoffs []handoff
	for p.pending.Len() > 0 {
		m := p.selectIdleLocked()
		if m == nil {
			break
		}
		req := p.offerLocked(m)
		if req == nil {
			break
		}
		handoffs = append(handoffs, handoff{req: req, conn: m.conn})
	}
	for p.spawnReplacementLocked() {
	}
	return handoffs
}

// offerLocked hands an idle member to the oldest waiter, if any
func (p *Pool) offerLocked(m *member) *pendingRequest {
	if m.leased || m.conn.State() != StateIdle {
		return nil
	}
	front := p.pending.Front()
	if front == nil {
		return nil
	}

	req := p.pending.Remove(front).(*pendingRequest)
	req.elem = nil
	req.timer.Stop()
	p.leaseLocked(m)
	return req
}

func (p *Pool) leaseLocked(m *member) {
	m.leased = true
	m.leasedAt = time.Now()
}

func (p *Pool) addMemberLocked(m *member) {
	p.members[m.conn.ID()] = m
	p.order = append(p.order, m)
}

func (p *Pool) removeMemberLocked(id string) {
	delete(p.members, id)
	for i, m := range p.order {
		if m.conn.ID() == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}

func (p *Pool) managedConnections() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns := make([]*Connection, 0, len(p.order))
	for _, m := range p.order {
		conns = append(conns, m.conn)
	}
	return conns
}
