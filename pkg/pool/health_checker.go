package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthCheckResult is the outcome of one check against one connection
type HealthCheckResult struct {
	ConnectionID string        `json:"connection_id"`
	Healthy      bool          `json:"healthy"`
	ResponseTime time.Duration `json:"response_time"`
	Err          error         `json:"-"`
	Timestamp    time.Time     `json:"timestamp"`
}

type trackedConnection struct {
	conn        *Connection
	failures    int
	escalated   bool
	inFlight    bool
	unsubscribe func()
}

// HealthChecker periodically checks tracked connections, counting
// consecutive failures and condemning a connection once MaxFailures is reached.
type HealthChecker struct {
	mu      sync.Mutex
	config  HealthCheckConfig
	tracked map[string]*trackedConnection

	running bool
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	checkWG sync.WaitGroup

	notifier Notifier
}

// NewHealthChecker creates a stopped health checker
func NewHealthChecker(config HealthCheckConfig) *HealthChecker {
	return &HealthChecker{
		config:  config,
		tracked: make(map[string]*trackedConnection),
	}
}

// Subscribe registers a listener for health_check_passed / health_check_failed
func (hc *HealthChecker) Subscribe(listener Listener) func() {
	return hc.notifier.Subscribe(listener)
}

// AddConnection begins tracking a connection
func (hc *HealthChecker) AddConnection(conn *Connection) {
	hc.mu.Lock()
	if _, exists := hc.tracked[conn.ID()]; exists {
		hc.mu.Unlock()
		return
	}
	t := &trackedConnection{conn: conn}
	hc.tracked[conn.ID()] = t
	hc.mu.Unlock()

	unsubscribe := conn.Subscribe(func(event Event) {
		switch event.Type {
		case EventConnectionError:
			hc.recordExternalFailure(event.ConnectionID, t)
		case EventConnectionClosed:
			hc.RemoveConnection(event.ConnectionID)
		}
	})

	hc.mu.Lock()
	if current, ok := hc.tracked[conn.ID()]; ok && current == t {
		t.unsubscribe = unsubscribe
		hc.mu.Unlock()
		return
	}
	hc.mu.Unlock()

	// Removed while subscribing
	unsubscribe()
}

// RemoveConnection stops tracking a connection and discards its failure count
func (hc *HealthChecker) RemoveConnection(id string) {
	hc.mu.Lock()
	t, ok := hc.tracked[id]
	if ok {
		delete(hc.tracked, id)
	}
	hc.mu.Unlock()

	if ok && t.unsubscribe != nil {
		t.unsubscribe()
	}
}

func (hc *HealthChecker) recordExternalFailure(id string, t *trackedConnection) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	current, ok := hc.tracked[id]
	if !ok || current != t || t.escalated {
		return
	}
	t.failures++
}

// Failures returns the consecutive failure count of a tracked connection
func (hc *HealthChecker) Failures(id string) (int, bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	t, ok := hc.tracked[id]
	if !ok {
		return 0, false
	}
	return t.failures, true
}

// Tracked returns the ids of tracked connections
func (hc *HealthChecker) Tracked() []string {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	ids := make([]string, 0, len(hc.tracked))
	for id := range hc.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Config returns the active configuration
func (hc *HealthChecker) Config() HealthCheckConfig {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.config
}

// CheckConnection runs one check against a tracked connection, racing it
// against the configured timeout.
func (hc *HealthChecker) CheckConnection(ctx context.Context, id string) (HealthCheckResult, error) {
	hc.mu.Lock()
	t, ok := hc.tracked[id]
	config := hc.config
	hc.mu.Unlock()

	if !ok {
		return HealthCheckResult{}, newPoolError("health_check", id, ErrUnknownConnection)
	}

	conn := t.conn
	start := time.Now()

	var err error
	if busy := conn.BusyFor(); config.MaxBusyTime > 0 && busy > config.MaxBusyTime {
		// Ping reports a busy connection healthy; a hung query must still escalate
		err = fmt.Errorf("%w: query in flight for %s (limit %s)", ErrConnectionNotAvailable, busy.Round(time.Millisecond), config.MaxBusyTime)
	} else {
		checkCtx, cancel := context.WithTimeout(ctx, config.Timeout)
		done := make(chan error, 1)
		go func() {
			done <- conn.Ping(checkCtx)
		}()

		select {
		case err = <-done:
		case <-checkCtx.Done():
			err = fmt.Errorf("health check timed out after %s", config.Timeout)
		}
		cancel()
	}

	result := HealthCheckResult{
		ConnectionID: id,
		Healthy:      err == nil,
		ResponseTime: time.Since(start),
		Err:          err,
		Timestamp:    time.Now(),
	}

	// Abandoned by the caller, not a verdict on the connection
	if !result.Healthy && ctx.Err() != nil {
		result.Err = ctx.Err()
		return result, nil
	}

	escalate := false
	failures := 0

	hc.mu.Lock()
	current, stillTracked := hc.tracked[id]
	if !stillTracked || current != t {
		hc.mu.Unlock()
		return result, nil
	}
	if result.Healthy {
		t.failures = 0
		t.escalated = false
	} else {
		t.failures++
		if t.failures >= config.MaxFailures {
			escalate = true
			t.escalated = true
		}
	}
	failures = t.failures
	hc.mu.Unlock()

	if result.Healthy {
		if conn.State() == StateError {
			if resetErr := conn.Reset(); resetErr != nil {
				log.Debug().Err(resetErr).Str("connection_id", id).Msg("Could not reset recovered connection")
			}
		}
		hc.notifier.Emit(Event{
			Type:         EventHealthCheckPassed,
			ConnectionID: id,
			Duration:     result.ResponseTime,
		})
		return result, nil
	}

	log.Debug().
		Err(err).
		Str("connection_id", id).
		Int("consecutive_failures", failures).
		Int("max_failures", config.MaxFailures).
		Msg("Health check failed")

	if escalate {
		conn.MarkAsError(fmt.Errorf("failed %d consecutive health checks: %w", failures, err))
	}

	hc.notifier.Emit(Event{
		Type:         EventHealthCheckFailed,
		ConnectionID: id,
		Duration:     result.ResponseTime,
		Err:          err,
		Metadata:     map[string]interface{}{"consecutive_failures": failures},
	})
	return result, nil
}

// CheckAll checks every tracked connection concurrently and waits for all results
func (hc *HealthChecker) CheckAll(ctx context.Context) []HealthCheckResult {
	ids := hc.Tracked()
	if len(ids) == 0 {
		return nil
	}

	results := make([]HealthCheckResult, len(ids))
	found := make([]bool, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			result, err := hc.CheckConnection(ctx, id)
			if err != nil {
				return
			}
			results[i] = result
			found[i] = true
		}(i, id)
	}
	wg.Wait()

	out := make([]HealthCheckResult, 0, len(ids))
	for i := range results {
		if found[i] {
			out = append(out, results[i])
		}
	}
	return out
}

// Start runs CheckConnection against every tracked connection on the configured interval
func (hc *HealthChecker) Start() {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if hc.running {
		return
	}
	if hc.config.Interval <= 0 {
		log.Warn().Dur("interval", hc.config.Interval).Msg("Health checker not started: interval must be positive")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	hc.cancel = cancel
	hc.running = true

	hc.loopWG.Add(1)
	go hc.loop(ctx, hc.config.Interval)

	log.Debug().Dur("interval", hc.config.Interval).Msg("Health checker started")
}

// Stop halts the periodic loop and waits for in-flight checks
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	cancel := hc.cancel
	hc.cancel = nil
	hc.mu.Unlock()

	cancel()
	hc.loopWG.Wait()
	hc.checkWG.Wait()

	log.Debug().Msg("Health checker stopped")
}

// Running reports whether the periodic loop is active
func (hc *HealthChecker) Running() bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.running
}

// UpdateConfig swaps the configuration, restarting the loop if it was running.
// Accumulated failure counts are kept.
func (hc *HealthChecker) UpdateConfig(config HealthCheckConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}

	hc.mu.Lock()
	hc.config = config
	wasRunning := hc.running
	hc.mu.Unlock()

	if wasRunning {
		hc.Stop()
		hc.Start()
	}
	return nil
}

func (hc *HealthChecker) loop(ctx context.Context, interval time.Duration) {
	defer hc.loopWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.dispatch(ctx)
		}
	}
}

// dispatch fans checks out without waiting on them; a connection whose
// previous check is still running is skipped this round.
func (hc *HealthChecker) dispatch(ctx context.Context) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	for id, t := range hc.tracked {
		if t.inFlight {
			continue
		}
		t.inFlight = true
		hc.checkWG.Add(1)
		go func(id string, t *trackedConnection) {
			defer hc.checkWG.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("connection_id", id).Msg("Health check panicked")
				}
				hc.mu.Lock()
				t.inFlight = false
				hc.mu.Unlock()
			}()

			if _, err := hc.CheckConnection(ctx, id); err != nil {
				log.Debug().Err(err).Str("connection_id", id).Msg("Skipped health check")
			}
		}(id, t)
	}
}
