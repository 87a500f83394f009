package pool

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/rs/zerolog/log"
)

// ConnectionWeight is the derived scheduling score of a connection
type ConnectionWeight struct {
	ConnectionID    string        `json:"connection_id"`
	Weight          int           `json:"weight"`
	ResponseTime    time.Duration `json:"response_time"`
	ErrorRate       float64       `json:"error_rate"`
	ConnectionCount int64         `json:"connection_count"`
	LastUpdated     time.Time     `json:"last_updated"`
}

// ConnectionSource lists every connection the balancer should score
type ConnectionSource func() []*Connection

// LoadBalancer picks the connection the next caller should receive.
// Selection never blocks and never fails: a panic in the strategy falls
// back to the first idle connection.
type LoadBalancer struct {
	mu     sync.RWMutex
	config LoadBalancingConfig

	rrIndex atomic.Uint64

	// connection id -> ConnectionWeight; values are replaced, never mutated
	weights cmap.ConcurrentMap

	running bool
	source  ConnectionSource
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewLoadBalancer creates a balancer with the given configuration
func NewLoadBalancer(config LoadBalancingConfig) *LoadBalancer {
	return &LoadBalancer{
		config:  config,
		weights: cmap.New(),
	}
}

// Config returns the active configuration
func (lb *LoadBalancer) Config() LoadBalancingConfig {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return lb.config
}

// Strategy returns the active strategy
func (lb *LoadBalancer) Strategy() Strategy {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return lb.config.Strategy
}

// SetStrategy switches the selection strategy
func (lb *LoadBalancer) SetStrategy(strategy Strategy) error {
	if !validStrategies[strategy] {
		_, err := ParseStrategy(string(strategy))
		return err
	}

	lb.mu.Lock()
	lb.config.Strategy = strategy
	lb.mu.Unlock()
	return nil
}

// UpdateConfig swaps the configuration; a running refresh loop picks up the new interval
func (lb *LoadBalancer) UpdateConfig(config LoadBalancingConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}

	lb.mu.Lock()
	oldInterval := lb.config.UpdateInterval
	lb.config = config
	running := lb.running
	source := lb.source
	lb.mu.Unlock()

	if running && oldInterval != config.UpdateInterval && source != nil {
		lb.Stop()
		lb.Start(source)
	}
	return nil
}

// SelectConnection picks one of the idle connections, or nil if there are none
func (lb *LoadBalancer) SelectConnection(idle []*Connection) (selected *Connection) {
	if len(idle) == 0 {
		return nil
	}

	lb.mu.RLock()
	strategy := lb.config.Strategy
	lb.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			log.Warn().
				Interface("panic", r).
				Str("strategy", string(strategy)).
				Msg("Connection selection failed, falling back to first idle connection")
			selected = idle[0]
		}
	}()

	switch strategy {
	case StrategyRoundRobin:
		return lb.roundRobin(idle)
	case StrategyLeastConnections:
		return leastConnections(idle)
	case StrategyLeastResponseTime:
		return leastResponseTime(idle)
	case StrategyWeightedRoundRobin:
		return lb.weightedRoundRobin(idle)
	case StrategyRandom:
		return idle[rand.Intn(len(idle))]
	default:
		return idle[0]
	}
}

func (lb *LoadBalancer) roundRobin(idle []*Connection) *Connection {
	index := lb.rrIndex.Add(1) - 1
	return idle[index%uint64(len(idle))]
}

func leastConnections(idle []*Connection) *Connection {
	best := idle[0]
	bestCount := best.QueryCount()
	for _, conn := range idle[1:] {
		if count := conn.QueryCount(); count < bestCount {
			best, bestCount = conn, count
		}
	}
	return best
}

// leastResponseTime treats a connection without queries as infinitely slow,
// so fresh connections lose to any proven one.
func leastResponseTime(idle []*Connection) *Connection {
	best := idle[0]
	bestAvg := averageOrInf(best)
	for _, conn := range idle[1:] {
		if avg := averageOrInf(conn); avg < bestAvg {
			best, bestAvg = conn, avg
		}
	}
	return best
}

func averageOrInf(conn *Connection) float64 {
	count := conn.queryCount.Load()
	if count == 0 {
		return math.Inf(1)
	}
	return float64(conn.totalQueryTime.Load()) / float64(count)
}

// weightedRoundRobin performs roulette-wheel selection over connection weights
func (lb *LoadBalancer) weightedRoundRobin(idle []*Connection) *Connection {
	weights := make([]int, len(idle))
	total := 0
	for i, conn := range idle {
		w, ok := lb.Weight(conn.ID())
		if !ok {
			w = lb.UpdateConnectionWeight(conn)
		}
		weights[i] = w.Weight
		total += w.Weight
	}

	if total <= 0 {
		return idle[0]
	}

	pick := rand.Intn(total)
	for i, w := range weights {
		if pick < w {
			return idle[i]
		}
		pick -= w
	}
	return idle[len(idle)-1]
}

// UpdateConnectionWeight recomputes and stores the weight of one connection
func (lb *LoadBalancer) UpdateConnectionWeight(conn *Connection) ConnectionWeight {
	lb.mu.RLock()
	config := lb.config
	lb.mu.RUnlock()

	weight := computeWeight(conn, config)
	lb.weights.Set(conn.ID(), weight)
	return weight
}

func computeWeight(conn *Connection, config LoadBalancingConfig) ConnectionWeight {
	queries := conn.QueryCount()
	errs := conn.ErrorCount()
	avg := conn.AverageResponseTime()

	healthScore := 0.0
	if conn.State() == StateIdle {
		healthScore = 1
	}

	avgMs := float64(avg) / float64(time.Millisecond)
	responseScore := clamp01(math.Max(0, 1000-avgMs) / 1000)

	errorRate := 0.0
	errorScore := 1.0
	if queries > 0 {
		errorRate = float64(errs) / float64(queries)
		errorScore = clamp01(1 - errorRate)
	}

	countScore := math.Max(0, 1-float64(queries)/1000)

	raw := healthScore*config.HealthCheckWeight +
		responseScore*config.ResponseTimeWeight +
		errorScore*config.ErrorRateWeight +
		countScore*config.ConnectionCountWeight

	weight := int(math.Round(raw * 100))
	if weight < config.MinWeight {
		weight = config.MinWeight
	}
	if weight > config.MaxWeight {
		weight = config.MaxWeight
	}

	return ConnectionWeight{
		ConnectionID:    conn.ID(),
		Weight:          weight,
		ResponseTime:    avg,
		ErrorRate:       errorRate,
		ConnectionCount: queries,
		LastUpdated:     time.Now(),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Weight returns the last computed weight of a connection
func (lb *LoadBalancer) Weight(id string) (ConnectionWeight, bool) {
	v, ok := lb.weights.Get(id)
	if !ok {
		return ConnectionWeight{}, false
	}
	w, ok := v.(ConnectionWeight)
	return w, ok
}

// Weights returns a snapshot of every stored weight
func (lb *LoadBalancer) Weights() map[string]ConnectionWeight {
	out := make(map[string]ConnectionWeight, lb.weights.Count())
	for item := range lb.weights.IterBuffered() {
		if w, ok := item.Val.(ConnectionWeight); ok {
			out[item.Key] = w
		}
	}
	return out
}

// RemoveConnection forgets the weight of an evicted connection
func (lb *LoadBalancer) RemoveConnection(id string) {
	lb.weights.Remove(id)
}

// RefreshWeights recomputes weights for the given connections and drops stale entries
func (lb *LoadBalancer) RefreshWeights(conns []*Connection) {
	live := make(map[string]struct{}, len(conns))
	for _, conn := range conns {
		live[conn.ID()] = struct{}{}
		lb.UpdateConnectionWeight(conn)
	}

	for _, id := range lb.weights.Keys() {
		if _, ok := live[id]; !ok {
			lb.weights.Remove(id)
		}
	}
}

// Start refreshes weights for every connection returned by source on the configured interval
func (lb *LoadBalancer) Start(source ConnectionSource) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.running || source == nil {
		return
	}
	if lb.config.UpdateInterval <= 0 {
		log.Warn().Dur("update_interval", lb.config.UpdateInterval).Msg("Weight refresh not started: update interval must be positive")
		return
	}

	lb.running = true
	lb.stopCh = make(chan struct{})
	lb.source = source

	lb.wg.Add(1)
	go lb.refreshLoop(lb.stopCh, source, lb.config.UpdateInterval)
}

// Stop halts the refresh loop
func (lb *LoadBalancer) Stop() {
	lb.mu.Lock()
	if !lb.running {
		lb.mu.Unlock()
		return
	}
	lb.running = false
	close(lb.stopCh)
	lb.mu.Unlock()

	lb.wg.Wait()
}

func (lb *LoadBalancer) refreshLoop(stop <-chan struct{}, source ConnectionSource, interval time.Duration) {
	defer lb.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			lb.safeRefresh(source)
		}
	}
}

func (lb *LoadBalancer) safeRefresh(source ConnectionSource) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Weight refresh panicked")
		}
	}()
	lb.RefreshWeights(source())
}
