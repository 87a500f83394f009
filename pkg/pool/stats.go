package pool

import (
	"time"
)

// Stats is a point-in-time snapshot of pool counters.
// ActiveConnections + IdleConnections always equals TotalConnections.
type Stats struct {
	TotalConnections     int           `json:"total_connections"`
	ActiveConnections    int           `json:"active_connections"`
	IdleConnections      int           `json:"idle_connections"`
	PendingRequests      int           `json:"pending_requests"`
	CreatingConnections  int           `json:"creating_connections"`
	TotalAcquires        int64         `json:"total_acquires"`
	TotalReleases        int64         `json:"total_releases"`
	TotalErrors          int64         `json:"total_errors"`
	TotalTimeouts        int64         `json:"total_timeouts"`
	ConnectionsCreated   int64         `json:"connections_created"`
	ConnectionsDestroyed int64         `json:"connections_destroyed"`
	AverageAcquireTime   time.Duration `json:"average_acquire_time"`
	AverageConnectionAge time.Duration `json:"average_connection_age"`
	Initialized          bool          `json:"initialized"`
	HealthCheckRunning   bool          `json:"health_check_running"`
	Strategy             Strategy      `json:"strategy"`
	Timestamp            time.Time     `json:"timestamp"`
}

// ConnectionInfo describes one pool member
type ConnectionInfo struct {
	ConnectionStats
	Leased         bool          `json:"leased"`
	LeasedFor      time.Duration `json:"leased_for,omitempty"`
	Weight         int           `json:"weight"`
	HealthFailures int           `json:"health_failures"`
}

// Stats returns a snapshot without performing any I/O
func (p *Pool) Stats() Stats {
	now := time.Now()

	p.mu.Lock()
	total := len(p.order)
	active := 0
	var ageSum time.Duration
	for _, m := range p.order {
		if m.leased {
			active++
		}
		ageSum += now.Sub(m.conn.CreatedAt())
	}
	stats := Stats{
		TotalConnections:    total,
		ActiveConnections:   active,
		IdleConnections:     total - active,
		PendingRequests:     p.pending.Len(),
		CreatingConnections: p.creating,
		Initialized:         p.initialized,
	}
	p.mu.Unlock()

	if total > 0 {
		stats.AverageConnectionAge = ageSum / time.Duration(total)
	}

	stats.TotalAcquires = p.totalAcquires.Load()
	stats.TotalReleases = p.totalReleases.Load()
	stats.TotalErrors = p.totalErrors.Load()
	stats.TotalTimeouts = p.totalTimeouts.Load()
	stats.ConnectionsCreated = p.created.Load()
	stats.ConnectionsDestroyed = p.destroyed.Load()
	if stats.TotalAcquires > 0 {
		stats.AverageAcquireTime = time.Duration(p.acquireNanos.Load() / stats.TotalAcquires)
	}

	stats.HealthCheckRunning = p.healthChecker.Running()
	stats.Strategy = p.balancer.Strategy()
	stats.Timestamp = now
	return stats
}

// Connections describes every current member in creation order
func (p *Pool) Connections() []ConnectionInfo {
	now := time.Now()

	p.mu.Lock()
	type snapshot struct {
		conn     *Connection
		leased   bool
		leasedAt time.Time
	}
	snaps := make([]snapshot, 0, len(p.order))
	for _, m := range p.order {
		snaps = append(snaps, snapshot{conn: m.conn, leased: m.leased, leasedAt: m.leasedAt})
	}
	p.mu.Unlock()

	infos := make([]ConnectionInfo, 0, len(snaps))
	for _, s := range snaps {
		info := ConnectionInfo{
			ConnectionStats: s.conn.Stats(),
			Leased:          s.leased,
		}
		if s.leased {
			info.LeasedFor = now.Sub(s.leasedAt)
		}
		if w, ok := p.balancer.Weight(s.conn.ID()); ok {
			info.Weight = w.Weight
		} else {
			info.Weight = computeWeight(s.conn, p.balancer.Config()).Weight
		}
		if failures, ok := p.healthChecker.Failures(s.conn.ID()); ok {
			info.HealthFailures = failures
		}
		infos = append(infos, info)
	}
	return infos
}
