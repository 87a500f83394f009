package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/codegraph/hybrid-search/pkg/graphdb"
)

var (
	errQuery     = errors.New("syntax error at or near MATCH")
	errTransport = errors.New("transport: connection reset by peer")
	errDial      = errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
)

// MockSession implements graphdb.Session for testing
type MockSession struct {
	mock.Mock
}

func (m *MockSession) Execute(ctx context.Context, query string) (*graphdb.Result, error) {
	args := m.Called(ctx, query)
	var result *graphdb.Result
	if r := args.Get(0); r != nil {
		result = r.(*graphdb.Result)
	}
	return result, args.Error(1)
}

func (m *MockSession) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// fakeSession is a scriptable in-memory session
type fakeSession struct {
	delay    atomic.Int64
	fail     atomic.Pointer[error]
	closed   atomic.Bool
	queries  atomic.Int64
	closeErr error

	mu      sync.Mutex
	history []string
}

func (s *fakeSession) setDelay(d time.Duration) {
	s.delay.Store(int64(d))
}

func (s *fakeSession) failWith(err error) {
	if err == nil {
		s.fail.Store(nil)
		return
	}
	s.fail.Store(&err)
}

func (s *fakeSession) Execute(ctx context.Context, query string) (*graphdb.Result, error) {
	if s.closed.Load() {
		return nil, graphdb.ErrSessionClosed
	}

	s.queries.Add(1)
	s.mu.Lock()
	s.history = append(s.history, query)
	s.mu.Unlock()

	if d := time.Duration(s.delay.Load()); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if errp := s.fail.Load(); errp != nil {
		return nil, *errp
	}

	return &graphdb.Result{
		Columns: []string{"?column?"},
		Rows:    [][]interface{}{{int64(1)}},
	}, nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.closed.Store(true)
	return s.closeErr
}

func (s *fakeSession) queriesRun() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}

// fakeDialer hands out fakeSessions and records them
type fakeDialer struct {
	dials atomic.Int64
	fail  atomic.Bool

	mu       sync.Mutex
	sessions []*fakeSession
}

func (d *fakeDialer) Dial(ctx context.Context) (graphdb.Session, error) {
	d.dials.Add(1)
	if d.fail.Load() {
		return nil, errDial
	}

	s := &fakeSession{}
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) all() []*fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeSession(nil), d.sessions...)
}

func (d *fakeDialer) closedCount() int {
	n := 0
	for _, s := range d.all() {
		if s.closed.Load() {
			n++
		}
	}
	return n
}

// testConfig returns a small pool with background loops effectively off
func testConfig() Config {
	config := DefaultConfig()
	config.MinConnections = 2
	config.MaxConnections = 3
	config.AcquireTimeout = 100 * time.Millisecond
	config.IdleTimeout = 0
	config.CreateTimeout = time.Second
	config.MaintenanceInterval = 0
	config.ConnectionCheckInterval = 0
	config.HealthCheck.Interval = time.Hour
	config.HealthCheck.Timeout = 100 * time.Millisecond
	config.LoadBalancing.Strategy = StrategyRoundRobin
	config.LoadBalancing.UpdateInterval = time.Hour
	config.Warmup.Enabled = false
	return config
}

func newStatConnection(id string, queries, errs int64, total time.Duration) *Connection {
	c := NewConnection(&fakeSession{}, WithConnectionID(id))
	c.queryCount.Store(queries)
	c.errorCount.Store(errs)
	c.totalQueryTime.Store(int64(total))
	return c
}

// eventRecorder collects events for assertions
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) listen(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
