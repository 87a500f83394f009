package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHealthChecker() *HealthChecker {
	return NewHealthChecker(HealthCheckConfig{
		Interval:    time.Hour,
		Timeout:     50 * time.Millisecond,
		MaxFailures: 3,
		RetryDelay:  time.Second,
	})
}

func TestHealthChecker_EscalatesAfterMaxFailures(t *testing.T) {
	hc := newTestHealthChecker()
	session := &fakeSession{}
	session.failWith(errTransport)
	conn := NewConnection(session)
	hc.AddConnection(conn)

	ctx := context.Background()
	for i := 1; i < 3; i++ {
		result, err := hc.CheckConnection(ctx, conn.ID())
		require.NoError(t, err)
		assert.False(t, result.Healthy)
		assert.ErrorIs(t, result.Err, errTransport)

		failures, ok := hc.Failures(conn.ID())
		require.True(t, ok)
		assert.Equal(t, i, failures)
		assert.Equal(t, StateIdle, conn.State(), "one failure short of the threshold must not escalate")
	}

	_, err := hc.CheckConnection(ctx, conn.ID())
	require.NoError(t, err)
	assert.Equal(t, StateError, conn.State())

	failures, _ := hc.Failures(conn.ID())
	assert.Equal(t, 3, failures)
}

func TestHealthChecker_SuccessResetsFailureCount(t *testing.T) {
	hc := newTestHealthChecker()
	session := &fakeSession{}
	conn := NewConnection(session)
	hc.AddConnection(conn)
	ctx := context.Background()

	session.failWith(errTransport)
	hc.CheckConnection(ctx, conn.ID())
	hc.CheckConnection(ctx, conn.ID())

	session.failWith(nil)
	result, err := hc.CheckConnection(ctx, conn.ID())
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	failures, _ := hc.Failures(conn.ID())
	assert.Equal(t, 0, failures)

	session.failWith(errTransport)
	hc.CheckConnection(ctx, conn.ID())
	hc.CheckConnection(ctx, conn.ID())

	assert.Equal(t, StateIdle, conn.State())
	failures, _ = hc.Failures(conn.ID())
	assert.Equal(t, 2, failures)
}

func TestHealthChecker_ResetsRecoveredConnection(t *testing.T) {
	hc := newTestHealthChecker()
	conn := NewConnection(&fakeSession{})
	hc.AddConnection(conn)

	conn.MarkAsError(errors.New("transient outage"))
	require.Equal(t, StateError, conn.State())

	result, err := hc.CheckConnection(context.Background(), conn.ID())
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.Equal(t, StateIdle, conn.State())
}

func TestHealthChecker_CheckTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	hc := newTestHealthChecker()
	session := &fakeSession{}
	session.setDelay(500 * time.Millisecond)
	conn := NewConnection(session)
	hc.AddConnection(conn)

	start := time.Now()
	result, err := hc.CheckConnection(context.Background(), conn.ID())
	require.NoError(t, err)

	assert.False(t, result.Healthy)
	assert.Error(t, result.Err)
	assert.Less(t, time.Since(start), 300*time.Millisecond)

	failures, _ := hc.Failures(conn.ID())
	assert.Equal(t, 1, failures)
}

func TestHealthChecker_ConnectionEvents(t *testing.T) {
	hc := newTestHealthChecker()
	conn := NewConnection(&fakeSession{})
	hc.AddConnection(conn)

	conn.MarkAsError(errTransport)
	failures, ok := hc.Failures(conn.ID())
	require.True(t, ok)
	assert.Equal(t, 1, failures)

	require.NoError(t, conn.Close(context.Background()))
	_, ok = hc.Failures(conn.ID())
	assert.False(t, ok)
	assert.Empty(t, hc.Tracked())
}

func TestHealthChecker_EscalationIsNotDoubleCounted(t *testing.T) {
	hc := newTestHealthChecker()
	hc.config.MaxFailures = 1
	session := &fakeSession{}
	session.failWith(errTransport)
	conn := NewConnection(session)
	hc.AddConnection(conn)

	_, err := hc.CheckConnection(context.Background(), conn.ID())
	require.NoError(t, err)
	assert.Equal(t, StateError, conn.State())

	failures, _ := hc.Failures(conn.ID())
	assert.Equal(t, 1, failures)
}

func TestHealthChecker_UnknownAndEmpty(t *testing.T) {
	hc := newTestHealthChecker()

	_, err := hc.CheckConnection(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownConnection)

	assert.Empty(t, hc.CheckAll(context.Background()))
}

func TestHealthChecker_RemovedMidCheck(t *testing.T) {
	hc := newTestHealthChecker()
	hc.config.Timeout = time.Second
	session := &fakeSession{}
	session.setDelay(50 * time.Millisecond)
	session.failWith(errTransport)
	conn := NewConnection(session)
	hc.AddConnection(conn)

	done := make(chan error, 1)
	go func() {
		_, err := hc.CheckConnection(context.Background(), conn.ID())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	hc.RemoveConnection(conn.ID())

	assert.NoError(t, <-done)
	_, ok := hc.Failures(conn.ID())
	assert.False(t, ok)
}

func TestHealthChecker_CheckAllIsolatesSlowConnections(t *testing.T) {
	hc := newTestHealthChecker()
	hc.config.Timeout = time.Second

	slow := &fakeSession{}
	slow.setDelay(200 * time.Millisecond)
	broken := &fakeSession{}
	broken.failWith(errTransport)

	slowConn := NewConnection(slow, WithConnectionID("slow"))
	brokenConn := NewConnection(broken, WithConnectionID("broken"))
	fastConn := NewConnection(&fakeSession{}, WithConnectionID("fast"))
	for _, c := range []*Connection{slowConn, brokenConn, fastConn} {
		hc.AddConnection(c)
	}

	start := time.Now()
	results := hc.CheckAll(context.Background())
	elapsed := time.Since(start)
	require.Len(t, results, 3)

	byID := make(map[string]HealthCheckResult)
	for _, r := range results {
		byID[r.ConnectionID] = r
	}

	assert.True(t, byID["fast"].Healthy)
	assert.Less(t, byID["fast"].ResponseTime, 100*time.Millisecond)
	assert.True(t, byID["slow"].Healthy)
	assert.False(t, byID["broken"].Healthy)

	// Checks run concurrently, so the round costs about one slow check
	assert.Less(t, elapsed, 400*time.Millisecond)
}

func TestHealthChecker_Notifications(t *testing.T) {
	hc := newTestHealthChecker()
	events := &eventRecorder{}
	hc.Subscribe(events.listen)

	session := &fakeSession{}
	conn := NewConnection(session)
	hc.AddConnection(conn)

	hc.CheckConnection(context.Background(), conn.ID())
	session.failWith(errTransport)
	hc.CheckConnection(context.Background(), conn.ID())

	assert.Equal(t, []EventType{EventHealthCheckPassed, EventHealthCheckFailed}, events.types())
}

func TestHealthChecker_StartStop(t *testing.T) {
	defer leaktest.Check(t)()

	hc := newTestHealthChecker()
	hc.config.Interval = 10 * time.Millisecond

	session := &fakeSession{}
	session.failWith(errTransport)
	conn := NewConnection(session)
	hc.AddConnection(conn)

	hc.Start()
	hc.Start()
	assert.True(t, hc.Running())

	assert.Eventually(t, func() bool {
		return conn.State() == StateError
	}, 2*time.Second, 5*time.Millisecond)

	hc.Stop()
	hc.Stop()
	assert.False(t, hc.Running())
}

func TestHealthChecker_UpdateConfigKeepsFailures(t *testing.T) {
	defer leaktest.Check(t)()

	hc := newTestHealthChecker()
	session := &fakeSession{}
	session.failWith(errTransport)
	conn := NewConnection(session)
	hc.AddConnection(conn)

	hc.CheckConnection(context.Background(), conn.ID())
	hc.CheckConnection(context.Background(), conn.ID())

	hc.Start()
	newConfig := hc.Config()
	newConfig.Interval = 30 * time.Minute
	newConfig.MaxFailures = 5
	require.NoError(t, hc.UpdateConfig(newConfig))

	assert.True(t, hc.Running())
	assert.Equal(t, 30*time.Minute, hc.Config().Interval)
	failures, _ := hc.Failures(conn.ID())
	assert.Equal(t, 2, failures)

	invalid := newConfig
	invalid.MaxFailures = 0
	assert.ErrorIs(t, hc.UpdateConfig(invalid), ErrInvalidConfig)

	hc.Stop()
}

func TestHealthChecker_EscalatesLongRunningQuery(t *testing.T) {
	defer leaktest.Check(t)()

	hc := newTestHealthChecker()
	hc.config.MaxBusyTime = time.Hour

	session := &fakeSession{}
	session.setDelay(300 * time.Millisecond)
	conn := NewConnection(session)
	hc.AddConnection(conn)

	done := make(chan error, 1)
	go func() {
		_, err := conn.Execute(context.Background(), "MATCH (n)-[*]->(m) RETURN m")
		done <- err
	}()

	require.Eventually(t, func() bool {
		return conn.BusyFor() > 20*time.Millisecond
	}, time.Second, 5*time.Millisecond)

	// Within the limit a busy connection counts as healthy
	result, err := hc.CheckConnection(context.Background(), conn.ID())
	require.NoError(t, err)
	assert.True(t, result.Healthy)

	hc.config.MaxBusyTime = 10 * time.Millisecond
	for i := 0; i < 3; i++ {
		result, err = hc.CheckConnection(context.Background(), conn.ID())
		require.NoError(t, err)
		assert.False(t, result.Healthy)
		assert.ErrorIs(t, result.Err, ErrConnectionNotAvailable)
	}
	assert.Equal(t, StateError, conn.State())

	require.NoError(t, <-done)
	assert.Equal(t, StateError, conn.State(), "finishing the query must not revive a condemned connection")
	assert.Zero(t, conn.BusyFor())
}

func TestHealthChecker_StartWithoutIntervalIsNoop(t *testing.T) {
	defer leaktest.Check(t)()

	hc := NewHealthChecker(HealthCheckConfig{})
	assert.NotPanics(t, hc.Start)
	assert.False(t, hc.Running())
	hc.Stop()
}
