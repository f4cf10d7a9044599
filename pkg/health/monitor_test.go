package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/migadu/mailroute/pkg/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type switchable struct {
	err error
}

func (s *switchable) Ping(context.Context) error {
	return s.err
}

type stats struct {
	pending int
	err     error
}

func (s stats) GetStats() (int, int, int, error) {
	return s.pending, 0, 0, s.err
}

func TestMonitorCriticalComponent(t *testing.T) {
	dir := &switchable{}
	m := NewMonitor()
	m.Register(DirectoryCheck(dir))
	ctx := context.Background()

	m.CheckAll(ctx)
	assert.Equal(t, StatusHealthy, m.Overall())

	dir.err = errors.New("connection refused")
	m.CheckAll(ctx)
	assert.Equal(t, StatusDegraded, m.Reports()["directory"].Status)
	assert.Equal(t, StatusDegraded, m.Overall())

	m.CheckAll(ctx)
	m.CheckAll(ctx)
	report := m.Reports()["directory"]
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "connection refused", report.Error)
	assert.True(t, report.Critical)
	assert.Equal(t, StatusUnhealthy, m.Overall())

	dir.err = nil
	m.CheckAll(ctx)
	assert.Equal(t, StatusHealthy, m.Overall())
	assert.Empty(t, m.Reports()["directory"].Error)
}

func TestMonitorNonCriticalOnlyDegrades(t *testing.T) {
	m := NewMonitor()
	m.Register(QueueCheck(stats{err: errors.New("permission denied")}, 0))

	for i := 0; i < 5; i++ {
		m.CheckAll(context.Background())
	}
	assert.Equal(t, StatusUnhealthy, m.Reports()["relay_queue"].Status)
	assert.Equal(t, StatusDegraded, m.Overall())
}

func TestQueueCheckBacklog(t *testing.T) {
	m := NewMonitor()
	m.Register(QueueCheck(stats{pending: 50}, 10))

	for i := 0; i < 5; i++ {
		m.CheckAll(context.Background())
	}
	assert.Equal(t, StatusDegraded, m.Reports()["relay_queue"].Status, "a backlog never turns unhealthy")
}

func TestCircuitBreakerCheck(t *testing.T) {
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:    "test_health_breaker",
		Timeout: time.Hour,
		ReadyToTrip: func(c circuitbreaker.Counts) bool {
			return c.ConsecutiveFailures >= 2
		},
	})
	m := NewMonitor()
	m.Register(CircuitBreakerCheck("relay", cb))

	m.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, m.Reports()["relay"].Status)

	boom := errors.New("boom")
	_ = cb.Execute(func() error { return boom })
	_ = cb.Execute(func() error { return boom })
	require.Equal(t, circuitbreaker.StateOpen, cb.State())

	m.CheckAll(context.Background())
	assert.NotEqual(t, StatusHealthy, m.Reports()["relay"].Status)
	assert.Contains(t, m.Reports()["relay"].Error, "open")
}

func TestMonitorRecoversPanics(t *testing.T) {
	m := NewMonitor()
	m.Register(&Check{Name: "flaky", Critical: true, Run: func(context.Context) error {
		panic("nil map")
	}})

	m.CheckAll(context.Background())
	assert.Contains(t, m.Reports()["flaky"].Error, "panic")
}

func TestMonitorStartStop(t *testing.T) {
	dir := &switchable{err: errors.New("down")}
	m := NewMonitor()
	m.Register(&Check{Name: "directory", Critical: true, Interval: time.Millisecond, Run: dir.Ping})

	m.Start(context.Background())
	require.Eventually(t, func() bool {
		return m.Overall() == StatusUnhealthy
	}, time.Second, 5*time.Millisecond)
	m.Stop()
}
