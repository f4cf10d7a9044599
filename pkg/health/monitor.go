// Package health periodically checks the components the router depends on
// and aggregates their status.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/mailroute/logger"
	"github.com/migadu/mailroute/pkg/metrics"
)

type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnhealthy   Status = "unhealthy"
	StatusUnreachable Status = "unreachable"
)

func (s Status) gauge() float64 {
	switch s {
	case StatusHealthy:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 1
	default:
		return 0
	}
}

// DefaultUnhealthyAfter is the number of consecutive failures after which a
// degraded component becomes unhealthy.
const DefaultUnhealthyAfter = 3

type degradedError struct {
	err error
}

func (d degradedError) Error() string { return d.err.Error() }
func (d degradedError) Unwrap() error { return d.err }

// Degraded marks a check failure that leaves the component usable.
func Degraded(err error) error {
	return degradedError{err: err}
}

// Check is one monitored component. A nil error from Run is healthy.
type Check struct {
	Name     string
	Run      func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	// Critical components decide the overall status.
	Critical bool

	mu          sync.RWMutex
	status      Status
	lastCheck   time.Time
	lastErr     error
	consecutive int
}

// Report is a point-in-time view of a check.
type Report struct {
	Status    Status    `json:"status"`
	Critical  bool      `json:"critical"`
	LastCheck time.Time `json:"last_check"`
	Error     string    `json:"error,omitempty"`
}

type Monitor struct {
	mu             sync.RWMutex
	checks         map[string]*Check
	overall        Status
	unhealthyAfter int
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

func NewMonitor() *Monitor {
	return &Monitor{
		checks:         make(map[string]*Check),
		overall:        StatusHealthy,
		unhealthyAfter: DefaultUnhealthyAfter,
	}
}

func (m *Monitor) Register(check *Check) {
	if check.Interval <= 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout <= 0 {
		check.Timeout = 10 * time.Second
	}
	check.status = StatusHealthy

	m.mu.Lock()
	m.checks[check.Name] = check
	m.mu.Unlock()
}

// Start checks every component once, then each on its own interval until
// ctx ends or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, check := range m.checks {
		m.wg.Add(1)
		go m.run(ctx, check)
	}
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, check *Check) {
	defer m.wg.Done()

	m.perform(ctx, check)

	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.perform(ctx, check)
		}
	}
}

// CheckAll runs every check once, synchronously.
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.RLock()
	checks := make([]*Check, 0, len(m.checks))
	for _, c := range m.checks {
		checks = append(checks, c)
	}
	m.mu.RUnlock()

	for _, c := range checks {
		m.perform(ctx, c)
	}
}

func (m *Monitor) perform(ctx context.Context, check *Check) {
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	start := time.Now()
	err := runSafely(ctx, check)
	metrics.ComponentHealthCheckDuration.WithLabelValues(check.Name).Observe(time.Since(start).Seconds())

	check.mu.Lock()
	previous := check.status
	check.lastCheck = time.Now()
	check.lastErr = err
	switch {
	case err == nil:
		check.consecutive = 0
		check.status = StatusHealthy
	default:
		check.consecutive++
		var d degradedError
		if errors.As(err, &d) || check.consecutive < m.unhealthyAfter {
			check.status = StatusDegraded
		} else {
			check.status = StatusUnhealthy
		}
	}
	current := check.status
	check.mu.Unlock()

	metrics.ComponentHealthChecks.WithLabelValues(check.Name, string(current)).Inc()
	metrics.ComponentHealthStatus.WithLabelValues(check.Name).Set(current.gauge())

	if err != nil {
		logger.Warn("Health: Check failed", "component", check.Name, "status", current, "error", err)
	}
	if previous != current {
		logger.Info("Health: Component status changed", "component", check.Name, "from", previous, "to", current)
	}
	m.updateOverall()
}

func runSafely(ctx context.Context, check *Check) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return check.Run(ctx)
}

// updateOverall is unhealthy when a critical component is, and degraded
// when any component is not healthy.
func (m *Monitor) updateOverall() {
	m.mu.Lock()
	defer m.mu.Unlock()

	overall := StatusHealthy
	for _, c := range m.checks {
		c.mu.RLock()
		status, critical := c.status, c.Critical
		c.mu.RUnlock()

		switch {
		case critical && (status == StatusUnhealthy || status == StatusUnreachable):
			overall = StatusUnhealthy
		case status != StatusHealthy && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}

	if overall != m.overall {
		logger.Info("Health: Overall status changed", "from", m.overall, "to", overall)
		m.overall = overall
	}
}

func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overall
}

// Reports returns the state of every check, keyed by name.
func (m *Monitor) Reports() map[string]Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reports := make(map[string]Report, len(m.checks))
	for name, c := range m.checks {
		c.mu.RLock()
		r := Report{Status: c.status, Critical: c.Critical, LastCheck: c.lastCheck}
		if c.lastErr != nil {
			r.Error = c.lastErr.Error()
		}
		c.mu.RUnlock()
		reports[name] = r
	}
	return reports
}
