package health

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/mailroute/pkg/circuitbreaker"
)

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueStats reports relay queue depth.
type QueueStats interface {
	GetStats() (pending, processing, failed int, err error)
}

// DirectoryCheck pings the user directory. RandomStoring cannot pick
// targets without it, so it is critical.
func DirectoryCheck(p Pinger) *Check {
	return &Check{
		Name:     "directory",
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Critical: true,
		Run:      p.Ping,
	}
}

// CircuitBreakerCheck fails while the breaker is open. A half-open breaker,
// or a closed one that saw more than a fifth of its requests fail, is
// degraded.
func CircuitBreakerCheck(name string, cb *circuitbreaker.CircuitBreaker) *Check {
	return &Check{
		Name:     name,
		Interval: 10 * time.Second,
		Run: func(context.Context) error {
			switch cb.State() {
			case circuitbreaker.StateOpen:
				return fmt.Errorf("circuit breaker %s is open", cb.Name())
			case circuitbreaker.StateHalfOpen:
				return Degraded(fmt.Errorf("circuit breaker %s is half-open", cb.Name()))
			}
			counts := cb.Counts()
			if counts.Requests > 0 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.2 {
				return Degraded(fmt.Errorf("%d of %d recent requests failed", counts.TotalFailures, counts.Requests))
			}
			return nil
		},
	}
}

// QueueCheck fails when the queue cannot be read and is degraded while
// more than maxPending messages wait.
func QueueCheck(q QueueStats, maxPending int) *Check {
	return &Check{
		Name:     "relay_queue",
		Interval: 30 * time.Second,
		Run: func(context.Context) error {
			pending, _, _, err := q.GetStats()
			if err != nil {
				return err
			}
			if maxPending > 0 && pending > maxPending {
				return Degraded(fmt.Errorf("relay queue backlog: %d pending", pending))
			}
			return nil
		},
	}
}
