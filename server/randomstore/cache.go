package randomstore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/migadu/mailroute/logger"
	pkgerrors "github.com/migadu/mailroute/pkg/errors"
	"github.com/migadu/mailroute/pkg/metrics"
	"github.com/migadu/mailroute/server/mail"
	"golang.org/x/sync/singleflight"
)

const DefaultCacheTTL = 15 * time.Minute

// Directory enumerates users and their private mailboxes.
type Directory interface {
	ListUsers(ctx context.Context) ([]string, error)
	ListPrivateMailboxes(ctx context.Context, user string) ([]string, error)
}

// Target is a mailbox a message can be rerouted into.
type Target struct {
	User    mail.Address
	Mailbox string
}

type snapshot struct {
	targets []Target
	builtAt time.Time
}

// TargetCache holds every Target of the directory. Snapshots are immutable
// and swapped atomically, so readers never see a partially built list.
//
// Refreshes are single-flight. A caller finding no snapshot waits for the
// refresh until its own context ends; a caller finding an expired one gets it immediately while a
// refresh runs in the background. A failed refresh keeps the previous
// snapshot.
type TargetCache struct {
	dir Directory
	ttl time.Duration
	now func() time.Time

	current atomic.Pointer[snapshot]
	group   singleflight.Group
}

func NewTargetCache(dir Directory, ttl time.Duration) *TargetCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &TargetCache{dir: dir, ttl: ttl, now: time.Now}
}

// Targets returns the current snapshot. The returned slice is shared and
// must not be modified.
func (c *TargetCache) Targets(ctx context.Context) ([]Target, error) {
	s := c.current.Load()
	if s != nil && c.now().Sub(s.builtAt) < c.ttl {
		metrics.TargetCacheRequests.WithLabelValues("hit").Inc()
		return s.targets, nil
	}

	if s != nil {
		metrics.TargetCacheRequests.WithLabelValues("stale").Inc()
		// detached from ctx: the refresh outlives this caller
		c.group.DoChan("targets", func() (any, error) {
			return c.refresh(context.WithoutCancel(ctx))
		})
		return s.targets, nil
	}

	metrics.TargetCacheRequests.WithLabelValues("miss").Inc()
	// the refresh is shared, so no single waiter may cancel it
	ch := c.group.DoChan("targets", func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*snapshot).targets, nil
	}
}

// Invalidate drops the current snapshot; the next call refreshes.
func (c *TargetCache) Invalidate() {
	c.current.Store(nil)
}

func (c *TargetCache) refresh(ctx context.Context) (*snapshot, error) {
	start := time.Now()
	targets, err := c.enumerate(ctx)
	if err != nil {
		metrics.TargetCacheRefresh.WithLabelValues("error").Inc()
		logger.Error("RandomStoring: Failed to refresh rerouting targets", "error", err, "duration", time.Since(start))
		return nil, err
	}

	s := &snapshot{targets: targets, builtAt: c.now()}
	c.current.Store(s)

	metrics.TargetCacheRefresh.WithLabelValues("success").Inc()
	metrics.TargetCacheSize.Set(float64(len(targets)))
	logger.Info("RandomStoring: Refreshed rerouting targets", "targets", len(targets), "duration", time.Since(start))
	return s, nil
}

// enumerate fails as a whole when any user cannot be listed.
func (c *TargetCache) enumerate(ctx context.Context) ([]Target, error) {
	users, err := c.dir.ListUsers(ctx)
	if err != nil {
		return nil, &pkgerrors.DirectoryError{Operation: "list users", Err: err}
	}

	var targets []Target
	seen := make(map[Target]struct{})
	for _, user := range users {
		addr, err := mail.NewAddress(user)
		if err != nil {
			return nil, &pkgerrors.DirectoryError{Operation: "list users", User: user, Err: err}
		}
		mailboxes, err := c.dir.ListPrivateMailboxes(ctx, user)
		if err != nil {
			return nil, &pkgerrors.DirectoryError{Operation: "list mailboxes", User: user, Err: err}
		}
		for _, mbox := range mailboxes {
			t := Target{User: addr, Mailbox: mbox}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			targets = append(targets, t)
		}
	}
	return targets, nil
}
