package directory

import (
	"context"
	"time"
)

// Lister is the read side shared by every backend.
type Lister interface {
	ListUsers(ctx context.Context) ([]string, error)
	ListPrivateMailboxes(ctx context.Context, user string) ([]string, error)
}

// Pinger is implemented by backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Timeout bounds every query of the wrapped directory.
type Timeout struct {
	dir     Lister
	timeout time.Duration
}

// WithQueryTimeout wraps dir. A non-positive timeout returns dir unchanged.
func WithQueryTimeout(dir Lister, timeout time.Duration) Lister {
	if timeout <= 0 {
		return dir
	}
	return &Timeout{dir: dir, timeout: timeout}
}

func (t *Timeout) ListUsers(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.dir.ListUsers(ctx)
}

func (t *Timeout) ListPrivateMailboxes(ctx context.Context, user string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.dir.ListPrivateMailboxes(ctx, user)
}
