// Package randomstore implements the RandomStoring mailet, which reroutes a
// mail into a random set of mailboxes across the whole directory. It is used
// to generate realistic load on the storage layer.
package randomstore

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/migadu/mailroute/consts"
	"github.com/migadu/mailroute/logger"
	pkgerrors "github.com/migadu/mailroute/pkg/errors"
	"github.com/migadu/mailroute/pkg/metrics"
	"github.com/migadu/mailroute/server/mail"
	"github.com/migadu/mailroute/server/mailet"
)

const (
	DefaultMinRecipients = 4
	DefaultMaxRecipients = 8
)

// Rand is the randomness RandomStoring draws from. Implementations must be
// safe for concurrent use.
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int {
	return rand.IntN(n)
}

type Option func(*RandomStoring)

// WithCache shares an existing target cache between mailet instances.
func WithCache(c *TargetCache) Option {
	return func(r *RandomStoring) {
		r.cache = c
	}
}

// WithCacheTTL sets the lifetime of target snapshots.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *RandomStoring) {
		r.ttl = ttl
	}
}

// WithRand replaces the random source.
func WithRand(rnd Rand) Option {
	return func(r *RandomStoring) {
		r.rand = rnd
	}
}

// RandomStoring replaces the recipients of a mail with the users owning
// between min and max (inclusive) randomly chosen mailboxes, and records the
// chosen mailbox of each user in a DeliveryPaths_<user> attribute.
//
// When fewer targets exist than were drawn, every target is used. When two
// chosen mailboxes belong to the same user, the user is a recipient once
// and the attribute names the mailbox chosen last.
type RandomStoring struct {
	min, max int
	ttl      time.Duration
	cache    *TargetCache
	rand     Rand
}

// New builds the mailet. Accepted parameters are "min" and "max".
func New(cfg mailet.Config, dir Directory, opts ...Option) (*RandomStoring, error) {
	if err := cfg.Validate("min", "max"); err != nil {
		return nil, err
	}
	lo, err := mailet.GetStrictlyPositiveInt(cfg, "min", DefaultMinRecipients)
	if err != nil {
		return nil, err
	}
	hi, err := mailet.GetStrictlyPositiveInt(cfg, "max", DefaultMaxRecipients)
	if err != nil {
		return nil, err
	}
	if hi < lo {
		return nil, pkgerrors.NewConfigError(cfg.Name, "max (%d) must not be lower than min (%d)", hi, lo)
	}

	r := &RandomStoring{min: lo, max: hi, ttl: DefaultCacheTTL, rand: globalRand{}}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		if dir == nil {
			return nil, pkgerrors.NewConfigError(cfg.Name, "a directory is required")
		}
		r.cache = NewTargetCache(dir, r.ttl)
	}
	return r, nil
}

func (*RandomStoring) Name() string {
	return "RandomStoring"
}

func (r *RandomStoring) Service(ctx context.Context, m *mail.Mail) error {
	targets, err := r.cache.Targets(ctx)
	if err != nil {
		return err
	}

	k := r.min + r.rand.IntN(r.max-r.min+1)
	if k > len(targets) {
		logger.Warn("RandomStoring: Fewer targets than requested", "mail", m.Name, "requested", k, "available", len(targets))
	}

	picked := SampleDistinct(r.rand, len(targets), k)
	recipients := make([]mail.Address, 0, len(picked))
	for _, i := range picked {
		recipients = append(recipients, targets[i].User)
	}

	m.SetRecipients(recipients)
	for _, i := range picked {
		t := targets[i]
		m.SetAttribute(consts.DeliveryPathPrefix+t.User.String(), t.Mailbox)
	}

	metrics.RandomTargetsSelected.Observe(float64(len(picked)))
	return nil
}

// SampleDistinct returns min(k, n) distinct indices in [0, n), every subset
// of that size being equally likely. It uses Floyd's algorithm: one draw per
// selected index and no retries.
func SampleDistinct(rnd Rand, n, k int) []int {
	if k > n {
		k = n
	}
	if k <= 0 {
		return nil
	}

	selected := make(map[int]struct{}, k)
	out := make([]int, 0, k)
	for j := n - k; j < n; j++ {
		t := rnd.IntN(j + 1)
		if _, ok := selected[t]; ok {
			t = j
		}
		selected[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
