// Package matcher evaluates configured conditions against a mail and reports
// which of its recipients the condition applies to.
package matcher

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/migadu/mailroute/logger"
	pkgerrors "github.com/migadu/mailroute/pkg/errors"
	"github.com/migadu/mailroute/pkg/metrics"
	"github.com/migadu/mailroute/server/mail"
)

// Matcher is a condition parsed once at construction. Implementations hold
// no mutable state and may be called concurrently for different mails.
type Matcher interface {
	Name() string
	// Match returns the recipients of m the condition applies to.
	Match(ctx context.Context, m *mail.Mail) ([]mail.Address, error)
}

// Evaluate runs mt against m and never fails: errors and panics are logged
// and treated as no match. The result is restricted to recipients of m, in
// the mail's recipient order.
func Evaluate(ctx context.Context, mt Matcher, m *mail.Mail) (matched []mail.Address) {
	defer func() {
		if r := recover(); r != nil {
			err := &pkgerrors.MatchError{Matcher: mt.Name(), Mail: m.Name, Err: fmt.Errorf("panic: %v", r)}
			logger.Warn("Matcher: Evaluation panicked", "matcher", mt.Name(), "mail", m.Name, "error", err, "stack", string(debug.Stack()))
			metrics.MatcherEvaluations.WithLabelValues(mt.Name(), "error").Inc()
			matched = nil
		}
	}()

	got, err := mt.Match(ctx, m)
	if err != nil {
		err = &pkgerrors.MatchError{Matcher: mt.Name(), Mail: m.Name, Err: err}
		logger.Warn("Matcher: Evaluation failed", "matcher", mt.Name(), "mail", m.Name, "error", err)
		metrics.MatcherEvaluations.WithLabelValues(mt.Name(), "error").Inc()
		return nil
	}

	matched = restrict(m.Recipients(), got)
	switch {
	case len(matched) == 0:
		metrics.MatcherEvaluations.WithLabelValues(mt.Name(), "none").Inc()
	case len(matched) == len(m.Recipients()):
		metrics.MatcherEvaluations.WithLabelValues(mt.Name(), "all").Inc()
	default:
		metrics.MatcherEvaluations.WithLabelValues(mt.Name(), "partial").Inc()
	}
	return matched
}

func restrict(recipients, subset []mail.Address) []mail.Address {
	if len(subset) == 0 {
		return nil
	}
	want := make(map[mail.Address]struct{}, len(subset))
	for _, a := range subset {
		want[a] = struct{}{}
	}
	out := make([]mail.Address, 0, len(subset))
	for _, r := range recipients {
		if _, ok := want[r]; ok {
			out = append(out, r)
		}
	}
	return out
}

// All matches every recipient.
type All struct{}

func NewAll() *All {
	return &All{}
}

func (*All) Name() string {
	return "All"
}

func (*All) Match(_ context.Context, m *mail.Mail) ([]mail.Address, error) {
	return m.Recipients(), nil
}
