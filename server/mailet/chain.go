package mailet

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/migadu/mailroute/logger"
	pkgerrors "github.com/migadu/mailroute/pkg/errors"
	"github.com/migadu/mailroute/pkg/metrics"
	"github.com/migadu/mailroute/server/mail"
	"github.com/migadu/mailroute/server/matcher"
)

// Stage is one matcher/mailet pair of a chain. A nil Matcher matches every
// recipient.
type Stage struct {
	Matcher matcher.Matcher
	Mailet  Mailet
}

// Chain runs stages in configured order. It holds no per-run state and may
// run different mails concurrently.
type Chain struct {
	stages []Stage
}

func NewChain(stages ...Stage) *Chain {
	for i := range stages {
		if stages[i].Matcher == nil {
			stages[i].Matcher = matcher.NewAll()
		}
	}
	return &Chain{stages: stages}
}

// Len returns the number of stages.
func (c *Chain) Len() int {
	return len(c.stages)
}

type pending struct {
	m    *mail.Mail
	next int
}

// Run processes m through the chain and returns every mail the run ended
// with: m itself followed by the copies split off it, in creation order.
// A mail that reaches the end of the chain without a terminal state is
// returned still in the processing state for the caller to deliver.
//
// The first mailet failure stops the run. The failing mail is put in the
// error state and the error, a *errors.MailetError, is returned alongside
// the mails processed so far.
func (c *Chain) Run(ctx context.Context, m *mail.Mail) ([]*mail.Mail, error) {
	results := []*mail.Mail{m}
	queue := []pending{{m: m}}
	splits := 0

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		for i := p.next; i < len(c.stages); i++ {
			if p.m.State.Terminal() {
				break
			}
			stage := c.stages[i]

			recipients := p.m.Recipients()
			matched := matcher.Evaluate(ctx, stage.Matcher, p.m)
			if len(matched) == 0 {
				continue
			}

			target := p.m
			if len(matched) < len(recipients) {
				splits++
				target = p.m.Duplicate(fmt.Sprintf("%s-%d", p.m.Name, splits))
				target.SetRecipients(matched)
				p.m.SetRecipients(without(recipients, matched))
				results = append(results, target)
				metrics.MailSplits.Inc()
			}

			if err := service(ctx, stage.Mailet, target); err != nil {
				return results, err
			}
			if !target.State.Terminal() && len(target.Recipients()) == 0 {
				target.State = mail.StateGhost
			}

			if target != p.m {
				queue = append(queue, pending{m: target, next: i + 1})
			}
		}
	}
	return results, nil
}

func service(ctx context.Context, mt Mailet, m *mail.Mail) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Mailet: Service panicked", "mailet", mt.Name(), "mail", m.Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
		metrics.MailetDuration.WithLabelValues(mt.Name()).Observe(time.Since(start).Seconds())
		if err != nil {
			err = &pkgerrors.MailetError{Mailet: mt.Name(), Mail: m.Name, Err: err}
			m.State = mail.StateError
			m.ErrorMessage = err.Error()
			metrics.MailetExecutions.WithLabelValues(mt.Name(), "error").Inc()
			logger.Error("Mailet: Service failed", "mailet", mt.Name(), "mail", m.Name, "error", err)
			return
		}
		metrics.MailetExecutions.WithLabelValues(mt.Name(), "success").Inc()
	}()
	return mt.Service(ctx, m)
}

func without(all, remove []mail.Address) []mail.Address {
	drop := make(map[mail.Address]struct{}, len(remove))
	for _, a := range remove {
		drop[a] = struct{}{}
	}
	out := make([]mail.Address, 0, len(all))
	for _, a := range all {
		if _, ok := drop[a]; !ok {
			out = append(out, a)
		}
	}
	return out
}
