// Package redirect implements the Resend mailet: it composes a new message
// from the one being processed and hands it to a mailet.Sender.
//
// Each address field (recipients, to, sender, replyTo, reversePath) is
// configured independently with literal addresses, special tokens or left
// unaltered; see package resolver for the tokens each field accepts.
package redirect

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/mailroute/logger"
	"github.com/migadu/mailroute/pkg/metrics"
	"github.com/migadu/mailroute/server/mail"
	"github.com/migadu/mailroute/server/mailet"
	"github.com/migadu/mailroute/server/resolver"
)

// DomainChecker reports whether a domain has a host mail can be returned to.
type DomainChecker interface {
	HasHost(ctx context.Context, domain string) (bool, error)
}

// Env holds the collaborators of a Resend mailet.
type Env struct {
	Resolver *resolver.Resolver
	Sender   mailet.Sender
	// DomainChecker is optional; without it fakeDomainCheck is a no-op.
	DomainChecker DomainChecker
	// Hostname is the right-hand side of generated Message-IDs.
	Hostname string
}

// Resend composes and emits a new message per serviced mail.
type Resend struct {
	cfg Config
	env Env

	// resolved at init when static is set
	static map[resolver.Field]resolver.Value
}

func NewResend(cfg mailet.Config, env Env) (*Resend, error) {
	c, err := ParseConfig(cfg)
	if err != nil {
		return nil, err
	}
	if env.Resolver == nil {
		return nil, fmt.Errorf("resend: resolver is required")
	}
	if env.Hostname == "" {
		env.Hostname = "localhost"
	}

	r := &Resend{cfg: c, env: env}
	if c.Debug {
		logger.Debug("Resend: Initializing", "mailet", cfg.Name, "config", c.String())
	}
	if c.Static {
		r.static = make(map[resolver.Field]resolver.Value)
		for _, p := range r.policies() {
			if !p.IsStatic() {
				continue
			}
			if p.Field().IsList() {
				r.static[p.Field()] = env.Resolver.ResolveList(p, nil)
			} else {
				r.static[p.Field()] = env.Resolver.ResolveSingle(p, nil)
			}
		}
		if c.Debug {
			logger.Debug("Resend: Static values resolved", "mailet", cfg.Name, "fields", len(r.static))
		}
	}
	return r, nil
}

func (r *Resend) Name() string {
	return "Resend"
}

// Config returns the parsed configuration.
func (r *Resend) Config() Config {
	return r.cfg
}

func (r *Resend) policies() []resolver.Policy {
	return []resolver.Policy{r.cfg.Recipients, r.cfg.To, r.cfg.Sender, r.cfg.ReplyTo, r.cfg.ReversePath}
}

// Service composes the new message, emits it, and ghosts the original unless
// passThrough is set. A composed message without recipients is not emitted.
func (r *Resend) Service(ctx context.Context, m *mail.Mail) error {
	out, err := r.Compose(m)
	if err != nil {
		return err
	}

	emit := true
	if len(out.Recipients()) == 0 {
		logger.Warn("Resend: Composed message has no recipients, not sending", "mail", m.Name)
		emit = false
	} else if r.cfg.FakeDomainCheck && r.env.DomainChecker != nil && out.Sender != nil {
		ok, err := r.env.DomainChecker.HasHost(ctx, out.Sender.Domain())
		if err != nil {
			return fmt.Errorf("checking sender domain %s: %w", out.Sender.Domain(), err)
		}
		if !ok {
			logger.Warn("Resend: Sender domain has no host, not sending", "mail", m.Name, "domain", out.Sender.Domain())
			emit = false
		}
	}

	if emit {
		if r.env.Sender == nil {
			return fmt.Errorf("no sender configured for composed messages")
		}
		if err := r.env.Sender.SendMail(ctx, out); err != nil {
			return fmt.Errorf("sending composed message: %w", err)
		}
		if r.cfg.Debug {
			logger.Debug("Resend: Sent composed message", "mail", m.Name, "composed", out.Name,
				"sender", out.SenderString(), "recipients", len(out.Recipients()))
		}
	}

	if !r.cfg.PassThrough {
		m.State = mail.StateGhost
	}
	return nil
}

// Compose builds the message Resend would emit for m without side effects on
// m. The returned mail is a new mail in the processing state.
func (r *Resend) Compose(m *mail.Mail) (*mail.Mail, error) {
	out := m.Duplicate(fmt.Sprintf("%s-resend-%s", m.Name, uuid.NewString()))
	out.State = mail.StateProcessing
	out.ErrorMessage = ""

	if !r.cfg.ContentUnaltered() {
		header, body, err := r.composeContent(m)
		if err != nil {
			return nil, fmt.Errorf("composing content: %w", err)
		}
		out.Header = header
		out.Body = body
	}

	switch v := r.value(r.cfg.Recipients, m); v.Kind {
	case resolver.KindAddresses:
		out.SetRecipients(v.Addresses)
	case resolver.KindNull, resolver.KindNone:
		out.SetRecipients(nil)
	}

	switch v := r.value(r.cfg.To, m); v.Kind {
	case resolver.KindAddresses:
		out.SetHeaderAddresses("To", v.Addresses)
	case resolver.KindNull:
		out.Header.Del("To")
	}

	if subject, ok := r.subject(m); ok {
		out.Header.SetSubject(subject)
	}

	switch v := r.value(r.cfg.ReplyTo, m); v.Kind {
	case resolver.KindAddresses:
		out.SetHeaderAddresses("Reply-To", v.Addresses[:1])
	case resolver.KindNull:
		out.Header.Del("Reply-To")
	}

	switch v := r.value(r.cfg.ReversePath, m); v.Kind {
	case resolver.KindAddresses:
		a := v.Addresses[0]
		out.Sender = &a
	case resolver.KindNull:
		out.Sender = nil
	}

	if r.cfg.IsReply {
		if id, err := m.Header.MessageID(); err == nil && id != "" {
			out.Header.Set("In-Reply-To", "<"+id+">")
		}
	}

	if v := r.value(r.cfg.Sender, m); v.Kind == resolver.KindAddresses {
		out.SetHeaderAddresses("From", v.Addresses[:1])
	}

	// unaltered content keeps its identity
	if !r.cfg.ContentUnaltered() {
		out.Header.Set("Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), r.env.Hostname))
		out.Header.SetDate(time.Now())
	}

	metrics.RedirectComposed.WithLabelValues(string(r.cfg.Inline), string(r.cfg.Attachment)).Inc()
	return out, nil
}

func (r *Resend) value(p resolver.Policy, m *mail.Mail) resolver.Value {
	if v, ok := r.static[p.Field()]; ok {
		return v
	}
	if p.Field().IsList() {
		return r.env.Resolver.ResolveList(p, m)
	}
	return r.env.Resolver.ResolveSingle(p, m)
}

// subject returns the new subject and whether it differs from the original.
func (r *Resend) subject(m *mail.Mail) (string, bool) {
	if r.cfg.Subject == nil && r.cfg.Prefix == "" {
		return "", false
	}
	var subject string
	if r.cfg.Subject != nil {
		subject = *r.cfg.Subject
	} else {
		subject, _ = m.Header.Subject()
	}
	return r.cfg.Prefix + subject, true
}
