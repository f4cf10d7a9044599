package matcher

import (
	"context"
	"regexp"
	"strings"

	pkgerrors "github.com/migadu/mailroute/pkg/errors"
	"github.com/migadu/mailroute/server/mail"
)

var domainSeparator = regexp.MustCompile(`(, |,| )`)

// SenderDomainIs matches every recipient when the envelope sender's domain is
// one of the configured domains. A null sender never matches.
//
//	SenderDomainIs=example.com, other.org
type SenderDomainIs struct {
	domains map[string]struct{}
}

func NewSenderDomainIs(condition string) (*SenderDomainIs, error) {
	domains := make(map[string]struct{})
	for _, token := range domainSeparator.Split(condition, -1) {
		if token == "" {
			continue
		}
		d, err := mail.NormalizeDomain(token)
		if err != nil {
			return nil, &pkgerrors.ConfigError{Component: "SenderDomainIs", Err: err}
		}
		domains[d] = struct{}{}
	}
	if len(domains) == 0 {
		return nil, pkgerrors.NewConfigError("SenderDomainIs", "condition must list at least one domain")
	}
	return &SenderDomainIs{domains: domains}, nil
}

func (*SenderDomainIs) Name() string {
	return "SenderDomainIs"
}

// Domains returns the configured domains, normalized.
func (s *SenderDomainIs) Domains() []string {
	out := make([]string, 0, len(s.domains))
	for d := range s.domains {
		out = append(out, d)
	}
	return out
}

func (s *SenderDomainIs) Match(_ context.Context, m *mail.Mail) ([]mail.Address, error) {
	if m.Sender == nil {
		return nil, nil
	}
	if _, ok := s.domains[strings.ToLower(m.Sender.Domain())]; ok {
		return m.Recipients(), nil
	}
	return nil, nil
}
