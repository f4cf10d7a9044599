package matcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/foxcpp/go-sieve"
	"github.com/foxcpp/go-sieve/interp"
	pkgerrors "github.com/migadu/mailroute/pkg/errors"
	"github.com/migadu/mailroute/server/mail"
)

var sieveTestExtensions = []string{
	"envelope",
	"relational",
	"regex",
	"comparator-i;octet",
	"comparator-i;ascii-casemap",
	"comparator-i;ascii-numeric",
}

// SieveTest matches the recipients for which a Sieve test expression holds.
// The expression is evaluated once per recipient with that recipient as the
// envelope "to", so envelope tests can select a subset:
//
//	SieveTest=header :contains "Subject" "[urgent]"
//	SieveTest=envelope :domain :is "to" "example.com"
type SieveTest struct {
	condition string
	script    *sieve.Script
}

func NewSieveTest(condition string) (*SieveTest, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return nil, pkgerrors.NewConfigError("SieveTest", "condition is required")
	}

	src := fmt.Sprintf("require [\"envelope\", \"relational\", \"regex\"];\nif %s {\n  keep;\n} else {\n  discard;\n}\n", condition)
	options := sieve.DefaultOptions()
	options.EnabledExtensions = sieveTestExtensions
	script, err := sieve.Load(strings.NewReader(src), options)
	if err != nil {
		return nil, &pkgerrors.ConfigError{Component: "SieveTest", Err: fmt.Errorf("invalid sieve test: %w", err)}
	}
	return &SieveTest{condition: condition, script: script}, nil
}

func (*SieveTest) Name() string {
	return "SieveTest"
}

func (s *SieveTest) Match(ctx context.Context, m *mail.Mail) ([]mail.Address, error) {
	msg := &sieveMessage{m: m}
	var matched []mail.Address
	for _, rcpt := range m.Recipients() {
		env := &sieveEnvelope{from: m.SenderString(), to: rcpt.String()}
		data := sieve.NewRuntimeData(s.script, sievePolicy{}, env, msg)
		if err := s.script.Execute(ctx, data); err != nil {
			return nil, fmt.Errorf("sieve test %q: %w", s.condition, err)
		}
		if data.Keep {
			matched = append(matched, rcpt)
		}
	}
	return matched, nil
}

type sieveEnvelope struct {
	from string
	to   string
}

func (e *sieveEnvelope) EnvelopeFrom() string { return e.from }
func (e *sieveEnvelope) EnvelopeTo() string   { return e.to }
func (e *sieveEnvelope) AuthUsername() string { return "" }

type sieveMessage struct {
	m *mail.Mail
}

func (s *sieveMessage) HeaderGet(key string) ([]string, error) {
	return s.m.Header.Values(key), nil
}

func (s *sieveMessage) MessageSize() int {
	return len(s.m.Body)
}

// sievePolicy refuses every side effect; a test expression only decides.
type sievePolicy struct{}

func (sievePolicy) RedirectAllowed(context.Context, *interp.RuntimeData, string) (bool, error) {
	return false, nil
}

func (sievePolicy) VacationResponseAllowed(context.Context, *interp.RuntimeData, string, string, time.Duration) (bool, error) {
	return false, nil
}

func (sievePolicy) SendVacationResponse(context.Context, *interp.RuntimeData, string, string, string, string, bool) error {
	return nil
}
