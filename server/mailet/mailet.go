// Package mailet runs configured transformations against mails.
//
// A Mailet is built once from its Config by a validating constructor and then
// serviced per mail. A Chain pairs each mailet with a matcher and runs the
// stages in order:
//
//   - a matcher selecting every recipient services the mail as is;
//   - a matcher selecting none skips the stage;
//   - a matcher selecting some recipients splits the mail. The copy holding
//     the matched recipients is serviced and continues down the chain, the
//     original keeps the rest and continues without the stage.
//
// A mail whose state becomes terminal leaves the chain. Mailet failures are
// returned to the caller; they are never recovered locally.
package mailet

import (
	"context"

	"github.com/migadu/mailroute/server/mail"
)

// Mailet is a configured pipeline stage. Implementations keep only their
// immutable configuration and may be serviced concurrently for different
// mails.
type Mailet interface {
	Name() string
	// Service mutates m in place. Setting m.State to mail.StateGhost ends
	// processing of m for the current run.
	Service(ctx context.Context, m *mail.Mail) error
}

// Sender accepts messages composed by a mailet for delivery outside the
// current chain run.
type Sender interface {
	SendMail(ctx context.Context, m *mail.Mail) error
}

// Null drops every mail it services.
type Null struct{}

func NewNull(cfg Config) (*Null, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Null{}, nil
}

func (*Null) Name() string {
	return "Null"
}

func (*Null) Service(_ context.Context, m *mail.Mail) error {
	m.State = mail.StateGhost
	return nil
}
