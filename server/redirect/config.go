package redirect

import (
	"fmt"
	"strings"

	pkgerrors "github.com/migadu/mailroute/pkg/errors"
	"github.com/migadu/mailroute/server/mailet"
	"github.com/migadu/mailroute/server/resolver"
)

// InlineMode selects what of the original is folded into the new body.
type InlineMode string

const (
	InlineUnaltered InlineMode = "unaltered"
	InlineHeads     InlineMode = "heads"
	InlineBody      InlineMode = "body"
	InlineAll       InlineMode = "all"
	InlineNone      InlineMode = "none"
)

// AttachmentMode selects what of the original is attached to the new message.
type AttachmentMode string

const (
	AttachHeads   AttachmentMode = "heads"
	AttachBody    AttachmentMode = "body"
	AttachAll     AttachmentMode = "all"
	AttachNone    AttachmentMode = "none"
	AttachMessage AttachmentMode = "message"
)

// Params lists every key the Resend mailet accepts.
var Params = []string{
	"recipients", "to", "sender", "replyTo", "replyto", "reversePath",
	"subject", "prefix", "message", "inline", "attachment",
	"passThrough", "fakeDomainCheck", "attachError", "isReply", "debug", "static",
	"htmlToText",
}

// Config is the typed configuration of a Resend mailet.
type Config struct {
	Recipients  resolver.Policy
	To          resolver.Policy
	Sender      resolver.Policy
	ReplyTo     resolver.Policy
	ReversePath resolver.Policy

	// Subject replaces the original subject when set.
	Subject *string
	// Prefix is prepended to the subject verbatim.
	Prefix  string
	Message string

	Inline     InlineMode
	Attachment AttachmentMode

	PassThrough     bool
	FakeDomainCheck bool
	AttachError     bool
	IsReply         bool
	Debug           bool
	Static          bool
	// HTMLToText inlines and attaches the decoded text of the original body
	// instead of its raw encoded form.
	HTMLToText bool
}

// ParseConfig validates cfg and builds the typed configuration. Unknown keys,
// unknown modes, malformed booleans and invalid addresses all fail with a
// ConfigError.
func ParseConfig(cfg mailet.Config) (Config, error) {
	if err := cfg.Validate(Params...); err != nil {
		return Config{}, err
	}

	var c Config
	var err error

	policies := []struct {
		dst   *resolver.Policy
		field resolver.Field
		raw   string
	}{
		{&c.Recipients, resolver.FieldRecipients, cfg.GetDefault("recipients", "")},
		{&c.To, resolver.FieldTo, cfg.GetDefault("to", "")},
		{&c.Sender, resolver.FieldSender, cfg.GetDefault("sender", "")},
		{&c.ReplyTo, resolver.FieldReplyTo, cfg.GetDefault("replyTo", cfg.GetDefault("replyto", ""))},
		{&c.ReversePath, resolver.FieldReversePath, cfg.GetDefault("reversePath", "")},
	}
	for _, p := range policies {
		*p.dst, err = resolver.ParsePolicy(p.field, p.raw)
		if err != nil {
			return Config{}, &pkgerrors.ConfigError{Component: cfg.Name, Keys: []string{string(p.field)}, Err: err}
		}
	}

	if subject, ok := cfg.Get("subject"); ok {
		c.Subject = &subject
	}
	c.Prefix = cfg.GetDefault("prefix", "")
	c.Message = cfg.GetDefault("message", "")

	c.Inline = InlineMode(strings.ToLower(strings.TrimSpace(cfg.GetDefault("inline", string(InlineUnaltered)))))
	switch c.Inline {
	case InlineUnaltered, InlineHeads, InlineBody, InlineAll, InlineNone:
	default:
		return Config{}, &pkgerrors.ConfigError{Component: cfg.Name, Keys: []string{"inline"}, Err: fmt.Errorf("unknown inline type %q", c.Inline)}
	}

	c.Attachment = AttachmentMode(strings.ToLower(strings.TrimSpace(cfg.GetDefault("attachment", string(AttachNone)))))
	switch c.Attachment {
	case AttachHeads, AttachBody, AttachAll, AttachNone, AttachMessage:
	default:
		return Config{}, &pkgerrors.ConfigError{Component: cfg.Name, Keys: []string{"attachment"}, Err: fmt.Errorf("unknown attachment type %q", c.Attachment)}
	}

	flags := []struct {
		dst *bool
		key string
		def bool
	}{
		{&c.PassThrough, "passThrough", false},
		{&c.FakeDomainCheck, "fakeDomainCheck", true},
		{&c.AttachError, "attachError", false},
		{&c.IsReply, "isReply", false},
		{&c.Debug, "debug", false},
		{&c.Static, "static", false},
		{&c.HTMLToText, "htmlToText", false},
	}
	for _, f := range flags {
		if *f.dst, err = mailet.GetBoolDefault(cfg, f.key, f.def); err != nil {
			return Config{}, err
		}
	}

	return c, nil
}

// ContentUnaltered reports whether the composed message keeps the original
// content byte for byte.
func (c Config) ContentUnaltered() bool {
	return c.Inline == InlineUnaltered && c.Attachment == AttachNone
}

func (c Config) String() string {
	subject := "unaltered"
	if c.Subject != nil {
		subject = *c.Subject
	}
	return fmt.Sprintf("recipients=[%s] to=[%s] sender=[%s] replyTo=[%s] reversePath=[%s] subject=%q prefix=%q inline=%s attachment=%s passThrough=%v fakeDomainCheck=%v attachError=%v isReply=%v static=%v",
		c.Recipients, c.To, c.Sender, c.ReplyTo, c.ReversePath, subject, c.Prefix,
		c.Inline, c.Attachment, c.PassThrough, c.FakeDomainCheck, c.AttachError, c.IsReply, c.Static)
}
