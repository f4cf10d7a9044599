// Package resolver turns the address values of a redirect configuration
// into concrete addresses for a given mail.
//
// A configured value is a comma separated list whose items are either
// literal addresses or one of the special tokens:
//
//	sender, from, replyTo, postmaster, reversePath, recipients, to, null, unaltered
//
// Tokens are case-sensitive. Which tokens a field accepts depends on the
// field; see Allowed.
package resolver

import (
	"fmt"
	"strings"

	pkgerrors "github.com/migadu/mailroute/pkg/errors"
	"github.com/migadu/mailroute/server/mail"
)

type Special string

const (
	SpecialSender      Special = "sender"
	SpecialFrom        Special = "from"
	SpecialReplyTo     Special = "replyTo"
	SpecialPostmaster  Special = "postmaster"
	SpecialReversePath Special = "reversePath"
	SpecialRecipients  Special = "recipients"
	SpecialTo          Special = "to"
	SpecialNull        Special = "null"
	SpecialUnaltered   Special = "unaltered"
)

var specials = map[string]Special{
	string(SpecialSender):      SpecialSender,
	string(SpecialFrom):        SpecialFrom,
	string(SpecialReplyTo):     SpecialReplyTo,
	string(SpecialPostmaster):  SpecialPostmaster,
	string(SpecialReversePath): SpecialReversePath,
	string(SpecialRecipients):  SpecialRecipients,
	string(SpecialTo):          SpecialTo,
	string(SpecialNull):        SpecialNull,
	string(SpecialUnaltered):   SpecialUnaltered,
}

// ParseSpecial reports whether token is exactly one of the special tokens.
func ParseSpecial(token string) (Special, bool) {
	s, ok := specials[token]
	return s, ok
}

// Field is a redirect field whose value is an address policy.
type Field string

const (
	FieldRecipients  Field = "recipients"
	FieldTo          Field = "to"
	FieldReplyTo     Field = "replyTo"
	FieldReversePath Field = "reversePath"
	FieldSender      Field = "sender"
)

var allowedSpecials = map[Field][]Special{
	FieldRecipients: {SpecialPostmaster, SpecialSender, SpecialFrom, SpecialReplyTo, SpecialReversePath,
		SpecialUnaltered, SpecialRecipients, SpecialTo, SpecialNull},
	FieldTo: {SpecialPostmaster, SpecialSender, SpecialFrom, SpecialReplyTo, SpecialReversePath,
		SpecialUnaltered, SpecialRecipients, SpecialTo, SpecialNull},
	FieldReplyTo:     {SpecialPostmaster, SpecialSender, SpecialNull, SpecialUnaltered},
	FieldReversePath: {SpecialPostmaster, SpecialSender, SpecialNull, SpecialUnaltered},
	FieldSender:      {SpecialPostmaster, SpecialSender, SpecialUnaltered},
}

// Allowed reports whether field accepts the special token s.
func Allowed(field Field, s Special) bool {
	for _, a := range allowedSpecials[field] {
		if a == s {
			return true
		}
	}
	return false
}

// IsList reports whether field resolves to an address list rather than a
// single address.
func (f Field) IsList() bool {
	return f == FieldRecipients || f == FieldTo
}

type item struct {
	special Special
	addr    mail.Address
}

// Policy is the parsed, immutable value of one field.
type Policy struct {
	field Field
	items []item
}

// Field returns the field the policy was parsed for.
func (p Policy) Field() Field {
	return p.field
}

// IsUnaltered reports whether the policy leaves the field untouched: the
// field was not configured, or it is exactly "unaltered".
func (p Policy) IsUnaltered() bool {
	return len(p.items) == 0 || (len(p.items) == 1 && p.items[0].special == SpecialUnaltered)
}

// IsStatic reports whether the policy resolves without looking at the mail:
// every item is a literal, postmaster or null.
func (p Policy) IsStatic() bool {
	for _, it := range p.items {
		switch it.special {
		case "", SpecialPostmaster, SpecialNull:
		default:
			return false
		}
	}
	return true
}

func (p Policy) String() string {
	parts := make([]string, 0, len(p.items))
	for _, it := range p.items {
		if it.special != "" {
			parts = append(parts, string(it.special))
		} else {
			parts = append(parts, it.addr.String())
		}
	}
	return strings.Join(parts, ", ")
}

// ParsePolicy parses a configured value for field. Tokens that are special
// but not allowed for the field fail, as do literals that are not valid
// addresses. Single-address fields accept exactly one item.
func ParsePolicy(field Field, raw string) (Policy, error) {
	p := Policy{field: field}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return p, nil
	}

	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if s, ok := ParseSpecial(token); ok {
			if !Allowed(field, s) {
				return Policy{}, &pkgerrors.AddressError{Input: token, Err: fmt.Errorf("special address is not allowed for %s", field)}
			}
			p.items = append(p.items, item{special: s})
			continue
		}
		addr, err := mail.ParseAddress(token)
		if err != nil {
			return Policy{}, err
		}
		p.items = append(p.items, item{addr: addr})
	}

	if !field.IsList() && len(p.items) > 1 {
		return Policy{}, fmt.Errorf("%s accepts a single address, got %d", field, len(p.items))
	}
	return p, nil
}

// Kind classifies a resolution outcome. Callers must branch on it: an
// unaltered field and a field that produced no value are different.
type Kind int

const (
	// KindNone means the policy produced no value for this mail, e.g.
	// "sender" on a bounce.
	KindNone Kind = iota
	// KindUnaltered means the field must keep its original value.
	KindUnaltered
	// KindNull means the field is explicitly emptied: an empty return path,
	// a removed header or no recipients.
	KindNull
	// KindAddresses means Addresses holds the new value.
	KindAddresses
)

func (k Kind) String() string {
	switch k {
	case KindUnaltered:
		return "unaltered"
	case KindNull:
		return "null"
	case KindAddresses:
		return "addresses"
	default:
		return "none"
	}
}

// Value is the result of resolving a Policy against a mail.
type Value struct {
	Kind      Kind
	Addresses []mail.Address
}

// First returns the first address in resolution order.
func (v Value) First() (mail.Address, bool) {
	if v.Kind != KindAddresses || len(v.Addresses) == 0 {
		return mail.Address{}, false
	}
	return v.Addresses[0], true
}

// Resolver resolves policies. It holds only the postmaster address and is
// safe for concurrent use.
type Resolver struct {
	postmaster mail.Address
}

func New(postmaster mail.Address) *Resolver {
	return &Resolver{postmaster: postmaster}
}

// Postmaster returns the administrative address.
func (r *Resolver) Postmaster() mail.Address {
	return r.postmaster
}

// Resolve resolves a literal address or special token against m. It is the
// single-token form of ResolveList/ResolveSingle: list tokens such as
// "recipients" expand to all their addresses.
func (r *Resolver) Resolve(field Field, token string, m *mail.Mail) (Value, error) {
	p, err := ParsePolicy(field, token)
	if err != nil {
		return Value{}, err
	}
	if field.IsList() {
		return r.ResolveList(p, m), nil
	}
	return r.ResolveSingle(p, m), nil
}

// ResolveList resolves a recipients or to policy. Items expand in order and
// duplicates are dropped. "null" items contribute nothing; a policy of only
// null items resolves to KindNull. "unaltered" alone resolves to
// KindUnaltered; mixed with other items it expands to the field's original
// value.
func (r *Resolver) ResolveList(p Policy, m *mail.Mail) Value {
	if p.IsUnaltered() {
		return Value{Kind: KindUnaltered}
	}

	var out []mail.Address
	onlyNull := true
	for _, it := range p.items {
		if it.special != SpecialNull {
			onlyNull = false
		}
		out = append(out, r.expand(p.field, it, m)...)
	}
	out = unique(out)

	switch {
	case len(out) > 0:
		return Value{Kind: KindAddresses, Addresses: out}
	case onlyNull:
		return Value{Kind: KindNull}
	default:
		return Value{Kind: KindNone}
	}
}

func (r *Resolver) expand(field Field, it item, m *mail.Mail) []mail.Address {
	switch it.special {
	case "":
		return []mail.Address{it.addr}
	case SpecialPostmaster:
		return []mail.Address{r.postmaster}
	case SpecialSender, SpecialReversePath:
		if m.Sender == nil {
			return nil
		}
		return []mail.Address{*m.Sender}
	case SpecialFrom:
		if from := m.HeaderAddresses("From"); len(from) > 0 {
			return from
		}
		if m.Sender != nil {
			return []mail.Address{*m.Sender}
		}
		return nil
	case SpecialReplyTo:
		if a, ok := ReplyTo(m); ok {
			return []mail.Address{a}
		}
		return nil
	case SpecialRecipients, SpecialTo:
		return m.Recipients()
	case SpecialUnaltered:
		if field == FieldTo {
			return m.HeaderAddresses("To")
		}
		return m.Recipients()
	default:
		return nil
	}
}

// ResolveSingle resolves a replyTo, reversePath or sender policy.
//
//   - replyTo: "null" removes the header; "sender" is the envelope sender.
//   - reversePath: "null" is the empty return path; "sender" is the envelope
//     sender verbatim, so a bounce keeps an empty return path.
//   - sender: "sender" falls back to the postmaster when the original has the
//     null sender.
func (r *Resolver) ResolveSingle(p Policy, m *mail.Mail) Value {
	if p.IsUnaltered() {
		return Value{Kind: KindUnaltered}
	}

	it := p.items[0]
	switch it.special {
	case "":
		return addresses(it.addr)
	case SpecialPostmaster:
		return addresses(r.postmaster)
	case SpecialNull:
		return Value{Kind: KindNull}
	case SpecialSender:
		if m.Sender != nil {
			return addresses(*m.Sender)
		}
		switch p.field {
		case FieldReversePath:
			return Value{Kind: KindNull}
		case FieldSender:
			return addresses(r.postmaster)
		default:
			return Value{Kind: KindNone}
		}
	default:
		return Value{Kind: KindNone}
	}
}

// ReplyTo returns the address a reply to m should go to: the first address
// of Reply-To, else From, else Sender, else the envelope sender.
func ReplyTo(m *mail.Mail) (mail.Address, bool) {
	for _, key := range []string{"Reply-To", "From", "Sender"} {
		if addrs := m.HeaderAddresses(key); len(addrs) > 0 {
			return addrs[0], true
		}
	}
	if m.Sender != nil {
		return *m.Sender, true
	}
	return mail.Address{}, false
}

func addresses(a ...mail.Address) Value {
	return Value{Kind: KindAddresses, Addresses: a}
}

func unique(addrs []mail.Address) []mail.Address {
	out := make([]mail.Address, 0, len(addrs))
	seen := make(map[mail.Address]struct{}, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
