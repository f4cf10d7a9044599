// Package mail holds the message model that flows through the mailet chain:
// the SMTP envelope, the RFC 5322 content and the attributes stages use to
// pass routing hints to each other.
package mail

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/migadu/mailroute/consts"
)

// State is the processing state of a Mail within one chain run.
type State string

const (
	StateProcessing State = "processing"
	StateGhost      State = "ghost" // stopped, nothing more to do
	StateError      State = "error"
)

// Terminal reports whether the state ends processing for the current run.
func (s State) Terminal() bool {
	return s == StateGhost || s == StateError
}

// Mail is a message in flight. It is not safe for concurrent use; one chain
// run owns it at a time.
type Mail struct {
	Name string

	// Sender is the envelope sender. nil is the null reverse-path used by
	// bounces.
	Sender *Address

	Header gomail.Header
	Body   []byte

	State        State
	ErrorMessage string
	LastUpdated  time.Time

	recipients []Address
	attributes map[string]any
}

// New returns a mail in the processing state.
func New(name string, sender *Address, recipients []Address, header gomail.Header, body []byte) *Mail {
	m := &Mail{
		Name:        name,
		Sender:      sender,
		Header:      header,
		Body:        body,
		State:       StateProcessing,
		LastUpdated: time.Now(),
		attributes:  make(map[string]any),
	}
	m.SetRecipients(recipients)
	return m
}

// Parse splits raw RFC 5322 bytes into header and body.
func Parse(name string, sender *Address, recipients []Address, raw []byte) (*Mail, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}
	return New(name, sender, recipients, gomail.Header{Header: gomessage.Header{Header: h}}, body), nil
}

// Recipients returns a copy of the envelope recipients in insertion order.
// It is never nil.
func (m *Mail) Recipients() []Address {
	out := make([]Address, len(m.recipients))
	copy(out, m.recipients)
	return out
}

// SetRecipients replaces the recipients, dropping duplicates and keeping the
// first occurrence of each address.
func (m *Mail) SetRecipients(recipients []Address) {
	m.recipients = dedupe(recipients)
	m.LastUpdated = time.Now()
}

// HasRecipient reports whether addr is an envelope recipient.
func (m *Mail) HasRecipient(addr Address) bool {
	for _, r := range m.recipients {
		if r == addr {
			return true
		}
	}
	return false
}

// SenderString is the envelope sender as used in MAIL FROM; empty for the
// null sender.
func (m *Mail) SenderString() string {
	if m.Sender == nil {
		return ""
	}
	return m.Sender.String()
}

func (m *Mail) SetAttribute(key string, value any) {
	m.attributes[key] = value
}

func (m *Mail) Attribute(key string) (any, bool) {
	v, ok := m.attributes[key]
	return v, ok
}

func (m *Mail) RemoveAttribute(key string) {
	delete(m.attributes, key)
}

// AttributeNames returns the attribute keys in sorted order.
func (m *Mail) AttributeNames() []string {
	names := make([]string, 0, len(m.attributes))
	for k := range m.attributes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Duplicate returns a deep copy of the mail under a new name. Attribute
// values are shared and must be treated as immutable.
func (m *Mail) Duplicate(name string) *Mail {
	dup := &Mail{
		Name:         name,
		Header:       CopyHeader(m.Header),
		Body:         append([]byte(nil), m.Body...),
		State:        m.State,
		ErrorMessage: m.ErrorMessage,
		LastUpdated:  time.Now(),
		recipients:   m.Recipients(),
		attributes:   make(map[string]any, len(m.attributes)),
	}
	if m.Sender != nil {
		s := *m.Sender
		dup.Sender = &s
	}
	for k, v := range m.attributes {
		dup.attributes[k] = v
	}
	return dup
}

// Bytes serializes the header and body.
func (m *Mail) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, m.Header.Header.Header); err != nil {
		return nil, err
	}
	buf.Write(m.Body)
	return buf.Bytes(), nil
}

// HeaderAddresses returns the valid addresses of an address-list header
// field. Unparsable entries are skipped.
func (m *Mail) HeaderAddresses(key string) []Address {
	list, err := m.Header.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]Address, 0, len(list))
	for _, a := range list {
		addr, err := NewAddress(a.Address)
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return dedupe(out)
}

// SetHeaderAddresses replaces an address-list header field.
func (m *Mail) SetHeaderAddresses(key string, addrs []Address) {
	list := make([]*gomail.Address, 0, len(addrs))
	for _, a := range addrs {
		list = append(list, a.Header())
	}
	m.Header.SetAddressList(key, list)
}

// CopyHeader returns an independent copy of h.
func CopyHeader(h gomail.Header) gomail.Header {
	return gomail.Header{Header: gomessage.Header{Header: h.Header.Header.Copy()}}
}

func dedupe(addrs []Address) []Address {
	out := make([]Address, 0, len(addrs))
	seen := make(map[Address]struct{}, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
