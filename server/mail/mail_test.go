package mail

import (
	"errors"
	"testing"

	gomail "github.com/emersion/go-message/mail"
	"github.com/migadu/mailroute/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rawMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.org, carol@example.net\r\n" +
	"Subject: Hello\r\n" +
	"\r\n" +
	"Body line\r\n"

func TestNewAddress(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"user@example.com", "user@example.com", false},
		{"  <User@EXAMPLE.com> ", "User@example.com", false},
		{"postmaster@localhost", "postmaster@localhost", false},
		{"first.last+tag@sub.example.org", "first.last+tag@sub.example.org", false},
		{"user@Bücher.DE", "user@xn--bcher-kva.de", false},
		{"user@xn--bcher-kva.de", "user@xn--bcher-kva.de", false},
		{"user@bu\u0308cher.de", "user@xn--bcher-kva.de", false},
		{"", "", true},
		{"no-at-sign", "", true},
		{"two words@example.com", "", true},
		{"user@-bad-.com", "", true},
		{"user@exa_mple.com", "", true},
		{"user..dots@example.com", "", true},
		{"@example.com", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := NewAddress(tt.input)
			if tt.wantErr {
				if !errors.Is(err, consts.ErrInvalidAddress) {
					t.Fatalf("NewAddress(%q) error = %v, want ErrInvalidAddress", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAddress(%q) unexpected error: %v", tt.input, err)
			}
			if got.String() != tt.want {
				t.Errorf("NewAddress(%q) = %q, want %q", tt.input, got.String(), tt.want)
			}
		})
	}
}

func TestParseAddressWithDisplayName(t *testing.T) {
	a, err := ParseAddress("Jane Doe <jane@Example.COM>")
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", a.String())
	assert.Equal(t, "example.com", a.Domain())
}

func TestParseAndBytesRoundTrip(t *testing.T) {
	m, err := Parse("m1", nil, nil, []byte(rawMessage))
	require.NoError(t, err)

	out, err := m.Bytes()
	require.NoError(t, err)
	assert.Equal(t, rawMessage, string(out))

	subject, err := m.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Hello", subject)

	to := m.HeaderAddresses("To")
	require.Len(t, to, 2)
	assert.Equal(t, "bob@example.org", to[0].String())
}

func TestRecipientsAreUniqueAndOrdered(t *testing.T) {
	a := MustAddress("a@x.com")
	b := MustAddress("b@y.com")
	m := New("m1", nil, []Address{b, a, b}, gomail.Header{}, nil)

	got := m.Recipients()
	require.Len(t, got, 2)
	assert.Equal(t, b, got[0])
	assert.Equal(t, a, got[1])

	got[0] = a
	assert.Equal(t, b, m.Recipients()[0], "Recipients must return a copy")

	m.SetRecipients(nil)
	assert.NotNil(t, m.Recipients())
	assert.Empty(t, m.Recipients())
}

func TestDuplicateIsIndependent(t *testing.T) {
	sender := MustAddress("alice@example.com")
	m, err := Parse("m1", &sender, []Address{MustAddress("bob@example.org")}, []byte(rawMessage))
	require.NoError(t, err)
	m.SetAttribute("k", "v")

	dup := m.Duplicate("m1-copy")
	dup.Header.SetSubject("Changed")
	dup.SetAttribute("k", "other")
	dup.Sender = nil
	dup.SetRecipients(nil)

	subject, _ := m.Header.Subject()
	assert.Equal(t, "Hello", subject)
	v, _ := m.Attribute("k")
	assert.Equal(t, "v", v)
	assert.NotNil(t, m.Sender)
	assert.Len(t, m.Recipients(), 1)
	assert.Equal(t, "m1-copy", dup.Name)
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse("bad", nil, nil, []byte("not a header line without colon\r\n\r\n"))
	if !errors.Is(err, consts.ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, StateProcessing.Terminal())
	assert.True(t, StateGhost.Terminal())
	assert.True(t, StateError.Terminal())
}
