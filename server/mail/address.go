package mail

import (
	"fmt"
	"regexp"
	"strings"

	gomail "github.com/emersion/go-message/mail"
	pkgerrors "github.com/migadu/mailroute/pkg/errors"
	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

const LocalPartRegex = `^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`
const DomainNameRegex = `^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)*[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`

var (
	localPartRe  = regexp.MustCompile(LocalPartRegex)
	domainNameRe = regexp.MustCompile(DomainNameRegex)
)

// Address is a syntactically valid mailbox address. The domain is stored
// in lowercase ASCII form; the local part keeps its case.
type Address struct {
	localPart string
	domain    string
}

// NewAddress validates a bare addr-spec such as "user@example.com". Angle
// brackets around the address are accepted and stripped.
func NewAddress(address string) (Address, error) {
	input := strings.TrimSpace(address)
	if strings.HasPrefix(input, "<") && strings.HasSuffix(input, ">") {
		input = strings.TrimSpace(input[1 : len(input)-1])
	}

	if input == "" {
		return Address{}, &pkgerrors.AddressError{Input: address, Err: fmt.Errorf("address is empty")}
	}
	if strings.ContainsAny(input, " \t\r\n") {
		return Address{}, &pkgerrors.AddressError{Input: address, Err: fmt.Errorf("address contains whitespace")}
	}

	at := strings.LastIndex(input, "@")
	if at < 0 {
		return Address{}, &pkgerrors.AddressError{Input: address, Err: fmt.Errorf("address missing @")}
	}
	localPart, domain := input[:at], input[at+1:]

	if !localPartRe.MatchString(localPart) {
		return Address{}, &pkgerrors.AddressError{Input: address, Err: fmt.Errorf("unacceptable local part '%s'", localPart)}
	}
	domain, err := NormalizeDomain(domain)
	if err != nil {
		return Address{}, &pkgerrors.AddressError{Input: address, Err: err}
	}

	return Address{localPart: localPart, domain: domain}, nil
}

// ParseAddress accepts an RFC 5322 mailbox with an optional display name,
// e.g. "Jane <jane@example.com>", and returns its addr-spec.
func ParseAddress(s string) (Address, error) {
	parsed, err := gomail.ParseAddress(s)
	if err != nil {
		return NewAddress(s)
	}
	return NewAddress(parsed.Address)
}

// MustAddress is NewAddress for constants in tests and defaults.
func MustAddress(s string) Address {
	a, err := NewAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// NormalizeDomain validates a domain name and returns its lowercase ASCII
// form. Unicode labels are NFC normalized and converted to punycode, so
// "Bücher.de" and "xn--bcher-kva.de" compare equal.
func NormalizeDomain(domain string) (string, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return "", fmt.Errorf("domain is empty")
	}
	ascii, err := idna.Lookup.ToASCII(norm.NFC.String(domain))
	if err != nil {
		return "", fmt.Errorf("unacceptable domain '%s': %w", domain, err)
	}
	ascii = strings.ToLower(ascii)
	if !domainNameRe.MatchString(ascii) {
		return "", fmt.Errorf("unacceptable domain '%s'", domain)
	}
	return ascii, nil
}

func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return a.localPart + "@" + a.domain
}

func (a Address) LocalPart() string {
	return a.localPart
}

func (a Address) Domain() string {
	return a.domain
}

func (a Address) IsZero() bool {
	return a.localPart == "" && a.domain == ""
}

// Header returns the address formatted for an address-list header field.
func (a Address) Header() *gomail.Address {
	return &gomail.Address{Address: a.String()}
}

// Equal compares addresses with a case-insensitive domain.
func (a Address) Equal(b Address) bool {
	return a.localPart == b.localPart && a.domain == b.domain
}
