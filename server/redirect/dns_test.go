package redirect

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	mx    map[string][]*net.MX
	hosts map[string][]string
	fail  error
}

func (f fakeLookup) LookupMX(_ context.Context, name string) ([]*net.MX, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	if r, ok := f.mx[name]; ok {
		return r, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

func (f fakeLookup) LookupHost(_ context.Context, host string) ([]string, error) {
	if r, ok := f.hosts[host]; ok {
		return r, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func TestDNSChecker(t *testing.T) {
	checker := &DNSChecker{Lookup: fakeLookup{
		mx: map[string][]*net.MX{
			"example.com": {{Host: "mx.example.com.", Pref: 10}},
			"nomail.test": {{Host: ".", Pref: 0}},
		},
		hosts: map[string][]string{
			"a-only.test": {"192.0.2.1"},
		},
	}}

	tests := []struct {
		domain string
		want   bool
	}{
		{"example.com", true},
		{"example.com.", true},
		{"a-only.test", true},
		{"nomail.test", false},
		{"missing.test", false},
	}
	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			ok, err := checker.HasHost(context.Background(), tt.domain)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestDNSCheckerLookupFailure(t *testing.T) {
	checker := &DNSChecker{Lookup: fakeLookup{fail: &net.DNSError{Err: "server misbehaving", IsTemporary: true}}}
	_, err := checker.HasHost(context.Background(), "example.com")
	assert.Error(t, err)
}
