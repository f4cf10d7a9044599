package redirect

import (
	"context"
	"errors"
	"net"
	"strings"
)

// HostLookup is the subset of *net.Resolver used by DNSChecker.
type HostLookup interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// DNSChecker is a DomainChecker backed by DNS. A domain has a host when it
// has an MX record, or, lacking one, an address record (RFC 5321 implicit MX).
type DNSChecker struct {
	Lookup HostLookup
}

func NewDNSChecker() *DNSChecker {
	return &DNSChecker{Lookup: net.DefaultResolver}
}

func (d *DNSChecker) HasHost(ctx context.Context, domain string) (bool, error) {
	domain = strings.TrimSuffix(domain, ".")

	records, err := d.Lookup.LookupMX(ctx, domain)
	if err == nil {
		for _, mx := range records {
			// a null MX (RFC 7505) accepts no mail
			if host := strings.TrimSuffix(mx.Host, "."); host != "" {
				return true, nil
			}
		}
		if len(records) > 0 {
			return false, nil
		}
	} else if !isNotFound(err) {
		return false, err
	}

	addrs, err := d.Lookup.LookupHost(ctx, domain)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return len(addrs) > 0, nil
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
