package ssrf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

var (
	// ErrDeniedAddress is returned when the host resolves into a denied range.
	ErrDeniedAddress = errors.New("address is denied")
	// ErrResolve is returned when the host cannot be resolved. Callers may
	// treat it as non-fatal since the fetch will fail on its own.
	ErrResolve = errors.New("host resolution failed")
	// ErrInvalidURL is returned for URLs without a host.
	ErrInvalidURL = errors.New("invalid url")
)

var defaultDenied = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::1/128",
	"::/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
}

// DefaultDenied returns the private, loopback, link-local and reserved
// ranges denied unless configured otherwise.
func DefaultDenied() []netip.Prefix {
	prefixes, _ := ParsePrefixes(defaultDenied)
	return prefixes
}

// DefaultDeniedStrings returns DefaultDenied in string form.
func DefaultDeniedStrings() []string {
	return append([]string(nil), defaultDenied...)
}

// ParsePrefixes parses CIDR strings. Bare addresses become single-host
// prefixes. Empty entries are skipped.
func ParsePrefixes(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			prefix, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("parse prefix %q: %w", v, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", v, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Validator rejects URLs whose host resolves into a denied range.
type Validator struct {
	Denied  []netip.Prefix
	Allowed []netip.Prefix
	// Relaxed lets Allowed prefixes override Denied ones.
	Relaxed  bool
	Resolver Resolver
}

// New creates a validator using the system resolver.
func New(denied, allowed []netip.Prefix, relaxed bool) *Validator {
	return &Validator{
		Denied:   denied,
		Allowed:  allowed,
		Relaxed:  relaxed,
		Resolver: net.DefaultResolver,
	}
}

// Validate resolves rawURL's host and checks every address.
func (v *Validator) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	host := u.Hostname()
	if host == "" {
		return ErrInvalidURL
	}

	addrs, err := v.resolve(ctx, host)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if v.denied(addr) {
			return fmt.Errorf("%w: %s resolves to %s", ErrDeniedAddress, host, addr)
		}
	}
	return nil
}

func (v *Validator) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return []netip.Addr{addr}, nil
	}

	resolver := v.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrResolve, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s: no addresses", ErrResolve, host)
	}
	return addrs, nil
}

// denied matches addr without its zone, since a zoned address is never
// contained in a prefix.
func (v *Validator) denied(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	if !contains(v.Denied, addr) {
		return false
	}
	return !(v.Relaxed && contains(v.Allowed, addr))
}

func contains(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
