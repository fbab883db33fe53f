package ssrf

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver map[string][]string

func (r staticResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	values, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	addrs := make([]netip.Addr, 0, len(values))
	for _, v := range values {
		addrs = append(addrs, netip.MustParseAddr(v))
	}
	return addrs, nil
}

func mustPrefixes(t *testing.T, values ...string) []netip.Prefix {
	t.Helper()
	prefixes, err := ParsePrefixes(values)
	require.NoError(t, err)
	return prefixes
}

func TestValidate(t *testing.T) {
	resolver := staticResolver{
		"example.com":   {"93.184.216.34"},
		"localhost":     {"127.0.0.1"},
		"mixed.test":    {"93.184.216.34", "10.1.2.3"},
		"metadata.test": {"169.254.169.254"},
		"mapped.test":   {"::ffff:127.0.0.1"},
		"zoned.test":    {"fe80::1%eth0"},
	}

	tests := []struct {
		name    string
		url     string
		allowed []string
		relaxed bool
		wantErr error
	}{
		{name: "public host", url: "https://example.com/page"},
		{name: "public ip literal", url: "http://93.184.216.34/"},
		{name: "loopback literal denied", url: "http://127.0.0.1:8080/", wantErr: ErrDeniedAddress},
		{name: "loopback name denied", url: "http://localhost/", wantErr: ErrDeniedAddress},
		{name: "any resolved address denied", url: "http://mixed.test/", wantErr: ErrDeniedAddress},
		{name: "cloud metadata denied", url: "http://metadata.test/latest", wantErr: ErrDeniedAddress},
		{name: "ipv6 loopback denied", url: "http://[::1]/", wantErr: ErrDeniedAddress},
		{name: "ipv4 mapped ipv6 denied", url: "http://mapped.test/", wantErr: ErrDeniedAddress},
		{name: "zoned link-local literal denied", url: "http://[fe80::1%25eth0]/", wantErr: ErrDeniedAddress},
		{name: "zoned link-local name denied", url: "http://zoned.test/", wantErr: ErrDeniedAddress},
		{name: "unresolvable host", url: "http://nowhere.test/", wantErr: ErrResolve},
		{name: "missing host", url: "file:///etc/passwd", wantErr: ErrInvalidURL},
		{
			name:    "whitelisted loopback under relaxed mode",
			url:     "http://127.0.0.1/",
			allowed: []string{"127.0.0.0/8"},
			relaxed: true,
		},
		{
			name:    "whitelisted zoned address under relaxed mode",
			url:     "http://zoned.test/",
			allowed: []string{"fe80::/10"},
			relaxed: true,
		},
		{
			name:    "whitelist ignored without relaxed mode",
			url:     "http://127.0.0.1/",
			allowed: []string{"127.0.0.0/8"},
			wantErr: ErrDeniedAddress,
		},
		{
			name:    "relaxed mode only opens whitelisted ranges",
			url:     "http://10.0.0.5/",
			allowed: []string{"127.0.0.0/8"},
			relaxed: true,
			wantErr: ErrDeniedAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &Validator{
				Denied:   DefaultDenied(),
				Allowed:  mustPrefixes(t, tt.allowed...),
				Relaxed:  tt.relaxed,
				Resolver: resolver,
			}

			err := v.Validate(context.Background(), tt.url)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParsePrefixes(t *testing.T) {
	prefixes, err := ParsePrefixes([]string{" 10.0.0.0/8 ", "", "192.168.1.7", "::1", "10.1.2.3/8"})
	require.NoError(t, err)

	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.168.1.7/32"),
		netip.MustParsePrefix("::1/128"),
		netip.MustParsePrefix("10.0.0.0/8"),
	}, prefixes)

	_, err = ParsePrefixes([]string{"not-a-prefix"})
	assert.Error(t, err)
}

func TestDefaultDenied(t *testing.T) {
	assert.Len(t, DefaultDenied(), len(DefaultDeniedStrings()))

	v := New(DefaultDenied(), nil, false)
	assert.ErrorIs(t, v.Validate(context.Background(), "http://172.20.0.1/"), ErrDeniedAddress)
	assert.NoError(t, v.Validate(context.Background(), "http://8.8.8.8/"))
}
