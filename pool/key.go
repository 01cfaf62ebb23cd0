package pool

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"
)

// Key identifies a destination: connections are only reused between
// requests with equal keys.
type Key struct {
	Scheme string
	Host   string
	Port   string
	// Profile names the TLS settings, so connections made with different
	// client certificates or trust roots are kept apart.
	Profile string
}

// NewKey normalizes scheme and authority into a Key. Hosts are converted
// to their ASCII (punycode) form and lowercased; a missing port defaults
// by scheme.
func NewKey(scheme, authority, profile string) (Key, error) {
	scheme = strings.ToLower(scheme)
	switch scheme {
	case "":
		scheme = "http"
	case "http", "https":
	default:
		return Key{}, fmt.Errorf("unsupported scheme %q", scheme)
	}

	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		host, port = authority, ""
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return Key{}, fmt.Errorf("missing host in %q", authority)
	}
	if port == "" {
		port = "80"
		if scheme == "https" {
			port = "443"
		}
	}
	if net.ParseIP(host) == nil {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return Key{}, fmt.Errorf("invalid host %q: %w", host, err)
		}
		host = ascii
	}
	return Key{Scheme: scheme, Host: strings.ToLower(host), Port: port, Profile: profile}, nil
}

// Addr is the dial address.
func (k Key) Addr() string {
	return net.JoinHostPort(k.Host, k.Port)
}

func (k Key) String() string {
	s := k.Scheme + "://" + k.Addr()
	if k.Profile != "" {
		s += "#" + k.Profile
	}
	return s
}
