// Package origin turns caller-supplied origins, referrers and raw domain strings
// into the canonical host names stored in the allowlist.
//
// Every entry point (request headers, JSON bodies, the management interface and
// the CLI) goes through Normalize, so a value accepted by one path cannot evade
// another.
package origin

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"

	"github.com/polisai/assetgate/pkg/domain"
)

var (
	// schemePrefix matches the literal http(s) prefix of values that did not parse
	// as absolute URLs, including sloppy forms such as "https:/example.com".
	schemePrefix = regexp.MustCompile(`(?i)^https?:/*`)
	// canonicalHost is the only shape Normalize ever returns.
	canonicalHost = regexp.MustCompile(`^[a-z0-9-]+(\.[a-z0-9-]+)*$`)
)

// Normalize maps a bare hostname, a full URL or a scheme-prefixed value to the
// canonical comparison key: the lower-case ASCII host without port, path, query,
// userinfo or trailing dot. Internationalized names are converted to punycode.
//
// It never panics. Values that cannot be reduced to a host name return an error
// wrapping domain.ErrUnparseable.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty value", domain.ErrUnparseable)
	}

	host, err := extractHost(s)
	if err != nil {
		return "", err
	}

	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return "", fmt.Errorf("%w: no host in %q", domain.ErrUnparseable, raw)
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnparseable, err)
	}
	if !canonicalHost.MatchString(ascii) {
		return "", fmt.Errorf("%w: invalid host %q", domain.ErrUnparseable, ascii)
	}
	return ascii, nil
}

// extractHost returns the host portion of s, still carrying its original case.
func extractHost(s string) (string, error) {
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err == nil && u.Host != "" {
			return u.Hostname(), nil
		}
	}

	rest := schemePrefix.ReplaceAllString(s, "")
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		rest = rest[i+1:]
	}
	if strings.Contains(rest, ":") {
		h, _, err := net.SplitHostPort(rest)
		if err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrUnparseable, err)
		}
		rest = h
	}
	return rest, nil
}

// FromRequest returns the declared origin of r: the Origin header, falling back to
// Referer. The opaque "null" origin sent by sandboxed documents counts as absent.
func FromRequest(r *http.Request) string {
	if o := strings.TrimSpace(r.Header.Get("Origin")); o != "" && o != "null" {
		return o
	}
	return strings.TrimSpace(r.Header.Get("Referer"))
}

// IsPublicSuffix reports whether name is itself an ICANN public suffix such as
// "com" or "co.uk". Such names cannot identify a single site.
func IsPublicSuffix(name string) bool {
	suffix, icann := publicsuffix.PublicSuffix(name)
	return icann && suffix == name
}
