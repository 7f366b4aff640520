package governance

import (
	"net"
	"net/http"
	"strings"
)

// SourceIP returns a key function identifying the client by IP address.
//
// trustedHops is the number of reverse proxies in front of the gateway that
// append to X-Forwarded-For. The client is the address recorded by the outermost
// of them, trustedHops entries from the right; anything further left was sent by
// the client and is ignored. Zero ignores the header.
func SourceIP(trustedHops int) func(*http.Request) string {
	return func(r *http.Request) string {
		if trustedHops > 0 {
			if ip := forwardedHop(r.Header.Values("X-Forwarded-For"), trustedHops); ip != "" {
				return ip
			}
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}

// forwardedHop picks the entry hops places from the right across all header
// lines. A chain shorter than hops yields its left-most entry.
func forwardedHop(values []string, hops int) string {
	var chain []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			chain = append(chain, strings.TrimSpace(part))
		}
	}
	if len(chain) == 0 {
		return ""
	}
	i := max(len(chain)-hops, 0)
	ip := net.ParseIP(chain[i])
	if ip == nil {
		return ""
	}
	return ip.String()
}
