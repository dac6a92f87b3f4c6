// Package urlpolicy validates an outbound target URL against a
// service's registered base URL and blocks known private/loopback
// address literals, closing the most common server-side request
// forgery vector before a request ever reaches the forwarder.
package urlpolicy

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Kind classifies a policy violation so the HTTP layer can map it to
// the right status code (400 vs 403).
type Kind int

const (
	// KindInvalid marks a malformed URL or disallowed scheme (400).
	KindInvalid Kind = iota
	// KindForbidden marks an SSRF-blocked host or a scope mismatch (403).
	KindForbidden
)

// Violation is the error type returned on policy failure.
type Violation struct {
	Kind Kind
	Msg  string
}

func (v *Violation) Error() string { return v.Msg }

func invalid(format string, args ...any) error {
	return &Violation{Kind: KindInvalid, Msg: fmt.Sprintf(format, args...)}
}

func forbidden(format string, args ...any) error {
	return &Violation{Kind: KindForbidden, Msg: fmt.Sprintf(format, args...)}
}

// IsForbidden reports whether err is a Violation that should map to 403.
func IsForbidden(err error) bool {
	var v *Violation
	if errors.As(err, &v) {
		return v.Kind == KindForbidden
	}
	return false
}

// IsInvalid reports whether err is a Violation that should map to 400.
func IsInvalid(err error) bool {
	var v *Violation
	if errors.As(err, &v) {
		return v.Kind == KindInvalid
	}
	return false
}

// blockedHostLiterals are exact hostnames that are always rejected.
var blockedHostLiterals = map[string]bool{
	"localhost": true,
}

// blockedCIDRs are literal address ranges that are always rejected.
// Parsed once at package init.
var blockedCIDRs []*net.IPNet

func init() {
	ranges := []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"172.16.0.0/12",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	}
	for _, cidr := range ranges {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			// Ranges above are fixed constants; a parse failure here is a
			// programming error, not a runtime condition to recover from.
			panic(fmt.Sprintf("urlpolicy: invalid blocked range %q: %v", cidr, err))
		}
		blockedCIDRs = append(blockedCIDRs, ipnet)
	}
}

// isBlockedHost reports whether host (no port) is a literal private,
// loopback, or link-local address, or the "localhost" name.
func isBlockedHost(host string) bool {
	lower := strings.ToLower(host)
	if blockedHostLiterals[lower] {
		return true
	}
	// Strip IPv6 brackets if present.
	lower = strings.TrimPrefix(lower, "[")
	lower = strings.TrimSuffix(lower, "]")
	ip := net.ParseIP(lower)
	if ip == nil {
		// Not a literal address: DNS-time SSRF (hostnames that *resolve*
		// to a private range) is an accepted residual risk.
		return false
	}
	for _, cidr := range blockedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// MatchesBase reports whether targetURL could plausibly be served by a
// service whose registered base URL is baseURL, same scheme, same
// host, and base path is a prefix of the target path. It does not
// perform the SSRF check; it exists so the scope resolver can rank
// candidate services by prefix length before the full Check runs.
// Malformed URLs never match.
func MatchesBase(targetURL, baseURL string) bool {
	target, err := url.Parse(targetURL)
	if err != nil {
		return false
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	if target.Scheme != base.Scheme {
		return false
	}
	if !strings.EqualFold(target.Hostname(), base.Hostname()) {
		return false
	}
	return strings.HasPrefix(target.Path, base.Path)
}

// Check validates targetURL against baseURL:
//   - both must parse as absolute http(s) URLs
//   - schemes must match
//   - hosts must match (case-insensitive)
//   - target path must have base path as a string prefix
//   - target host must not be a blocked SSRF literal
func Check(targetURL, baseURL string) error {
	target, err := url.Parse(targetURL)
	if err != nil {
		return invalid("malformed target URL")
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return invalid("malformed service base URL")
	}

	if target.Scheme != "http" && target.Scheme != "https" {
		return invalid("unsupported scheme %q", target.Scheme)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return invalid("unsupported base scheme %q", base.Scheme)
	}

	// SSRF check runs before the scope match so a blocked host never
	// leaks through an accidental base-URL match.
	if isBlockedHost(target.Hostname()) {
		return forbidden("target host is not routable from the gateway")
	}

	if target.Scheme != base.Scheme {
		return forbidden("target scheme %q does not match service scheme %q", target.Scheme, base.Scheme)
	}
	if !strings.EqualFold(target.Hostname(), base.Hostname()) {
		return forbidden("target host does not match service base URL")
	}
	if !strings.HasPrefix(target.Path, base.Path) {
		return forbidden("target path is outside the service's registered path prefix")
	}

	return nil
}
