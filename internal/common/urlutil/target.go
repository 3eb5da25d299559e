package urlutil

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrPrivateTarget is a fetch target on a loopback, private or reserved address
var ErrPrivateTarget = errors.New("target address is private or reserved")

var privateRanges = mustParseCIDRs(
	// IPv4
	"127.0.0.0/8",    // loopback
	"10.0.0.0/8",     // RFC 1918
	"172.16.0.0/12",  // RFC 1918
	"192.168.0.0/16", // RFC 1918
	"169.254.0.0/16", // link-local, cloud metadata
	"100.64.0.0/10",  // CGNAT (RFC 6598)
	"0.0.0.0/8",      // "this" network
	"224.0.0.0/4",    // multicast

	// IPv6
	"::1/128",   // loopback
	"fe80::/10", // link-local
	"fc00::/7",  // unique local
	"ff00::/8",  // multicast
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in private ranges: %s", cidr))
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// IsPrivateIP reports whether ip belongs to a private or reserved range
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, ipNet := range privateRanges {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// ValidateTarget rejects URLs whose host is localhost or a private IP literal.
// Domain names are not resolved; a backend browser resolves them itself.
func ValidateTarget(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: %s", ErrPrivateTarget, host)
	}
	if IsPrivateIP(net.ParseIP(host)) {
		return fmt.Errorf("%w: %s", ErrPrivateTarget, host)
	}
	return nil
}
