package configtypes

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ParseListenAddress splits a listen address into host and port.
// Accepts ":8191", "8191", "0.0.0.0:8191" and "localhost:8191".
func ParseListenAddress(listen string) (host string, port int, err error) {
	if listen == "" {
		return "", 0, fmt.Errorf("listen address is empty")
	}

	if !strings.Contains(listen, ":") {
		p, err := strconv.Atoi(listen)
		if err != nil {
			return "", 0, fmt.Errorf("invalid listen address format: %s", listen)
		}
		return "", p, nil
	}

	host, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return "", 0, fmt.Errorf("invalid listen address format: %s: %w", listen, err)
	}

	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in listen address: %s", portStr)
	}

	return host, port, nil
}

// ValidateListenAddress checks format and port range
func ValidateListenAddress(listen string) error {
	_, port, err := ParseListenAddress(listen)
	if err != nil {
		return err
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// NormalizeListen returns host:port, turning a bare port into ":port"
func NormalizeListen(listen string) (string, error) {
	host, port, err := ParseListenAddress(listen)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// NormalizeInstanceAddress validates a backend instance address and returns it
// as an absolute http(s) base URL without a trailing slash.
// A bare "host:port" is treated as http.
func NormalizeInstanceAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("instance address is empty")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("invalid instance address %q: %w", addr, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("instance address %q: scheme must be http or https", addr)
	}
	if u.Host == "" {
		return "", fmt.Errorf("instance address %q: missing host", addr)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("instance address %q: query and fragment are not allowed", addr)
	}

	return strings.TrimRight(u.Scheme+"://"+u.Host+u.Path, "/"), nil
}
