// Package validate holds the shape checks shared by the credential and
// secondary-channel configuration.
package validate

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/d-kuro/episodepilot/pkg/constants"
)

// Placeholder reports whether s is empty or a template value copied from an
// example env file.
func Placeholder(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return true
	}
	for _, p := range constants.PlaceholderValues {
		if v == p {
			return true
		}
	}
	return strings.HasPrefix(v, "your_") || strings.HasPrefix(v, "your-") ||
		(strings.HasPrefix(v, "<") && strings.HasSuffix(v, ">"))
}

// Token checks that a credential has a plausible shape before it is sent anywhere.
func Token(kind, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is empty", kind)
	}
	if Placeholder(value) {
		return fmt.Errorf("%s %s", kind, constants.ValidationErrorPlaceholder)
	}
	if len(value) < constants.MinTokenLength {
		return fmt.Errorf("%s too short", kind)
	}
	if len(value) > constants.MaxTokenLength {
		return fmt.Errorf("%s too long", kind)
	}
	if strings.ContainsAny(value, "\x00\r\n\t ") {
		return fmt.Errorf("%s contains invalid characters", kind)
	}
	return nil
}

// HTTPURL parses raw and requires an absolute http or https URL with a host.
func HTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != constants.SchemeHTTP && u.Scheme != constants.SchemeHTTPS {
		return nil, fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("URL has no host")
	}
	return u, nil
}

// Loopback reports whether host names the local machine.
func Loopback(host string) bool {
	h := strings.ToLower(strings.Trim(host, "[]"))
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

// PrivateIP reports whether ip is loopback, link-local or in a private range.
func PrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

// DefaultHost reports whether host is one of the template hosts shipped in examples.
func DefaultHost(host string) bool {
	h := strings.ToLower(host)
	for _, d := range constants.DefaultFallbackHosts {
		if h == d {
			return true
		}
	}
	return strings.HasSuffix(h, ".example.com") || strings.HasSuffix(h, ".example")
}
