package validate

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// hostLabelRe matches one DNS label: 1-63 lowercase alphanumeric or hyphens,
// starting and ending with alphanumeric.
var hostLabelRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Port checks that a TCP port is in 1-65535.
func Port(n int) error {
	if n < 1 || n > 65535 {
		return fmt.Errorf("%w: %d is outside 1-65535", ErrInvalidPort, n)
	}
	return nil
}

// BindHost checks a listener bind host. Empty means all interfaces;
// otherwise the host must be an IP literal or a DNS name made of valid
// labels.
func BindHost(host string) error {
	if host == "" {
		return nil
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	for _, label := range strings.Split(strings.ToLower(host), ".") {
		if !hostLabelRe.MatchString(label) {
			return fmt.Errorf("%w: %q is not an IP or DNS name", ErrInvalidBindHost, host)
		}
	}
	return nil
}

// ListenAddr checks a host:port listen address such as a metrics endpoint.
// The host part may be empty (":9600" binds all interfaces); the port is
// required and must be in range.
func ListenAddr(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidListenAddr, addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("%w: %q has a non-numeric port", ErrInvalidListenAddr, addr)
	}
	if err := Port(port); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidListenAddr, addr, err)
	}
	if err := BindHost(host); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidListenAddr, addr, err)
	}
	return nil
}
