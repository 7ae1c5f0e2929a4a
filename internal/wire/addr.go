package wire

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ParseHostPort splits an endpoint into host and port, applying
// defaultPort when the string carries none. Bracketed IPv6 literals are
// accepted; a bare "host" is taken as host with the default port.
func ParseHostPort(s string, defaultPort int) (string, int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", 0, fmt.Errorf("%w: empty endpoint", ErrBadAddr)
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port present: the whole string is the host.
		if strings.Contains(err.Error(), "missing port") {
			return strings.Trim(s, "[]"), defaultPort, nil
		}
		return "", 0, fmt.Errorf("%w: %q", ErrBadAddr, s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("%w: port %q out of range", ErrBadAddr, portStr)
	}
	if host == "" {
		return "", 0, fmt.Errorf("%w: empty host in %q", ErrBadAddr, s)
	}
	return host, port, nil
}

// DetectLocalIP finds the address of the default outbound interface by
// opening a UDP socket toward a public resolver. No packet is sent; the
// kernel just picks the route. Falls back to loopback when the host has
// no route at all.
func DetectLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// PublicAddrHint is the host:port a node advertises in its HELLO frame:
// the configured bind when it is a concrete address, otherwise the
// detected outbound interface address.
func PublicAddrHint(bind string, port int) string {
	host := bind
	switch host {
	case "", "0.0.0.0", "::":
		host = DetectLocalIP()
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
