package addrutil

import (
	"net"
	"strconv"
	"strings"
)

// DefaultSSHPort is used for hop addresses that carry no port.
const DefaultSSHPort = 22

// HostPort normalises addr to "host:port", filling in defaultPort when addr has none.
//
// Hop addresses come from hand-written configs, so all of "host", "host:port",
// "[v6]:port", raw "v6" and unbracketed "v6:port" are accepted.
func HostPort(addr string, defaultPort int) (string, bool) {
	host, port := splitAddr(addr)
	if host == "" {
		return "", false
	}
	if port <= 0 {
		port = defaultPort
	}
	if port <= 0 {
		return "", false
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), true
}

// SplitUser peels an optional "user@" prefix off addr.
func SplitUser(addr string) (user, rest string) {
	a := strings.TrimSpace(addr)
	if i := strings.LastIndexByte(a, '@'); i >= 0 {
		return a[:i], a[i+1:]
	}
	return "", a
}

// Host returns the host part of addr without any port.
func Host(addr string) string {
	host, _ := splitAddr(addr)
	return host
}

func splitAddr(addr string) (string, int) {
	a := strings.TrimSpace(addr)
	if a == "" {
		return "", 0
	}

	// Fast path: "host:port" (IPv4 or bracketed IPv6).
	if h, p, err := net.SplitHostPort(a); err == nil {
		port, _ := strconv.Atoi(p)
		return h, port
	}

	// Unbracketed IPv6 with a port: only trust it when the head is itself a valid address.
	if strings.Count(a, ":") > 1 && !strings.HasPrefix(a, "[") {
		if net.ParseIP(a) != nil {
			return a, 0
		}
		if last := strings.LastIndexByte(a, ':'); last > 0 && last < len(a)-1 {
			host := a[:last]
			if port, err := strconv.Atoi(a[last+1:]); err == nil && net.ParseIP(host) != nil {
				return host, port
			}
		}
	}

	if strings.Contains(a, ":") {
		return strings.Trim(a, "[]"), 0
	}
	return a, 0
}
