package bridge

import (
	"regexp"
	"strconv"
)

var ipv4Pattern = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)\.(\d+)$`)

// IsBlocked reports whether a hostname refers to loopback, private, or
// link-local address space. It operates on the literal hostname string only
// and never resolves DNS, so a public name that resolves to a private address
// is not caught; closing that gap would need a resolution step with its own
// failure modes and is deliberately out of scope.
//
// Callers must invoke this before every outbound HTTP fetch and every
// outbound WebSocket dial, and on a blocked verdict perform no network I/O.
func IsBlocked(hostname string) bool {
	if hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1" {
		return true
	}

	m := ipv4Pattern.FindStringSubmatch(hostname)
	if m == nil {
		return false
	}

	a, _ := strconv.Atoi(m[1])
	b, _ := strconv.Atoi(m[2])

	switch {
	case a == 10: // 10.0.0.0/8
		return true
	case a == 172 && b >= 16 && b <= 31: // 172.16.0.0/12
		return true
	case a == 192 && b == 168: // 192.168.0.0/16
		return true
	case a == 127: // loopback
		return true
	case a == 169 && b == 254: // link-local
		return true
	case a == 0:
		return true
	}

	return false
}
