package util

import (
	"net"
	"strings"
)

// IPClass is the coarse network classification of an address.
type IPClass int

const (
	IPPublic IPClass = iota
	IPLoopback
	IPPrivate
	IPLinkLocal
	IPUnspecified
)

func (c IPClass) String() string {
	switch c {
	case IPPublic:
		return "public"
	case IPLoopback:
		return "loopback"
	case IPPrivate:
		return "private"
	case IPLinkLocal:
		return "link_local"
	case IPUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP classifies ip. A nil ip is unspecified.
func ClassifyIP(ip net.IP) IPClass {
	switch {
	case ip == nil, ip.IsUnspecified():
		return IPUnspecified
	case ip.IsLoopback():
		return IPLoopback
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return IPLinkLocal
	case ip.IsPrivate():
		return IPPrivate
	default:
		return IPPublic
	}
}

// IsLoopbackHostname reports whether hostname is "localhost" or a loopback
// IP literal. Bracketed IPv6 literals are accepted. 0.0.0.0 is not loopback.
func IsLoopbackHostname(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	hostname = strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	return ClassifyIP(net.ParseIP(hostname)) == IPLoopback
}
