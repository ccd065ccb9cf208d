package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the address of the peer that sent r. With trustProxy the
// X-Forwarded-For entry left of the trustedProxies rightmost hops is used,
// then X-Real-IP; otherwise the connection address.
func ClientIP(r *http.Request, trustProxy bool, trustedProxies int) string {
	if trustProxy {
		if ip := forwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxies); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IsLoopbackRequest reports whether r arrived over a loopback connection.
// Forwarding headers are ignored.
func IsLoopbackRequest(r *http.Request) bool {
	ip := net.ParseIP(ClientIP(r, false, 0))
	return ip != nil && ip.IsLoopback()
}

func forwardedFor(xff string, trustedProxies int) string {
	if xff == "" {
		return ""
	}
	hops := strings.Split(xff, ",")
	if trustedProxies < 1 {
		trustedProxies = 1
	}
	idx := len(hops) - trustedProxies - 1
	if idx < 0 {
		idx = 0
	}
	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
