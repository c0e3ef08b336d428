package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client IP address used as the rate-limit key.
// When trustProxy is set, the X-Forwarded-For and X-Real-IP headers are
// consulted; otherwise the connection's RemoteAddr is authoritative.
//
// Forwarded headers are attacker-controlled unless every hop in front of
// this server is a proxy you operate. Only enable trustProxy behind such a
// proxy, and set trustedProxyCount to the number of hops you control so the
// client IP is read from the correct position in the chain.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := ipFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := r.Header.Get("X-Real-IP"); net.ParseIP(strings.TrimSpace(ip)) != nil {
			return strings.TrimSpace(ip)
		}
	}
	return ipFromRemoteAddr(r.RemoteAddr)
}

// ipFromForwardedFor picks the client IP out of an X-Forwarded-For chain.
// The header reads "client, proxy1, proxy2, ..." with our own trusted proxies
// appended rightmost, so the client sits trustedProxyCount+1 from the end.
func ipFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	proxies := trustedProxyCount
	if proxies == 0 {
		proxies = 1
	}
	idx := len(ips) - proxies - 1
	if idx < 0 {
		idx = 0
	}

	candidate := strings.TrimSpace(ips[idx])
	if net.ParseIP(candidate) != nil {
		return candidate
	}
	return ""
}

func ipFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
