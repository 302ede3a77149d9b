package middleware

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the address used to identify the caller of r.
//
// When trustProxy is false the peer address of the connection is used and
// forwarding headers are ignored, since any client can set them. When it is
// true, the entry proxyCount hops from the right of X-Forwarded-For is used:
// with one trusted proxy that is the last entry, which the proxy appended.
// If the header is missing or shorter than proxyCount, X-Real-IP and then the
// peer address are used.
func ClientIP(r *http.Request, trustProxy bool, proxyCount int) string {
	if trustProxy {
		if proxyCount < 1 {
			proxyCount = 1
		}
		if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
			var hops []string
			for _, line := range xff {
				for _, part := range strings.Split(line, ",") {
					if part = strings.TrimSpace(part); part != "" {
						hops = append(hops, part)
					}
				}
			}
			if len(hops) >= proxyCount {
				if ip := normalizeIP(hops[len(hops)-proxyCount]); ip != "" {
					return ip
				}
			}
		}
		if ip := normalizeIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return remoteIP(r.RemoteAddr)
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if ip := normalizeIP(host); ip != "" {
		return ip
	}
	return host
}

func normalizeIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}
