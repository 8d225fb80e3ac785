package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client address a request is limited by, checking
// X-Forwarded-For, X-Real-IP, then RemoteAddr. When running behind a proxy
// the leftmost X-Forwarded-For entry is the original client.
func ClientIP(req *http.Request) string {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	if xri := req.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}

	return ip
}
