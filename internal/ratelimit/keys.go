package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// unknownKey pools every unidentifiable caller into one conservative bucket.
const unknownKey = "unknown"

// ResolveKey derives the limiter key for a request: the authenticated user id
// when the upstream auth boundary set one, otherwise the best-effort caller
// address. Shared with audit logging.
func ResolveKey(r *http.Request) string {
	if userID := strings.TrimSpace(r.Header.Get("X-User-ID")); userID != "" {
		return userID
	}
	return ClientAddress(r)
}

// ClientAddress resolves the caller network address, preferring the first
// X-Forwarded-For entry, then X-Real-IP, then the transport peer address.
func ClientAddress(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return unknownKey
}
