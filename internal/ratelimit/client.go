package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// ClientKey derives the client identity of r: the first X-Forwarded-For entry when
// trustForwarded is set and the header is present, otherwise the peer address host.
func ClientKey(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
