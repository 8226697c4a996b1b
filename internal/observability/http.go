package observability

import (
	"net"
	"net/http"
	"strings"
)

// Origin identifies where a request came from.
type Origin struct {
	DeviceID  string
	IP        string
	RequestID string
}

// OriginOf reads the origin headers of r.
func OriginOf(r *http.Request) Origin {
	return Origin{
		DeviceID:  r.Header.Get("X-Device-Id"),
		IP:        clientIP(r),
		RequestID: r.Header.Get("X-Request-Id"),
	}
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
